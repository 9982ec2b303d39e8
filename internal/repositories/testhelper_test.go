package repositories

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"

	"github.com/Gopher0727/Vela/internal/storage"
)

var (
	once      sync.Once
	sharedDSN string
	initErr   error
)

// setupTestDB starts one PostgreSQL container for the whole package run and
// returns a migrated connection with all tables emptied.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	once.Do(func() {
		sharedDSN, initErr = startContainer()
	})
	if initErr != nil {
		t.Fatalf("failed to start postgres container: %v", initErr)
	}

	db, err := storage.Open(sharedDSN, 2, 10)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	db.Exec("TRUNCATE guilds, members, audit_logs, secrets RESTART IDENTITY")

	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}

func startContainer() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "vela",
			"POSTGRES_PASSWORD": "vela",
			"POSTGRES_DB":       "vela",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("get mapped port: %w", err)
	}
	return storage.BuildDSN(host, port.Port(), "vela", "vela", "vela"), nil
}
