package main

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Gopher0727/Vela/config"
	"github.com/Gopher0727/Vela/internal/repositories"
	"github.com/Gopher0727/Vela/internal/services"
	"github.com/Gopher0727/Vela/internal/storage"
	"github.com/Gopher0727/Vela/pkg/cryptox"
)

func runValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if _, err := cryptox.NewKeyring(cfg.Secrets.Keys, cfg.Secrets.CurrentVersion); err != nil {
		return fmt.Errorf("secrets.keys: %w", err)
	}
	cmd.Printf("%s: ok (kafka=%t, key version %d)\n", configPath, cfg.Kafka.Enabled, cfg.Secrets.CurrentVersion)
	return nil
}

// runRotate 轮换后旧版本密钥可以从配置中移除
func runRotate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	keyring, err := cryptox.NewKeyring(cfg.Secrets.Keys, cfg.Secrets.CurrentVersion)
	if err != nil {
		return fmt.Errorf("secrets.keys: %w", err)
	}
	db, err := storage.InitPostgres(&cfg.Postgres)
	if err != nil {
		return err
	}
	defer storage.Close(db)

	n, err := services.NewSecretService(repositories.NewSecretRepository(db), keyring).Rotate(cmd.Context())
	if err != nil {
		return err
	}
	cmd.Printf("re-encrypted %d secret(s) under key version %d\n", n, keyring.CurrentVersion())
	return nil
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	key, err := cryptox.RandomKey(32)
	if err != nil {
		return err
	}
	cmd.Println(base64.StdEncoding.EncodeToString(key))
	return nil
}
