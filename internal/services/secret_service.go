package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/Gopher0727/Vela/internal/models"
	"github.com/Gopher0727/Vela/internal/repositories"
	"github.com/Gopher0727/Vela/pkg/cryptox"
)

// 部署级密钥名，guild 为空
const (
	SecretInteractionSigningKey = "interaction_signing_key"
	SecretDiscordBotToken       = "discord_bot_token"
	SecretSessionKey            = "admin_session_key"
)

// SecretStore 密文的持久化
type SecretStore interface {
	Get(ctx context.Context, guildID, name string) (*models.Secret, error)
	Upsert(ctx context.Context, s *models.Secret) error
	CreateIfAbsent(ctx context.Context, s *models.Secret) (bool, error)
	List(ctx context.Context) ([]models.Secret, error)
}

type secretKey struct {
	guildID string
	name    string
}

// SecretService 加密存储 guild 级与部署级密钥
// 解密后的明文放在 memguard enclave 中缓存，按 (guild, name) 隔离
type SecretService struct {
	store   SecretStore
	keyring *cryptox.Keyring

	mu    sync.RWMutex
	cache map[secretKey]*memguard.Enclave
}

func NewSecretService(store SecretStore, keyring *cryptox.Keyring) *SecretService {
	return &SecretService{
		store:   store,
		keyring: keyring,
		cache:   make(map[secretKey]*memguard.Enclave),
	}
}

// SetSecret 用当前密钥版本加密并覆盖写入
func (s *SecretService) SetSecret(ctx context.Context, guildID, name string, plaintext []byte) error {
	if name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len(plaintext) == 0 {
		return &ValidationError{Field: "value", Reason: "must not be empty"}
	}

	row, err := s.seal(guildID, name, plaintext)
	if err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, row); err != nil {
		return fmt.Errorf("store secret: %w", err)
	}
	s.remember(guildID, name, plaintext)
	return nil
}

// GetSecret 返回明文副本，调用方用完自行丢弃
func (s *SecretService) GetSecret(ctx context.Context, guildID, name string) ([]byte, error) {
	if v, ok := s.cached(guildID, name); ok {
		return v, nil
	}

	row, err := s.store.Get(ctx, guildID, name)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("load secret: %w", err)
	}

	plaintext, err := s.keyring.Open(row.Ciphertext, aad(guildID, name), row.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s key version %d", ErrDecryption, guildID, name, row.KeyVersion)
	}
	s.remember(guildID, name, plaintext)
	return plaintext, nil
}

// EnsureSecret 读取密钥，不存在时用 generate 生成并写入
// 多个进程同时首次启动时只有一个写入成功，其余读取胜者的值
func (s *SecretService) EnsureSecret(ctx context.Context, guildID, name string, generate func() ([]byte, error)) ([]byte, error) {
	v, err := s.GetSecret(ctx, guildID, name)
	if err == nil || !errors.Is(err, ErrSecretNotFound) {
		return v, err
	}

	fresh, err := generate()
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", name, err)
	}
	row, err := s.seal(guildID, name, fresh)
	if err != nil {
		return nil, err
	}
	created, err := s.store.CreateIfAbsent(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("store secret: %w", err)
	}
	if !created {
		return s.GetSecret(ctx, guildID, name)
	}
	s.remember(guildID, name, fresh)
	return fresh, nil
}

// Rotate 把所有非当前版本的密文用当前密钥重新加密，返回处理的条数
func (s *SecretService) Rotate(ctx context.Context) (int, error) {
	rows, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list secrets: %w", err)
	}

	rotated := 0
	current := s.keyring.CurrentVersion()
	for i := range rows {
		row := &rows[i]
		if row.KeyVersion == current {
			continue
		}
		plaintext, err := s.keyring.Open(row.Ciphertext, aad(row.GuildID, row.Name), row.KeyVersion)
		if err != nil {
			return rotated, fmt.Errorf("%w: %s/%s key version %d", ErrDecryption, row.GuildID, row.Name, row.KeyVersion)
		}
		sealed, err := s.seal(row.GuildID, row.Name, plaintext)
		if err != nil {
			return rotated, err
		}
		if err := s.store.Upsert(ctx, sealed); err != nil {
			return rotated, fmt.Errorf("store secret: %w", err)
		}
		rotated++
	}
	return rotated, nil
}

// Forget 丢弃某个明文缓存
func (s *SecretService) Forget(guildID, name string) {
	s.mu.Lock()
	delete(s.cache, secretKey{guildID, name})
	s.mu.Unlock()
}

func (s *SecretService) seal(guildID, name string, plaintext []byte) (*models.Secret, error) {
	ct, version, err := s.keyring.Seal(plaintext, aad(guildID, name))
	if err != nil {
		return nil, fmt.Errorf("seal secret: %w", err)
	}
	return &models.Secret{GuildID: guildID, Name: name, Ciphertext: ct, KeyVersion: version}, nil
}

// remember 复制一份明文放入 enclave；NewEnclave 会擦除传入的缓冲区
func (s *SecretService) remember(guildID, name string, plaintext []byte) {
	buf := make([]byte, len(plaintext))
	copy(buf, plaintext)
	enclave := memguard.NewEnclave(buf)
	if enclave == nil {
		return
	}
	s.mu.Lock()
	s.cache[secretKey{guildID, name}] = enclave
	s.mu.Unlock()
}

func (s *SecretService) cached(guildID, name string) ([]byte, bool) {
	s.mu.RLock()
	enclave, ok := s.cache[secretKey{guildID, name}]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	lb, err := enclave.Open()
	if err != nil {
		return nil, false
	}
	defer lb.Destroy()
	out := make([]byte, lb.Size())
	copy(out, lb.Bytes())
	return out, true
}

// aad 把密文绑定到它的作用域，防止把一个 guild 的密文搬到另一个 guild 下使用
func aad(guildID, name string) []byte {
	return []byte(guildID + "/" + name)
}
