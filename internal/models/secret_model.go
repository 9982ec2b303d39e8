package models

import "time"

// Secret 加密后的敏感配置。GuildID 为空表示部署级密钥
type Secret struct {
	ID uint `gorm:"primaryKey"`

	GuildID    string `gorm:"type:varchar(20);not null;default:'';uniqueIndex:idx_secret_scope_name,priority:1"`
	Name       string `gorm:"type:varchar(64);not null;uniqueIndex:idx_secret_scope_name,priority:2"`
	Ciphertext []byte `gorm:"type:bytea;not null"`
	KeyVersion int    `gorm:"not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Secret) TableName() string {
	return "secrets"
}
