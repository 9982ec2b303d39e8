package repositories

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/Vela/internal/models"
)

type SecretRepository struct {
	db *gorm.DB
}

func NewSecretRepository(db *gorm.DB) *SecretRepository {
	return &SecretRepository{db: db}
}

func (r *SecretRepository) Get(ctx context.Context, guildID, name string) (*models.Secret, error) {
	var s models.Secret
	err := r.db.WithContext(ctx).
		Where("guild_id = ? AND name = ?", guildID, name).
		First(&s).Error
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

// Upsert 按 (guild_id, name) 插入或覆盖密文和密钥版本
func (r *SecretRepository) Upsert(ctx context.Context, s *models.Secret) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guild_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "key_version", "updated_at"}),
	}).Create(s).Error
	return translate(err)
}

// CreateIfAbsent 仅在不存在时插入，返回是否由本次调用写入
func (r *SecretRepository) CreateIfAbsent(ctx context.Context, s *models.Secret) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(s)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// List 返回全部密钥行，仅供轮换使用
func (r *SecretRepository) List(ctx context.Context) ([]models.Secret, error) {
	var secrets []models.Secret
	if err := r.db.WithContext(ctx).Order("id").Find(&secrets).Error; err != nil {
		return nil, err
	}
	return secrets, nil
}
