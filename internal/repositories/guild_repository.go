package repositories

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/Vela/internal/models"
)

type GuildRepository struct {
	db *gorm.DB
}

func NewGuildRepository(db *gorm.DB) *GuildRepository {
	return &GuildRepository{db: db}
}

// Get 按 Discord guild ID 查询
func (r *GuildRepository) Get(ctx context.Context, guildID string) (*models.Guild, error) {
	var guild models.Guild
	err := r.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&guild).Error
	if err != nil {
		return nil, translate(err)
	}
	return &guild, nil
}

func (r *GuildRepository) Create(ctx context.Context, guild *models.Guild) error {
	return translate(r.db.WithContext(ctx).Create(guild).Error)
}

// Update 在事务内锁行读取、修改并整条写回
// 实现逻辑：SELECT ... FOR UPDATE 锁住该 guild，调用 mutate 修改内存副本，版本号加一后 Save。
// mutate 返回错误时事务回滚，数据库中不会留下部分修改
func (r *GuildRepository) Update(ctx context.Context, guildID string, mutate func(*models.Guild) error) (*models.Guild, error) {
	var guild models.Guild
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("guild_id = ?", guildID).
			First(&guild).Error
		if err != nil {
			return err
		}
		if err := mutate(&guild); err != nil {
			return err
		}
		guild.Version++
		return tx.Save(&guild).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &guild, nil
}

// List 返回指定 guild；guildIDs 为 nil 时返回全部
func (r *GuildRepository) List(ctx context.Context, guildIDs []string) ([]models.Guild, error) {
	var guilds []models.Guild
	q := r.db.WithContext(ctx).Order("guild_id")
	if guildIDs != nil {
		if len(guildIDs) == 0 {
			return guilds, nil
		}
		q = q.Where("guild_id IN ?", guildIDs)
	}
	if err := q.Find(&guilds).Error; err != nil {
		return nil, err
	}
	return guilds, nil
}
