package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/Vela/internal/models"
)

type AuditFilter struct {
	Action   string
	ActorID  string
	TargetID string
	Since    time.Time
	Until    time.Time
	Page
}

// AuditRepository 只提供插入和查询，没有更新和删除
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Create(ctx context.Context, entry *models.AuditLog) error {
	return translate(r.db.WithContext(ctx).Create(entry).Error)
}

// Query 按时间倒序返回某个 guild 的审计条目
func (r *AuditRepository) Query(ctx context.Context, guildID string, f AuditFilter) ([]models.AuditLog, int64, error) {
	f.Page = f.Page.normalize()

	q := r.db.WithContext(ctx).Model(&models.AuditLog{}).Where("guild_id = ?", guildID)
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.TargetID != "" {
		q = q.Where("target_id = ?", f.TargetID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at < ?", f.Until)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []models.AuditLog
	err := q.Order("created_at DESC").Order("id DESC").
		Limit(f.Limit).Offset(f.Offset).
		Find(&entries).Error
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}
