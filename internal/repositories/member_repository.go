package repositories

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/Vela/internal/models"
)

// MemberFilter 成员列表的过滤条件。默认不包含已移除成员
type MemberFilter struct {
	Status         models.MemberStatus
	Search         string
	IncludeRemoved bool
	Page
}

type MemberRepository struct {
	db *gorm.DB
}

func NewMemberRepository(db *gorm.DB) *MemberRepository {
	return &MemberRepository{db: db}
}

func (r *MemberRepository) Get(ctx context.Context, guildID, userID string) (*models.Member, error) {
	var m models.Member
	err := r.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		First(&m).Error
	if err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

// Save 在同一事务内写入成员记录和对应的审计条目
// 实现逻辑：成员 ID 为 0 时插入（唯一索引冲突返回 ErrDuplicate），否则整条更新；
// entry 非空时随后插入审计表。任一步失败整体回滚
func (r *MemberRepository) Save(ctx context.Context, m *models.Member, entry *models.AuditLog) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if m != nil {
			if m.ID == 0 {
				if err := tx.Create(m).Error; err != nil {
					return err
				}
			} else if err := tx.Save(m).Error; err != nil {
				return err
			}
		}
		if entry != nil {
			if err := tx.Create(entry).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return translate(err)
}

func (r *MemberRepository) List(ctx context.Context, guildID string, f MemberFilter) ([]models.Member, int64, error) {
	f.Page = f.Page.normalize()

	q := r.db.WithContext(ctx).Model(&models.Member{}).Where("guild_id = ?", guildID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	} else if !f.IncludeRemoved {
		q = q.Where("status <> ?", models.StatusRemoved)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + escapeLike(s) + "%"
		q = q.Where("(username ILIKE ? OR first_name ILIKE ? OR last_name ILIKE ? OR user_id = ?)", like, like, like, s)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var members []models.Member
	err := q.Order("updated_at DESC").Order("id DESC").
		Limit(f.Limit).Offset(f.Offset).
		Find(&members).Error
	if err != nil {
		return nil, 0, err
	}
	return members, total, nil
}

// CountByStatus 按状态分组计数
func (r *MemberRepository) CountByStatus(ctx context.Context, guildID string) (map[models.MemberStatus]int64, error) {
	var rows []struct {
		Status models.MemberStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.Member{}).
		Select("status, COUNT(*) AS count").
		Where("guild_id = ?", guildID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.MemberStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// ListStale 查询停留在某状态超过指定时间的成员，用于启动时的恢复
func (r *MemberRepository) ListStale(ctx context.Context, guildID string, status models.MemberStatus, before time.Time, limit int) ([]models.Member, error) {
	var members []models.Member
	err := r.db.WithContext(ctx).
		Where("guild_id = ? AND status = ? AND updated_at < ?", guildID, status, before).
		Order("updated_at").
		Limit(limit).
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
