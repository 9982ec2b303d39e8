package models

import (
	"strings"
	"time"
)

type MemberStatus string

const (
	StatusPending   MemberStatus = "pending"
	StatusSubmitted MemberStatus = "submitted"
	StatusCompleted MemberStatus = "completed"
	StatusDemoted   MemberStatus = "demoted"
	StatusRemoved   MemberStatus = "removed"
)

// Valid 是否为可持久化的状态
func (s MemberStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusCompleted, StatusDemoted, StatusRemoved:
		return true
	}
	return false
}

// Member 某个 guild 内的一名成员。(guild_id, user_id) 唯一
type Member struct {
	ID uint `gorm:"primaryKey" json:"-"`

	GuildID          string       `gorm:"type:varchar(20);not null;uniqueIndex:idx_member_guild_user,priority:1;index:idx_member_guild_status,priority:1" json:"guild_id"`
	UserID           string       `gorm:"type:varchar(20);not null;uniqueIndex:idx_member_guild_user,priority:2" json:"user_id"`
	Username         string       `gorm:"type:varchar(64)" json:"username"`
	FirstName        string       `gorm:"type:varchar(64)" json:"first_name"`
	LastName         string       `gorm:"type:varchar(64)" json:"last_name"`
	Nickname         string       `gorm:"type:varchar(32)" json:"nickname"`
	PreviousNickname string       `gorm:"type:varchar(32)" json:"-"`
	Status           MemberStatus `gorm:"type:varchar(16);not null;index:idx_member_guild_status,priority:2" json:"status"`
	NicknameApplied  bool         `gorm:"not null;default:false" json:"nickname_applied"`
	RoleGranted      bool         `gorm:"not null;default:false" json:"role_granted"`

	FirstSeenAt time.Time  `json:"first_seen_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Member) TableName() string {
	return "members"
}

// FullName 已提交的姓名，未提交时为空
func (m *Member) FullName() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}
