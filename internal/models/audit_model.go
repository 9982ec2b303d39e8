package models

import "time"

type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorUser   ActorType = "user"
	ActorAdmin  ActorType = "admin"
)

// 审计动作
const (
	ActionMemberJoin          = "member_join"
	ActionMemberRejoin        = "member_rejoin"
	ActionOnboardingCompleted = "onboarding_completed"
	ActionOnboardingRejected  = "onboarding_rejected"
	ActionOnboardingInvalid   = "onboarding_invalid"
	ActionOnboardingFailed    = "onboarding_failed"
	ActionOnboardingRecovered = "onboarding_recovered"
	ActionMemberDemoted       = "member_demoted"
	ActionDemoteRejected      = "demote_rejected"
	ActionDemoteFailed        = "demote_failed"
	ActionMemberRemoved       = "member_removed"
	ActionRemoveRejected      = "remove_rejected"
	ActionNicknameUpdated     = "nickname_updated"
	ActionNicknameFailed      = "nickname_update_failed"
	ActionConfigUpdated       = "config_updated"
	ActionGuildRegistered     = "guild_registered"
	ActionSecretUpdated       = "secret_updated"
	ActionAdminLogin          = "admin_login"
	ActionWelcomePosted       = "welcome_posted"
)

const (
	TargetMember = "member"
	TargetGuild  = "guild"
	TargetSecret = "secret"
	TargetAdmin  = "admin"
)

// AuditLog 只追加，不更新不删除。ID 为按时间递增的 snowflake
type AuditLog struct {
	ID int64 `gorm:"primaryKey;autoIncrement:false" json:"id,string"`

	GuildID    string         `gorm:"type:varchar(20);not null;index:idx_audit_guild_time,priority:1" json:"guild_id"`
	ActorType  ActorType      `gorm:"type:varchar(16);not null" json:"actor_type"`
	ActorID    string         `gorm:"type:varchar(20)" json:"actor_id"`
	Action     string         `gorm:"type:varchar(64);not null;index" json:"action"`
	TargetType string         `gorm:"type:varchar(16)" json:"target_type"`
	TargetID   string         `gorm:"type:varchar(64);index" json:"target_id"`
	Success    bool           `gorm:"not null" json:"success"`
	Detail     map[string]any `gorm:"type:jsonb;serializer:json" json:"detail,omitempty"`

	CreatedAt time.Time `gorm:"not null;index:idx_audit_guild_time,priority:2" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
