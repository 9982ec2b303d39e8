package models

import "time"

// Guild 一个接入的 Discord 服务器。只做停用，不做物理删除
type Guild struct {
	ID uint `gorm:"primaryKey" json:"-"`

	GuildID  string        `gorm:"type:varchar(20);uniqueIndex;not null" json:"guild_id"`
	Name     string        `gorm:"type:varchar(100)" json:"name"`
	IsActive bool          `gorm:"not null;default:true" json:"is_active"`
	Settings GuildSettings `gorm:"type:jsonb;serializer:json;not null" json:"settings"`
	Version  int64         `gorm:"not null;default:1" json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Guild) TableName() string {
	return "guilds"
}

// GuildSettings 整体序列化为 jsonb，更新时整条记录写回
type GuildSettings struct {
	WelcomeChannelID     string         `json:"welcome_channel_id,omitempty"`
	LogChannelID         string         `json:"log_channel_id,omitempty"`
	OnboardedRoleID      string         `json:"onboarded_role_id,omitempty"`
	WelcomeText          string         `json:"welcome_text,omitempty"`
	HelpText             string         `json:"help_text,omitempty"`
	NicknameTemplate     string         `json:"nickname_template,omitempty"`
	AdminUserIDs         []string       `json:"admin_user_ids,omitempty"`
	CommandsAllowedRoles []string       `json:"commands_allowed_roles,omitempty"`
	Toggles              FeatureToggles `json:"toggles"`
}

type FeatureToggles struct {
	SetNickname         bool `json:"set_nickname"`
	AutoRole            bool `json:"auto_role"`
	PreventReonboarding bool `json:"prevent_reonboarding"`
	HelpButton          bool `json:"help_button"`
	NotifyOnJoin        bool `json:"notify_on_join"`
	NotifyOnComplete    bool `json:"notify_on_complete"`
	CommandsEnabled     bool `json:"commands_enabled"`
}

// DefaultSettings 新注册 guild 的初始配置
func DefaultSettings() GuildSettings {
	return GuildSettings{
		NicknameTemplate: "{first_name} {last_name}",
		Toggles: FeatureToggles{
			SetNickname:         true,
			AutoRole:            true,
			PreventReonboarding: true,
			HelpButton:          true,
			NotifyOnComplete:    true,
			CommandsEnabled:     true,
		},
	}
}
