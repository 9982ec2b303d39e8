package services

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/Gopher0727/Vela/internal/models"
	"github.com/Gopher0727/Vela/internal/repositories"
	"github.com/Gopher0727/Vela/internal/utils"
)

// GuildStore guild 配置的持久化
type GuildStore interface {
	Get(ctx context.Context, guildID string) (*models.Guild, error)
	Create(ctx context.Context, guild *models.Guild) error
	Update(ctx context.Context, guildID string, mutate func(*models.Guild) error) (*models.Guild, error)
	List(ctx context.Context, guildIDs []string) ([]models.Guild, error)
}

// GuildConfig 对外暴露的 guild 配置快照，调用方拿到的是副本
type GuildConfig struct {
	GuildID string `json:"guild_id"`
	Name    string `json:"name"`
	Active  bool   `json:"is_active"`
	Version int64  `json:"version"`
	models.GuildSettings
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAdmin 用户是否在该 guild 的管理员名单中
func (c *GuildConfig) IsAdmin(userID string) bool {
	return slices.Contains(c.AdminUserIDs, userID)
}

// TogglesPatch 只修改非 nil 的开关
type TogglesPatch struct {
	SetNickname         *bool `json:"set_nickname"`
	AutoRole            *bool `json:"auto_role"`
	PreventReonboarding *bool `json:"prevent_reonboarding"`
	HelpButton          *bool `json:"help_button"`
	NotifyOnJoin        *bool `json:"notify_on_join"`
	NotifyOnComplete    *bool `json:"notify_on_complete"`
	CommandsEnabled     *bool `json:"commands_enabled"`
}

// ConfigPatch 部分更新请求。空字符串表示清空该字段
type ConfigPatch struct {
	Name                 *string       `json:"name" validate:"omitempty,max=100"`
	WelcomeChannelID     *string       `json:"welcome_channel_id" validate:"omitempty,snowflake"`
	LogChannelID         *string       `json:"log_channel_id" validate:"omitempty,snowflake"`
	OnboardedRoleID      *string       `json:"onboarded_role_id" validate:"omitempty,snowflake"`
	WelcomeText          *string       `json:"welcome_text" validate:"omitempty,max=2000"`
	HelpText             *string       `json:"help_text" validate:"omitempty,max=2000"`
	NicknameTemplate     *string       `json:"nickname_template" validate:"omitempty,max=100,nicktemplate"`
	AdminUserIDs         *[]string     `json:"admin_user_ids" validate:"omitempty,max=50,dive,snowflake"`
	CommandsAllowedRoles *[]string     `json:"commands_allowed_roles" validate:"omitempty,max=50,dive,snowflake"`
	Toggles              *TogglesPatch `json:"toggles"`
}

type RegisterGuildRequest struct {
	GuildID      string   `json:"guild_id" validate:"required,snowflake"`
	Name         string   `json:"name" validate:"max=100"`
	AdminUserIDs []string `json:"admin_user_ids" validate:"max=50,dive,snowflake"`
}

// ConfigService guild 配置的读写
// 读走进程内缓存，未命中时用 singleflight 合并回源；写按 guild 串行并在事务中整条写回，
// 提交成功后用提交值替换缓存，保证写后读一致
type ConfigService struct {
	guilds   GuildStore
	validate *validator.Validate
	locks    *utils.KeyLock
	group    singleflight.Group

	mu    sync.RWMutex
	cache map[string]*GuildConfig
}

func NewConfigService(guilds GuildStore) *ConfigService {
	return &ConfigService{
		guilds:   guilds,
		validate: utils.NewValidator(),
		locks:    utils.NewKeyLock(),
		cache:    make(map[string]*GuildConfig),
	}
}

// GetConfig 读取 guild 配置
func (s *ConfigService) GetConfig(ctx context.Context, guildID string) (*GuildConfig, error) {
	s.mu.RLock()
	cfg, ok := s.cache[guildID]
	s.mu.RUnlock()
	if ok {
		return cfg.clone(), nil
	}

	v, err, _ := s.group.Do(guildID, func() (any, error) {
		g, err := s.guilds.Get(ctx, guildID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, ErrGuildNotFound
			}
			return nil, err
		}
		loaded := toConfig(g)
		return s.storeIfNewer(loaded), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*GuildConfig).clone(), nil
}

// UpdateConfig 校验并合并部分更新
// 实现逻辑：先做字段校验（任何字段非法则整体拒绝，不落库）；
// 再在 guild 锁内开启事务锁行、合并、写回，最后刷新缓存
func (s *ConfigService) UpdateConfig(ctx context.Context, guildID string, patch *ConfigPatch) (*GuildConfig, error) {
	if err := s.validateStruct(patch); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(guildID)
	defer unlock()

	g, err := s.guilds.Update(ctx, guildID, func(g *models.Guild) error {
		if patch.Name != nil {
			g.Name = *patch.Name
		}
		applyPatch(&g.Settings, patch)
		return nil
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrGuildNotFound
		}
		return nil, err
	}

	cfg := toConfig(g)
	s.put(cfg)
	return cfg.clone(), nil
}

// RegisterGuild 注册新 guild；已停用的 guild 重新启用并沿用原配置
func (s *ConfigService) RegisterGuild(ctx context.Context, req *RegisterGuildRequest) (*GuildConfig, error) {
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(req.GuildID)
	defer unlock()

	settings := models.DefaultSettings()
	settings.AdminUserIDs = slices.Clone(req.AdminUserIDs)
	g := &models.Guild{GuildID: req.GuildID, Name: req.Name, IsActive: true, Settings: settings, Version: 1}

	err := s.guilds.Create(ctx, g)
	if errors.Is(err, repositories.ErrDuplicate) {
		var reactivated bool
		g, err = s.guilds.Update(ctx, req.GuildID, func(existing *models.Guild) error {
			if existing.IsActive {
				return ErrGuildExists
			}
			existing.IsActive = true
			reactivated = true
			return nil
		})
		if err == nil && !reactivated {
			err = ErrGuildExists
		}
	}
	if err != nil {
		return nil, err
	}

	cfg := toConfig(g)
	s.put(cfg)
	return cfg.clone(), nil
}

// DeactivateGuild 停用 guild，数据保留
func (s *ConfigService) DeactivateGuild(ctx context.Context, guildID string) error {
	unlock := s.locks.Lock(guildID)
	defer unlock()

	g, err := s.guilds.Update(ctx, guildID, func(g *models.Guild) error {
		g.IsActive = false
		return nil
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrGuildNotFound
		}
		return err
	}
	s.put(toConfig(g))
	return nil
}

// ListGuilds guildIDs 为 nil 表示全部
func (s *ConfigService) ListGuilds(ctx context.Context, guildIDs []string) ([]*GuildConfig, error) {
	guilds, err := s.guilds.List(ctx, guildIDs)
	if err != nil {
		return nil, err
	}
	out := make([]*GuildConfig, 0, len(guilds))
	for i := range guilds {
		out = append(out, toConfig(&guilds[i]))
	}
	return out, nil
}

// Invalidate 丢弃缓存，下次读取回源
func (s *ConfigService) Invalidate(guildID string) {
	s.mu.Lock()
	delete(s.cache, guildID)
	s.mu.Unlock()
}

func (s *ConfigService) put(cfg *GuildConfig) {
	s.mu.Lock()
	s.cache[cfg.GuildID] = cfg
	s.mu.Unlock()
}

// storeIfNewer 回源结果只在版本不旧于缓存时写入，避免慢读覆盖刚提交的更新
func (s *ConfigService) storeIfNewer(cfg *GuildConfig) *GuildConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cache[cfg.GuildID]; ok && cur.Version >= cfg.Version {
		return cur
	}
	s.cache[cfg.GuildID] = cfg
	return cfg
}

func (s *ConfigService) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fe.Field(), Reason: "failed " + fe.Tag() + " check"}
	}
	return &ValidationError{Field: "request", Reason: err.Error()}
}

func applyPatch(st *models.GuildSettings, p *ConfigPatch) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&st.WelcomeChannelID, p.WelcomeChannelID)
	setString(&st.LogChannelID, p.LogChannelID)
	setString(&st.OnboardedRoleID, p.OnboardedRoleID)
	setString(&st.WelcomeText, p.WelcomeText)
	setString(&st.HelpText, p.HelpText)
	setString(&st.NicknameTemplate, p.NicknameTemplate)
	if p.AdminUserIDs != nil {
		st.AdminUserIDs = slices.Clone(*p.AdminUserIDs)
	}
	if p.CommandsAllowedRoles != nil {
		st.CommandsAllowedRoles = slices.Clone(*p.CommandsAllowedRoles)
	}
	if t := p.Toggles; t != nil {
		setBool := func(dst *bool, src *bool) {
			if src != nil {
				*dst = *src
			}
		}
		setBool(&st.Toggles.SetNickname, t.SetNickname)
		setBool(&st.Toggles.AutoRole, t.AutoRole)
		setBool(&st.Toggles.PreventReonboarding, t.PreventReonboarding)
		setBool(&st.Toggles.HelpButton, t.HelpButton)
		setBool(&st.Toggles.NotifyOnJoin, t.NotifyOnJoin)
		setBool(&st.Toggles.NotifyOnComplete, t.NotifyOnComplete)
		setBool(&st.Toggles.CommandsEnabled, t.CommandsEnabled)
	}
}

func toConfig(g *models.Guild) *GuildConfig {
	cfg := &GuildConfig{
		GuildID:       g.GuildID,
		Name:          g.Name,
		Active:        g.IsActive,
		Version:       g.Version,
		GuildSettings: g.Settings,
		UpdatedAt:     g.UpdatedAt,
	}
	return cfg.clone()
}

func (c *GuildConfig) clone() *GuildConfig {
	out := *c
	out.AdminUserIDs = slices.Clone(c.AdminUserIDs)
	out.CommandsAllowedRoles = slices.Clone(c.CommandsAllowedRoles)
	return &out
}
