package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/internal/middlewares"
	"github.com/Gopher0727/Vela/internal/models"
	"github.com/Gopher0727/Vela/internal/services"
	logger "github.com/Gopher0727/Vela/middleware/log"
)

// GuildConfigService guild 注册与配置
type GuildConfigService interface {
	GetConfig(ctx context.Context, guildID string) (*services.GuildConfig, error)
	UpdateConfig(ctx context.Context, guildID string, patch *services.ConfigPatch) (*services.GuildConfig, error)
	RegisterGuild(ctx context.Context, req *services.RegisterGuildRequest) (*services.GuildConfig, error)
	DeactivateGuild(ctx context.Context, guildID string) error
	ListGuilds(ctx context.Context, guildIDs []string) ([]*services.GuildConfig, error)
}

// AuditAppender 管理操作写审计，提交后才响应
type AuditAppender interface {
	Append(ctx context.Context, entry *models.AuditLog) error
}

// WelcomePoster 通过机器人发布引导消息
type WelcomePoster interface {
	PostWelcome(ctx context.Context, guildID, channelID string) (string, error)
}

// GuildHandler guild 注册、配置与引导消息
type GuildHandler struct {
	config  GuildConfigService
	audit   AuditAppender
	welcome WelcomePoster
	logger  *logger.Logger
}

func NewGuildHandler(config GuildConfigService, audit AuditAppender, welcome WelcomePoster, log *logger.Logger) *GuildHandler {
	return &GuildHandler{config: config, audit: audit, welcome: welcome, logger: log.Named("http")}
}

// ListGuilds 当前会话可管理的 guild；超级管理员看到全部
func (h *GuildHandler) ListGuilds(c *gin.Context) {
	claims := middlewares.Claims(c)
	var ids []string
	if !claims.SuperAdmin {
		if len(claims.GuildIDs) == 0 {
			ok(c, []*services.GuildConfig{})
			return
		}
		ids = claims.GuildIDs
	}
	guilds, err := h.config.ListGuilds(c.Request.Context(), ids)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, guilds)
}

// RegisterGuild 注册 guild（超级管理员）
func (h *GuildHandler) RegisterGuild(c *gin.Context) {
	var req services.RegisterGuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, h.logger, &services.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	cfg, err := h.config.RegisterGuild(c.Request.Context(), &req)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	if err := h.record(c, cfg.GuildID, models.ActionGuildRegistered, models.TargetGuild, cfg.GuildID, map[string]any{"name": cfg.Name}); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": 0, "message": "success", "data": cfg})
}

// DeactivateGuild 停用 guild，数据保留（超级管理员）
func (h *GuildHandler) DeactivateGuild(c *gin.Context) {
	guildID := c.Param("guild_id")
	if err := h.config.DeactivateGuild(c.Request.Context(), guildID); err != nil {
		fail(c, h.logger, err)
		return
	}
	if err := h.record(c, guildID, models.ActionConfigUpdated, models.TargetGuild, guildID, map[string]any{"is_active": false}); err != nil {
		fail(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *GuildHandler) GetConfig(c *gin.Context) {
	cfg, err := h.config.GetConfig(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, cfg)
}

// UpdateConfig 部分更新，POST 与 PATCH 同义
func (h *GuildHandler) UpdateConfig(c *gin.Context) {
	var patch services.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		fail(c, h.logger, &services.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	guildID := c.Param("guild_id")
	cfg, err := h.config.UpdateConfig(c.Request.Context(), guildID, &patch)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	if err := h.record(c, guildID, models.ActionConfigUpdated, models.TargetGuild, guildID, map[string]any{"version": cfg.Version}); err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, cfg)
}

type welcomeRequest struct {
	ChannelID string `json:"channel_id"`
}

// PostWelcome 在欢迎频道发布引导消息；channel_id 为空时使用配置中的频道
func (h *GuildHandler) PostWelcome(c *gin.Context) {
	var req welcomeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, h.logger, &services.ValidationError{Field: "body", Reason: err.Error()})
			return
		}
	}
	guildID := c.Param("guild_id")
	messageID, err := h.welcome.PostWelcome(c.Request.Context(), guildID, req.ChannelID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	if err := h.record(c, guildID, models.ActionWelcomePosted, models.TargetGuild, guildID, map[string]any{
		"channel_id": req.ChannelID,
		"message_id": messageID,
	}); err != nil {
		h.logger.WarnContext(c.Request.Context(), "welcome posted but not audited", zap.Error(err))
	}
	ok(c, gin.H{"message_id": messageID})
}

func (h *GuildHandler) record(c *gin.Context, guildID, action, targetType, targetID string, detail map[string]any) error {
	claims := middlewares.Claims(c)
	return h.audit.Append(c.Request.Context(), &models.AuditLog{
		GuildID:    guildID,
		ActorType:  models.ActorAdmin,
		ActorID:    claims.AdminID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Success:    true,
		Detail:     detail,
	})
}
