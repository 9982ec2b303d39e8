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

type SecretWriter interface {
	SetSecret(ctx context.Context, guildID, name string, plaintext []byte) error
}

// SecretHandler 只写：密钥值从不通过接口返回
type SecretHandler struct {
	secrets SecretWriter
	audit   AuditAppender
	logger  *logger.Logger
}

func NewSecretHandler(secrets SecretWriter, audit AuditAppender, log *logger.Logger) *SecretHandler {
	return &SecretHandler{secrets: secrets, audit: audit, logger: log.Named("http")}
}

type putSecretRequest struct {
	Value string `json:"value" binding:"required,max=4096"`
}

// Put 写入或覆盖 guild 密钥
// PUT /guilds/:guild_id/secrets/:name
func (h *SecretHandler) Put(c *gin.Context) {
	var req putSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, h.logger, &services.ValidationError{Field: "value", Reason: "is required"})
		return
	}
	guildID, name := c.Param("guild_id"), c.Param("name")
	if err := h.secrets.SetSecret(c.Request.Context(), guildID, name, []byte(req.Value)); err != nil {
		fail(c, h.logger, err)
		return
	}

	claims := middlewares.Claims(c)
	err := h.audit.Append(c.Request.Context(), &models.AuditLog{
		GuildID:    guildID,
		ActorType:  models.ActorAdmin,
		ActorID:    claims.AdminID,
		Action:     models.ActionSecretUpdated,
		TargetType: models.TargetSecret,
		TargetID:   name,
		Success:    true,
	})
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	h.logger.InfoContext(c.Request.Context(), "secret updated",
		zap.String("guild_id", guildID), zap.String("name", name), logger.Secret("value", req.Value))
	c.Status(http.StatusNoContent)
}
