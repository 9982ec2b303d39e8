package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Gopher0727/Vela/internal/middlewares"
	"github.com/Gopher0727/Vela/internal/models"
	"github.com/Gopher0727/Vela/internal/repositories"
	"github.com/Gopher0727/Vela/internal/services"
	logger "github.com/Gopher0727/Vela/middleware/log"
	"github.com/Gopher0727/Vela/pkg/ws"
)

type AuditQuerier interface {
	Query(ctx context.Context, guildID string, f repositories.AuditFilter) ([]models.AuditLog, int64, error)
}

// AuditHandler 审计查询与实时推送
type AuditHandler struct {
	audit    AuditQuerier
	hub      *ws.Hub
	upgrader *websocket.Upgrader
	logger   *logger.Logger
}

func NewAuditHandler(audit AuditQuerier, hub *ws.Hub, upgrader *websocket.Upgrader, log *logger.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, hub: hub, upgrader: upgrader, logger: log.Named("http")}
}

type auditQuery struct {
	Action   string    `form:"action" binding:"max=64"`
	ActorID  string    `form:"actor_id" binding:"max=20"`
	TargetID string    `form:"target_id" binding:"max=64"`
	Since    time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Until    time.Time `form:"until" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit    int       `form:"limit" binding:"min=0,max=500"`
	Offset   int       `form:"offset" binding:"min=0"`
}

// Query 分页审计，新的在前
// GET /guilds/:guild_id/audit?action=&actor_id=&target_id=&since=&until=&limit=&offset=
func (h *AuditHandler) Query(c *gin.Context) {
	var q auditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, h.logger, &services.ValidationError{Field: "query", Reason: err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = 50
	}
	entries, total, err := h.audit.Query(c.Request.Context(), c.Param("guild_id"), repositories.AuditFilter{
		Action:   q.Action,
		ActorID:  q.ActorID,
		TargetID: q.TargetID,
		Since:    q.Since,
		Until:    q.Until,
		Page:     repositories.Page{Limit: q.Limit, Offset: q.Offset},
	})
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	page(c, entries, total, q.Limit, q.Offset)
}

// Stream 升级为 websocket，推送该 guild 新提交的审计条目
// GET /guilds/:guild_id/audit/stream
func (h *AuditHandler) Stream(c *gin.Context) {
	claims := middlewares.Claims(c)
	ws.ServeWs(h.hub, h.upgrader, c, claims.AdminID, []string{c.Param("guild_id")})
}
