package handlers

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/Vela/internal/middlewares"
	"github.com/Gopher0727/Vela/internal/models"
	"github.com/Gopher0727/Vela/internal/repositories"
	"github.com/Gopher0727/Vela/internal/services"
	logger "github.com/Gopher0727/Vela/middleware/log"
)

// MemberService 管理后台用到的成员操作
type MemberService interface {
	Get(ctx context.Context, guildID, userID string) (*models.Member, error)
	List(ctx context.Context, guildID string, f repositories.MemberFilter) ([]models.Member, int64, error)
	Stats(ctx context.Context, guildID string) (*services.Stats, error)
	Export(ctx context.Context, guildID string, includeRemoved bool) ([]models.Member, error)
	Approve(ctx context.Context, actor services.Actor, guildID, userID string) (*models.Member, error)
	Demote(ctx context.Context, actor services.Actor, guildID, userID string) (*models.Member, error)
	Remove(ctx context.Context, actor services.Actor, guildID, userID string) (*models.Member, error)
}

// MemberHandler 成员查询与管理
type MemberHandler struct {
	members MemberService
	logger  *logger.Logger
}

func NewMemberHandler(members MemberService, log *logger.Logger) *MemberHandler {
	return &MemberHandler{members: members, logger: log.Named("http")}
}

type listMembersQuery struct {
	Status         string `form:"status"`
	Search         string `form:"search" binding:"max=100"`
	IncludeRemoved bool   `form:"include_removed"`
	Limit          int    `form:"limit" binding:"min=0,max=500"`
	Offset         int    `form:"offset" binding:"min=0"`
}

// List 成员列表
// GET /guilds/:guild_id/members?status=&search=&include_removed=&limit=&offset=
func (h *MemberHandler) List(c *gin.Context) {
	var q listMembersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, h.logger, &services.ValidationError{Field: "query", Reason: err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = 50
	}

	items, total, err := h.members.List(c.Request.Context(), c.Param("guild_id"), repositories.MemberFilter{
		Status:         models.MemberStatus(q.Status),
		Search:         q.Search,
		IncludeRemoved: q.IncludeRemoved,
		Page:           repositories.Page{Limit: q.Limit, Offset: q.Offset},
	})
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	page(c, items, total, q.Limit, q.Offset)
}

func (h *MemberHandler) Get(c *gin.Context) {
	m, err := h.members.Get(c.Request.Context(), c.Param("guild_id"), c.Param("user_id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, m)
}

func (h *MemberHandler) Stats(c *gin.Context) {
	st, err := h.members.Stats(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, st)
}

func (h *MemberHandler) Approve(c *gin.Context) {
	h.transition(c, h.members.Approve)
}

func (h *MemberHandler) Demote(c *gin.Context) {
	h.transition(c, h.members.Demote)
}

func (h *MemberHandler) Remove(c *gin.Context) {
	h.transition(c, h.members.Remove)
}

type transitionFunc func(ctx context.Context, actor services.Actor, guildID, userID string) (*models.Member, error)

// transition 管理员发起的状态转换，操作者取自会话
func (h *MemberHandler) transition(c *gin.Context, fn transitionFunc) {
	claims := middlewares.Claims(c)
	m, err := fn(c.Request.Context(), services.AdminActor(claims.AdminID), c.Param("guild_id"), c.Param("user_id"))
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	ok(c, m)
}

var csvHeader = []string{
	"user_id", "username", "first_name", "last_name", "nickname", "status",
	"first_seen_at", "submitted_at", "completed_at",
}

// Export 导出成员
// GET /guilds/:guild_id/members/export?format=csv|json&include_removed=
func (h *MemberHandler) Export(c *gin.Context) {
	format := c.DefaultQuery("format", "csv")
	if format != "csv" && format != "json" {
		fail(c, h.logger, &services.ValidationError{Field: "format", Reason: "must be csv or json"})
		return
	}
	includeRemoved, _ := strconv.ParseBool(c.Query("include_removed"))

	guildID := c.Param("guild_id")
	members, err := h.members.Export(c.Request.Context(), guildID, includeRemoved)
	if err != nil {
		fail(c, h.logger, err)
		return
	}

	filename := fmt.Sprintf("members-%s-%s.%s", guildID, time.Now().UTC().Format("20060102"), format)
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	if format == "json" {
		c.JSON(http.StatusOK, members)
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Status(http.StatusOK)
	w := csv.NewWriter(c.Writer)
	_ = w.Write(csvHeader)
	for i := range members {
		m := &members[i]
		_ = w.Write([]string{
			m.UserID, m.Username, m.FirstName, m.LastName, m.Nickname, string(m.Status),
			formatTime(&m.FirstSeenAt), formatTime(m.SubmittedAt), formatTime(m.CompletedAt),
		})
	}
	w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
