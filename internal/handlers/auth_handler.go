package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Gopher0727/Vela/config"
	"github.com/Gopher0727/Vela/internal/middlewares"
	"github.com/Gopher0727/Vela/internal/models"
	vredis "github.com/Gopher0727/Vela/internal/pkg/redis"
	"github.com/Gopher0727/Vela/internal/services"
	"github.com/Gopher0727/Vela/middleware/jwt"
	logger "github.com/Gopher0727/Vela/middleware/log"
)

const stateTTL = 10 * time.Minute

var discordEndpoint = oauth2.Endpoint{
	AuthURL:   "https://discord.com/oauth2/authorize",
	TokenURL:  "https://discord.com/api/oauth2/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// NewDiscordOAuth 管理后台登录只需要 identify
func NewDiscordOAuth(cfg *config.OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{"identify"},
		Endpoint:     discordEndpoint,
	}
}

// DiscordUser 用 OAuth access token 查询当前用户
func DiscordUser(ctx context.Context, token *oauth2.Token) (*discordgo.User, error) {
	s, err := discordgo.New("Bearer " + token.AccessToken)
	if err != nil {
		return nil, err
	}
	return s.User("@me", discordgo.WithContext(ctx))
}

// OAuthExchanger *oauth2.Config 的子集
type OAuthExchanger interface {
	AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

type StateStore interface {
	PutState(ctx context.Context, state, value string, ttl time.Duration) error
	TakeState(ctx context.Context, state string) (string, error)
}

type UserLookup func(ctx context.Context, token *oauth2.Token) (*discordgo.User, error)

type GuildLister interface {
	ListGuilds(ctx context.Context, guildIDs []string) ([]*services.GuildConfig, error)
}

type AuthOptions struct {
	SuperAdminIDs []string
	CookieSecure  bool
}

// AuthHandler Discord OAuth 登录，会话 JWT 放在 HttpOnly cookie 中
type AuthHandler struct {
	oauth       OAuthExchanger
	states      StateStore
	lookup      UserLookup
	guilds      GuildLister
	tokens      *jwt.TokenManager
	audit       AuditAppender
	superAdmins map[string]bool
	secure      bool
	logger      *logger.Logger
}

func NewAuthHandler(oauth OAuthExchanger, states StateStore, lookup UserLookup, guilds GuildLister,
	tokens *jwt.TokenManager, audit AuditAppender, opts AuthOptions, log *logger.Logger) *AuthHandler {
	supers := make(map[string]bool, len(opts.SuperAdminIDs))
	for _, id := range opts.SuperAdminIDs {
		supers[id] = true
	}
	return &AuthHandler{
		oauth:       oauth,
		states:      states,
		lookup:      lookup,
		guilds:      guilds,
		tokens:      tokens,
		audit:       audit,
		superAdmins: supers,
		secure:      opts.CookieSecure,
		logger:      log.Named("auth"),
	}
}

// Login 生成一次性 state 并跳转到 Discord 授权页
func (h *AuthHandler) Login(c *gin.Context) {
	state := uuid.NewString()
	if err := h.states.PutState(c.Request.Context(), state, c.ClientIP(), stateTTL); err != nil {
		fail(c, h.logger, &services.UpstreamError{Op: "store oauth state", Err: err})
		return
	}
	c.Redirect(http.StatusFound, h.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline))
}

// Callback 校验 state，换取 token，按 guild 管理员名单签发会话
func (h *AuthHandler) Callback(c *gin.Context) {
	ctx := c.Request.Context()
	state, code := c.Query("state"), c.Query("code")
	if state == "" || code == "" {
		fail(c, h.logger, &services.ValidationError{Field: "state", Reason: "missing state or code"})
		return
	}
	if _, err := h.states.TakeState(ctx, state); err != nil {
		if errors.Is(err, vredis.ErrStateNotFound) {
			fail(c, h.logger, &services.ValidationError{Field: "state", Reason: "unknown or expired"})
			return
		}
		fail(c, h.logger, &services.UpstreamError{Op: "read oauth state", Err: err})
		return
	}

	token, err := h.oauth.Exchange(ctx, code)
	if err != nil {
		h.logger.WarnContext(ctx, "oauth code exchange failed", zap.Error(err))
		fail(c, h.logger, &services.UpstreamError{Op: "oauth exchange", Err: err})
		return
	}
	user, err := h.lookup(ctx, token)
	if err != nil {
		fail(c, h.logger, &services.UpstreamError{Op: "discord user lookup", Err: err})
		return
	}

	guildIDs, err := h.managedGuilds(ctx, user.ID)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	super := h.superAdmins[user.ID]
	if !super && len(guildIDs) == 0 {
		h.logger.InfoContext(ctx, "login refused, not an admin", zap.String("user_id", user.ID))
		fail(c, h.logger, services.ErrPermissionDenied)
		return
	}

	session, err := h.tokens.GenerateToken(user.ID, user.Username, guildIDs, super)
	if err != nil {
		fail(c, h.logger, err)
		return
	}
	h.setCookie(c, session, int(h.tokens.ExpireDuration().Seconds()))

	for _, guildID := range guildIDs {
		err := h.audit.Append(ctx, &models.AuditLog{
			GuildID:    guildID,
			ActorType:  models.ActorAdmin,
			ActorID:    user.ID,
			Action:     models.ActionAdminLogin,
			TargetType: models.TargetAdmin,
			TargetID:   user.ID,
			Success:    true,
		})
		if err != nil {
			h.logger.WarnContext(ctx, "admin login not audited", zap.String("guild_id", guildID), zap.Error(err))
		}
	}
	h.logger.InfoContext(ctx, "admin logged in",
		zap.String("user_id", user.ID), zap.Int("guilds", len(guildIDs)), zap.Bool("super_admin", super))

	ok(c, gin.H{
		"admin_id":       user.ID,
		"username":       user.Username,
		"guild_ids":      guildIDs,
		"is_super_admin": super,
	})
}

// managedGuilds 用户出现在其 admin_user_ids 中的启用 guild
func (h *AuthHandler) managedGuilds(ctx context.Context, userID string) ([]string, error) {
	guilds, err := h.guilds.ListGuilds(ctx, nil)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for _, g := range guilds {
		if g.Active && g.IsAdmin(userID) {
			ids = append(ids, g.GuildID)
		}
	}
	return ids, nil
}

func (h *AuthHandler) Me(c *gin.Context) {
	claims := middlewares.Claims(c)
	ok(c, gin.H{
		"admin_id":       claims.AdminID,
		"username":       claims.Username,
		"guild_ids":      claims.GuildIDs,
		"is_super_admin": claims.SuperAdmin,
		"expires_at":     claims.ExpiresAt.Time,
	})
}

// Refresh 临近过期时续签
func (h *AuthHandler) Refresh(c *gin.Context) {
	current, _ := c.Cookie(middlewares.CookieName)
	session, err := h.tokens.RefreshToken(current)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	h.setCookie(c, session, int(h.tokens.ExpireDuration().Seconds()))
	c.Status(http.StatusNoContent)
}

func (h *AuthHandler) Logout(c *gin.Context) {
	h.setCookie(c, "", -1)
	c.Status(http.StatusNoContent)
}

func (h *AuthHandler) setCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middlewares.CookieName, value, maxAge, "/", "", h.secure, true)
}
