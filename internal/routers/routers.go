package routers

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Gopher0727/Vela/internal/handlers"
	"github.com/Gopher0727/Vela/internal/middlewares"
	"github.com/Gopher0727/Vela/utils/ratelimit"
)

type Handlers struct {
	Auth   *handlers.AuthHandler
	Guild  *handlers.GuildHandler
	Member *handlers.MemberHandler
	Secret *handlers.SecretHandler
	Audit  *handlers.AuditHandler
	Health *handlers.HealthHandler
}

type Options struct {
	AllowedOrigins []string
	Rules          ratelimit.Rules
}

// SetupRoutes 设置所有路由
func SetupRoutes(r *gin.Engine, mw *middlewares.Manager, gate *middlewares.Gate, h *Handlers, opts Options) {
	r.Use(mw.Recovery(), mw.TraceID(), mw.Logger())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowCredentials = true
	corsCfg.AllowOrigins = opts.AllowedOrigins
	if len(opts.AllowedOrigins) == 0 {
		corsCfg.AllowOrigins = []string{"http://localhost:3000"}
	}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Request-ID"}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsCfg.MaxAge = 12 * time.Hour
	r.Use(cors.New(corsCfg))

	v1 := r.Group("/api/v1")

	// 健康检查与指标不受停机闸门影响
	v1.GET("/health", h.Health.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 审计流是长连接，停机时由 Hub 关闭，不计入 Gate
	v1.GET("/guilds/:guild_id/audit/stream", mw.Auth(), mw.RequireGuild(), h.Audit.Stream)

	api := v1.Group("")
	api.Use(gate.Handler())

	RegisterAuthRoutes(api, mw, h.Auth, opts.Rules)
	RegisterGuildRoutes(api, mw, h, opts.Rules)
}

func RegisterAuthRoutes(api *gin.RouterGroup, mw *middlewares.Manager, h *handlers.AuthHandler, rules ratelimit.Rules) {
	auth := api.Group("/auth")
	{
		auth.GET("/login", mw.RateLimit(rules.Login), h.Login)
		auth.GET("/callback", mw.RateLimit(rules.Login), h.Callback)
		auth.POST("/logout", h.Logout)
		auth.POST("/refresh", mw.RateLimit(rules.Login), h.Refresh)
		auth.GET("/me", mw.Auth(), h.Me)
	}
}

func RegisterGuildRoutes(api *gin.RouterGroup, mw *middlewares.Manager, h *Handlers, rules ratelimit.Rules) {
	guilds := api.Group("/guilds")
	guilds.Use(mw.Auth(), mw.RateLimit(rules.API))
	{
		guilds.GET("", h.Guild.ListGuilds)
		guilds.POST("", mw.RequireSuperAdmin(), h.Guild.RegisterGuild)
		guilds.DELETE("/:guild_id", mw.RequireSuperAdmin(), h.Guild.DeactivateGuild)
	}

	guild := guilds.Group("/:guild_id")
	guild.Use(mw.RequireGuild())
	{
		// 成员
		guild.GET("/members", h.Member.List)
		guild.GET("/members/export", h.Member.Export)
		guild.GET("/members/:user_id", h.Member.Get)
		guild.POST("/members/:user_id/approve", h.Member.Approve)
		guild.POST("/members/:user_id/demote", h.Member.Demote)
		guild.POST("/members/:user_id/remove", h.Member.Remove)
		guild.GET("/stats", h.Member.Stats)

		// 配置
		guild.GET("/config", h.Guild.GetConfig)
		guild.POST("/config", h.Guild.UpdateConfig)
		guild.PATCH("/config", h.Guild.UpdateConfig)
		guild.POST("/welcome", h.Guild.PostWelcome)

		// 密钥只写
		guild.PUT("/secrets/:name", h.Secret.Put)

		// 审计
		guild.GET("/audit", h.Audit.Query)
	}
}
