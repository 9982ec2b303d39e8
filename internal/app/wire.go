package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/config"
	"github.com/Gopher0727/Vela/internal/bot"
	"github.com/Gopher0727/Vela/internal/handlers"
	"github.com/Gopher0727/Vela/internal/middlewares"
	"github.com/Gopher0727/Vela/internal/pkg/kafka"
	vredis "github.com/Gopher0727/Vela/internal/pkg/redis"
	"github.com/Gopher0727/Vela/internal/repositories"
	"github.com/Gopher0727/Vela/internal/routers"
	"github.com/Gopher0727/Vela/internal/services"
	"github.com/Gopher0727/Vela/internal/storage"
	"github.com/Gopher0727/Vela/internal/utils"
	"github.com/Gopher0727/Vela/middleware/jwt"
	logger "github.com/Gopher0727/Vela/middleware/log"
	"github.com/Gopher0727/Vela/pkg/cryptox"
	"github.com/Gopher0727/Vela/pkg/ws"
	"github.com/Gopher0727/Vela/utils/ratelimit"
	"github.com/Gopher0727/Vela/utils/snowflake"
)

// Build 按依赖顺序组装两个单元共享的组件
// 实现逻辑：
//  1. 存储：postgres、redis、密钥环
//  2. 部署级密钥：交互签名密钥、会话密钥、机器人令牌（首次启动写入加密存储）
//  3. 审计扇出：ws Hub 始终订阅；Kafka 开启时经主题通知，否则通知器直接作为 sink
//  4. 状态机、交互注册表、机器人单元、HTTP 单元
//
// 中途失败时已打开的资源全部关闭
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (_ *App, err error) {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = cfg.Shutdown.GracePeriod
	}
	a := New(log, opts)
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	a.AddCloser("secure memory", func(context.Context) error {
		memguard.Purge()
		return nil
	})

	db, err := storage.InitPostgres(&cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.AddCloser("postgres", func(context.Context) error { return storage.Close(db) })

	rdb, err := vredis.NewClient(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.AddCloser("redis", func(context.Context) error { return rdb.Close() })

	keyring, err := cryptox.NewKeyring(cfg.Secrets.Keys, cfg.Secrets.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	secrets := services.NewSecretService(repositories.NewSecretRepository(db), keyring)
	if n, err := secrets.Rotate(ctx); err != nil {
		return nil, fmt.Errorf("rotate secrets: %w", err)
	} else if n > 0 {
		log.Info("re-encrypted secrets under current key", zap.Int("count", n))
	}

	signingKey, err := secrets.EnsureSecret(ctx, "", services.SecretInteractionSigningKey, randomKey)
	if err != nil {
		return nil, fmt.Errorf("interaction signing key: %w", err)
	}
	sessionKey := []byte(cfg.JWT.Secret)
	if len(sessionKey) == 0 {
		if sessionKey, err = secrets.EnsureSecret(ctx, "", services.SecretSessionKey, randomKey); err != nil {
			return nil, fmt.Errorf("session key: %w", err)
		}
	}
	botToken, err := secrets.EnsureSecret(ctx, "", services.SecretDiscordBotToken, func() ([]byte, error) {
		if cfg.Discord.Token == "" {
			return nil, errors.New("discord.token is required on first start")
		}
		return []byte(cfg.Discord.Token), nil
	})
	if err != nil {
		return nil, fmt.Errorf("discord token: %w", err)
	}

	session, err := bot.NewDiscordSession(string(botToken))
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}

	ids, err := snowflake.NewGenerator(cfg.Server.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.Server.NodeID, err)
	}

	configs := services.NewConfigService(repositories.NewGuildRepository(db))
	registry, err := services.NewInteractionRegistry(signingKey, rdb)
	if err != nil {
		return nil, fmt.Errorf("interaction registry: %w", err)
	}
	registry.Register(services.AllHandlerKinds...)

	hub := ws.NewHub(rdb.Raw(), log)
	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	go hub.Run(hubCtx)
	a.AddCloser("audit stream", func(context.Context) error {
		stopHub()
		return nil
	})

	notifier := bot.NewNotifier(session, registry, configs, log)
	sinks := []services.AuditSink{hub}
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(&cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		a.AddCloser("kafka producer", func(context.Context) error { return producer.Close() })
		sinks = append(sinks, kafka.NewAuditPublisher(producer, cfg.Kafka.Topics.Audit))
	} else {
		sinks = append(sinks, notifier)
	}

	var notices notificationConsumer
	if cfg.Kafka.Enabled {
		consumer, err := kafka.NewConsumer(&cfg.Kafka, []string{cfg.Kafka.Topics.Audit}, kafka.AuditHandler(notifier.Notify), log)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
		notices = consumer
	}
	audit := services.NewAuditService(repositories.NewAuditRepository(db), ids, log, cfg.WorkerPool.QueueSize, sinks...)
	addAuditPipeline(a, notices, audit.Close)

	onboarding := services.NewOnboardingService(
		repositories.NewMemberRepository(db), configs, bot.NewPlatform(session), audit, log,
		services.OnboardingOptions{PlatformTimeout: cfg.Onboarding.PlatformTimeout},
	)
	a.OnStartup(func(ctx context.Context) error {
		n, err := onboarding.RecoverStale(ctx, cfg.Onboarding.StaleAfter)
		if err != nil {
			return fmt.Errorf("recover interrupted transitions: %w", err)
		}
		if n > 0 {
			log.Warn("rolled back interrupted transitions", zap.Int("count", n))
		}
		return nil
	})

	limiter := ratelimit.NewWindowLimiter(rdb.Raw(), log, cfg.RateLimit.FailOpen)
	rules := ratelimit.RulesFromConfig(&cfg.RateLimit)

	b := bot.New(bot.Deps{
		Gateway:    session,
		Onboarding: onboarding,
		Registry:   registry,
		Config:     configs,
		Pool:       utils.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, log.Logger),
		Limiter:    limiter,
		Rule:       rules.Interaction,
		Logger:     log,
	}, bot.Options{
		ApplicationID:       cfg.Discord.ApplicationID,
		CommandPrefix:       cfg.Discord.CommandPrefix,
		SuperAdminIDs:       cfg.OAuth.SuperAdminIDs,
		TokenTTL:            cfg.Onboarding.TokenTTL,
		ReadyTimeout:        cfg.Discord.ReadyTimeout,
		ReconnectBackoff:    cfg.Discord.ReconnectBackoff,
		ReconnectBackoffMax: cfg.Discord.ReconnectBackoffMax,
	})

	tokens := jwt.NewTokenManager(sessionKey, cfg.JWT.ExpireHours, cfg.JWT.RefreshHours)
	gate := middlewares.NewGate()

	checks := map[string]handlers.HealthCheck{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": rdb.Ping,
		"bot": func(context.Context) error {
			if !b.Health().Connected {
				return errors.New("discord gateway disconnected")
			}
			return nil
		},
	}

	h := &routers.Handlers{
		Auth: handlers.NewAuthHandler(handlers.NewDiscordOAuth(&cfg.OAuth), rdb, handlers.DiscordUser, configs, tokens, audit,
			handlers.AuthOptions{SuperAdminIDs: cfg.OAuth.SuperAdminIDs, CookieSecure: cfg.OAuth.CookieSecure}, log),
		Guild:  handlers.NewGuildHandler(configs, audit, b, log),
		Member: handlers.NewMemberHandler(onboarding, log),
		Secret: handlers.NewSecretHandler(secrets, audit, log),
		Audit:  handlers.NewAuditHandler(audit, hub, ws.NewUpgrader(cfg.Server.AllowedOrigins), log),
		Health: handlers.NewHealthHandler(checks),
	}

	gin.SetMode(cfg.Server.Mode)
	engine := gin.New()
	routers.SetupRoutes(engine, middlewares.NewManager(tokens, limiter, log), gate, h, routers.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Rules:          rules,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.AddUnit(BotUnit{Bot: b})
	a.AddUnit(NewHTTPUnit(server, gate, log))
	return a, nil
}

type notificationConsumer interface {
	Start(ctx context.Context) error
	Stop() error
}

// addAuditPipeline 审计日志关闭时会刷出队列里的条目，消费者要在它之后才停止，
// 否则这些条目对应的通知没有人处理
func addAuditPipeline(a *App, consumer notificationConsumer, closeAudit func(ctx context.Context) error) {
	if consumer != nil {
		a.OnStartup(consumer.Start)
		a.AddCloser("kafka consumer", func(context.Context) error { return consumer.Stop() })
	}
	a.AddCloser("audit log", closeAudit)
}

func randomKey() ([]byte, error) {
	return cryptox.RandomKey(32)
}
