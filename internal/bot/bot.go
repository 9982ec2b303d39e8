package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/internal/metrics"
	"github.com/Gopher0727/Vela/internal/models"
	"github.com/Gopher0727/Vela/internal/repositories"
	"github.com/Gopher0727/Vela/internal/services"
	"github.com/Gopher0727/Vela/internal/utils"
	logger "github.com/Gopher0727/Vela/middleware/log"
	vutils "github.com/Gopher0727/Vela/utils"
	"github.com/Gopher0727/Vela/utils/ratelimit"
)

// 网关关闭码 4004：令牌无效，重连没有意义
const closeAuthenticationFailed = 4004

// Onboarding 机器人调用的状态机操作
type Onboarding interface {
	Join(ctx context.Context, actor services.Actor, guildID, userID, username, nickname string) (*models.Member, error)
	Submit(ctx context.Context, actor services.Actor, guildID, userID string, req services.SubmitRequest) (*models.Member, error)
	Approve(ctx context.Context, actor services.Actor, guildID, userID string) (*models.Member, error)
	Demote(ctx context.Context, actor services.Actor, guildID, userID string) (*models.Member, error)
	Remove(ctx context.Context, actor services.Actor, guildID, userID string) (*models.Member, error)
	Rename(ctx context.Context, actor services.Actor, guildID, userID, firstName, lastName string) (*models.Member, error)
	Get(ctx context.Context, guildID, userID string) (*models.Member, error)
	Stats(ctx context.Context, guildID string) (*services.Stats, error)
	List(ctx context.Context, guildID string, f repositories.MemberFilter) ([]models.Member, int64, error)
}

type ConfigReader interface {
	GetConfig(ctx context.Context, guildID string) (*services.GuildConfig, error)
}

type Options struct {
	ApplicationID       string
	CommandPrefix       string
	SuperAdminIDs       []string
	TokenTTL            time.Duration
	ReadyTimeout        time.Duration
	ReconnectBackoff    time.Duration
	ReconnectBackoffMax time.Duration
}

type Deps struct {
	Gateway    Gateway
	Onboarding Onboarding
	Registry   *services.InteractionRegistry
	Config     ConfigReader
	Pool       *utils.WorkerPool
	Limiter    ratelimit.Limiter
	Rule       ratelimit.Rule
	Logger     *logger.Logger
}

// Health 网关连接状态
type Health struct {
	Connected bool  `json:"connected"`
	InFlight  int64 `json:"in_flight"`
}

// Bot 事件流单元
// 实现逻辑：网关事件按 guild:user 投递到分片协程池，同一成员的事件串行执行；
// 断线后由 supervise 按指数退避重连；关闭顺序为 Quiesce -> Drain -> Stop
type Bot struct {
	gateway    Gateway
	onboarding Onboarding
	registry   *services.InteractionRegistry
	config     ConfigReader
	pool       *utils.WorkerPool
	limiter    ratelimit.Limiter
	rule       ratelimit.Rule
	log        *logger.Logger
	opts       Options

	superAdmins map[string]bool

	connected atomic.Bool
	accepting atomic.Bool
	stopping  atomic.Bool

	ready       chan struct{}
	readyOnce   sync.Once
	disconnects chan struct{}
	failed      chan error
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	removers    []func()
}

func New(deps Deps, opts Options) *Bot {
	if opts.CommandPrefix == "" {
		opts.CommandPrefix = "!"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 15 * time.Second
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	supers := make(map[string]bool, len(opts.SuperAdminIDs))
	for _, id := range opts.SuperAdminIDs {
		supers[id] = true
	}
	return &Bot{
		gateway:     deps.Gateway,
		onboarding:  deps.Onboarding,
		registry:    deps.Registry,
		config:      deps.Config,
		pool:        deps.Pool,
		limiter:     deps.Limiter,
		rule:        deps.Rule,
		log:         deps.Logger.Named("bot"),
		opts:        opts,
		superAdmins: supers,
		ready:       make(chan struct{}),
		disconnects: make(chan struct{}, 1),
		failed:      make(chan error, 1),
		done:        make(chan struct{}),
	}
}

// Start 注册事件处理、启动协程池并打开网关，收到 READY 后返回
func (b *Bot) Start(ctx context.Context) error {
	b.removers = append(b.removers,
		b.gateway.AddHandler(b.onReady),
		b.gateway.AddHandler(b.onDisconnect),
		b.gateway.AddHandler(b.onGuildMemberAdd),
		b.gateway.AddHandler(b.onInteractionCreate),
		b.gateway.AddHandler(b.onMessageCreate),
	)
	b.pool.Start()
	b.accepting.Store(true)

	if err := b.gateway.Open(); err != nil {
		b.Stop()
		return fmt.Errorf("open discord gateway: %w", err)
	}

	timer := time.NewTimer(b.opts.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-b.ready:
	case <-timer.C:
		b.Stop()
		return errors.New("discord gateway: timed out waiting for READY")
	case <-ctx.Done():
		b.Stop()
		return ctx.Err()
	}

	b.registerCommands()

	b.wg.Add(1)
	go b.supervise()
	return nil
}

// Failed 运行期无法恢复的错误（例如令牌被吊销）
func (b *Bot) Failed() <-chan error {
	return b.failed
}

// Quiesce 不再接收新事件；已经排队的事件继续处理
func (b *Bot) Quiesce() {
	b.accepting.Store(false)
	b.pool.Quiesce()
}

// Drain 等待已接收的事件处理完，返回被放弃的数量
func (b *Bot) Drain(ctx context.Context) (int64, error) {
	return b.pool.Drain(ctx)
}

// Stop 关闭网关连接并回收 worker
func (b *Bot) Stop() {
	b.stopOnce.Do(func() {
		b.stopping.Store(true)
		b.accepting.Store(false)
		close(b.done)
		for _, remove := range b.removers {
			remove()
		}
		if err := b.gateway.Close(); err != nil {
			b.log.Warn("close discord gateway", zap.Error(err))
		}
		b.connected.Store(false)
		b.wg.Wait()
		b.pool.Stop()
	})
}

// Wait 等待 Stop 前已开始的事件处理结束，之后才能关闭存储
func (b *Bot) Wait(ctx context.Context) error {
	return b.pool.Wait(ctx)
}

func (b *Bot) Health() Health {
	return Health{Connected: b.connected.Load(), InFlight: b.pool.InFlight()}
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.connected.Store(true)
	b.readyOnce.Do(func() { close(b.ready) })
	b.log.Info("discord gateway ready", zap.Int("guilds", len(r.Guilds)))
}

func (b *Bot) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	b.connected.Store(false)
	if b.stopping.Load() {
		return
	}
	b.log.Warn("discord gateway disconnected")
	select {
	case b.disconnects <- struct{}{}:
	default:
	}
}

// supervise 断线后按退避重连，直到成功或 Stop
func (b *Bot) supervise() {
	defer b.wg.Done()
	backoff := vutils.Backoff{Initial: b.opts.ReconnectBackoff, Max: b.opts.ReconnectBackoffMax}

	for {
		select {
		case <-b.done:
			return
		case <-b.disconnects:
		}

		for {
			wait := backoff.Next()
			select {
			case <-b.done:
				return
			case <-time.After(wait):
			}

			metrics.BotReconnects.Inc()
			err := b.gateway.Open()
			if err == nil || errors.Is(err, discordgo.ErrWSAlreadyOpen) {
				b.log.Info("discord gateway reconnected")
				backoff.Reset()
				break
			}

			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == closeAuthenticationFailed {
				select {
				case b.failed <- fmt.Errorf("discord gateway: %w", err):
				default:
				}
				return
			}
			b.log.Warn("discord reconnect failed", zap.Duration("retry_in", wait*2), zap.Error(err))
		}
	}
}

// submit 把事件交给协程池；同一成员的事件串行
func (b *Bot) submit(guildID, userID string, job func()) error {
	return b.pool.Submit(guildID+":"+userID, job)
}

// allow 交互限流；限流器不可用时按其配置放行或拒绝
func (b *Bot) allow(ctx context.Context, guildID, userID string) bool {
	if b.limiter == nil {
		return true
	}
	ok, err := b.limiter.Allow(ctx, guildID+":"+userID, b.rule)
	if err != nil {
		b.log.Warn("interaction rate limit check failed", zap.Error(err))
		return false
	}
	return ok
}

func (b *Bot) isAdmin(cfg *services.GuildConfig, userID string) bool {
	return b.superAdmins[userID] || cfg.IsAdmin(userID)
}

// PostWelcome 在 channelID（为空时用 guild 配置的欢迎频道）发布引导消息
func (b *Bot) PostWelcome(ctx context.Context, guildID, channelID string) (string, error) {
	cfg, err := b.config.GetConfig(ctx, guildID)
	if err != nil {
		return "", err
	}
	if channelID == "" {
		channelID = cfg.WelcomeChannelID
	}
	if channelID == "" {
		return "", &services.ValidationError{Field: "channel_id", Reason: "no welcome channel configured"}
	}
	msg, err := b.welcomeMessage(cfg)
	if err != nil {
		return "", err
	}
	id, err := NewPlatform(b.gateway).PostWelcome(ctx, channelID, msg)
	if err != nil {
		return "", &services.UpstreamError{Op: "post welcome", Err: err}
	}
	return id, nil
}

func newEventContext() context.Context {
	return logger.WithTraceID(context.Background(), logger.NewTraceID("bot"))
}
