package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Discord    DiscordConfig    `mapstructure:"discord"`
	OAuth      OAuthConfig      `mapstructure:"oauth"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool"`
	Onboarding OnboardingConfig `mapstructure:"onboarding"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	Mode           string   `mapstructure:"mode"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	PublicURL      string   `mapstructure:"public_url"`
	NodeID         int64    `mapstructure:"node_id"` // 雪花 ID 节点号，多实例部署时必须互不相同
}

type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// KafkaConfig 审计事件分发。Enabled 为 false 时通知走进程内通道
type KafkaConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	Brokers       []string       `mapstructure:"brokers"`
	ConsumerGroup string         `mapstructure:"consumer_group"`
	Topics        TopicsConfig   `mapstructure:"topics"`
	Producer      ProducerConfig `mapstructure:"producer"`
	Consumer      ConsumerConfig `mapstructure:"consumer"`
}

type TopicsConfig struct {
	Audit string `mapstructure:"audit"`
	DLQ   string `mapstructure:"dlq"`
}

type ProducerConfig struct {
	MaxRetries     int `mapstructure:"max_retries"`
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
}

type ConsumerConfig struct {
	MaxRetries     int `mapstructure:"max_retries"`
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
}

// DiscordConfig 网关连接参数。Token 仅用于首次启动写入加密存储
type DiscordConfig struct {
	Token               string        `mapstructure:"token"`
	ApplicationID       string        `mapstructure:"application_id"`
	ReadyTimeout        time.Duration `mapstructure:"ready_timeout"`
	ReconnectBackoff    time.Duration `mapstructure:"reconnect_backoff"`
	ReconnectBackoffMax time.Duration `mapstructure:"reconnect_backoff_max"`
	CommandPrefix       string        `mapstructure:"command_prefix"`
}

type OAuthConfig struct {
	ClientID      string   `mapstructure:"client_id"`
	ClientSecret  string   `mapstructure:"client_secret"`
	RedirectURL   string   `mapstructure:"redirect_url"`
	SuperAdminIDs []string `mapstructure:"super_admin_ids"`
	CookieSecure  bool     `mapstructure:"cookie_secure"`
}

type JWTConfig struct {
	Secret       string `mapstructure:"secret"`
	ExpireHours  int    `mapstructure:"expire_hours"`
	RefreshHours int    `mapstructure:"refresh_hours"`
}

// SecretsConfig 密钥环：版本号 -> base64 编码的 32 字节密钥
type SecretsConfig struct {
	Keys           map[string]string `mapstructure:"keys"`
	CurrentVersion int               `mapstructure:"current_version"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

type RateLimitConfig struct {
	APIPerMinute         int  `mapstructure:"api_per_minute"`
	LoginPerMinute       int  `mapstructure:"login_per_minute"`
	InteractionPerMinute int  `mapstructure:"interaction_per_minute"`
	FailOpen             bool `mapstructure:"fail_open"`
}

type WorkerPoolConfig struct {
	Size      int `mapstructure:"size"`
	QueueSize int `mapstructure:"queue_size"`
}

type OnboardingConfig struct {
	PlatformTimeout time.Duration `mapstructure:"platform_timeout"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
}

type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// LoadConfig 读取配置文件并叠加 VELA_ 前缀的环境变量
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("VELA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 文件缺失时允许完全依赖环境变量
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.node_id", 1)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("postgres.host", "127.0.0.1")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.dbname", "vela")
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.max_open_conns", 20)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("kafka.consumer_group", "vela-notifier")
	v.SetDefault("kafka.topics.audit", "vela.audit")
	v.SetDefault("kafka.topics.dlq", "vela.audit.dlq")
	v.SetDefault("kafka.producer.max_retries", 3)
	v.SetDefault("kafka.producer.retry_backoff_ms", 100)
	v.SetDefault("kafka.consumer.max_retries", 3)
	v.SetDefault("kafka.consumer.retry_backoff_ms", 200)
	v.SetDefault("discord.ready_timeout", 15*time.Second)
	v.SetDefault("discord.reconnect_backoff", time.Second)
	v.SetDefault("discord.reconnect_backoff_max", time.Minute)
	v.SetDefault("discord.command_prefix", "!")
	// 凭据默认为空，只为让 AutomaticEnv 在 Unmarshal 时能识别这些键
	for _, key := range []string{
		"server.public_url", "postgres.user", "postgres.password", "redis.password",
		"discord.token", "discord.application_id", "oauth.client_id", "oauth.client_secret",
		"oauth.redirect_url", "jwt.secret",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("oauth.cookie_secure", false)
	v.SetDefault("jwt.expire_hours", 24)
	v.SetDefault("jwt.refresh_hours", 2)
	v.SetDefault("secrets.current_version", 1)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("ratelimit.api_per_minute", 120)
	v.SetDefault("ratelimit.login_per_minute", 10)
	v.SetDefault("ratelimit.interaction_per_minute", 30)
	v.SetDefault("ratelimit.fail_open", true)
	v.SetDefault("worker_pool.size", 16)
	v.SetDefault("worker_pool.queue_size", 256)
	v.SetDefault("onboarding.platform_timeout", 10*time.Second)
	v.SetDefault("onboarding.token_ttl", 15*time.Minute)
	v.SetDefault("onboarding.stale_after", 5*time.Minute)
	v.SetDefault("shutdown.grace_period", 20*time.Second)
}

// Validate 拒绝无法运行的配置组合
func (c *Config) Validate() error {
	if c.Shutdown.GracePeriod <= 0 {
		return errors.New("shutdown.grace_period must be positive")
	}
	if c.Onboarding.PlatformTimeout <= 0 {
		return errors.New("onboarding.platform_timeout must be positive")
	}
	if c.Onboarding.PlatformTimeout*2 > c.Shutdown.GracePeriod {
		return errors.New("shutdown.grace_period must cover at least two platform timeouts")
	}
	if len(c.Secrets.Keys) == 0 {
		return errors.New("secrets.keys must contain at least one key")
	}
	if _, ok := c.Secrets.Keys[fmt.Sprint(c.Secrets.CurrentVersion)]; !ok {
		return fmt.Errorf("secrets.current_version %d not present in secrets.keys", c.Secrets.CurrentVersion)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers required when kafka.enabled")
	}
	if c.WorkerPool.Size <= 0 {
		return errors.New("worker_pool.size must be positive")
	}
	return nil
}
