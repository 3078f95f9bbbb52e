package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath names the config list used when -c is not given.
const EnvPath = "IM_CHAT_CONFIG"

type User struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Email       string `yaml:"email"`
	AvatarURL   string `yaml:"avatar_url"`
}

type Config struct {
	Env    string `yaml:"env"`
	NodeID uint16 `yaml:"node_id"` // sonyflake machine id; 0 derives it from the private IP

	HTTP struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		WSWriteWait     time.Duration `yaml:"ws_write_wait"`
		WSPingPeriod    time.Duration `yaml:"ws_ping_period"`
	} `yaml:"http"`

	Storage struct {
		Driver       string        `yaml:"driver"` // memory | sqlite | mysql
		DSN          string        `yaml:"dsn"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_life"`
		ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
	} `yaml:"storage"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		Database int    `yaml:"database"`
	} `yaml:"redis"`

	Recents struct {
		Driver string `yaml:"driver"` // memory | sql | redis
	} `yaml:"recents"`

	Timeout time.Duration `yaml:"timeout"`

	Idempotency struct {
		Driver string        `yaml:"driver"` // off | memory | redis
		TTL    time.Duration `yaml:"ttl"`
	} `yaml:"idempotency"`

	RocketMQ struct {
		Enabled       bool   `yaml:"enabled"`
		NameServer    string `yaml:"name_server"`
		Topic         string `yaml:"topic"`
		Tag           string `yaml:"tag,omitempty"`
		ProducerGroup string `yaml:"producer_group"`
		AccessKey     string `yaml:"access_key"`
		SecretKey     string `yaml:"secret_key"`
	} `yaml:"rocketmq"`

	Outbox struct {
		Tick    time.Duration `yaml:"tick"`
		Batch   int           `yaml:"batch"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"outbox"`

	Breaker struct {
		Threshold int           `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		OpenFor   time.Duration `yaml:"open_for"`
	} `yaml:"breaker"`

	Delivery struct {
		MaxTextLen int `yaml:"max_text_len"`
		Retry      struct {
			MaxAttempts     int           `yaml:"max_attempts"`
			InitialInterval time.Duration `yaml:"initial_interval"`
			MaxInterval     time.Duration `yaml:"max_interval"`
		} `yaml:"retry"`
		RateLimit struct {
			RPS   float64 `yaml:"rps"` // 0 disables
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"delivery"`

	Subscription struct {
		MaxPending   int `yaml:"max_pending"`
		BackfillPage int `yaml:"backfill_page"`
	} `yaml:"subscription"`

	Sync struct {
		DefaultLimit int `yaml:"default_limit"`
		MaxLimit     int `yaml:"max_limit"`
	} `yaml:"sync"`

	Directory struct {
		CacheTTL time.Duration `yaml:"cache_ttl"`
		Users    []User        `yaml:"users"`
	} `yaml:"directory"`

	Auth struct {
		Enabled bool   `yaml:"enabled"`
		Mode    string `yaml:"mode"`   // default_protect | default_public
		Source  string `yaml:"source"` // session | token

		Token struct {
			Header       string `yaml:"header"`
			BearerPrefix string `yaml:"bearer_prefix"`
			QueryKey     string `yaml:"query_key"`
			RedisPrefix  string `yaml:"redis_prefix"`
			TTLDays      int    `yaml:"ttl_days"`
			Secret       string `yaml:"secret"`
		} `yaml:"token"`

		DevHeader      string   `yaml:"dev_header"`
		PublicPaths    []string `yaml:"public_paths"`
		ProtectedPaths []string `yaml:"protected_paths"`
	} `yaml:"auth"`
}

// Load supports comma-separated config files: "-c common.yml,im-chat.yml".
// Later files override earlier ones. An empty list falls back to
// $IM_CHAT_CONFIG.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		pathList = os.Getenv(EnvPath)
	}
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,im-chat.yml, or $" + EnvPath + ")")
	}

	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.HTTP.WSWriteWait == 0 {
		c.HTTP.WSWriteWait = 5 * time.Second
	}
	if c.HTTP.WSPingPeriod == 0 {
		c.HTTP.WSPingPeriod = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = "im-chat.db"
	}
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 50
	}
	if c.Storage.MaxIdleConns <= 0 {
		c.Storage.MaxIdleConns = 25
	}
	if c.Storage.ConnMaxLife == 0 {
		c.Storage.ConnMaxLife = 30 * time.Minute
	}
	if c.Storage.ConnMaxIdle == 0 {
		c.Storage.ConnMaxIdle = 5 * time.Minute
	}

	c.Recents.Driver = strings.ToLower(strings.TrimSpace(c.Recents.Driver))
	if c.Recents.Driver == "" {
		if c.Storage.Driver == "memory" {
			c.Recents.Driver = "memory"
		} else {
			c.Recents.Driver = "sql"
		}
	}

	c.Idempotency.Driver = strings.ToLower(strings.TrimSpace(c.Idempotency.Driver))
	if c.Idempotency.Driver == "" {
		if c.Redis.Addr != "" {
			c.Idempotency.Driver = "redis"
		} else {
			c.Idempotency.Driver = "memory"
		}
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 7 * 24 * time.Hour
	}

	if c.RocketMQ.Topic == "" {
		c.RocketMQ.Topic = "im_chat_event"
	}
	if c.RocketMQ.ProducerGroup == "" {
		c.RocketMQ.ProducerGroup = "im-chat"
	}
	if c.Outbox.Tick == 0 {
		c.Outbox.Tick = time.Second
	}
	if c.Outbox.Batch <= 0 {
		c.Outbox.Batch = 200
	}
	if c.Outbox.Timeout == 0 {
		c.Outbox.Timeout = 3 * time.Second
	}

	if c.Delivery.MaxTextLen <= 0 {
		c.Delivery.MaxTextLen = 4096
	}
	if c.Delivery.Retry.MaxAttempts <= 0 {
		c.Delivery.Retry.MaxAttempts = 4
	}
	if c.Delivery.Retry.InitialInterval == 0 {
		c.Delivery.Retry.InitialInterval = 50 * time.Millisecond
	}
	if c.Delivery.Retry.MaxInterval == 0 {
		c.Delivery.Retry.MaxInterval = time.Second
	}

	if c.Subscription.MaxPending <= 0 {
		c.Subscription.MaxPending = 256
	}
	if c.Subscription.BackfillPage <= 0 {
		c.Subscription.BackfillPage = 100
	}
	if c.Sync.DefaultLimit <= 0 {
		c.Sync.DefaultLimit = 50
	}
	if c.Sync.MaxLimit <= 0 {
		c.Sync.MaxLimit = 500
	}
	if c.Sync.MaxLimit > 500 {
		c.Sync.MaxLimit = 500 // page size ceiling of the conversation store
	}
	if c.Directory.CacheTTL == 0 {
		c.Directory.CacheTTL = 30 * time.Second
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "default_protect"
	}
	if c.Auth.Source == "" {
		c.Auth.Source = "session"
	}
	if c.Auth.Token.Header == "" {
		c.Auth.Token.Header = "Authorization"
	}
	if c.Auth.Token.BearerPrefix == "" {
		c.Auth.Token.BearerPrefix = "Bearer "
	}
	if c.Auth.Token.QueryKey == "" {
		c.Auth.Token.QueryKey = "token"
	}
	if c.Auth.Token.RedisPrefix == "" {
		c.Auth.Token.RedisPrefix = "app:token:"
	}
	if c.Auth.Token.TTLDays == 0 {
		c.Auth.Token.TTLDays = 30
	}
	if c.Auth.DevHeader == "" {
		c.Auth.DevHeader = "X-User-Id"
	}
	if c.Auth.PublicPaths == nil {
		c.Auth.PublicPaths = []string{"/healthz", "/metrics"}
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for mysql")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	switch c.Recents.Driver {
	case "memory", "redis":
	case "sql":
		if c.Storage.Driver == "memory" {
			return errors.New("recents.driver sql needs a sqlite or mysql storage.driver")
		}
	default:
		return fmt.Errorf("recents.driver: unknown driver %q", c.Recents.Driver)
	}
	switch c.Idempotency.Driver {
	case "off", "memory", "redis":
	default:
		return fmt.Errorf("idempotency.driver: unknown driver %q", c.Idempotency.Driver)
	}
	if (c.Recents.Driver == "redis" || c.Idempotency.Driver == "redis") && c.Redis.Addr == "" {
		return errors.New("redis.addr is required by the redis drivers")
	}
	if c.Auth.Enabled {
		switch c.Auth.Source {
		case "session":
			if c.Redis.Addr == "" {
				return errors.New("auth.source session needs redis.addr")
			}
		case "token":
			if n := len(c.Auth.Token.Secret); n != 16 && n != 24 && n != 32 {
				return errors.New("auth.token.secret must be 16, 24 or 32 bytes")
			}
		default:
			return fmt.Errorf("auth.source: unknown source %q", c.Auth.Source)
		}
	}
	if !c.Auth.Enabled && strings.EqualFold(c.Env, "prod") {
		return errors.New("auth.enabled must be true in env prod; without it any caller can pick its user id")
	}
	if c.RocketMQ.Enabled && c.RocketMQ.NameServer == "" {
		return errors.New("rocketmq.name_server is required when rocketmq is enabled")
	}
	return nil
}
