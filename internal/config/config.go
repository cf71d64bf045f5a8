package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	NATS      NATSConfig
	JWT       JWTConfig
	Fanout    FanoutConfig
	RateLimit RateLimitConfig
	Typing    TypingConfig
	Presence  PresenceConfig
	Admin     AdminConfig
}

var (
	instance *Config
	once     sync.Once
)

type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type JWTConfig struct {
	Secret                 string
	RequireVerifiedContact bool
}

// FanoutConfig selects and tunes the cross-process broadcast store.
type FanoutConfig struct {
	Backend        string // "redis" or "nats"
	HealthInterval time.Duration
	PublishBuffer  int
}

// RateLimitConfig carries per-event-type bucket rules plus the shared
// backoff and sweep tunables. Refill rates are tokens per minute.
type RateLimitConfig struct {
	MessageCapacity        int
	MessageRefillPerMin    int
	TypingCapacity         int
	TypingRefillPerMin     int
	ReactionCapacity       int
	ReactionRefillPerMin   int
	ConnectionCapacity     int
	ConnectionRefillPerMin int
	ViolationThreshold     int
	BackoffBase            time.Duration
	BackoffMax             time.Duration
	BucketTTL              time.Duration
	SweepInterval          time.Duration
}

type TypingConfig struct {
	Debounce      time.Duration
	Inactivity    time.Duration
	SweepInterval time.Duration
}

type PresenceConfig struct {
	GracePeriod       time.Duration
	HeartbeatInterval time.Duration
}

type AdminConfig struct {
	Token string
}

// Load reads configuration from the environment exactly once per process.
// Tests that need isolated instances should use Default instead.
func Load() (*Config, error) {
	once.Do(func() {
		viper.SetDefault("TWINLINK_HOST", "")
		viper.SetDefault("TWINLINK_PORT", "8080")
		viper.SetDefault("TWINLINK_READ_TIMEOUT", 30*time.Second)
		viper.SetDefault("TWINLINK_WRITE_TIMEOUT", 30*time.Second)
		viper.SetDefault("TWINLINK_IDLE_TIMEOUT", 60*time.Second)
		viper.SetDefault("TWINLINK_ALLOWED_ORIGINS", []string{"http://localhost:3000"})
		viper.SetDefault("TWINLINK_JWT_SECRET", "secret")
		viper.SetDefault("TWINLINK_REQUIRE_VERIFIED_CONTACT", false)
		viper.SetDefault("TWINLINK_ADMIN_TOKEN", "")

		viper.SetDefault("REDIS_ADDR", "127.0.0.1:6379")
		viper.SetDefault("REDIS_PASSWORD", "")
		viper.SetDefault("REDIS_DB", 0)
		viper.SetDefault("REDIS_MAX_RETRIES", 3)
		viper.SetDefault("REDIS_DIAL_TIMEOUT", 5*time.Second)
		viper.SetDefault("REDIS_READ_TIMEOUT", 3*time.Second)
		viper.SetDefault("REDIS_WRITE_TIMEOUT", 3*time.Second)
		viper.SetDefault("REDIS_POOL_SIZE", 100)
		viper.SetDefault("REDIS_MIN_IDLE_CONNS", 10)

		viper.SetDefault("NATS_URL", "nats://127.0.0.1:4222")
		viper.SetDefault("NATS_NAME", "twinlink")
		viper.SetDefault("NATS_RECONNECT_WAIT", 500*time.Millisecond)
		viper.SetDefault("NATS_TIMEOUT", 3*time.Second)

		viper.SetDefault("FANOUT_BACKEND", "redis")
		viper.SetDefault("FANOUT_HEALTH_INTERVAL", 10*time.Second)
		viper.SetDefault("FANOUT_PUBLISH_BUFFER", 1024)

		viper.SetDefault("RATE_MESSAGE_CAPACITY", 100)
		viper.SetDefault("RATE_MESSAGE_REFILL_PER_MIN", 100)
		viper.SetDefault("RATE_TYPING_CAPACITY", 10)
		viper.SetDefault("RATE_TYPING_REFILL_PER_MIN", 10)
		viper.SetDefault("RATE_REACTION_CAPACITY", 30)
		viper.SetDefault("RATE_REACTION_REFILL_PER_MIN", 30)
		viper.SetDefault("RATE_CONNECTION_CAPACITY", 5)
		viper.SetDefault("RATE_CONNECTION_REFILL_PER_MIN", 5)
		viper.SetDefault("RATE_VIOLATION_THRESHOLD", 3)
		viper.SetDefault("RATE_BACKOFF_BASE", time.Second)
		viper.SetDefault("RATE_BACKOFF_MAX", 60*time.Second)
		viper.SetDefault("RATE_BUCKET_TTL", 10*time.Minute)
		viper.SetDefault("RATE_SWEEP_INTERVAL", time.Minute)

		viper.SetDefault("TYPING_DEBOUNCE", 300*time.Millisecond)
		viper.SetDefault("TYPING_INACTIVITY", 5*time.Second)
		viper.SetDefault("TYPING_SWEEP_INTERVAL", 30*time.Second)

		viper.SetDefault("PRESENCE_GRACE_PERIOD", 30*time.Second)
		viper.SetDefault("PRESENCE_HEARTBEAT_INTERVAL", 30*time.Second)

		viper.AutomaticEnv()

		instance = &Config{
			Server: ServerConfig{
				Host:           viper.GetString("TWINLINK_HOST"),
				Port:           viper.GetString("TWINLINK_PORT"),
				ReadTimeout:    viper.GetDuration("TWINLINK_READ_TIMEOUT"),
				WriteTimeout:   viper.GetDuration("TWINLINK_WRITE_TIMEOUT"),
				IdleTimeout:    viper.GetDuration("TWINLINK_IDLE_TIMEOUT"),
				AllowedOrigins: viper.GetStringSlice("TWINLINK_ALLOWED_ORIGINS"),
			},
			Redis: RedisConfig{
				Addr:         viper.GetString("REDIS_ADDR"),
				Password:     viper.GetString("REDIS_PASSWORD"),
				DB:           viper.GetInt("REDIS_DB"),
				MaxRetries:   viper.GetInt("REDIS_MAX_RETRIES"),
				DialTimeout:  viper.GetDuration("REDIS_DIAL_TIMEOUT"),
				ReadTimeout:  viper.GetDuration("REDIS_READ_TIMEOUT"),
				WriteTimeout: viper.GetDuration("REDIS_WRITE_TIMEOUT"),
				PoolSize:     viper.GetInt("REDIS_POOL_SIZE"),
				MinIdleConns: viper.GetInt("REDIS_MIN_IDLE_CONNS"),
			},
			NATS: NATSConfig{
				URL:           viper.GetString("NATS_URL"),
				Name:          viper.GetString("NATS_NAME"),
				ReconnectWait: viper.GetDuration("NATS_RECONNECT_WAIT"),
				Timeout:       viper.GetDuration("NATS_TIMEOUT"),
			},
			JWT: JWTConfig{
				Secret:                 viper.GetString("TWINLINK_JWT_SECRET"),
				RequireVerifiedContact: viper.GetBool("TWINLINK_REQUIRE_VERIFIED_CONTACT"),
			},
			Fanout: FanoutConfig{
				Backend:        viper.GetString("FANOUT_BACKEND"),
				HealthInterval: viper.GetDuration("FANOUT_HEALTH_INTERVAL"),
				PublishBuffer:  viper.GetInt("FANOUT_PUBLISH_BUFFER"),
			},
			RateLimit: RateLimitConfig{
				MessageCapacity:        viper.GetInt("RATE_MESSAGE_CAPACITY"),
				MessageRefillPerMin:    viper.GetInt("RATE_MESSAGE_REFILL_PER_MIN"),
				TypingCapacity:         viper.GetInt("RATE_TYPING_CAPACITY"),
				TypingRefillPerMin:     viper.GetInt("RATE_TYPING_REFILL_PER_MIN"),
				ReactionCapacity:       viper.GetInt("RATE_REACTION_CAPACITY"),
				ReactionRefillPerMin:   viper.GetInt("RATE_REACTION_REFILL_PER_MIN"),
				ConnectionCapacity:     viper.GetInt("RATE_CONNECTION_CAPACITY"),
				ConnectionRefillPerMin: viper.GetInt("RATE_CONNECTION_REFILL_PER_MIN"),
				ViolationThreshold:     viper.GetInt("RATE_VIOLATION_THRESHOLD"),
				BackoffBase:            viper.GetDuration("RATE_BACKOFF_BASE"),
				BackoffMax:             viper.GetDuration("RATE_BACKOFF_MAX"),
				BucketTTL:              viper.GetDuration("RATE_BUCKET_TTL"),
				SweepInterval:          viper.GetDuration("RATE_SWEEP_INTERVAL"),
			},
			Typing: TypingConfig{
				Debounce:      viper.GetDuration("TYPING_DEBOUNCE"),
				Inactivity:    viper.GetDuration("TYPING_INACTIVITY"),
				SweepInterval: viper.GetDuration("TYPING_SWEEP_INTERVAL"),
			},
			Presence: PresenceConfig{
				GracePeriod:       viper.GetDuration("PRESENCE_GRACE_PERIOD"),
				HeartbeatInterval: viper.GetDuration("PRESENCE_HEARTBEAT_INTERVAL"),
			},
			Admin: AdminConfig{
				Token: viper.GetString("TWINLINK_ADMIN_TOKEN"),
			},
		}
	})

	return instance, nil
}

// Default returns a fresh config populated with the built-in defaults,
// bypassing the process-wide singleton. Intended for tests.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			Addr:        "127.0.0.1:6379",
			MaxRetries:  3,
			DialTimeout: 5 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "twinlink",
			ReconnectWait: 500 * time.Millisecond,
			Timeout:       3 * time.Second,
		},
		JWT: JWTConfig{Secret: "secret"},
		Fanout: FanoutConfig{
			Backend:        "redis",
			HealthInterval: 10 * time.Second,
			PublishBuffer:  1024,
		},
		RateLimit: RateLimitConfig{
			MessageCapacity:        100,
			MessageRefillPerMin:    100,
			TypingCapacity:         10,
			TypingRefillPerMin:     10,
			ReactionCapacity:       30,
			ReactionRefillPerMin:   30,
			ConnectionCapacity:     5,
			ConnectionRefillPerMin: 5,
			ViolationThreshold:     3,
			BackoffBase:            time.Second,
			BackoffMax:             60 * time.Second,
			BucketTTL:              10 * time.Minute,
			SweepInterval:          time.Minute,
		},
		Typing: TypingConfig{
			Debounce:      300 * time.Millisecond,
			Inactivity:    5 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		Presence: PresenceConfig{
			GracePeriod:       30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
		},
	}
}
