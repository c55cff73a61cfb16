package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	RabbitMQURL string
	JWTSecret   string

	Timezone        *time.Location
	RealtimeChannel string
	PostgresNotify  bool
	CompletedQueue  string

	AutoCompleteDelay time.Duration
	SyncDebounce      time.Duration
	SyncMaxWait       time.Duration
	SyncPollInterval  time.Duration
	AccessCacheTTL    time.Duration
	IdentityCacheTTL  time.Duration

	RetryAttempts    int
	RetryBaseBackoff time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from PICKUP_* environment variables and an
// optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PICKUP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Pickup API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("realtime.channel", "pickup")
	v.SetDefault("postgres.notify", true)
	v.SetDefault("rabbitmq.queue", "pickup.completed")
	v.SetDefault("pickup.auto_complete", "5m")
	v.SetDefault("sync.debounce", "500ms")
	v.SetDefault("sync.max_wait", "2s")
	v.SetDefault("sync.poll_interval", "20s")
	v.SetDefault("access.cache_ttl", "1m")
	v.SetDefault("identity.cache_ttl", "15m")
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.base_backoff", "50ms")

	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:         v.GetString("app.name"),
		AppEnv:          v.GetString("app.env"),
		AppPort:         v.GetString("app.port"),
		DatabaseURL:     v.GetString("database.url"),
		RedisURL:        v.GetString("redis.url"),
		NATSURL:         v.GetString("nats.url"),
		RabbitMQURL:     v.GetString("rabbitmq.url"),
		JWTSecret:       v.GetString("jwt.secret"),
		RealtimeChannel: v.GetString("realtime.channel"),
		PostgresNotify:  v.GetBool("postgres.notify"),
		CompletedQueue:  v.GetString("rabbitmq.queue"),
		RetryAttempts:   v.GetInt("retry.attempts"),
	}
	durations["pickup.auto_complete"] = &cfg.AutoCompleteDelay
	durations["sync.debounce"] = &cfg.SyncDebounce
	durations["sync.max_wait"] = &cfg.SyncMaxWait
	durations["sync.poll_interval"] = &cfg.SyncPollInterval
	durations["access.cache_ttl"] = &cfg.AccessCacheTTL
	durations["identity.cache_ttl"] = &cfg.IdentityCacheTTL
	durations["retry.base_backoff"] = &cfg.RetryBaseBackoff

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*target = parsed
	}

	location, err := time.LoadLocation(v.GetString("timezone"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid timezone: %w", err)
	}
	cfg.Timezone = location

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}

	return cfg, nil
}
