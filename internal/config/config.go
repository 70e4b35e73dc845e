// Package config loads relay settings from the environment and an optional
// .env file.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"studyroom/internal/relay"
)

type Config struct {
	Addr        string
	Environment string
	LogLevel    slog.Level

	// AllowedOrigins is the WebSocket/CORS origin allow-list. Empty allows
	// every origin.
	AllowedOrigins []string
	// TrustProxyHeaders makes X-Real-Ip and X-Forwarded-For authoritative
	// for the client address.
	TrustProxyHeaders bool

	SendQueueDepth      int
	MaxMessageSize      int64
	MaxClientsPerIP     int
	UpdatesPerSecond    float64
	UpdateBurst         int
	EvictOnDisconnect   bool
	BindIdentity        bool
	SendInitialSnapshot bool

	RedisAddress  string
	RedisPassword string
	RedisKey      string
	RedisTTL      time.Duration

	ShutdownTimeout time.Duration
}

func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c Config) MirrorEnabled() bool {
	return c.RedisAddress != ""
}

// RelayOptions maps the relay settings onto relay.Options. The mirror is
// left for the caller to attach.
func (c Config) RelayOptions() relay.Options {
	opts := relay.DefaultOptions()
	opts.MaxClientsPerIP = c.MaxClientsPerIP
	opts.UpdatesPerSecond = c.UpdatesPerSecond
	opts.UpdateBurst = c.UpdateBurst
	opts.EvictOnDisconnect = c.EvictOnDisconnect
	opts.BindIdentity = c.BindIdentity
	opts.SendInitialSnapshot = c.SendInitialSnapshot
	return opts
}

// Load reads the given env files (".env" when none are named) into the
// process environment and builds a Config from it. A missing env file is not
// an error. Variables already set in the environment win over the files.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		slog.Warn("no .env file found, using environment variables", "error", err)
	}

	v := viper.New()
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", "")
	v.SetDefault("trust_proxy_headers", false)
	v.SetDefault("send_queue_depth", 64)
	v.SetDefault("max_message_size", 4096)
	v.SetDefault("max_clients_per_ip", 0)
	v.SetDefault("updates_per_second", 30.0)
	v.SetDefault("update_burst", 60)
	v.SetDefault("evict_on_disconnect", true)
	v.SetDefault("bind_identity", true)
	v.SetDefault("send_initial_snapshot", true)
	v.SetDefault("redis_address", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_key", "presence:positions")
	v.SetDefault("redis_ttl", time.Hour)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.AutomaticEnv()

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return Config{}, errors.Wrap(err, "config: log_level")
	}

	p := parser{v: v}
	cfg := Config{
		Addr:                resolveAddr(v),
		Environment:         strings.ToLower(v.GetString("environment")),
		LogLevel:            level,
		AllowedOrigins:      splitList(v.GetString("allowed_origins")),
		TrustProxyHeaders:   p.bool("trust_proxy_headers"),
		SendQueueDepth:      p.int("send_queue_depth"),
		MaxMessageSize:      p.int64("max_message_size"),
		MaxClientsPerIP:     p.int("max_clients_per_ip"),
		UpdatesPerSecond:    p.float64("updates_per_second"),
		UpdateBurst:         p.int("update_burst"),
		EvictOnDisconnect:   p.bool("evict_on_disconnect"),
		BindIdentity:        p.bool("bind_identity"),
		SendInitialSnapshot: p.bool("send_initial_snapshot"),
		RedisAddress:        v.GetString("redis_address"),
		RedisPassword:       v.GetString("redis_password"),
		RedisKey:            v.GetString("redis_key"),
		RedisTTL:            p.duration("redis_ttl"),
		ShutdownTimeout:     p.duration("shutdown_timeout"),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("config: empty listen address")
	case c.SendQueueDepth < 1:
		return errors.Errorf("config: send_queue_depth must be positive, got %d", c.SendQueueDepth)
	case c.MaxMessageSize < 1:
		return errors.Errorf("config: max_message_size must be positive, got %d", c.MaxMessageSize)
	case c.MaxClientsPerIP < 0:
		return errors.Errorf("config: max_clients_per_ip must not be negative, got %d", c.MaxClientsPerIP)
	case c.UpdatesPerSecond < 0:
		return errors.Errorf("config: updates_per_second must not be negative, got %v", c.UpdatesPerSecond)
	case c.UpdateBurst < 0:
		return errors.Errorf("config: update_burst must not be negative, got %d", c.UpdateBurst)
	case c.MirrorEnabled() && c.RedisKey == "":
		return errors.New("config: redis_key is required when redis_address is set")
	}
	return nil
}

// parser converts raw viper values with the strict cast functions, which,
// unlike viper's getters, report unparseable input. It keeps the first error.
type parser struct {
	v   *viper.Viper
	err error
}

func (p *parser) fail(key string, err error) {
	if err != nil && p.err == nil {
		p.err = errors.Wrapf(err, "config: %s", key)
	}
}

func (p *parser) int(key string) int {
	n, err := cast.ToIntE(p.v.Get(key))
	p.fail(key, err)
	return n
}

func (p *parser) int64(key string) int64 {
	n, err := cast.ToInt64E(p.v.Get(key))
	p.fail(key, err)
	return n
}

func (p *parser) float64(key string) float64 {
	f, err := cast.ToFloat64E(p.v.Get(key))
	p.fail(key, err)
	return f
}

func (p *parser) bool(key string) bool {
	b, err := cast.ToBoolE(p.v.Get(key))
	p.fail(key, err)
	return b
}

func (p *parser) duration(key string) time.Duration {
	d, err := cast.ToDurationE(p.v.Get(key))
	p.fail(key, err)
	return d
}

// resolveAddr prefers RELAY_ADDR, then PORT as used by most PaaS hosts.
func resolveAddr(v *viper.Viper) string {
	if addr := v.GetString("relay_addr"); addr != "" {
		return addr
	}
	if port := v.GetString("port"); port != "" {
		return ":" + port
	}
	return ":8080"
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
