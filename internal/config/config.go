package config

import (
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	pkgconfig "github.com/abrahaamv/realtime-gateway/pkg/config"
	"github.com/abrahaamv/realtime-gateway/pkg/log"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Heartbeat HeartbeatConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Log       log.Config
}

type ServerConfig struct {
	Host string
	Port int
	// InstanceID identifies this gateway process in ack frames and bus
	// envelopes. Defaults to a random UUID per process.
	InstanceID string `mapstructure:"instance_id"`
}

type WebSocketConfig struct {
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	SendQueueSize   int           `mapstructure:"send_queue_size"`
}

type HeartbeatConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type DatabaseConfig struct {
	DSN string
}

type AuthConfig struct {
	// CookieName is the HTTP cookie carrying the opaque session token.
	CookieName string `mapstructure:"cookie_name"`
	// JWTSecret is the HMAC key for the built-in JWT verifier.
	JWTSecret string `mapstructure:"jwt_secret"`
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.instance_id", "")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.send_queue_size", 256)
	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("heartbeat.stale_threshold", "120s")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.dsn", "")
	v.SetDefault("auth.cookie_name", "session_token")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("log.level", "info")

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.instance_id", "GATEWAY_INSTANCE_ID")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("database.dsn", "DATABASE_DSN")
	v.BindEnv("auth.cookie_name", "AUTH_COOKIE_NAME")
	v.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Heartbeat.Interval = parseDuration(v, "heartbeat.interval", 30*time.Second)
	cfg.Heartbeat.StaleThreshold = parseDuration(v, "heartbeat.stale_threshold", 120*time.Second)

	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = "gw-" + uuid.New().String()
	}

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
