package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	commoncfg "wisefido-chat/common/config"

	"gopkg.in/yaml.v3"
)

// Push backplanes understood by the delivery bus
const (
	PushLocal = "local"
	PushRedis = "redis"
	PushMQTT  = "mqtt"
	PushNATS  = "nats"
)

// Config wisefido-chat (HTTP + websocket) configuration
type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
		// WebsocketOrigins empty = same-origin only
		WebsocketOrigins []string `yaml:"websocket_origins"`
	} `yaml:"http"`

	DBEnabled   bool                     `yaml:"db_enabled"`
	AutoMigrate bool                     `yaml:"auto_migrate"`
	Database    commoncfg.DatabaseConfig `yaml:"database"`
	Redis       commoncfg.RedisConfig    `yaml:"redis"`
	MQTT        commoncfg.MQTTConfig     `yaml:"mqtt"`
	NATS        commoncfg.NATSConfig     `yaml:"nats"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Chat ChatConfig `yaml:"chat"`
	Blob BlobConfig `yaml:"blob"`
}

// ChatConfig chat core tuning
type ChatConfig struct {
	PushBackend      string        `yaml:"push_backend"`       // local | redis | mqtt | nats
	IdempotencyTTL   time.Duration `yaml:"idempotency_ttl"`    // client_msg_id dedup window
	PreviewRunes     int           `yaml:"preview_runes"`      // notification body truncation
	FeedLimit        int           `yaml:"feed_limit"`         // default notification page
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`     // JSON request limit
	MaxUploadBytes   int64         `yaml:"max_upload_bytes"`   // multipart limit
	AuditStream      string        `yaml:"audit_stream"`       // redis stream for audit events, empty = off
	AuditStreamLimit int64         `yaml:"audit_stream_limit"` // approximate MAXLEN
}

// BlobConfig attachment storage backend
type BlobConfig struct {
	// BaseURL empty = storage unconfigured (uploads fail with StorageUnavailable)
	BaseURL   string        `yaml:"base_url"`
	PublicURL string        `yaml:"public_url"`
	Bucket    string        `yaml:"bucket"`
	Token     string        `yaml:"token"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Load defaults overridden by env (no config file)
func Load() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

// LoadFile defaults, then the YAML file at path ("" = skip), then env
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = ":8090"
	cfg.DBEnabled = true
	cfg.Database = commoncfg.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "owlrd",
		SSLMode:  "disable",
		MaxConns: 20,
		MaxIdle:  5,
	}
	cfg.Redis.Addr = "localhost:6379"
	cfg.MQTT = commoncfg.MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "wisefido-chat",
		QoS:      1,
	}
	cfg.NATS = commoncfg.NATSConfig{URL: "nats://127.0.0.1:4222", Name: "wisefido-chat"}
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Chat = ChatConfig{
		PushBackend:      PushRedis,
		IdempotencyTTL:   10 * time.Minute,
		PreviewRunes:     80,
		FeedLimit:        50,
		MaxBodyBytes:     1 << 20,
		MaxUploadBytes:   20 << 20,
		AuditStream:      "chat:audit",
		AuditStreamLimit: 100000,
	}
	cfg.Blob.Timeout = 30 * time.Second
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.DBEnabled = getEnv("DB_ENABLED", strconv.FormatBool(cfg.DBEnabled)) == "true"
	cfg.AutoMigrate = getEnv("DB_AUTO_MIGRATE", strconv.FormatBool(cfg.AutoMigrate)) == "true"
	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")
	cfg.NATS.LoadFromEnv("NATS")

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	cfg.Chat.PushBackend = getEnv("PUSH_BACKEND", cfg.Chat.PushBackend)
	cfg.Chat.IdempotencyTTL = parseDuration(os.Getenv("CHAT_IDEMPOTENCY_TTL"), cfg.Chat.IdempotencyTTL)
	cfg.Chat.PreviewRunes = parseInt(os.Getenv("CHAT_PREVIEW_RUNES"), cfg.Chat.PreviewRunes)
	cfg.Chat.AuditStream = getEnv("CHAT_AUDIT_STREAM", cfg.Chat.AuditStream)

	cfg.Blob.BaseURL = getEnv("BLOB_BASE_URL", cfg.Blob.BaseURL)
	cfg.Blob.PublicURL = getEnv("BLOB_PUBLIC_URL", cfg.Blob.PublicURL)
	cfg.Blob.Bucket = getEnv("BLOB_BUCKET", cfg.Blob.Bucket)
	cfg.Blob.Token = getEnv("BLOB_TOKEN", cfg.Blob.Token)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
