// Package config loads draftkeeper settings from an optional YAML or JSON file
// overlaid with DRAFTKEEPER_* environment variables.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DRAFTKEEPER_"

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

type Config struct {
	Store    StoreConfig    `mapstructure:"store" yaml:"store" json:"store"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache" json:"cache"`
	Sessions SessionsConfig `mapstructure:"sessions" yaml:"sessions" json:"sessions"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper" yaml:"sweeper" json:"sweeper"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync" json:"sync"`
	Security SecurityConfig `mapstructure:"security" yaml:"security" json:"security"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http" json:"http"`
	Log      LogConfig      `mapstructure:"log" yaml:"log" json:"log"`
}

type StoreConfig struct {
	Backend string        `mapstructure:"backend" yaml:"backend" json:"backend"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	Redis   RedisConfig   `mapstructure:"redis" yaml:"redis" json:"redis"`
	Mongo   MongoConfig   `mapstructure:"mongo" yaml:"mongo" json:"mongo"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password string `mapstructure:"password" yaml:"password" json:"password"`
	DB       int    `mapstructure:"db" yaml:"db" json:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri" yaml:"uri" json:"uri"`
	Database   string `mapstructure:"database" yaml:"database" json:"database"`
	Collection string `mapstructure:"collection" yaml:"collection" json:"collection"`
}

type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	Capacity      int           `mapstructure:"capacity" yaml:"capacity" json:"capacity"`
	PurgeInterval time.Duration `mapstructure:"purge_interval" yaml:"purge_interval" json:"purge_interval"`
}

type SessionsConfig struct {
	MaxActivePerUser  int `mapstructure:"max_active_per_user" yaml:"max_active_per_user" json:"max_active_per_user"`
	MaxMessageHistory int `mapstructure:"max_message_history" yaml:"max_message_history" json:"max_message_history"`
	MaxMessageBytes   int `mapstructure:"max_message_bytes" yaml:"max_message_bytes" json:"max_message_bytes"`
	// DistributedLock makes the per-user limit a hard cap. Requires the redis backend.
	DistributedLock bool `mapstructure:"distributed_lock" yaml:"distributed_lock" json:"distributed_lock"`
}

type SweeperConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Interval      time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	IdleThreshold time.Duration `mapstructure:"idle_threshold" yaml:"idle_threshold" json:"idle_threshold"`
}

type SyncConfig struct {
	RecentMessages int `mapstructure:"recent_messages" yaml:"recent_messages" json:"recent_messages"`
}

// SecurityConfig holds base64 encoded AES-256 keys and PII key patterns.
type SecurityConfig struct {
	EncryptionKey string   `mapstructure:"encryption_key" yaml:"encryption_key" json:"encryption_key"`
	FallbackKeys  []string `mapstructure:"fallback_keys" yaml:"fallback_keys" json:"fallback_keys"`
	PIIPatterns   []string `mapstructure:"pii_patterns" yaml:"pii_patterns" json:"pii_patterns"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr" json:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Backend: BackendMemory,
			Timeout: 5 * time.Second,
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "draftkeeper:session:"},
			Mongo:   MongoConfig{URI: "mongodb://localhost:27017", Database: "draftkeeper", Collection: "drafting_sessions"},
		},
		Cache: CacheConfig{
			TTL:           15 * time.Minute,
			Capacity:      10000,
			PurgeInterval: time.Minute,
		},
		Sessions: SessionsConfig{
			MaxActivePerUser:  5,
			MaxMessageHistory: 100,
			MaxMessageBytes:   64 << 10,
		},
		Sweeper: SweeperConfig{
			Enabled:       true,
			Interval:      time.Hour,
			IdleThreshold: 24 * time.Hour,
		},
		Sync: SyncConfig{RecentMessages: 10},
		HTTP: HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// envBindings maps environment variables to dotted config paths.
var envBindings = map[string]string{
	"STORE_BACKEND":                "store.backend",
	"STORE_TIMEOUT":                "store.timeout",
	"REDIS_ADDR":                   "store.redis.addr",
	"REDIS_PASSWORD":               "store.redis.password",
	"REDIS_DB":                     "store.redis.db",
	"REDIS_PREFIX":                 "store.redis.prefix",
	"MONGO_URI":                    "store.mongo.uri",
	"MONGO_DATABASE":               "store.mongo.database",
	"MONGO_COLLECTION":             "store.mongo.collection",
	"CACHE_TTL":                    "cache.ttl",
	"CACHE_CAPACITY":               "cache.capacity",
	"CACHE_PURGE_INTERVAL":         "cache.purge_interval",
	"SESSIONS_MAX_ACTIVE_PER_USER": "sessions.max_active_per_user",
	"SESSIONS_MAX_MESSAGE_HISTORY": "sessions.max_message_history",
	"SESSIONS_MAX_MESSAGE_BYTES":   "sessions.max_message_bytes",
	"SESSIONS_DISTRIBUTED_LOCK":    "sessions.distributed_lock",
	"SWEEPER_ENABLED":              "sweeper.enabled",
	"SWEEPER_INTERVAL":             "sweeper.interval",
	"SWEEPER_IDLE_THRESHOLD":       "sweeper.idle_threshold",
	"SYNC_RECENT_MESSAGES":         "sync.recent_messages",
	"ENCRYPTION_KEY":               "security.encryption_key",
	"ENCRYPTION_FALLBACK_KEYS":     "security.fallback_keys",
	"PII_PATTERNS":                 "security.pii_patterns",
	"HTTP_ADDR":                    "http.addr",
	"HTTP_SHUTDOWN_TIMEOUT":        "http.shutdown_timeout",
	"LOG_LEVEL":                    "log.level",
	"LOG_FORMAT":                   "log.format",
}

// Load reads path (if non-empty), applies environment overrides and validates.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	raw := map[string]any{}
	if path != "" {
		fileValues, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		raw = fileValues
	}

	for env, dotted := range envBindings {
		if v, ok := lookup(EnvPrefix + env); ok {
			setPath(raw, strings.Split(dotted, "."), v)
		}
	}

	cfg := Defaults()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	out := map[string]any{}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
	} else {
		// Default to YAML
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
	}
	return out, nil
}

func setPath(m map[string]any, path []string, v any) {
	for _, p := range path[:len(path)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}

// Validate rejects values the stack cannot run with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendMongo:
	default:
		return domain.NewValidationError("store.backend", fmt.Sprintf("unknown backend %q", c.Store.Backend))
	}
	if c.Store.Timeout <= 0 {
		return domain.NewValidationError("store.timeout", "must be positive")
	}
	if c.Cache.TTL <= 0 {
		return domain.NewValidationError("cache.ttl", "must be positive")
	}
	if c.Cache.Capacity <= 0 {
		return domain.NewValidationError("cache.capacity", "must be positive")
	}
	if c.Sessions.MaxActivePerUser < 0 {
		return domain.NewValidationError("sessions.max_active_per_user", "must not be negative")
	}
	if c.Sessions.DistributedLock && c.Store.Backend != BackendRedis {
		return domain.NewValidationError("sessions.distributed_lock", "requires the redis backend")
	}
	if c.Sweeper.Enabled && (c.Sweeper.Interval <= 0 || c.Sweeper.IdleThreshold <= 0) {
		return domain.NewValidationError("sweeper", "interval and idle_threshold must be positive")
	}
	if c.Sync.RecentMessages <= 0 {
		return domain.NewValidationError("sync.recent_messages", "must be positive")
	}
	if _, _, err := c.Security.Keys(); err != nil {
		return err
	}
	return nil
}

// Keys decodes the encryption keys. active is nil when encryption is disabled.
func (s SecurityConfig) Keys() (active []byte, fallback [][]byte, err error) {
	if s.EncryptionKey == "" {
		if len(s.FallbackKeys) > 0 {
			return nil, nil, domain.NewValidationError("security.fallback_keys", "set without an encryption_key")
		}
		return nil, nil, nil
	}
	active, err = decodeKey("security.encryption_key", s.EncryptionKey)
	if err != nil {
		return nil, nil, err
	}
	for _, k := range s.FallbackKeys {
		key, err := decodeKey("security.fallback_keys", k)
		if err != nil {
			return nil, nil, err
		}
		fallback = append(fallback, key)
	}
	return active, fallback, nil
}

func decodeKey(field, s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, domain.NewValidationError(field, "must be base64 encoded")
	}
	if len(key) != 32 {
		return nil, domain.NewValidationError(field, "must decode to 32 bytes")
	}
	return key, nil
}
