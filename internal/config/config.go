package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageMongo  = "mongo"
	StorageSQLite = "sqlite"
)

type (
	Config struct {
		APIBaseURL string `env:"CHAT_API_URL" envDefault:"http://localhost:8000"`
		WSURL      string `env:"CHAT_WS_URL" envDefault:"ws://localhost:8000/ws/chat/"`

		// Bearer token for the identity given on the command line.
		Token string `env:"CHAT_TOKEN"`

		Storage Storage

		// Optional; when set, private key slots are sealed at rest.
		Passphrase string `env:"CHAT_KEY_PASSPHRASE"`

		HydrateTimeout time.Duration `env:"CHAT_HYDRATE_TIMEOUT" envDefault:"8s"`
		PageSize       int           `env:"CHAT_PAGE_SIZE" envDefault:"50"`
		ReadyTimeout   time.Duration `env:"CHAT_READY_TIMEOUT" envDefault:"5s"`
		SearchDebounce time.Duration `env:"CHAT_SEARCH_DEBOUNCE" envDefault:"300ms"`
		HTTPTimeout    time.Duration `env:"CHAT_HTTP_TIMEOUT" envDefault:"15s"`

		ReconnectMin time.Duration `env:"CHAT_RECONNECT_MIN" envDefault:"500ms"`
		ReconnectMax time.Duration `env:"CHAT_RECONNECT_MAX" envDefault:"30s"`

		LogLevel string `env:"CHAT_LOG_LEVEL" envDefault:"info"`
		LogJSON  bool   `env:"CHAT_LOG_JSON" envDefault:"false"`
	}

	Storage struct {
		Backend string `env:"CHAT_STORAGE" envDefault:"sqlite"`

		SQLitePath string `env:"CHAT_SQLITE_PATH" envDefault:"./chat.db"`

		RedisAddr     string `env:"CHAT_REDIS_ADDR" envDefault:"localhost:6379"`
		RedisPassword string `env:"CHAT_REDIS_PASSWORD"`
		RedisDB       int    `env:"CHAT_REDIS_DB" envDefault:"0"`

		MongoURI      string `env:"CHAT_MONGO_URI" envDefault:"mongodb://localhost:27017"`
		MongoDatabase string `env:"CHAT_MONGO_DB" envDefault:"chat_client"`
	}
)

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageMemory, StorageRedis, StorageMongo, StorageSQLite:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.PageSize <= 0 || c.PageSize > 200 {
		return fmt.Errorf("page size must be within 1..200, got %d", c.PageSize)
	}
	if c.HydrateTimeout <= 0 || c.ReadyTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("invalid reconnect bounds %s..%s", c.ReconnectMin, c.ReconnectMax)
	}
	return nil
}
