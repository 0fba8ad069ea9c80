package internal

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Config struct {
	Host string `env:"HOST,default=0.0.0.0"`
	Port int    `env:"PORT,default=3000"`

	LogLevel string `env:"LOG_LEVEL,default=info"`

	TicketSecret   string        `env:"TICKET_SECRET,required=true"`
	TicketDuration time.Duration `env:"TICKET_DURATION,default=24h"`

	// StoreBackend selects the repository implementation: badger (embedded,
	// default) or redis.
	StoreBackend   string `env:"STORE_BACKEND,default=badger"`
	BadgerFilepath string `env:"BADGER_FILEPATH,default=data/pulse"`
	RedisAddr      string `env:"REDIS_ADDR,default=127.0.0.1:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB,default=0"`
}

// Load reads the configuration from the environment, with .env support for
// local development.
func Load() (Config, error) {
	_ = godotenv.Load()

	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return config, nil
}

// Logger builds the process-wide structured logger at the configured level.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
