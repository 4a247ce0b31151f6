package config

import (
	"context"
	"flag"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/talx-hub/point-ledger/internal/model"
)

type Config struct {
	DatabaseURI       string        `env:"DATABASE_URI"        envDefault:""`
	LogLevel          string        `env:"LOG_LEVEL"           envDefault:"info"`
	ExpiryInterval    time.Duration `env:"EXPIRY_INTERVAL"     envDefault:"1h"`
	ExpiryBatchLimit  int           `env:"EXPIRY_BATCH_LIMIT"  envDefault:"256"`
	ExpiryWorkerCount uint64        `env:"EXPIRY_WORKER_COUNT" envDefault:"8"`
}

type Builder struct {
	cfg *Config
	log *slog.Logger
}

func NewBuilder(log *slog.Logger) *Builder {
	return &Builder{
		cfg: &Config{},
		log: log,
	}
}

func (b *Builder) FromDotEnv() *Builder {
	if err := godotenv.Load(".env"); err != nil {
		b.log.LogAttrs(context.Background(),
			slog.LevelDebug, "No .env file loaded", slog.Any(model.KeyLoggerError, err))
	}
	return b
}

func (b *Builder) FromEnv() *Builder {
	if err := env.Parse(b.cfg); err != nil {
		b.log.LogAttrs(context.Background(),
			slog.LevelError, "Failed to parse config", slog.Any(model.KeyLoggerError, err))
	}
	return b
}

func (b *Builder) FromFlags() *Builder {
	flag.StringVar(&b.cfg.DatabaseURI, "d", b.cfg.DatabaseURI, "Database URI")
	flag.StringVar(&b.cfg.LogLevel, "l", b.cfg.LogLevel, "Log level")
	flag.DurationVar(&b.cfg.ExpiryInterval, "i", b.cfg.ExpiryInterval, "Expiry sweep interval")
	flag.IntVar(&b.cfg.ExpiryBatchLimit, "b", b.cfg.ExpiryBatchLimit, "Expiry sweep batch limit")
	flag.Uint64Var(&b.cfg.ExpiryWorkerCount, "w", b.cfg.ExpiryWorkerCount, "Expiry worker count")

	flag.Parse()
	return b
}

func (b *Builder) GetConfig() *Config {
	return b.cfg
}
