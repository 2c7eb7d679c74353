// /internal/config/config.go
package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, falling back to system environment variables")
	}
}

// Config holds process-wide settings read from the environment.
type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN"`

	// MarketDBPath is the SQLite database holding profiles, rates and call sessions.
	MarketDBPath string `env:"MARKET_DB_PATH" envDefault:"market.db"`

	// StoragePath is the JSON store of record for guild configs and the teardown journal.
	StoragePath string `env:"STORAGE_PATH" envDefault:"coachline.json"`

	// CoachRoleName is the display name of the authorization role provisioned per guild.
	CoachRoleName string `env:"COACH_ROLE_NAME" envDefault:"Coach"`

	// AutoRepairInterval enables the periodic self-heal auditor when non-zero.
	AutoRepairInterval time.Duration `env:"AUTO_REPAIR_INTERVAL"`

	// ReadyTimeout bounds how long callers wait for the gateway to become ready.
	ReadyTimeout time.Duration `env:"READY_TIMEOUT" envDefault:"30s"`
}

func New() *Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatal("failed to parse environment: ", err)
	}

	if cfg.DiscordToken == "" {
		log.Fatal("DISCORD_TOKEN is not set")
	}

	return &cfg
}
