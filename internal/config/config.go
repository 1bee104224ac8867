package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config is populated from the environment. A .env file is loaded first when
// present so local development works without exporting anything.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`

	HTTP HTTPServer `envPrefix:"HTTP_"`

	DatabasePath string `env:"DATABASE_PATH" envDefault:"escrow.db"`
	JWTSecret    string `env:"JWT_SECRET" envDefault:"escrow-secret-key"`

	// PlatformUserID owns the account that collects platform fees.
	PlatformUserID  string  `env:"PLATFORM_USER_ID" envDefault:"platform"`
	PlatformFeeRate float64 `env:"PLATFORM_FEE_RATE" envDefault:"0.10"`

	// AcceptWindow is how long a seller has to accept a pending order before
	// it is auto-cancelled and refunded.
	AcceptWindow time.Duration `env:"ACCEPT_WINDOW" envDefault:"48h"`
	// EscrowGracePeriod is how long a buyer has to confirm or dispute a
	// delivered order before escrow is auto-released to the seller.
	EscrowGracePeriod time.Duration `env:"ESCROW_GRACE_PERIOD" envDefault:"72h"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	// ReminderWindow controls how far ahead of a deadline the
	// deadline-approaching notification fires.
	ReminderWindow time.Duration `env:"REMINDER_WINDOW" envDefault:"12h"`
}

type HTTPServer struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port string `env:"PORT" envDefault:"8080"`
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	// Missing .env is fine in production
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
