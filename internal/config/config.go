package config

import (
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is loaded from the environment, with an optional .env file for
// local development.
type Config struct {
	Port        int    `env:"PORT,default=8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`

	JWTSecret     string        `env:"JWT_SECRET,required"`
	OwnerTokenTTL time.Duration `env:"OWNER_TOKEN_TTL,default=24h"`

	// Workflow windows. Issuance requests die unless the terminal answers
	// within the TTL; redeem sessions are the shorter show-to-the-clerk
	// window. A zero reward TTL means rewards never expire.
	IssuanceTTL      time.Duration `env:"ISSUANCE_TTL,default=120s"`
	RedeemSessionTTL time.Duration `env:"REDEEM_SESSION_TTL,default=45s"`
	RewardTTL        time.Duration `env:"REWARD_TTL,default=0"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=30s"`
	LockWait      time.Duration `env:"LOCK_WAIT,default=3s"`

	// Wallet-side request throttle, refills per second.
	RateLimitPerSec float64 `env:"RATE_LIMIT_PER_SEC,default=1"`
	RateLimitBurst  int     `env:"RATE_LIMIT_BURST,default=5"`

	// Semicolon-separated list.
	CORSOrigins []string `env:"CORS_ORIGINS,default=http://localhost:3000"`
}

func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
