package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env is the process environment the CLI reads.
type Env struct {
	DataDir      string  `env:"MPHYS_DATA_DIR"      envDefault:"runs"`
	SQLitePath   string  `env:"MPHYS_SQLITE_PATH"`
	RedisAddr    string  `env:"MPHYS_REDIS_ADDR"`
	RedisPrefix  string  `env:"MPHYS_REDIS_PREFIX"  envDefault:"mphys"`
	OTelEndpoint string  `env:"MPHYS_OTEL_ENDPOINT"`
	OTelEnabled  bool    `env:"MPHYS_OTEL_ENABLED"  envDefault:"true"`
	LogRate      float64 `env:"MPHYS_LOG_RATE"      envDefault:"10"`
	// Strategy overrides the coupling strategy of any loaded scenario.
	Strategy string `env:"MPHYS_COUPLING_STRATEGY"`
	Strict   bool   `env:"MPHYS_STRICT_CONSERVATION"`
}

func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// Apply overrides scenario settings named by the environment.
func (e Env) Apply(c *Config) {
	if e.Strategy != "" {
		c.Coupling.Strategy = e.Strategy
	}
	if e.Strict {
		c.Conservation.Strict = true
	}
}
