package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env is the process configuration read from the environment. CLI flags
// override it.
type Env struct {
	DB          string   `env:"PATRONAGE_DB" envDefault:"patronage.db"`
	PostgresDSN string   `env:"PATRONAGE_POSTGRES_DSN"`
	Formula     string   `env:"PATRONAGE_FORMULA"`
	Brokers     []string `env:"PATRONAGE_KAFKA_BROKERS" envSeparator:","`
	Topic       string   `env:"PATRONAGE_KAFKA_TOPIC" envDefault:"patronage.balance-events"`
	Group       string   `env:"PATRONAGE_KAFKA_GROUP" envDefault:"patronage-ledger"`
	DLQTopic    string   `env:"PATRONAGE_DLQ_TOPIC" envDefault:"patronage.balance-events.dlq"`
	MetricsAddr string   `env:"PATRONAGE_METRICS_ADDR"`
}

// LoadEnv reads Env from the process environment.
func LoadEnv() (Env, error) {
	return parseEnv(env.Options{})
}

// LoadEnvFrom reads Env from vars instead of the process environment.
func LoadEnvFrom(vars map[string]string) (Env, error) {
	return parseEnv(env.Options{Environment: vars})
}

func parseEnv(opts env.Options) (Env, error) {
	var e Env
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// FormulaOrDefault loads the formula named by e.Formula, or the defaults
// when none is set.
func (e Env) FormulaOrDefault() (Formula, error) {
	if e.Formula == "" {
		return Default(), nil
	}
	return Load(e.Formula)
}
