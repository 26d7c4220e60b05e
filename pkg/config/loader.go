// Package config loads daemon configuration from environment variables.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Load fills cfg from the process environment using `env` struct tags.
// Defaults come from `envDefault`, list values split on `envSeparator`.
//
// Example:
//
//	type Config struct {
//	    HTTPPort int      `env:"HTTP_PORT" envDefault:"8080"`
//	    Brokers  []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
//	}
//
// Callers layer their own validate() on top; Load only parses.
func Load(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}
