// Package scheduler drives workers in poll loops: claim, process, pause, repeat.
package scheduler

import (
	"errors"
	"time"
)

// Config defines one poll loop's pacing.
type Config struct {
	// Concurrency is the number of goroutines polling the same worker.
	Concurrency int `mapstructure:"concurrency"`
	// IdleInterval is the wait after a poll found nothing to do.
	IdleInterval time.Duration `mapstructure:"idle_interval"`
	// ErrorBackoff is the wait after a poll failed.
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
	// DrainPause is the wait after a unit was processed. Zero drains the queue back to back.
	DrainPause time.Duration `mapstructure:"drain_pause"`
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:  1,
		IdleInterval: 5 * time.Second,
		ErrorBackoff: 15 * time.Second,
	}
}

// Validate rejects configurations that would spin or never run.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}
	if c.IdleInterval <= 0 {
		return errors.New("idle_interval must be positive")
	}
	if c.ErrorBackoff <= 0 {
		return errors.New("error_backoff must be positive")
	}
	if c.DrainPause < 0 {
		return errors.New("drain_pause must not be negative")
	}
	return nil
}
