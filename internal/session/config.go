// internal/session/config.go
package session

import (
	"time"

	"device-gateway/internal/config"
	"device-gateway/internal/protocol/engine"
)

// Config tunes a Session
type Config struct {
	ReadBufferSize      int
	WriteTimeout        time.Duration
	RegistrationTimeout time.Duration
	QueueSize           int
	Backoff             BackoffConfig
}

// DefaultConfig returns settings suitable for tests and simulators
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:      4096,
		WriteTimeout:        5 * time.Second,
		RegistrationTimeout: 10 * time.Second,
		QueueSize:           64,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
		},
	}
}

// FromConfig maps the session section of the application configuration
func FromConfig(cfg config.SessionConfig) (Config, engine.Policy, error) {
	policy, err := engine.ParsePolicy(cfg.RegistrationPolicy)
	if err != nil {
		return Config{}, policy, err
	}

	return Config{
		ReadBufferSize:      cfg.ReadBufferSize,
		WriteTimeout:        cfg.WriteTimeout,
		RegistrationTimeout: cfg.RegistrationTimeout,
		QueueSize:           cfg.QueueSize,
		Backoff: BackoffConfig{
			InitialDelay: cfg.Reconnect.Initial,
			MaxDelay:     cfg.Reconnect.Max,
			Multiplier:   cfg.Reconnect.Multiplier,
			Jitter:       cfg.Reconnect.Jitter,
		},
	}, policy, nil
}
