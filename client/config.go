package client

import (
	"time"

	"github.com/rs/zerolog"
)

// Config tunes the connection and the timers of the client side components.
type Config struct {
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	MaxReconnectTries    int // negative retries forever
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration

	TypingTimeout  time.Duration
	ReloadDebounce time.Duration
	PageLimit      int

	Logger zerolog.Logger
}

// DefaultConfig returns the defaults used by the web client this package
// replaces: 1s base backoff capped at 5s, ten attempts, a 2s typing window
// and pages of 50.
func DefaultConfig() *Config {
	return &Config{
		ReconnectInterval:    1 * time.Second,
		MaxReconnectInterval: 5 * time.Second,
		MaxReconnectTries:    10,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         10 * time.Second,
		ReadTimeout:          60 * time.Second,
		TypingTimeout:        2 * time.Second,
		ReloadDebounce:       500 * time.Millisecond,
		PageLimit:            50,
		Logger:               zerolog.Nop(),
	}
}

// backoff returns the delay before reconnect attempt n (1-based): the base
// interval doubled per attempt, capped at MaxReconnectInterval.
func (c *Config) backoff(attempt int) time.Duration {
	delay := c.ReconnectInterval
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.MaxReconnectInterval > 0 && delay >= c.MaxReconnectInterval {
			return c.MaxReconnectInterval
		}
	}
	if c.MaxReconnectInterval > 0 && delay > c.MaxReconnectInterval {
		return c.MaxReconnectInterval
	}
	return delay
}
