package transport

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// TLSConfig configures wss:// dialing.
type TLSConfig struct {
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

func (t TLSConfig) enabled() bool {
	return strings.TrimSpace(t.CAFile) != "" || strings.TrimSpace(t.ServerName) != "" || t.InsecureSkipVerify
}

// Config defines connection reliability settings.
//
// MaxReconnectAttempts of zero takes the default; a negative value disables
// automatic reconnection so the first abnormal closure lands in StateFailed.
type Config struct {
	URL                  string
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	MaxReconnectAttempts int
	Backoff              BackoffConfig
	TLS                  TLSConfig
	NotificationBuffer   int
}

// DefaultConfig returns client defaults. URL is left for the caller.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       30 * time.Second,
		RequestTimeout:       30 * time.Second,
		MaxReconnectAttempts: 5,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       false,
		},
		NotificationBuffer: 64,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
// An unset ConnectTimeout follows RequestTimeout.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = c.RequestTimeout
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	if c.NotificationBuffer <= 0 {
		c.NotificationBuffer = def.NotificationBuffer
	}
	return c
}

func (c Config) Validate() error {
	raw := strings.TrimSpace(c.URL)
	if raw == "" {
		return ErrURLRequired
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("transport: parse url %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		if c.TLS.enabled() {
			return ErrTLSRequiresWSS
		}
	case "wss":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidScheme, u.Scheme)
	}
	return nil
}
