package httpapi

import "time"

// Config controls REST API limits.
type Config struct {
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool

	// MaxBodyBytes bounds JSON request bodies.
	MaxBodyBytes int64

	// MaxUploadBytes bounds a single attachment. Multipart overhead is allowed on top.
	MaxUploadBytes int64

	// StartRateEvents conversations may be started per client address within StartRateWindow.
	StartRateEvents int
	StartRateWindow time.Duration
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:    1 << 20,
		MaxUploadBytes:  10 << 20,
		StartRateEvents: 10,
		StartRateWindow: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	if c.StartRateEvents <= 0 {
		c.StartRateEvents = d.StartRateEvents
	}
	if c.StartRateWindow <= 0 {
		c.StartRateWindow = d.StartRateWindow
	}
	return c
}
