package uthhub

import (
	"math"
	"math/rand"
	"time"
)

// ReconnectConfig bounds automatic reconnection.
type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// CredentialRetryInterval is how often Connect is retried while no
	// token is available. Those retries do not count against MaxAttempts.
	CredentialRetryInterval time.Duration
	DialTimeout             time.Duration
	WriteTimeout            time.Duration
	HeartBeat               time.Duration
}

func (c *ReconnectConfig) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = 1 * time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.CredentialRetryInterval == 0 {
		c.CredentialRetryInterval = 1 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HeartBeat == 0 {
		c.HeartBeat = 10 * time.Second
	}
}

// backoff is not safe for concurrent use; ConnectionManager guards it.
type backoff struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	jitter      func() float64
}

func newBackoff(cfg ReconnectConfig) *backoff {
	return &backoff{
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
		jitter:      rand.Float64,
	}
}

func (b *backoff) exhausted() bool {
	return b.maxAttempts > 0 && b.attempt >= b.maxAttempts
}

func (b *backoff) nextDelay() time.Duration {
	jitter := time.Duration(b.jitter() * float64(b.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.baseDelay)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.maxDelay),
	))
	b.attempt++
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
}
