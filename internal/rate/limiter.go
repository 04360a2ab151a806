package rate

import (
	"context"
	"sync"
	"time"
)

// Config defines the launch budget for one agent sub-command.
type Config struct {
	RequestsPerSecond int
	Burst             int
	// Cooldown blocks the bucket for this long after a denied take.
	Cooldown time.Duration
}

// Limiter implements a token bucket rate limiter.
type Limiter struct {
	mu        sync.Mutex
	tokens    float64
	last      time.Time
	rate      float64
	burst     float64
	cooldown  time.Duration
	blockedTo time.Time
	now       func() time.Time
}

// New creates a new limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		tokens:   float64(burst),
		last:     time.Now(),
		rate:     float64(cfg.RequestsPerSecond),
		burst:    float64(burst),
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// Allow takes a token if one is available.
func (l *Limiter) Allow() bool {
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.blockedTo) {
		return false
	}
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	l.last = now
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	if l.cooldown > 0 {
		l.blockedTo = now.Add(l.cooldown)
	}
	return false
}

// Tokens reports the tokens currently in the bucket, without refilling.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens
}

// Wait blocks until a token becomes available or context is canceled.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.Allow() {
			return nil
		}
		select {
		case <-time.After(l.retryAfter()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Limiter) retryAfter() time.Duration {
	d := 50 * time.Millisecond
	if l.rate > 0 {
		if perToken := time.Duration(float64(time.Second) / l.rate); perToken < d {
			d = perToken
		}
	}
	return d
}

// Manager holds one limiter per agent sub-command (connect, quote, ...).
type Manager struct {
	mu        sync.RWMutex
	limiters  map[string]*Limiter
	defaults  Config
	overrides map[string]Config
}

func NewManager(defaults Config) *Manager {
	return &Manager{
		limiters:  make(map[string]*Limiter),
		defaults:  defaults,
		overrides: make(map[string]Config),
	}
}

// Override sets a dedicated budget for key. It only affects limiters created afterwards.
func (m *Manager) Override(key string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[key] = cfg
}

func (m *Manager) GetLimiter(key string) *Limiter {
	m.mu.RLock()
	if lim, ok := m.limiters[key]; ok {
		m.mu.RUnlock()
		return lim
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok := m.limiters[key]; ok {
		return lim
	}
	cfg := m.defaults
	if o, ok := m.overrides[key]; ok {
		cfg = o
	}
	lim := New(cfg)
	m.limiters[key] = lim
	return lim
}

// Wait blocks until key has budget for one more agent launch.
func (m *Manager) Wait(ctx context.Context, key string) error {
	return m.GetLimiter(key).Wait(ctx)
}
