package maker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/Checker-Finance/rysk-adapter/internal/store"
)

const maxNonceAttempts = 5

// NonceReserver records a nonce so another adapter instance cannot reuse it.
type NonceReserver interface {
	ReserveNonce(ctx context.Context, scope, nonce string, ttl time.Duration) error
}

// NonceSource hands out millisecond-timestamp nonces that strictly increase
// per (maker, channel), even when the clock stalls or steps back.
type NonceSource struct {
	mu       sync.Mutex
	last     map[string]int64
	now      func() time.Time
	reserver NonceReserver
	ttl      time.Duration
}

// NewNonceSource builds a source. reserver may be nil for single-instance deployments.
func NewNonceSource(reserver NonceReserver, ttl time.Duration) *NonceSource {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &NonceSource{
		last:     make(map[string]int64),
		now:      time.Now,
		reserver: reserver,
		ttl:      ttl,
	}
}

func (n *NonceSource) bump(scope string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.now().UnixMilli()
	if last := n.last[scope]; v <= last {
		v = last + 1
	}
	n.last[scope] = v
	return v
}

// Next returns the next nonce for maker on channel.
func (n *NonceSource) Next(ctx context.Context, maker, channel string) (string, error) {
	scope := maker + ":" + channel
	var err error
	for attempt := 0; attempt < maxNonceAttempts; attempt++ {
		nonce := strconv.FormatInt(n.bump(scope), 10)
		if n.reserver == nil {
			return nonce, nil
		}
		err = n.reserver.ReserveNonce(ctx, scope, nonce, n.ttl)
		if err == nil {
			return nonce, nil
		}
		if !errors.Is(err, store.ErrNonceReused) {
			return "", err
		}
	}
	return "", err
}
