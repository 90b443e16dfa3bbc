package submanager

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elnosh/nutsend/wallet/metrics"
)

const (
	setupRetries    = 3
	teardownTimeout = 5 * time.Second
)

type Config struct {
	Pool    *Pool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// subscription is one live mint subscription held in a manager's
// registry.
type subscription struct {
	conn           *Conn
	subId          string
	removeListener func()
	// gen is the mint's generation when the subscription was requested.
	// Resubscribing after a dropped socket keeps it, replacing or
	// removing the subscription moves the mint to a new one.
	gen uint64
}

func (s *subscription) teardown(ctx context.Context) error {
	if s.removeListener != nil {
		s.removeListener()
	}
	return s.conn.Unsubscribe(ctx, s.subId)
}

// mintLocks serializes subscription setup and teardown per mint.
type mintLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *mintLocks) lock(mintURL string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := l.locks[mintURL]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[mintURL] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func setupBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(b, setupRetries), ctx)
}

// reconnectBackoff retries until ctx is done.
func reconnectBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

func normalizeURL(mintURL string) string {
	return strings.TrimSuffix(mintURL, "/")
}

func containsAll(have, want []string) bool {
	for _, id := range want {
		if !slices.Contains(have, id) {
			return false
		}
	}
	return true
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
