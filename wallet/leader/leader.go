// Package leader decides which wallet instance of a user runs the
// background send reconciliation. Instances race for a lease row in
// the store and the holder renews it while it runs.
package leader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnosh/nutsend/wallet/storage"
	"github.com/google/uuid"
)

const DefaultTTL = 30 * time.Second

type Config struct {
	Store  storage.LeaseStore
	UserID string
	// Holder identifies this instance. A random id is used if empty.
	Holder string
	// TTL is how long the lease lasts without renewal. It is renewed
	// every TTL/3.
	TTL    time.Duration
	Logger *slog.Logger
}

type Lease struct {
	store  storage.LeaseStore
	userID string
	holder string
	ttl    time.Duration
	logger *slog.Logger

	leader atomic.Bool

	mu        sync.Mutex
	listeners []func(bool)
}

func NewLease(config Config) (*Lease, error) {
	if config.Store == nil || config.UserID == "" {
		return nil, errors.New("lease needs a store and a user id")
	}
	holder := config.Holder
	if holder == "" {
		holder = uuid.NewString()
	}
	ttl := config.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Lease{
		store:  config.Store,
		userID: config.UserID,
		holder: holder,
		ttl:    ttl,
		logger: logger,
	}, nil
}

func (l *Lease) Holder() string {
	return l.holder
}

// IsLeader reports whether this instance held the lease at the last poll.
func (l *Lease) IsLeader() bool {
	return l.leader.Load()
}

// OnChange registers fn to be called with the new value whenever
// leadership is gained or lost.
func (l *Lease) OnChange(fn func(leader bool)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Poll tries to take or renew the lease once. A store error counts as
// not holding it.
func (l *Lease) Poll(ctx context.Context) bool {
	acquired, err := l.store.TryAcquireLease(ctx, l.userID, l.holder, l.ttl)
	if err != nil {
		l.logger.Warn("could not acquire task lease", "user", l.userID, "error", err)
		acquired = false
	}

	if l.leader.Swap(acquired) != acquired {
		l.logger.Info("task leadership changed", "user", l.userID, "holder", l.holder, "leader", acquired)
		l.mu.Lock()
		listeners := append([]func(bool){}, l.listeners...)
		l.mu.Unlock()
		for _, listener := range listeners {
			listener(acquired)
		}
	}
	return acquired
}

// Run polls the lease until ctx is done. Leadership is dropped on return.
func (l *Lease) Run(ctx context.Context) {
	interval := max(l.ttl/3, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.Poll(ctx)
	for {
		select {
		case <-ticker.C:
			l.Poll(ctx)
		case <-ctx.Done():
			l.leader.Store(false)
			return
		}
	}
}
