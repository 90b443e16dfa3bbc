package leader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/elnosh/nutsend/wallet/changefeed"
	"github.com/elnosh/nutsend/wallet/storage/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newStore(t *testing.T) *sqlite.SQLiteDB {
	db, err := sqlite.InitSQLite(t.TempDir(), changefeed.New())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLeaseSingleHolder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	userID := uuid.NewString()
	ttl := 100 * time.Millisecond

	a, err := NewLease(Config{Store: store, UserID: userID, Holder: "a", TTL: ttl, Logger: logger})
	require.NoError(t, err)
	b, err := NewLease(Config{Store: store, UserID: userID, Holder: "b", TTL: ttl, Logger: logger})
	require.NoError(t, err)

	var changes []bool
	a.OnChange(func(leader bool) { changes = append(changes, leader) })

	require.True(t, a.Poll(ctx))
	require.False(t, b.Poll(ctx))
	// renewing
	require.True(t, a.Poll(ctx))
	require.True(t, a.IsLeader())
	require.False(t, b.IsLeader())

	// other users are independent
	c, err := NewLease(Config{Store: store, UserID: uuid.NewString(), Holder: "b", TTL: ttl, Logger: logger})
	require.NoError(t, err)
	require.True(t, c.Poll(ctx))

	time.Sleep(ttl + 20*time.Millisecond)
	require.True(t, b.Poll(ctx))
	require.False(t, a.Poll(ctx))
	require.Equal(t, []bool{true, false}, changes)
}

func TestLeaseRun(t *testing.T) {
	store := newStore(t)
	lease, err := NewLease(Config{Store: store, UserID: uuid.NewString(), TTL: 60 * time.Millisecond, Logger: logger})
	require.NoError(t, err)
	require.NotEmpty(t, lease.Holder())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		lease.Run(ctx)
		close(done)
	}()

	require.Eventually(t, lease.IsLeader, time.Second, 10*time.Millisecond)
	// kept across renewals
	time.Sleep(150 * time.Millisecond)
	require.True(t, lease.IsLeader())

	cancel()
	<-done
	require.False(t, lease.IsLeader())
}

type failingStore struct{}

func (failingStore) TryAcquireLease(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("database is locked")
}

func TestLeaseStoreError(t *testing.T) {
	lease, err := NewLease(Config{Store: failingStore{}, UserID: "user", Logger: logger})
	require.NoError(t, err)
	require.False(t, lease.Poll(context.Background()))
	require.False(t, lease.IsLeader())

	_, err = NewLease(Config{Store: failingStore{}})
	require.Error(t, err)
}
