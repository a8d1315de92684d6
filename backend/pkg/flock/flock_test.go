package flock_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nogproject/nogb2/backend/pkg/flock"
	"github.com/stretchr/testify/require"
)

func TestLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	a, err := flock.Create(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := flock.Create(path)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Lock())
	require.Equal(t, flock.ErrNoLock, b.Lock())

	ctx, cancel := context.WithTimeout(
		context.Background(), 20*time.Millisecond,
	)
	defer cancel()
	require.Equal(t, context.DeadlineExceeded, b.TryLock(ctx, time.Millisecond))

	require.NoError(t, a.Unlock())
	require.NoError(t, b.TryLock(context.Background(), time.Millisecond))
	require.NoError(t, b.Unlock())
}
