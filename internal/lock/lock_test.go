package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	target := filepath.Join(t.TempDir(), "sub", "model.safetensors.metadata.json")

	l, err := Acquire(context.Background(), target, time.Second)
	require.NoError(t, err)
	assert.Equal(t, target+Suffix, l.Path())
	assert.FileExists(t, target+Suffix)
	require.NoError(t, l.Release())

	// Re-acquiring after release succeeds immediately.
	l, err = Acquire(context.Background(), target, time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestAcquireContended(t *testing.T) {
	target := filepath.Join(t.TempDir(), "model.metadata.json")

	held, err := Acquire(context.Background(), target, time.Second)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = Acquire(context.Background(), target, 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrLocked)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	target := filepath.Join(t.TempDir(), "model.metadata.json")

	held, err := Acquire(context.Background(), target, time.Second)
	require.NoError(t, err)
	go func() {
		time.Sleep(100 * time.Millisecond)
		held.Release()
	}()

	l, err := Acquire(context.Background(), target, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestAcquireCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Acquire(ctx, filepath.Join(t.TempDir(), "m"), time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
