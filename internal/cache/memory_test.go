package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	m, err := NewMemory(16)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestMemoryMiss(t *testing.T) {
	m, err := NewMemory(16)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryExpiry(t *testing.T) {
	m, err := NewMemory(16)
	require.NoError(t, err)
	defer m.Close()

	now := time.Now()
	m.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	_, err = m.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryDelete(t *testing.T) {
	m, err := NewMemory(16)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, m.Delete(ctx, "k"))

	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryIncrement(t *testing.T) {
	m, err := NewMemory(16)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	for want := int64(1); want <= 5; want++ {
		got, err := m.Increment(ctx, "counter", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestMemoryIncrementWindowReset(t *testing.T) {
	m, err := NewMemory(16)
	require.NoError(t, err)
	defer m.Close()

	now := time.Now()
	m.now = func() time.Time { return now }

	ctx := context.Background()
	_, err = m.Increment(ctx, "counter", time.Minute)
	require.NoError(t, err)
	_, err = m.Increment(ctx, "counter", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	got, err := m.Increment(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "expired window starts a fresh count")
}

func TestMemoryBounded(t *testing.T) {
	m, err := NewMemory(2)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, m.Set(ctx, "c", []byte("3"), 0))

	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss, "oldest entry evicted at capacity")
}

func TestMemoryGetCopies(t *testing.T) {
	m, err := NewMemory(16)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", []byte("abc"), 0))

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'z'

	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}
