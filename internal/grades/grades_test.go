package grades

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentage(t *testing.T) {
	tests := []struct {
		score, total int
		want         float64
	}{
		{87, 100, 87},
		{7, 10, 70},
		{1, 3, 100.0 / 3},
		{0, 100, 0},
		{5, 0, 0},
		{5, -2, 0},
		{-1, 10, 0},
		{12, 10, 100},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Percentage(tt.score, tt.total), 1e-9, "%d/%d", tt.score, tt.total)
	}
}

// clock hands out strictly increasing times.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestRecorder(store Store) (*Recorder, *clock) {
	logger := zerolog.Nop()
	r := NewRecorder(store, &logger)
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.now = c.now
	return r, c
}

func TestRecordCreatesThenKeepsBest(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestRecorder(store)
	ctx := context.Background()

	first, err := r.Record(ctx, "u1", "A1", 60, 100)
	require.NoError(t, err)
	assert.Equal(t, 60.0, first.Grade)

	lower, err := r.Record(ctx, "u1", "A1", 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 60.0, lower.Grade)
	assert.Equal(t, first.SubmittedAt, lower.SubmittedAt, "a lower grade leaves the record untouched")

	higher, err := r.Record(ctx, "u1", "A1", 9, 10)
	require.NoError(t, err)
	assert.Equal(t, 90.0, higher.Grade)
	assert.True(t, higher.SubmittedAt.After(first.SubmittedAt))

	assert.Equal(t, 1, store.Len())
}

func TestRecordIsIdempotentAndRefreshesTimestamp(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestRecorder(store)
	ctx := context.Background()

	first, err := r.Record(ctx, "u1", "A1", 45, 50)
	require.NoError(t, err)
	second, err := r.Record(ctx, "u1", "A1", 45, 50)
	require.NoError(t, err)

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, first.Grade, second.Grade)
	assert.True(t, second.SubmittedAt.After(first.SubmittedAt))

	got, err := r.Get(ctx, "u1", "A1")
	require.NoError(t, err)
	assert.Equal(t, second.SubmittedAt, got.SubmittedAt)
}

func TestRecordZeroTotal(t *testing.T) {
	r, _ := newTestRecorder(NewMemoryStore())

	sub, err := r.Record(context.Background(), "u1", "A1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, sub.Grade)
}

func TestGetMissing(t *testing.T) {
	r, _ := newTestRecorder(NewMemoryStore())

	_, err := r.Get(context.Background(), "nobody", "A1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentRecordKeepsMaximum(t *testing.T) {
	for _, order := range [][2]int{{60, 90}, {90, 60}} {
		store := NewMemoryStore()
		r, _ := newTestRecorder(store)

		var wg sync.WaitGroup
		for _, score := range order {
			score := score
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.Record(context.Background(), "u1", "A1", score, 100)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := store.Get(context.Background(), "u1", "A1")
		require.NoError(t, err)
		assert.Equal(t, 90.0, got.Grade)
		assert.Equal(t, 1, store.Len())
	}
}

func TestConcurrentRecordManyAttempts(t *testing.T) {
	store := NewMemoryStore()
	r, _ := newTestRecorder(store)

	var wg sync.WaitGroup
	for score := 0; score <= 100; score++ {
		score := score
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Record(context.Background(), "u1", "A1", score, 100)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(context.Background(), "u1", "A1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Grade)
}
