package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpharmsen/ainews/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestWatermarkPerSchedule(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.LastSent(core.Daily)
	require.NoError(t, err)
	assert.False(t, ok, "no watermark before the first send")

	sent := time.Date(2026, 10, 19, 7, 30, 0, 0, time.UTC)
	require.NoError(t, s.SetLastSent(ctx, core.Daily, sent))

	got, ok, err := s.LastSent(core.Daily)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(sent))

	_, ok, err = s.LastSent(core.Weekly)
	require.NoError(t, err)
	assert.False(t, ok, "weekly watermark must be independent of daily")

	raw, err := os.ReadFile(filepath.Join(s.dir, watermarkFile))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"weekly": null`)
	assert.Contains(t, string(raw), `"last_sent"`)
}

func TestUndeliveredCounterNeverResets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n, err := s.IncrementUndelivered(ctx, "Reader@Example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementUndelivered(ctx, "reader@example.com ")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Undelivered("reader@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	other, err := s.Undelivered("someone@example.com")
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestIncrementUndeliveredConcurrentCallsSerialize(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementUndelivered(ctx, "reader@example.com")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Undelivered("reader@example.com")
	require.NoError(t, err)
	assert.Equal(t, 10, got)
}

func TestSendLogFiltersByScheduleAndDay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RecordSend(ctx, core.Daily, "2026-10-18", "old@example.com"))
	require.NoError(t, s.EndSendRun(ctx))
	require.NoError(t, s.RecordSend(ctx, core.Daily, "2026-10-19", "a@example.com"))
	require.NoError(t, s.RecordSend(ctx, core.Weekly, "2026-10-19", "b@example.com"))
	require.NoError(t, s.EndSendRun(ctx))

	sent, err := s.SentOn(core.Daily, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a@example.com": true}, sent)

	raw, err := os.ReadFile(filepath.Join(s.dir, sendLogFile))
	require.NoError(t, err)
	assert.Equal(t,
		"daily 2026-10-18 old@example.com\n\ndaily 2026-10-19 a@example.com\nweekly 2026-10-19 b@example.com\n\n",
		string(raw))
}

func TestSentOnWithoutLog(t *testing.T) {
	s := newTestStore(t)
	sent, err := s.SentOn(core.Daily, "2026-10-19")
	require.NoError(t, err)
	assert.Empty(t, sent)
}
