package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"github.com/hpharmsen/ainews/internal/config"
	"github.com/hpharmsen/ainews/internal/core"
	"github.com/hpharmsen/ainews/internal/store"
)

type mockSubscribers struct {
	emails []string
	err    error
}

func (m *mockSubscribers) Active(ctx context.Context, schedule core.Schedule) ([]string, error) {
	return m.emails, m.err
}

type mockTransport struct {
	failFor map[string]bool
	sent    []*mail.Msg
	closed  bool
}

func (m *mockTransport) Send(ctx context.Context, msg *mail.Msg) error {
	if to := msg.GetToString(); len(to) > 0 && m.failFor[strings.Trim(to[0], "<>")] {
		return errors.New("550 mailbox unavailable")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

type mockCleaner struct {
	ids []string
}

func (m *mockCleaner) DeleteSent(ctx context.Context, messageIDs []string) (int, error) {
	m.ids = append(m.ids, messageIDs...)
	return len(messageIDs), nil
}

var runTime = time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)

type fixture struct {
	manager   *Manager
	transport *mockTransport
	cleaner   *mockCleaner
	store     *store.Store
	dir       string
	pauses    []time.Duration
}

func newFixture(t *testing.T, subscribers Subscribers, batchSize int) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir, zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{transport: &mockTransport{}, cleaner: &mockCleaner{}, store: st, dir: dir}
	opts := Options{
		Newsletter: config.Newsletter{
			FromName:       "HP's AI nieuwsbrief",
			FromAddress:    "nieuwsbrief@harmsen.nl",
			ReplyTo:        "nieuwsbrief@harmsen.nl",
			MessageDomain:  "harmsen.nl",
			UnsubscribeURL: "https://harmsen.nl/nieuwsbrief/afmelden/",
		},
		Delivery: config.Delivery{
			BatchSize:    batchSize,
			BatchPause:   20 * time.Second,
			CleanupDelay: 30 * time.Second,
		},
		IsOperator: func(email string) bool { return email == "owner@harmsen.nl" },
	}
	dial := func(ctx context.Context) (Transport, error) { return f.transport, nil }
	f.manager = NewManager(subscribers, st, dial, f.cleaner, opts, zerolog.Nop())
	f.manager.now = func() time.Time { return runTime }
	f.manager.sleep = func(ctx context.Context, d time.Duration) error {
		f.pauses = append(f.pauses, d)
		return nil
	}
	return f
}

const issueHTML = `<p>Nieuws</p><a href="https://harmsen.nl/nieuwsbrief/afmelden/?email=[EMAIL]">Afmelden</a>`

func TestDeliverSendsPersonalizedCopies(t *testing.T) {
	f := newFixture(t, &mockSubscribers{emails: []string{"a@example.com", "owner@harmsen.nl"}}, 50)

	report, err := f.manager.Deliver(context.Background(), core.Daily, "HP's AI daily - 19 oktober", issueHTML)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	assert.True(t, f.transport.closed)
	require.Len(t, f.transport.sent, 2)

	msg := f.transport.sent[0]
	assert.Equal(t, []string{"<mailto:nieuwsbrief@harmsen.nl?subject=unsubscribe>, <https://harmsen.nl/nieuwsbrief/afmelden/?email=a%40example.com>"},
		msg.GetGenHeader(mail.HeaderListUnsubscribe))
	assert.Equal(t, []string{"newsletter"}, msg.GetGenHeader(mail.Header("X-Entity-Type")))
	assert.True(t, strings.HasSuffix(msg.GetMessageID(), "@harmsen.nl>"))

	parts := msg.GetParts()
	require.Len(t, parts, 1)
	body, err := parts[0].GetContent()
	require.NoError(t, err)
	assert.Contains(t, string(body), "?email=a%40example.com")
	assert.NotContains(t, string(body), "[EMAIL]")

	// only the non-operator copy is cleaned up, after the delay
	require.Len(t, f.cleaner.ids, 1)
	assert.Equal(t, "<"+f.cleaner.ids[0]+">", msg.GetMessageID())
	assert.Equal(t, []time.Duration{30 * time.Second}, f.pauses)
	assert.Equal(t, 1, report.Cleaned)

	last, ok, err := f.store.LastSent(core.Daily)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, last.Equal(runTime))
}

func TestDeliverSkipsRecipientsInTodaysLog(t *testing.T) {
	f := newFixture(t, &mockSubscribers{emails: []string{"a@example.com", "B@example.com", "c@example.com"}}, 50)
	ctx := context.Background()
	require.NoError(t, f.store.RecordSend(ctx, core.Daily, "2026-10-19", "b@example.com"))
	require.NoError(t, f.store.RecordSend(ctx, core.Daily, "2026-10-18", "c@example.com"))
	require.NoError(t, f.store.RecordSend(ctx, core.Weekly, "2026-10-19", "a@example.com"))

	report, err := f.manager.Deliver(ctx, core.Daily, "t", issueHTML)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 2, report.Sent)

	var to []string
	for _, msg := range f.transport.sent {
		to = append(to, strings.Trim(msg.GetToString()[0], "<>"))
	}
	assert.Equal(t, []string{"a@example.com", "c@example.com"}, to)

	logData, err := os.ReadFile(filepath.Join(f.dir, "send.log"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(logData), "daily 2026-10-19 a@example.com\ndaily 2026-10-19 c@example.com\n\n"))
}

func TestDeliverContinuesAfterFailedSend(t *testing.T) {
	f := newFixture(t, &mockSubscribers{emails: []string{"bad@example.com", "good@example.com"}}, 50)
	f.transport.failFor = map[string]bool{"bad@example.com": true}

	report, err := f.manager.Deliver(context.Background(), core.Weekly, "t", issueHTML)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Sent)

	sent, err := f.store.SentOn(core.Weekly, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"good@example.com": true}, sent)

	_, ok, err := f.store.LastSent(core.Weekly)
	require.NoError(t, err)
	assert.True(t, ok, "watermark must advance once all recipients were tried")
}

func TestDeliverPausesBetweenBatches(t *testing.T) {
	var emails []string
	for i := 0; i < 5; i++ {
		emails = append(emails, fmt.Sprintf("r%d@example.com", i))
	}
	f := newFixture(t, &mockSubscribers{emails: emails}, 2)

	_, err := f.manager.Deliver(context.Background(), core.Daily, "t", issueHTML)
	require.NoError(t, err)
	// two batch pauses, then the cleanup delay
	assert.Equal(t, []time.Duration{20 * time.Second, 20 * time.Second, 30 * time.Second}, f.pauses)
}

func TestDeliverWithoutSubscribers(t *testing.T) {
	f := newFixture(t, &mockSubscribers{}, 50)

	_, err := f.manager.Deliver(context.Background(), core.Daily, "t", issueHTML)
	assert.True(t, errors.Is(err, ErrNoSubscribers))

	_, ok, err := f.store.LastSent(core.Daily)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeliverStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, &mockSubscribers{emails: []string{"a@example.com"}}, 50)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.manager.Deliver(ctx, core.Daily, "t", issueHTML)
	require.Error(t, err)
	assert.Empty(t, f.transport.sent)

	_, ok, err := f.store.LastSent(core.Daily)
	require.NoError(t, err)
	assert.False(t, ok, "an interrupted run must not move the watermark")
}
