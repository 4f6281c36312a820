// Package delivery sends a rendered issue to the subscribers of its schedule.
package delivery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
	"golang.org/x/time/rate"

	"github.com/hpharmsen/ainews/internal/config"
	"github.com/hpharmsen/ainews/internal/core"
	"github.com/hpharmsen/ainews/internal/email"
)

// ErrNoSubscribers is returned when a schedule has nobody left to send to.
var ErrNoSubscribers = errors.New("no subscribers to send to")

// Subscribers lists the active addresses of a schedule.
type Subscribers interface {
	Active(ctx context.Context, schedule core.Schedule) ([]string, error)
}

// SendLog records deliveries so a rerun on the same day skips them, and holds
// the watermark that the next ingestion starts from.
type SendLog interface {
	SentOn(schedule core.Schedule, day string) (map[string]bool, error)
	RecordSend(ctx context.Context, schedule core.Schedule, day, recipient string) error
	EndSendRun(ctx context.Context) error
	SetLastSent(ctx context.Context, schedule core.Schedule, t time.Time) error
}

// Cleaner deletes sent copies by Message-ID.
type Cleaner interface {
	DeleteSent(ctx context.Context, messageIDs []string) (int, error)
}

// Options configures a Manager.
type Options struct {
	Newsletter config.Newsletter
	Delivery   config.Delivery
	Location   *time.Location
	// IsOperator reports addresses whose sent copy is kept.
	IsOperator func(email string) bool
}

// Report summarizes one delivery run.
type Report struct {
	Recipients int
	Skipped    int
	Sent       int
	Failed     int
	Cleaned    int
}

// Manager sends issues.
type Manager struct {
	subscribers Subscribers
	sendLog     SendLog
	dial        func(ctx context.Context) (Transport, error)
	cleaner     Cleaner
	opts        Options
	log         zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a Manager. cleaner may be nil to keep every sent copy.
func NewManager(subscribers Subscribers, sendLog SendLog, dial func(ctx context.Context) (Transport, error), cleaner Cleaner, opts Options, log zerolog.Logger) *Manager {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Manager{
		subscribers: subscribers,
		sendLog:     sendLog,
		dial:        dial,
		cleaner:     cleaner,
		opts:        opts,
		log:         log.With().Str("component", "delivery").Logger(),
		now:         time.Now,
		sleep:       sleep,
	}
}

// Deliver sends html to every active subscriber of schedule that has not
// received today's issue yet. A failed send is logged and skipped. The
// watermark moves to the start of the run once all recipients were tried.
func (m *Manager) Deliver(ctx context.Context, schedule core.Schedule, title, html string) (Report, error) {
	var report Report
	started := m.now()
	day := started.In(m.opts.Location).Format("2006-01-02")

	all, err := m.subscribers.Active(ctx, schedule)
	if err != nil {
		return report, errors.Wrap(err, "loading subscribers")
	}
	if len(all) == 0 {
		return report, errors.Wrapf(ErrNoSubscribers, "schedule %s", schedule)
	}
	already, err := m.sendLog.SentOn(schedule, day)
	if err != nil {
		return report, err
	}

	recipients := make([]string, 0, len(all))
	for _, rcpt := range all {
		if already[strings.ToLower(rcpt)] {
			report.Skipped++
			continue
		}
		recipients = append(recipients, rcpt)
	}
	report.Recipients = len(recipients)
	if report.Skipped > 0 {
		m.log.Info().Int("skipped", report.Skipped).Str("day", day).Msg("Skipping recipients that already received this issue")
	}

	var cleanup []string
	if len(recipients) > 0 {
		cleanup, err = m.send(ctx, schedule, day, title, html, recipients, &report)
		if err != nil {
			return report, err
		}
	}

	if err := m.sendLog.SetLastSent(ctx, schedule, started); err != nil {
		return report, errors.Wrap(err, "updating watermark")
	}
	m.log.Info().Int("sent", report.Sent).Int("failed", report.Failed).Int("skipped", report.Skipped).Msg("Newsletter delivered")

	if len(cleanup) > 0 && m.cleaner != nil {
		report.Cleaned = m.cleanup(ctx, cleanup)
	}
	return report, nil
}

func (m *Manager) send(ctx context.Context, schedule core.Schedule, day, title, html string, recipients []string, report *Report) ([]string, error) {
	transport, err := m.dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to SMTP server")
	}
	defer func() {
		if err := transport.Close(); err != nil {
			m.log.Warn().Err(err).Msg("Closing SMTP connection failed")
		}
	}()

	limit := rate.Inf
	if m.opts.Delivery.SendsPerSecond > 0 {
		limit = rate.Limit(m.opts.Delivery.SendsPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)
	batch := m.opts.Delivery.BatchSize
	var cleanup []string

	for i, rcpt := range recipients {
		if i > 0 && batch > 0 && i%batch == 0 {
			m.log.Info().Int("sent", i).Dur("pause", m.opts.Delivery.BatchPause).Msg("Batch complete, pausing")
			if err := m.sleep(ctx, m.opts.Delivery.BatchPause); err != nil {
				return cleanup, err
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return cleanup, err
		}

		msg, messageID, err := m.compose(title, html, rcpt)
		if err == nil {
			err = transport.Send(ctx, msg)
		}
		if err != nil {
			report.Failed++
			m.log.Error().Err(err).Str("recipient", rcpt).Msg("Sending failed, skipping recipient")
			continue
		}

		report.Sent++
		m.log.Debug().Str("recipient", rcpt).Msg("Sent")
		if err := m.sendLog.RecordSend(ctx, schedule, day, rcpt); err != nil {
			m.log.Warn().Err(err).Str("recipient", rcpt).Msg("Could not record send")
		}
		if m.opts.IsOperator == nil || !m.opts.IsOperator(rcpt) {
			cleanup = append(cleanup, messageID)
		}
	}

	if err := m.sendLog.EndSendRun(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Could not close the send log run")
	}
	return cleanup, nil
}

// compose builds the personalized message and returns it with its Message-ID
// (without angle brackets).
func (m *Manager) compose(title, html, rcpt string) (*mail.Msg, string, error) {
	nl := m.opts.Newsletter
	msg := mail.NewMsg()
	if err := msg.FromFormat(nl.FromName, nl.FromAddress); err != nil {
		return nil, "", errors.Wrap(err, "setting sender")
	}
	if err := msg.EnvelopeFrom(nl.FromAddress); err != nil {
		return nil, "", errors.Wrap(err, "setting envelope sender")
	}
	if err := msg.To(rcpt); err != nil {
		return nil, "", errors.Wrapf(err, "invalid recipient %q", rcpt)
	}
	if nl.ReplyTo != "" {
		if err := msg.ReplyTo(nl.ReplyTo); err != nil {
			return nil, "", errors.Wrap(err, "setting reply-to")
		}
	}

	messageID := uuid.NewString() + "@" + nl.MessageDomain
	msg.SetMessageIDWithValue(messageID)
	msg.SetDate()
	msg.Subject(title)
	msg.SetGenHeader(mail.HeaderListUnsubscribe, ListUnsubscribe(nl, rcpt))
	msg.SetGenHeader(mail.Header("X-Entity-Type"), "newsletter")
	msg.SetBodyString(mail.TypeTextHTML, email.Personalize(html, rcpt))
	return msg, messageID, nil
}

// ListUnsubscribe returns the List-Unsubscribe header value for rcpt.
func ListUnsubscribe(nl config.Newsletter, rcpt string) string {
	return fmt.Sprintf("<mailto:%s?subject=unsubscribe>, <%s?email=%s>",
		nl.ReplyTo, nl.UnsubscribeURL, url.QueryEscape(rcpt))
}

func (m *Manager) cleanup(ctx context.Context, messageIDs []string) int {
	m.log.Debug().Int("messages", len(messageIDs)).Dur("delay", m.opts.Delivery.CleanupDelay).Msg("Waiting before removing sent copies")
	if err := m.sleep(ctx, m.opts.Delivery.CleanupDelay); err != nil {
		m.log.Warn().Err(err).Msg("Sent folder cleanup cancelled")
		return 0
	}
	deleted, err := m.cleaner.DeleteSent(ctx, messageIDs)
	if err != nil {
		m.log.Warn().Err(err).Msg("Sent folder cleanup failed")
	}
	m.log.Info().Int("deleted", deleted).Msg("Removed sent copies")
	return deleted
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
