// Package bounce reconciles delivery-failure notices in the newsletter
// mailbox with the subscriber list.
package bounce

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/hpharmsen/ainews/internal/mailbox"
)

// Mailbox is the part of a mailbox session the reconciler needs.
type Mailbox interface {
	Select(name string) error
	SearchFrom(senders []string) ([]uint32, error)
	Messages(uids []uint32) ([]mailbox.Message, error)
	Delete(uids ...uint32) error
	Move(folder string, uids ...uint32) error
	Close() error
}

// Counter keeps the persistent per-address failure counts.
type Counter interface {
	IncrementUndelivered(ctx context.Context, email string) (int, error)
}

// Subscribers flags addresses that keep failing.
type Subscribers interface {
	MarkUndeliverable(ctx context.Context, email string) error
}

// Options configures a Reconciler.
type Options struct {
	Inbox     string
	Senders   []string
	Threshold int
	Chain     Chain
	// ReviewFolder receives notices without an identifiable recipient.
	ReviewFolder string
}

// Report summarizes one reconciliation pass.
type Report struct {
	Notices       int
	Spam          int
	Counted       int
	Undeliverable []string
	Unidentified  int
	Deleted       int
	Reviewed      int
}

// Reconciler processes the failure notices found in the inbox.
type Reconciler struct {
	connect     func(ctx context.Context) (Mailbox, error)
	counter     Counter
	subscribers Subscribers
	opts        Options
	log         zerolog.Logger
}

// NewReconciler creates a reconciler. A zero threshold means 2.
func NewReconciler(connect func(ctx context.Context) (Mailbox, error), counter Counter, subscribers Subscribers, opts Options, log zerolog.Logger) *Reconciler {
	if opts.Threshold < 1 {
		opts.Threshold = 2
	}
	if opts.Inbox == "" {
		opts.Inbox = "INBOX"
	}
	if opts.Chain == nil {
		opts.Chain = DefaultChain(nil)
	}
	return &Reconciler{
		connect:     connect,
		counter:     counter,
		subscribers: subscribers,
		opts:        opts,
		log:         log.With().Str("component", "bounce").Logger(),
	}
}

// Run does one pass. Spam rejections are deleted without counting against
// the recipient. Other notices add one failure to the recipient's count and
// mark the subscriber undeliverable once the count reaches the threshold.
// Notices whose recipient cannot be identified move to the review folder,
// or stay in the inbox when none is configured. A notice whose failure could
// not be counted stays for the next pass.
// Problems with a single notice are logged and skipped; the returned error
// only reports a pass that could not start.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report

	box, err := r.connect(ctx)
	if err != nil {
		return report, errors.Wrap(err, "connecting to mailbox")
	}
	defer func() {
		if err := box.Close(); err != nil {
			r.log.Warn().Err(err).Msg("Closing mailbox failed")
		}
	}()

	if err := box.Select(r.opts.Inbox); err != nil {
		return report, errors.Wrapf(err, "selecting %s", r.opts.Inbox)
	}
	uids, err := box.SearchFrom(r.opts.Senders)
	if err != nil {
		return report, errors.Wrap(err, "searching failure notices")
	}
	if len(uids) == 0 {
		r.log.Info().Msg("No failure notices")
		return report, nil
	}
	messages, err := box.Messages(uids)
	if err != nil {
		return report, errors.Wrap(err, "fetching failure notices")
	}

	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Notices++
		switch r.handle(ctx, msg, &report) {
		case deleteNotice:
			if err := box.Delete(msg.UID); err != nil {
				r.log.Warn().Err(err).Uint32("uid", msg.UID).Msg("Could not delete failure notice")
				continue
			}
			report.Deleted++
		case reviewNotice:
			if r.opts.ReviewFolder == "" {
				continue
			}
			if err := box.Move(r.opts.ReviewFolder, msg.UID); err != nil {
				r.log.Warn().Err(err).Uint32("uid", msg.UID).Msg("Could not move failure notice")
				continue
			}
			report.Reviewed++
		}
	}

	r.log.Info().
		Int("notices", report.Notices).
		Int("spam", report.Spam).
		Int("counted", report.Counted).
		Int("undeliverable", len(report.Undeliverable)).
		Int("unidentified", report.Unidentified).
		Int("reviewed", report.Reviewed).
		Msg("Failure notices processed")
	return report, nil
}

type disposition int

const (
	keepNotice disposition = iota
	deleteNotice
	reviewNotice
)

// handle processes one notice and decides what happens to it.
func (r *Reconciler) handle(ctx context.Context, msg mailbox.Message, report *Report) disposition {
	log := r.log.With().Uint32("uid", msg.UID).Str("subject", msg.Subject).Logger()

	if IsSpamRejection(msg) {
		report.Spam++
		log.Info().Msg("Spam rejection, not counted")
		return deleteNotice
	}

	recipient, extractor, ok := r.opts.Chain.Recipient(msg)
	if !ok {
		report.Unidentified++
		log.Warn().Str("folder", r.opts.ReviewFolder).Msg("Could not identify failed recipient")
		return reviewNotice
	}
	log = log.With().Str("recipient", recipient).Str("extractor", extractor.Name()).Logger()
	if extractor.Confidence() == Low {
		log.Warn().Msg("Recipient found by low-confidence extractor")
	}

	count, err := r.counter.IncrementUndelivered(ctx, recipient)
	if err != nil {
		log.Error().Err(err).Msg("Could not count failure")
		return keepNotice
	}
	report.Counted++
	log.Info().Int("failures", count).Msg("Delivery failure counted")

	if count >= r.opts.Threshold {
		if err := r.subscribers.MarkUndeliverable(ctx, recipient); err != nil {
			log.Error().Err(err).Msg("Could not mark subscriber undeliverable")
			return deleteNotice
		}
		report.Undeliverable = append(report.Undeliverable, recipient)
		log.Warn().Int("failures", count).Msg("Subscriber marked undeliverable")
	}
	return deleteNotice
}
