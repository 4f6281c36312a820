// Package ingest turns the labelled news mails of one period into a single
// delimited text plus a lookup from source identifier to that source's block.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/hpharmsen/ainews/internal/cache"
	"github.com/hpharmsen/ainews/internal/core"
	"github.com/hpharmsen/ainews/internal/fetch"
	"github.com/hpharmsen/ainews/internal/mailbox"
)

const subjectFragmentLen = 60

// Mailbox is the part of an IMAP session ingestion needs.
type Mailbox interface {
	Select(name string) error
	All() ([]uint32, error)
	Envelopes(uids []uint32) ([]mailbox.Envelope, error)
	Messages(uids []uint32) ([]mailbox.Message, error)
	Close() error
}

// Connector opens a mailbox session.
type Connector func(ctx context.Context) (Mailbox, error)

// Watermarks reports the last successful send per schedule.
type Watermarks interface {
	LastSent(schedule core.Schedule) (time.Time, bool, error)
}

// Options bounds the ingested text.
type Options struct {
	Label           string
	MaxMessageChars int
	MaxTotalChars   int
}

// Result is the ingested text of one period.
type Result struct {
	Text    string
	Sources map[string]string // source id -> delimited block
}

// Ingestor reads news mails into a Result.
type Ingestor struct {
	connect    Connector
	watermarks Watermarks
	cache      *cache.Store
	opts       Options
	now        func() time.Time
	log        zerolog.Logger
}

// New creates an Ingestor.
func New(connect Connector, watermarks Watermarks, store *cache.Store, opts Options, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		connect:    connect,
		watermarks: watermarks,
		cache:      store,
		opts:       opts,
		now:        time.Now,
		log:        log.With().Str("component", "ingest").Logger(),
	}
}

// Ingest returns the source text for period, from cache when allowed.
// Failing to reach the mailbox is fatal; a message that cannot be read is skipped.
func (in *Ingestor) Ingest(ctx context.Context, period core.Period) (Result, error) {
	if res, ok, err := in.cached(period); err != nil || ok {
		return res, err
	}

	since, err := in.since(period.Schedule)
	if err != nil {
		return Result{}, err
	}

	sources, err := in.collect(ctx, since)
	if err != nil {
		return Result{}, err
	}

	res := in.assemble(sources)
	in.log.Info().
		Int("sources", len(res.Sources)).
		Int("chars", utf8.RuneCountInString(res.Text)).
		Time("since", since).
		Msg("Ingested news mails")

	if err := in.cache.PutText(period, cache.RawText, res.Text); err != nil {
		return Result{}, err
	}
	if err := in.cache.PutJSON(period, cache.SourceMap, res.Sources); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (in *Ingestor) cached(period core.Period) (Result, bool, error) {
	text, ok, err := in.cache.GetText(period, cache.RawText)
	if err != nil || !ok {
		return Result{}, false, err
	}
	sources := map[string]string{}
	if ok, err := in.cache.GetJSON(period, cache.SourceMap, &sources); err != nil || !ok {
		return Result{}, false, err
	}
	in.log.Info().Int("sources", len(sources)).Msg("Using cached news mails")
	return Result{Text: text, Sources: sources}, true, nil
}

// since returns the lower bound of the recency filter.
func (in *Ingestor) since(schedule core.Schedule) (time.Time, error) {
	last, ok, err := in.watermarks.LastSent(schedule)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "reading watermark")
	}
	if ok {
		return last, nil
	}
	return in.now().Add(-schedule.DefaultLookback()), nil
}

func (in *Ingestor) collect(ctx context.Context, since time.Time) ([]core.RawSource, error) {
	box, err := in.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := box.Close(); err != nil {
			in.log.Warn().Err(err).Msg("Closing mailbox failed")
		}
	}()

	if err := box.Select(in.opts.Label); err != nil {
		return nil, errors.Wrapf(err, "opening label %s", in.opts.Label)
	}
	uids, err := box.All()
	if err != nil {
		return nil, err
	}
	envelopes, err := box.Envelopes(uids)
	if err != nil {
		return nil, err
	}

	// undated mail counts as received now
	var recent []uint32
	for _, env := range envelopes {
		if !env.Date.IsZero() && env.Date.Before(since) {
			continue
		}
		recent = append(recent, env.UID)
	}
	in.log.Debug().Int("messages", len(envelopes)).Int("recent", len(recent)).Msg("Filtered by date")
	if len(recent) == 0 {
		return nil, nil
	}

	messages, err := box.Messages(recent)
	if err != nil {
		return nil, err
	}
	now := in.now()
	for i := range messages {
		if messages[i].Date.IsZero() {
			messages[i].Date = now
		}
	}
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].Date.Before(messages[j].Date) })

	sources := make([]core.RawSource, 0, len(messages))
	for _, msg := range messages {
		body, err := messageText(msg)
		if err != nil {
			in.log.Warn().Err(err).Uint32("uid", msg.UID).Str("subject", msg.Subject).Msg("Skipping unreadable message")
			continue
		}
		if body == "" {
			in.log.Warn().Uint32("uid", msg.UID).Str("subject", msg.Subject).Msg("Skipping message without text")
			continue
		}
		sender := msg.FromName
		if sender == "" {
			sender = msg.From
		}
		sources = append(sources, core.RawSource{
			Sender:  sender,
			Subject: msg.Subject,
			Date:    msg.Date,
			Body:    truncateRunes(body, in.opts.MaxMessageChars),
		})
	}
	return sources, nil
}

// messageText prefers the plain text part and falls back to converted HTML.
func messageText(msg mailbox.Message) (string, error) {
	if text := fetch.CollapseWhitespace(msg.Text); text != "" {
		return text, nil
	}
	if strings.TrimSpace(msg.HTML) == "" {
		return "", nil
	}
	return fetch.HTMLToText(msg.HTML)
}

// assemble joins the sources until the overall budget is reached.
func (in *Ingestor) assemble(sources []core.RawSource) Result {
	res := Result{Sources: map[string]string{}}
	var text strings.Builder
	total := 0

	for i, src := range sources {
		src.ID = uniqueID(sourceID(src.Sender, src.Subject), res.Sources)
		block := Block(src)
		size := utf8.RuneCountInString(block)
		if in.opts.MaxTotalChars > 0 && total+size > in.opts.MaxTotalChars {
			in.log.Warn().
				Int("dropped", len(sources)-i).
				Int("budget", in.opts.MaxTotalChars).
				Msg("Source text budget reached, dropping remaining messages")
			break
		}
		text.WriteString(block)
		total += size
		res.Sources[src.ID] = block
	}

	res.Text = text.String()
	return res
}

// Block renders one source with its delimiter line.
func Block(src core.RawSource) string {
	return fmt.Sprintf("===== SOURCE: %s | FROM: %s | DATE: %s | SUBJECT: %s =====\n%s\n\n",
		src.ID, src.Sender, src.Date.Format(time.RFC1123Z), src.Subject, src.Body)
}

func sourceID(sender, subject string) string {
	sender = strings.TrimSpace(sender)
	fragment := truncateRunes(strings.Join(strings.Fields(subject), " "), subjectFragmentLen)
	switch {
	case sender == "":
		return fragment
	case fragment == "":
		return sender
	}
	return sender + ": " + fragment
}

func uniqueID(id string, taken map[string]string) string {
	if _, ok := taken[id]; !ok {
		return id
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", id, n)
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
