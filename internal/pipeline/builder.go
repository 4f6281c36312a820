package pipeline

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/hpharmsen/ainews/internal/bounce"
	"github.com/hpharmsen/ainews/internal/cache"
	"github.com/hpharmsen/ainews/internal/config"
	"github.com/hpharmsen/ainews/internal/delivery"
	"github.com/hpharmsen/ainews/internal/email"
	"github.com/hpharmsen/ainews/internal/fetch"
	"github.com/hpharmsen/ainews/internal/ingest"
	"github.com/hpharmsen/ainews/internal/llm"
	"github.com/hpharmsen/ainews/internal/mailbox"
	"github.com/hpharmsen/ainews/internal/persistence"
	"github.com/hpharmsen/ainews/internal/retry"
	"github.com/hpharmsen/ainews/internal/store"
	"github.com/hpharmsen/ainews/internal/summarize"
	"github.com/hpharmsen/ainews/internal/upload"
	"github.com/hpharmsen/ainews/internal/visual"
)

// Builder wires the production clients into a Pipeline
type Builder struct {
	config *config.Config
	log    zerolog.Logger
	cached bool
}

// NewBuilder creates a new pipeline builder for cfg
func NewBuilder(cfg *config.Config, log zerolog.Logger) *Builder {
	return &Builder{config: cfg, log: log}
}

// WithCache makes the pipeline reuse the artifacts of earlier runs for the
// same period. Artifacts are written either way.
func (b *Builder) WithCache(cached bool) *Builder {
	b.cached = cached
	return b
}

// Build constructs a fully configured Pipeline. The returned close function
// releases the database connection.
func (b *Builder) Build(ctx context.Context) (*Pipeline, func() error, error) {
	cfg := b.config
	if err := cfg.RequireCredentials(); err != nil {
		return nil, nil, err
	}

	state, err := store.New(cfg.App.DataDir, b.log)
	if err != nil {
		return nil, nil, err
	}
	artifacts, err := cache.New(filepath.Join(cfg.App.DataDir, "cache"), b.cached, b.log)
	if err != nil {
		return nil, nil, err
	}

	db, err := persistence.NewPostgresDB(ctx, cfg.Database, cfg.Location(), b.log)
	if err != nil {
		return nil, nil, err
	}

	gemini, err := llm.NewClient(ctx, cfg.AI.Gemini, b.log)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	style, err := visual.NewStyle(cfg.Visual.Style, cfg.Visual.StyleReferences)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	s3Client, err := upload.NewS3Client(ctx, cfg.Upload)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	ingestor := ingest.New(b.ingestConnector(), state, artifacts, ingest.Options{
		Label:           cfg.Mailbox.Label,
		MaxMessageChars: cfg.Curation.MaxMessageChars,
		MaxTotalChars:   cfg.Curation.MaxTotalChars,
	}, b.log)

	ranker := summarize.NewRanker(gemini, db.Issues(), artifacts, summarize.Options{
		Bounds:       cfg.Curation.Bounds,
		DedupeIssues: cfg.Curation.DedupeIssues,
		Language:     cfg.Newsletter.Language,
		Retry: retry.Policy{
			Attempts: cfg.Curation.Attempts,
			Delay:    retry.Fixed(cfg.Curation.RetryDelay),
		},
	}, b.log)

	visuals := visual.NewSelector(gemini, visual.NewImageClient(cfg.AI.OpenAI, b.log), artifacts, visual.Options{
		Style:             style,
		Language:          cfg.Newsletter.Language,
		Width:             cfg.Visual.Width,
		Height:            cfg.Visual.Height,
		InfographicWidth:  cfg.Visual.InfographicWidth,
		SelectionAttempts: cfg.Visual.SelectionAttempts,
		SelectionDelay:    cfg.Visual.SelectionDelay,
		ImageAttempts:     cfg.Visual.ImageAttempts,
		TimeoutDelay:      cfg.Visual.TimeoutDelay,
		ErrorDelay:        cfg.Visual.ErrorDelay,
	}, b.log)

	dial := func(ctx context.Context) (delivery.Transport, error) {
		t, err := delivery.DialSMTP(ctx, cfg.SMTP)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	cleaner := delivery.NewSentCleaner(b.sentConnector(), cfg.Mailbox.SentFolder, b.log)
	deliverer := delivery.NewManager(db.Subscribers(), state, dial, cleaner, delivery.Options{
		Newsletter: cfg.Newsletter,
		Delivery:   cfg.Delivery,
		Location:   cfg.Location(),
		IsOperator: cfg.IsOperator,
	}, b.log)

	p := NewPipeline(Components{
		Ingestor:  ingestor,
		Ranker:    ranker,
		Links:     fetch.NewLinkValidator(cfg.Curation.LinkTimeout, b.log),
		Visuals:   visuals,
		Uploader:  upload.New(s3Client, artifacts, cfg.Upload, b.log),
		Renderer:  email.NewRenderer(cfg.Newsletter, nil),
		Archive:   db.Issues(),
		Deliverer: deliverer,
		Bounces:   NewReconciler(cfg, state, db.Subscribers(), b.log),
		Cache:     artifacts,
	}, &Config{
		Name:        cfg.Newsletter.Name,
		Location:    cfg.Location(),
		BounceDelay: cfg.Delivery.BounceDelay,
	}, b.log)
	return p, db.Close, nil
}

// BuildReconciler constructs the bounce pass on its own, for running it
// outside a newsletter run.
func (b *Builder) BuildReconciler(ctx context.Context) (*bounce.Reconciler, func() error, error) {
	cfg := b.config
	if err := cfg.RequireMailboxCredentials(); err != nil {
		return nil, nil, err
	}
	state, err := store.New(cfg.App.DataDir, b.log)
	if err != nil {
		return nil, nil, err
	}
	db, err := persistence.NewPostgresDB(ctx, cfg.Database, cfg.Location(), b.log)
	if err != nil {
		return nil, nil, err
	}
	return NewReconciler(cfg, state, db.Subscribers(), b.log), db.Close, nil
}

// NewReconciler creates the bounce pass for the configured mailbox.
func NewReconciler(cfg *config.Config, counter bounce.Counter, subscribers bounce.Subscribers, log zerolog.Logger) *bounce.Reconciler {
	connect := func(ctx context.Context) (bounce.Mailbox, error) {
		c, err := dialMailbox(ctx, cfg.Mailbox, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	own := []string{cfg.Mailbox.Username, cfg.Newsletter.FromAddress, cfg.Newsletter.ReplyTo}
	return bounce.NewReconciler(connect, counter, subscribers, bounce.Options{
		Inbox:        cfg.Mailbox.Inbox,
		Senders:      cfg.Bounce.Senders,
		Threshold:    cfg.Bounce.Threshold,
		Chain:        bounce.DefaultChain(own),
		ReviewFolder: cfg.Bounce.ReviewFolder,
	}, log)
}

func (b *Builder) ingestConnector() ingest.Connector {
	return func(ctx context.Context) (ingest.Mailbox, error) {
		c, err := dialMailbox(ctx, b.config.Mailbox, b.log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (b *Builder) sentConnector() func(ctx context.Context) (delivery.SentFolder, error) {
	return func(ctx context.Context) (delivery.SentFolder, error) {
		c, err := dialMailbox(ctx, b.config.Mailbox, b.log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func dialMailbox(ctx context.Context, cfg config.Mailbox, log zerolog.Logger) (*mailbox.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mailbox.Dial(cfg, log)
}
