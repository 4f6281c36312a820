// Package pipeline runs one newsletter issue from the mailbox to the
// subscribers and reconciles the delivery failures afterwards.
package pipeline

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hpharmsen/ainews/internal/bounce"
	"github.com/hpharmsen/ainews/internal/cache"
	"github.com/hpharmsen/ainews/internal/core"
	"github.com/hpharmsen/ainews/internal/delivery"
	"github.com/hpharmsen/ainews/internal/email"
	"github.com/hpharmsen/ainews/internal/fetch"
)

// ErrNoSources stops a run when the mailbox holds no news for the period.
var ErrNoSources = errors.New("no news mails for this period")

// Pipeline orchestrates one issue. Stages run strictly in sequence; nothing
// is sent unless every stage before delivery succeeded.
type Pipeline struct {
	ingestor  SourceIngestor
	ranker    ArticleRanker
	links     LinkValidator
	visuals   VisualStage
	uploader  ImageUploader
	renderer  IssueRenderer
	archive   IssueArchive
	deliverer Deliverer
	bounces   BounceReconciler
	cache     *cache.Store

	config *Config
	log    zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// Config holds pipeline configuration
type Config struct {
	// Name is the newsletter name used in the issue title
	Name     string
	Location *time.Location
	// BounceDelay is the wait between delivery and the bounce pass
	BounceDelay time.Duration
}

// Components groups the stages of a Pipeline. Bounces may be nil to skip
// the reconciliation pass.
type Components struct {
	Ingestor  SourceIngestor
	Ranker    ArticleRanker
	Links     LinkValidator
	Visuals   VisualStage
	Uploader  ImageUploader
	Renderer  IssueRenderer
	Archive   IssueArchive
	Deliverer Deliverer
	Bounces   BounceReconciler
	Cache     *cache.Store
}

// NewPipeline creates a new pipeline with all dependencies
func NewPipeline(c Components, config *Config, log zerolog.Logger) *Pipeline {
	if config == nil {
		config = &Config{}
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	return &Pipeline{
		ingestor:  c.Ingestor,
		ranker:    c.Ranker,
		links:     c.Links,
		visuals:   c.Visuals,
		uploader:  c.Uploader,
		renderer:  c.Renderer,
		archive:   c.Archive,
		deliverer: c.Deliverer,
		bounces:   c.Bounces,
		cache:     c.Cache,
		config:    config,
		log:       log,
		now:       time.Now,
		sleep:     sleep,
	}
}

// Result describes a finished run.
type Result struct {
	RunID       string
	Period      core.Period
	Title       string
	Articles    []core.Article
	HTML        string
	PreviewPath string
	ImageURL    string
	Delivery    delivery.Report
	Bounces     bounce.Report
	Duration    time.Duration
}

// Run produces and sends the issue of schedule for the current period.
func (p *Pipeline) Run(ctx context.Context, schedule core.Schedule) (*Result, error) {
	started := p.now()
	res := &Result{
		RunID:  uuid.NewString(),
		Period: core.PeriodFor(schedule, started.In(p.config.Location)),
	}
	log := p.log.With().Str("run_id", res.RunID).Str("period", res.Period.String()).Logger()
	log.Info().Bool("cached", p.cache.Reads()).Msg("Starting newsletter run")

	// Step 1: collect the news mails
	sources, err := p.ingestor.Ingest(ctx, res.Period)
	if err != nil {
		return nil, errors.Wrap(err, "ingesting news mails")
	}
	if len(sources.Sources) == 0 {
		return nil, errors.Wrapf(ErrNoSources, "period %s", res.Period)
	}

	// Step 2: select, merge and rank the stories
	articles, err := p.curate(ctx, log, res.Period, sources.Text)
	if err != nil {
		return nil, err
	}

	// Step 3: illustration and infographic
	visuals, err := p.visuals.Run(ctx, res.Period, articles, sources.Sources)
	if err != nil {
		return nil, errors.Wrap(err, "generating visuals")
	}
	res.Articles = visuals.Articles

	// Step 4: publish the images
	res.ImageURL, err = p.uploader.Image(ctx, res.Period, visuals.Image)
	if err != nil {
		return nil, errors.Wrap(err, "uploading illustration")
	}
	infographicURL, infographicIndex := "", -1
	if len(visuals.Infographic) > 0 && visuals.InfographicIndex >= 0 {
		infographicURL, err = p.uploader.Infographic(ctx, res.Period, visuals.Infographic)
		if err != nil {
			log.Error().Err(err).Msg("Infographic upload failed, continuing without it")
		} else {
			infographicIndex = visuals.InfographicIndex
		}
	}

	// Step 5: render
	res.Title = email.Title(p.config.Name, res.Period)
	res.HTML, err = p.renderer.Render(email.IssueData{
		Schedule:         schedule,
		Title:            res.Title,
		Date:             res.Period.Date,
		Articles:         res.Articles,
		ImageURL:         res.ImageURL,
		InfographicURL:   infographicURL,
		InfographicIndex: infographicIndex,
	})
	if err != nil {
		return nil, errors.Wrap(err, "rendering issue")
	}
	res.PreviewPath, err = p.cache.WritePreview(schedule, res.HTML)
	if err != nil {
		log.Warn().Err(err).Msg("Could not write preview")
	}

	// Step 6: archive, which also feeds deduplication of later issues
	if err := p.archive.Replace(ctx, core.Issue{
		Schedule: schedule,
		Title:    res.Title,
		Sent:     started,
		HTML:     res.HTML,
		ImageURL: res.ImageURL,
	}); err != nil {
		return nil, errors.Wrap(err, "storing issue")
	}

	// Step 7: send
	res.Delivery, err = p.deliverer.Deliver(ctx, schedule, res.Title, res.HTML)
	if err != nil {
		return nil, errors.Wrap(err, "delivering issue")
	}
	log.Info().
		Int("sent", res.Delivery.Sent).
		Int("failed", res.Delivery.Failed).
		Int("skipped", res.Delivery.Skipped).
		Msg("Issue delivered")

	// Step 8: give failure notices time to arrive, then reconcile them
	if p.bounces != nil {
		res.Bounces = p.reconcile(ctx, log)
	}

	res.Duration = p.now().Sub(started)
	log.Info().Dur("duration", res.Duration).Str("title", res.Title).Msg("Newsletter run complete")
	return res, nil
}

// curate ranks the sources and validates the links of a fresh article set
// before it is cached, so a cached set never needs validation again.
func (p *Pipeline) curate(ctx context.Context, log zerolog.Logger, period core.Period, text string) ([]core.Article, error) {
	articles, cached, err := p.ranker.Rank(ctx, period, text)
	if err != nil {
		return nil, errors.Wrap(err, "ranking articles")
	}
	if cached {
		return articles, nil
	}

	known := fetch.LinkChecks{}
	if _, err := p.cache.GetJSON(period, cache.LinkChecks, &known); err != nil {
		return nil, err
	}
	validated, checks := p.links.Validate(ctx, articles, known)
	if err := p.cache.PutJSON(period, cache.LinkChecks, checks); err != nil {
		return nil, err
	}
	if err := p.cache.PutArticles(period, validated); err != nil {
		return nil, err
	}

	dropped := 0
	for _, resolved := range checks {
		if resolved == "" {
			dropped++
		}
	}
	log.Info().Int("articles", len(validated)).Int("links_checked", len(checks)).Int("links_dropped", dropped).Msg("Articles curated")
	return validated, nil
}

// reconcile runs the bounce pass. Its failures never fail the run: the
// issue has been sent and the next pass will pick the notices up.
func (p *Pipeline) reconcile(ctx context.Context, log zerolog.Logger) bounce.Report {
	if p.config.BounceDelay > 0 {
		log.Info().Dur("delay", p.config.BounceDelay).Msg("Waiting for failure notices")
		if err := p.sleep(ctx, p.config.BounceDelay); err != nil {
			log.Warn().Err(err).Msg("Bounce pass skipped")
			return bounce.Report{}
		}
	}
	report, err := p.bounces.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Bounce pass failed")
	}
	return report
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
