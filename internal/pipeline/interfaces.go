package pipeline

import (
	"context"

	"github.com/hpharmsen/ainews/internal/bounce"
	"github.com/hpharmsen/ainews/internal/core"
	"github.com/hpharmsen/ainews/internal/delivery"
	"github.com/hpharmsen/ainews/internal/email"
	"github.com/hpharmsen/ainews/internal/fetch"
	"github.com/hpharmsen/ainews/internal/ingest"
	"github.com/hpharmsen/ainews/internal/visual"
)

// SourceIngestor collects the news mails of a period
type SourceIngestor interface {
	// Ingest returns the delimited source text and the block of every source
	Ingest(ctx context.Context, period core.Period) (ingest.Result, error)
}

// ArticleRanker turns source text into the ranked article set
type ArticleRanker interface {
	// Rank returns the article set; cached reports a set read from the cache,
	// whose links are already validated
	Rank(ctx context.Context, period core.Period, sourceText string) (articles []core.Article, cached bool, err error)
}

// LinkValidator resolves redirects and drops dead links
type LinkValidator interface {
	// Validate returns new articles with checked links, reusing known outcomes
	Validate(ctx context.Context, articles []core.Article, known fetch.LinkChecks) ([]core.Article, fetch.LinkChecks)
}

// VisualStage picks and generates the illustration and the infographic
type VisualStage interface {
	// Run returns the reordered set with the generated images
	Run(ctx context.Context, period core.Period, articles []core.Article, sources map[string]string) (visual.Result, error)
}

// ImageUploader publishes generated images
type ImageUploader interface {
	// Image uploads the illustration and returns its public URL
	Image(ctx context.Context, period core.Period, data []byte) (string, error)

	// Infographic uploads the infographic and returns its public URL
	Infographic(ctx context.Context, period core.Period, data []byte) (string, error)
}

// IssueRenderer formats an issue as HTML
type IssueRenderer interface {
	Render(data email.IssueData) (string, error)
}

// IssueArchive stores sent issues; the stored bodies feed deduplication
type IssueArchive interface {
	// Replace stores the issue, replacing one of the same schedule and day
	Replace(ctx context.Context, issue core.Issue) error
}

// Deliverer sends the rendered issue to the subscribers
type Deliverer interface {
	Deliver(ctx context.Context, schedule core.Schedule, title, html string) (delivery.Report, error)
}

// BounceReconciler processes delivery-failure notices
type BounceReconciler interface {
	Run(ctx context.Context) (bounce.Report, error)
}
