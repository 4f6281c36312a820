// Package summarize turns the ingested source text into the ranked,
// deduplicated article set of one issue.
package summarize

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/hpharmsen/ainews/internal/cache"
	"github.com/hpharmsen/ainews/internal/core"
	"github.com/hpharmsen/ainews/internal/fetch"
	"github.com/hpharmsen/ainews/internal/llm"
	"github.com/hpharmsen/ainews/internal/retry"
)

const (
	cardsMarker  = "<!-- Cards -->"
	footerMarker = "<!-- Footer -->"
)

// ErrArticleCount flags a model answer outside the schedule's bounds.
var ErrArticleCount = errors.New("article count outside bounds")

// LLMClient generates structured text.
type LLMClient interface {
	GenerateJSON(ctx context.Context, prompt string, schema *genai.Schema) (string, error)
}

// IssueHistory returns the rendered HTML of recently sent issues, newest first.
type IssueHistory interface {
	RecentBodies(ctx context.Context, schedule core.Schedule, limit int) ([]string, error)
}

// Options configures the ranker.
type Options struct {
	Bounds       func(core.Schedule) core.Bounds
	DedupeIssues int
	Language     string
	Retry        retry.Policy
}

// Ranker selects and ranks the news of a period.
type Ranker struct {
	llm     LLMClient
	history IssueHistory
	cache   *cache.Store
	opts    Options
	log     zerolog.Logger
}

// NewRanker creates a Ranker.
func NewRanker(client LLMClient, history IssueHistory, store *cache.Store, opts Options, log zerolog.Logger) *Ranker {
	return &Ranker{
		llm:     client,
		history: history,
		cache:   store,
		opts:    opts,
		log:     log.With().Str("component", "ranker").Logger(),
	}
}

// Rank returns the article set for period. When the cache holds a set for the
// period it is returned with cached set to true; such a set already carries
// validated links. A fresh set is not cached here: the caller stores it once
// its links are validated.
func (r *Ranker) Rank(ctx context.Context, period core.Period, sourceText string) (articles []core.Article, cached bool, err error) {
	articles, cached, err = r.cache.GetArticles(period)
	if err != nil {
		return nil, false, err
	}
	if cached {
		r.log.Info().Int("articles", len(articles)).Msg("Using cached article set")
		r.checkBounds(period.Schedule, articles)
		return articles, true, nil
	}

	previous, err := r.previousIssues(ctx, period.Schedule)
	if err != nil {
		return nil, false, err
	}

	bounds := r.opts.Bounds(period.Schedule)
	prompt := BuildRankPrompt(sourceText, previous, PromptOptions{Bounds: bounds, Language: r.opts.Language})

	policy := r.opts.Retry
	policy.OnRetry = func(failed int, err error) {
		r.log.Warn().Err(err).Int("attempt", failed).Msg("Ranking failed, retrying")
	}
	articles, err = retry.Do(ctx, policy, func(ctx context.Context) ([]core.Article, error) {
		raw, err := r.llm.GenerateJSON(ctx, prompt, ArticleSetSchema())
		if err != nil {
			return nil, err
		}
		return ParseArticles(raw)
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "ranking articles")
	}

	r.log.Info().Int("articles", len(articles)).Int("previous_issues", len(previous)).Msg("Ranked articles")
	r.checkBounds(period.Schedule, articles)
	return articles, false, nil
}

// checkBounds reports a count outside the bounds. The set is not altered.
func (r *Ranker) checkBounds(schedule core.Schedule, articles []core.Article) {
	if err := CheckBounds(r.opts.Bounds(schedule), articles); err != nil {
		r.log.Warn().Err(err).Str("schedule", string(schedule)).Msg("Data quality: model ignored the article bounds")
	}
}

// CheckBounds returns ErrArticleCount when len(articles) is outside b.
func CheckBounds(b core.Bounds, articles []core.Article) error {
	if b.Contains(len(articles)) {
		return nil
	}
	return errors.Wrapf(ErrArticleCount, "got %d, want %d..%d", len(articles), b.Min, b.Max)
}

func (r *Ranker) previousIssues(ctx context.Context, schedule core.Schedule) ([]string, error) {
	if r.opts.DedupeIssues <= 0 || r.history == nil {
		return nil, nil
	}
	bodies, err := r.history.RecentBodies(ctx, schedule, r.opts.DedupeIssues)
	if err != nil {
		return nil, errors.Wrap(err, "loading previous issues")
	}
	previous := make([]string, 0, len(bodies))
	for _, body := range bodies {
		text, err := CardsText(body)
		if err != nil {
			r.log.Warn().Err(err).Msg("Could not read a previous issue, skipping it")
			continue
		}
		previous = append(previous, text)
	}
	return previous, nil
}

// CardsText returns the text of the article cards of a rendered issue, or of
// the whole issue when the markers are missing.
func CardsText(issueHTML string) (string, error) {
	region := issueHTML
	if _, after, ok := strings.Cut(issueHTML, cardsMarker); ok {
		if before, _, ok := strings.Cut(after, footerMarker); ok {
			region = before
		}
	}
	return fetch.HTMLToText(region)
}

// ParseArticles decodes the model answer: a JSON array, or an object that
// wraps the array in a "result" field.
func ParseArticles(raw string) ([]core.Article, error) {
	raw = llm.StripCodeFence(raw)

	var articles []core.Article
	switch {
	case strings.HasPrefix(raw, "["):
		if err := json.Unmarshal([]byte(raw), &articles); err != nil {
			return nil, errors.Wrap(err, "decoding article list")
		}
	case strings.HasPrefix(raw, "{"):
		var wrapped struct {
			Result *[]core.Article `json:"result"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
			return nil, errors.Wrap(err, "decoding wrapped article list")
		}
		if wrapped.Result == nil {
			return nil, errors.New("model answer is an object without a result field")
		}
		articles = *wrapped.Result
	default:
		return nil, errors.Newf("model answer is not JSON: %.80q", raw)
	}

	for i := range articles {
		articles[i].Title = strings.TrimSpace(articles[i].Title)
		articles[i].Summary = strings.TrimSpace(articles[i].Summary)
		if articles[i].Links == nil {
			articles[i].Links = []string{}
		}
		if articles[i].Sources == nil {
			articles[i].Sources = []string{}
		}
	}
	return articles, nil
}
