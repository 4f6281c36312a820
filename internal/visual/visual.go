// Package visual picks the articles that get an illustration and an
// infographic, generates both images and moves the illustrated article to
// the top of the issue.
package visual

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/hpharmsen/ainews/internal/cache"
	"github.com/hpharmsen/ainews/internal/core"
	"github.com/hpharmsen/ainews/internal/llm"
	"github.com/hpharmsen/ainews/internal/retry"
)

// LLMClient generates text and structured answers.
type LLMClient interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	GenerateJSON(ctx context.Context, prompt string, schema *genai.Schema) (string, error)
}

// ImageGenerator returns raw image bytes for a prompt and optional style
// reference URLs.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string, refs []string) ([]byte, error)
}

// Options configures a Selector.
type Options struct {
	Style             Style
	Language          string
	Width             int
	Height            int
	InfographicWidth  int
	SelectionAttempts int
	SelectionDelay    time.Duration
	ImageAttempts     int
	TimeoutDelay      time.Duration
	ErrorDelay        time.Duration
}

// Result is the outcome of the visual stage.
type Result struct {
	// Articles is the set with the illustrated article first.
	Articles    []core.Article
	Selection   core.VisualSelection
	Image       []byte
	Infographic []byte
	// InfographicIndex points into Articles, or is -1 without infographic.
	InfographicIndex int
}

// Selector runs the visual stage of one issue.
type Selector struct {
	llm    LLMClient
	images ImageGenerator
	cache  *cache.Store
	opts   Options
	log    zerolog.Logger
	// imageRetry builds the retry policy of an image request
	imageRetry func(what string) retry.Policy
}

// NewSelector creates a Selector.
func NewSelector(client LLMClient, images ImageGenerator, store *cache.Store, opts Options, log zerolog.Logger) *Selector {
	s := &Selector{
		llm:    client,
		images: images,
		cache:  store,
		opts:   opts,
		log:    log.With().Str("component", "visual").Logger(),
	}
	s.imageRetry = s.imagePolicy
	return s
}

// Run selects, illustrates and reorders. sources maps source ids to their
// delimited blocks and grounds the infographic. An illustration failure is
// fatal; an infographic failure only drops the infographic.
func (s *Selector) Run(ctx context.Context, period core.Period, articles []core.Article, sources map[string]string) (Result, error) {
	sel, err := s.Select(ctx, period, articles)
	if err != nil {
		return Result{}, err
	}

	image, err := s.Illustrate(ctx, period, articles[sel.ImageArticleIndex], sel.ImageDescription)
	if err != nil {
		return Result{}, err
	}

	infographicIndex := sel.InfographicArticleIndex
	infographic, err := s.Infographic(ctx, period, articles[sel.InfographicArticleIndex], sel.InfographicDescription, sources)
	if err != nil {
		s.log.Error().Err(err).Int("article", sel.InfographicArticleIndex).Msg("Infographic failed, continuing without it")
		infographic = nil
		infographicIndex = -1
	}

	reordered, newIndex := Reorder(articles, sel.ImageArticleIndex, infographicIndex)
	return Result{
		Articles:         reordered,
		Selection:        sel,
		Image:            image,
		Infographic:      infographic,
		InfographicIndex: newIndex,
	}, nil
}

// Select asks the model which articles to illustrate. Rate limits and
// invalid answers are retried; other errors are returned immediately.
func (s *Selector) Select(ctx context.Context, period core.Period, articles []core.Article) (core.VisualSelection, error) {
	var sel core.VisualSelection
	if len(articles) < 2 {
		return sel, errors.Wrapf(core.ErrInvalidSelection, "need at least 2 articles, got %d", len(articles))
	}

	ok, err := s.cache.GetJSON(period, cache.VisualSelection, &sel)
	if err != nil {
		return sel, err
	}
	if ok {
		if err := sel.Validate(len(articles)); err == nil {
			s.log.Info().Int("image", sel.ImageArticleIndex).Int("infographic", sel.InfographicArticleIndex).Msg("Using cached visual selection")
			return sel, nil
		}
		s.log.Warn().Msg("Cached visual selection does not fit the article set, selecting again")
	}

	prompt := BuildSelectionPrompt(articles)
	policy := retry.Policy{
		Attempts: s.opts.SelectionAttempts,
		Delay:    retry.Fixed(s.opts.SelectionDelay),
		Retryable: func(err error) bool {
			return llm.IsRateLimited(err) || errors.Is(err, core.ErrInvalidSelection)
		},
		OnRetry: func(failed int, err error) {
			s.log.Warn().Err(err).Int("attempt", failed).Msg("Visual selection failed, retrying")
		},
	}
	sel, err = retry.Do(ctx, policy, func(ctx context.Context) (core.VisualSelection, error) {
		var sel core.VisualSelection
		raw, err := s.llm.GenerateJSON(ctx, prompt, SelectionSchema())
		if err != nil {
			return sel, err
		}
		if err := json.Unmarshal([]byte(llm.StripCodeFence(raw)), &sel); err != nil {
			return sel, errors.Mark(errors.Wrap(err, "decoding visual selection"), core.ErrInvalidSelection)
		}
		return sel, sel.Validate(len(articles))
	})
	if err != nil {
		return sel, errors.Wrap(err, "selecting visuals")
	}

	s.log.Info().Int("image", sel.ImageArticleIndex).Int("infographic", sel.InfographicArticleIndex).Msg("Selected visuals")
	if err := s.cache.PutJSON(period, cache.VisualSelection, sel); err != nil {
		return sel, err
	}
	return sel, nil
}

// Illustrate returns the fitted PNG for article.
func (s *Selector) Illustrate(ctx context.Context, period core.Period, article core.Article, hint string) ([]byte, error) {
	if data, ok, err := s.cache.Get(period, cache.Image); err != nil || ok {
		return data, err
	}

	prompt, err := s.imagePrompt(ctx, period, article, hint)
	if err != nil {
		return nil, err
	}
	_, refs := s.opts.Style.BuildPrompt(article, "", period)

	data, err := s.generateImage(ctx, "illustration", prompt, refs, func(raw []byte) ([]byte, error) {
		return Fit(raw, s.opts.Width, s.opts.Height)
	})
	if err != nil {
		return nil, errors.Wrap(err, "generating illustration")
	}
	if err := s.cache.Put(period, cache.Image, data); err != nil {
		return nil, err
	}
	return data, nil
}

// imagePrompt derives the scene and wraps it in the style. The final prompt
// is cached so a rerun sends the same request.
func (s *Selector) imagePrompt(ctx context.Context, period core.Period, article core.Article, hint string) (string, error) {
	if prompt, ok, err := s.cache.GetText(period, cache.ImagePrompt); err != nil || ok {
		return prompt, err
	}

	scene, err := s.llm.GenerateText(ctx, BuildScenePrompt(article, hint))
	if err != nil {
		return "", errors.Wrap(err, "describing the illustration")
	}
	prompt, _ := s.opts.Style.BuildPrompt(article, scene, period)
	if err := s.cache.PutText(period, cache.ImagePrompt, prompt); err != nil {
		return "", err
	}
	return prompt, nil
}

// Infographic returns the uncropped PNG of an infographic grounded in the
// sources the article cites.
func (s *Selector) Infographic(ctx context.Context, period core.Period, article core.Article, description string, sources map[string]string) ([]byte, error) {
	if data, ok, err := s.cache.Get(period, cache.Infographic); err != nil || ok {
		return data, err
	}

	var passages []string
	for _, block := range GroundingBlocks(article, sources) {
		text, err := s.llm.GenerateText(ctx, BuildPassagePrompt(article, block))
		if err != nil {
			s.log.Warn().Err(err).Msg("Could not extract passages from a source, skipping it")
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			passages = append(passages, text)
		}
	}
	s.log.Debug().Int("passages", len(passages)).Msg("Grounding infographic")

	prompt := BuildInfographicPrompt(article, description, strings.Join(passages, "\n\n"), s.opts.Language)
	data, err := s.generateImage(ctx, "infographic", prompt, nil, func(raw []byte) ([]byte, error) {
		return Scale(raw, s.opts.InfographicWidth)
	})
	if err != nil {
		return nil, errors.Wrap(err, "generating infographic")
	}
	if err := s.cache.Put(period, cache.Infographic, data); err != nil {
		return nil, err
	}
	return data, nil
}

// imagePolicy waits TimeoutDelay after a timeout and ErrorDelay after any
// other failure.
func (s *Selector) imagePolicy(what string) retry.Policy {
	return retry.Policy{
		Attempts: s.opts.ImageAttempts,
		Delay: func(failed int, err error) time.Duration {
			if IsTimeout(err) {
				return s.opts.TimeoutDelay
			}
			return s.opts.ErrorDelay
		},
		OnRetry: func(failed int, err error) {
			s.log.Warn().Err(err).Str("image", what).Int("attempt", failed).Bool("timeout", IsTimeout(err)).Msg("Image generation failed, retrying")
		},
	}
}

// generateImage requests an image and passes it through shape.
func (s *Selector) generateImage(ctx context.Context, what, prompt string, refs []string, shape func([]byte) ([]byte, error)) ([]byte, error) {
	return retry.Do(ctx, s.imageRetry(what), func(ctx context.Context) ([]byte, error) {
		raw, err := s.images.Generate(ctx, prompt, refs)
		if err != nil {
			return nil, err
		}
		return shape(raw)
	})
}

// GroundingBlocks returns the source blocks whose id matches one of the
// article's cited sources, in either direction of containment. Ids are
// visited in sorted order.
func GroundingBlocks(article core.Article, sources map[string]string) []string {
	ids := make([]string, 0, len(sources))
	for id := range sources {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var blocks []string
	for _, id := range ids {
		for _, cited := range article.Sources {
			cited = strings.TrimSpace(cited)
			if cited == "" {
				continue
			}
			if strings.Contains(id, cited) || strings.Contains(cited, id) {
				blocks = append(blocks, sources[id])
				break
			}
		}
	}
	return blocks
}

// Reorder moves the article at imageIndex to the front and returns the
// position of the infographic article in the new order. An infographic
// index below zero stays -1.
func Reorder(articles []core.Article, imageIndex, infographicIndex int) ([]core.Article, int) {
	reordered := make([]core.Article, 0, len(articles))
	reordered = append(reordered, articles[imageIndex])
	reordered = append(reordered, articles[:imageIndex]...)
	reordered = append(reordered, articles[imageIndex+1:]...)

	switch {
	case infographicIndex < 0:
		return reordered, -1
	case infographicIndex < imageIndex:
		return reordered, infographicIndex + 1
	default:
		return reordered, infographicIndex
	}
}
