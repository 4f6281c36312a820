package pipeline

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpharmsen/ainews/internal/bounce"
	"github.com/hpharmsen/ainews/internal/cache"
	"github.com/hpharmsen/ainews/internal/core"
	"github.com/hpharmsen/ainews/internal/delivery"
	"github.com/hpharmsen/ainews/internal/email"
	"github.com/hpharmsen/ainews/internal/fetch"
	"github.com/hpharmsen/ainews/internal/ingest"
	"github.com/hpharmsen/ainews/internal/visual"
)

var runStart = time.Date(2026, 10, 19, 6, 30, 0, 0, time.UTC)

type recorder struct {
	events []string
}

func (r *recorder) add(event string) {
	r.events = append(r.events, event)
}

type mockIngestor struct {
	rec *recorder
	res ingest.Result
}

func (m *mockIngestor) Ingest(ctx context.Context, period core.Period) (ingest.Result, error) {
	m.rec.add("ingest")
	return m.res, nil
}

type mockRanker struct {
	rec      *recorder
	articles []core.Article
	cached   bool
}

func (m *mockRanker) Rank(ctx context.Context, period core.Period, text string) ([]core.Article, bool, error) {
	m.rec.add("rank")
	return m.articles, m.cached, nil
}

type mockLinks struct {
	rec *recorder
}

func (m *mockLinks) Validate(ctx context.Context, articles []core.Article, known fetch.LinkChecks) ([]core.Article, fetch.LinkChecks) {
	m.rec.add("links")
	checks := fetch.LinkChecks{}
	out := make([]core.Article, len(articles))
	for i, a := range articles {
		out[i] = a
		out[i].Links = nil
		for _, l := range a.Links {
			if l == "https://dead.example" {
				checks[l] = ""
				continue
			}
			checks[l] = l
			out[i].Links = append(out[i].Links, l)
		}
	}
	return out, checks
}

type mockVisuals struct {
	rec *recorder
	got []core.Article
}

func (m *mockVisuals) Run(ctx context.Context, period core.Period, articles []core.Article, sources map[string]string) (visual.Result, error) {
	m.rec.add("visuals")
	m.got = articles
	reordered, idx := visual.Reorder(articles, 1, 2)
	return visual.Result{
		Articles:         reordered,
		Image:            []byte("png"),
		Infographic:      []byte("infographic"),
		InfographicIndex: idx,
	}, nil
}

type mockUploader struct {
	rec            *recorder
	infographicErr error
}

func (m *mockUploader) Image(ctx context.Context, period core.Period, data []byte) (string, error) {
	m.rec.add("upload-image")
	return "https://cdn.example/" + period.ID + ".png", nil
}

func (m *mockUploader) Infographic(ctx context.Context, period core.Period, data []byte) (string, error) {
	m.rec.add("upload-infographic")
	if m.infographicErr != nil {
		return "", m.infographicErr
	}
	return "https://cdn.example/" + period.ID + "_infographic.png", nil
}

type mockRenderer struct {
	rec  *recorder
	data email.IssueData
}

func (m *mockRenderer) Render(data email.IssueData) (string, error) {
	m.rec.add("render")
	m.data = data
	return "<html>" + data.Title + "</html>", nil
}

type mockArchive struct {
	rec    *recorder
	issues []core.Issue
	err    error
}

func (m *mockArchive) Replace(ctx context.Context, issue core.Issue) error {
	m.rec.add("archive")
	if m.err != nil {
		return m.err
	}
	m.issues = append(m.issues, issue)
	return nil
}

type mockDeliverer struct {
	rec  *recorder
	html string
	err  error
}

func (m *mockDeliverer) Deliver(ctx context.Context, schedule core.Schedule, title, html string) (delivery.Report, error) {
	m.rec.add("deliver")
	m.html = html
	return delivery.Report{Recipients: 3, Sent: 3}, m.err
}

type mockBounces struct {
	rec *recorder
	err error
}

func (m *mockBounces) Run(ctx context.Context) (bounce.Report, error) {
	m.rec.add("bounces")
	return bounce.Report{Notices: 1, Counted: 1}, m.err
}

type stages struct {
	rec       *recorder
	ranker    *mockRanker
	visuals   *mockVisuals
	uploader  *mockUploader
	renderer  *mockRenderer
	archive   *mockArchive
	deliverer *mockDeliverer
	bounces   *mockBounces
	cache     *cache.Store
	slept     []time.Duration
}

func testArticles() []core.Article {
	return []core.Article{
		{Title: "GPT-5", Summary: "OpenAI released GPT-5.", Links: []string{"https://openai.com/gpt-5", "https://dead.example"}, Sources: []string{"The Batch"}},
		{Title: "Gemini 3", Summary: "Google launched Gemini 3.", Links: []string{"https://blog.google/gemini"}, Sources: []string{"TLDR AI"}},
		{Title: "Llama 5", Summary: "Meta opened Llama 5.", Sources: []string{"The Batch"}},
		{Title: "Claude", Summary: "Anthropic shipped a model.", Sources: []string{"TLDR AI"}},
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *stages) {
	t.Helper()
	store, err := cache.New(t.TempDir(), true, zerolog.Nop())
	require.NoError(t, err)

	rec := &recorder{}
	s := &stages{
		rec:       rec,
		ranker:    &mockRanker{rec: rec, articles: testArticles()},
		visuals:   &mockVisuals{rec: rec},
		uploader:  &mockUploader{rec: rec},
		renderer:  &mockRenderer{rec: rec},
		archive:   &mockArchive{rec: rec},
		deliverer: &mockDeliverer{rec: rec},
		bounces:   &mockBounces{rec: rec},
		cache:     store,
	}
	p := NewPipeline(Components{
		Ingestor: &mockIngestor{rec: rec, res: ingest.Result{
			Text:    "===== SOURCE: The Batch =====\nnews\n\n",
			Sources: map[string]string{"The Batch": "===== SOURCE: The Batch =====\nnews\n\n"},
		}},
		Ranker:    s.ranker,
		Links:     &mockLinks{rec: rec},
		Visuals:   s.visuals,
		Uploader:  s.uploader,
		Renderer:  s.renderer,
		Archive:   s.archive,
		Deliverer: s.deliverer,
		Bounces:   s.bounces,
		Cache:     store,
	}, &Config{Name: "HP's AI", BounceDelay: time.Minute}, zerolog.Nop())
	p.now = func() time.Time { return runStart }
	p.sleep = func(ctx context.Context, d time.Duration) error {
		s.slept = append(s.slept, d)
		return nil
	}
	return p, s
}

func TestRunStagesInOrder(t *testing.T) {
	p, s := newTestPipeline(t)

	res, err := p.Run(context.Background(), core.Daily)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"ingest", "rank", "links", "visuals", "upload-image", "upload-infographic",
		"render", "archive", "deliver", "bounces",
	}, s.rec.events)
	assert.Equal(t, []time.Duration{time.Minute}, s.slept, "bounce pass waits for notices")

	assert.Equal(t, "2026-10-19", res.Period.ID)
	assert.Equal(t, "HP's AI daily - 19 oktober", res.Title)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 3, res.Delivery.Sent)
	assert.Equal(t, 1, res.Bounces.Counted)

	// the validated set reaches the visual stage
	assert.Equal(t, []string{"https://openai.com/gpt-5"}, s.visuals.got[0].Links)
	assert.Equal(t, "Gemini 3", res.Articles[0].Title)

	data := s.renderer.data
	assert.Equal(t, "https://cdn.example/2026-10-19.png", data.ImageURL)
	assert.Equal(t, "https://cdn.example/2026-10-19_infographic.png", data.InfographicURL)
	assert.Equal(t, 2, data.InfographicIndex)
	assert.Equal(t, core.Daily, data.Schedule)

	require.Len(t, s.archive.issues, 1)
	issue := s.archive.issues[0]
	assert.Equal(t, res.HTML, issue.HTML)
	assert.Equal(t, runStart, issue.Sent)
	assert.Equal(t, res.ImageURL, issue.ImageURL)
	assert.Equal(t, res.HTML, s.deliverer.html)

	preview, err := os.ReadFile(res.PreviewPath)
	require.NoError(t, err)
	assert.Equal(t, res.HTML, string(preview))
}

func TestRunCachesValidatedArticles(t *testing.T) {
	p, s := newTestPipeline(t)

	res, err := p.Run(context.Background(), core.Daily)
	require.NoError(t, err)

	cached, ok, err := s.cache.GetArticles(res.Period)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"https://openai.com/gpt-5"}, cached[0].Links)

	checks := fetch.LinkChecks{}
	ok, err = s.cache.GetJSON(res.Period, cache.LinkChecks, &checks)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "", checks["https://dead.example"])
}

func TestRunSkipsLinkValidationForCachedSet(t *testing.T) {
	p, s := newTestPipeline(t)
	s.ranker.cached = true

	_, err := p.Run(context.Background(), core.Daily)
	require.NoError(t, err)
	assert.NotContains(t, s.rec.events, "links")
}

func TestRunStopsWithoutSources(t *testing.T) {
	p, s := newTestPipeline(t)
	p.ingestor = &mockIngestor{rec: s.rec}

	_, err := p.Run(context.Background(), core.Weekly)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoSources))
	assert.Equal(t, []string{"ingest"}, s.rec.events)
}

func TestRunDropsInfographicWhenUploadFails(t *testing.T) {
	p, s := newTestPipeline(t)
	s.uploader.infographicErr = errors.New("upload timed out")

	_, err := p.Run(context.Background(), core.Daily)
	require.NoError(t, err)
	assert.Equal(t, -1, s.renderer.data.InfographicIndex)
	assert.Empty(t, s.renderer.data.InfographicURL)
}

func TestRunSendsNothingWhenArchiveFails(t *testing.T) {
	p, s := newTestPipeline(t)
	s.archive.err = errors.New("connection reset")

	_, err := p.Run(context.Background(), core.Daily)
	require.Error(t, err)
	assert.NotContains(t, s.rec.events, "deliver")
	assert.NotContains(t, s.rec.events, "bounces")
}

func TestRunFailsWhenDeliveryFails(t *testing.T) {
	p, s := newTestPipeline(t)
	s.deliverer.err = delivery.ErrNoSubscribers

	_, err := p.Run(context.Background(), core.Daily)
	require.Error(t, err)
	assert.True(t, errors.Is(err, delivery.ErrNoSubscribers))
	assert.NotContains(t, s.rec.events, "bounces")
}

func TestBounceFailureDoesNotFailRun(t *testing.T) {
	p, s := newTestPipeline(t)
	s.bounces.err = errors.New("dial tcp: i/o timeout")

	_, err := p.Run(context.Background(), core.Daily)
	assert.NoError(t, err)
	assert.Contains(t, s.rec.events, "bounces")
}
