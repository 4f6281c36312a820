package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/hpharmsen/ainews/internal/cache"
	"github.com/hpharmsen/ainews/internal/config"
	"github.com/hpharmsen/ainews/internal/core"
	"github.com/hpharmsen/ainews/internal/email"
	"github.com/hpharmsen/ainews/internal/fetch"
	"github.com/hpharmsen/ainews/internal/ingest"
	"github.com/hpharmsen/ainews/internal/mailbox"
	"github.com/hpharmsen/ainews/internal/retry"
	"github.com/hpharmsen/ainews/internal/summarize"
	"github.com/hpharmsen/ainews/internal/upload"
	"github.com/hpharmsen/ainews/internal/visual"
)

// externals counts every call that leaves the process.
type externals struct {
	connects int
	llm      int
	images   int
	uploads  int
}

func (e externals) total() int {
	return e.connects + e.llm + e.images + e.uploads
}

type fakeMailbox struct {
	messages []mailbox.Message
}

func (m *fakeMailbox) Select(name string) error { return nil }

func (m *fakeMailbox) All() ([]uint32, error) {
	var uids []uint32
	for _, msg := range m.messages {
		uids = append(uids, msg.UID)
	}
	return uids, nil
}

func (m *fakeMailbox) Envelopes(uids []uint32) ([]mailbox.Envelope, error) {
	var out []mailbox.Envelope
	for _, msg := range m.messages {
		out = append(out, mailbox.Envelope{UID: msg.UID, From: msg.From, FromName: msg.FromName, Subject: msg.Subject, Date: msg.Date})
	}
	return out, nil
}

func (m *fakeMailbox) Messages(uids []uint32) ([]mailbox.Message, error) {
	return m.messages, nil
}

func (m *fakeMailbox) Close() error { return nil }

type noWatermark struct{}

func (noWatermark) LastSent(core.Schedule) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

type noHistory struct{}

func (noHistory) RecentBodies(ctx context.Context, schedule core.Schedule, limit int) ([]string, error) {
	return nil, nil
}

// fakeModel answers the ranking, selection and text prompts.
type fakeModel struct {
	calls    *externals
	articles string
}

func (m *fakeModel) GenerateJSON(ctx context.Context, prompt string, schema *genai.Schema) (string, error) {
	m.calls.llm++
	if strings.Contains(prompt, "Choose one article to illustrate") {
		return `{"image_article_index":2,"image_description":"a robot reading","infographic_article_index":0,"infographic_description":"benchmark scores"}`, nil
	}
	return m.articles, nil
}

func (m *fakeModel) GenerateText(ctx context.Context, prompt string) (string, error) {
	m.calls.llm++
	return "A robot reads a newspaper in a library.", nil
}

type fakePainter struct {
	calls *externals
}

func (p *fakePainter) Generate(ctx context.Context, prompt string, refs []string) ([]byte, error) {
	p.calls.images++
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(96, 64, color.NRGBA{R: 40, G: 90, B: 160, A: 255}), imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type fakeS3 struct {
	calls *externals
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.calls.uploads++
	return &s3.PutObjectOutput{}, nil
}

func newCachedPipeline(t *testing.T, dir string, reads bool, linkServer string, calls *externals) (*Pipeline, *stages) {
	t.Helper()
	log := zerolog.Nop()
	store, err := cache.New(dir, reads, log)
	require.NoError(t, err)

	box := &fakeMailbox{messages: []mailbox.Message{
		{UID: 1, FromName: "The Batch", Subject: "GPT-5 is here", Date: time.Now().Add(-2 * time.Hour), Text: "OpenAI released GPT-5 with a 94% score on SWE-bench."},
		{UID: 2, FromName: "TLDR AI", Subject: "Gemini 3", Date: time.Now().Add(-1 * time.Hour), Text: "Google launched Gemini 3."},
	}}
	connect := func(ctx context.Context) (ingest.Mailbox, error) {
		calls.connects++
		return box, nil
	}

	var items []string
	for i, title := range []string{"GPT-5", "Gemini 3", "Nvidia chips", "Llama 5"} {
		items = append(items, fmt.Sprintf(`{"title":%q,"summary":"Story %d.","links":["%s/old/%d","%s/gone"],"sources":["The Batch"]}`,
			title, i, linkServer, i, linkServer))
	}
	model := &fakeModel{calls: calls, articles: "[" + strings.Join(items, ",") + "]"}

	style, err := visual.NewStyle("painterly", []string{"https://ref.example/style.jpg"})
	require.NoError(t, err)

	rec := &recorder{}
	s := &stages{
		rec:       rec,
		archive:   &mockArchive{rec: rec},
		deliverer: &mockDeliverer{rec: rec},
		cache:     store,
	}
	p := NewPipeline(Components{
		Ingestor: ingest.New(connect, noWatermark{}, store, ingest.Options{Label: "ai_news", MaxMessageChars: 5000, MaxTotalChars: 50000}, log),
		Ranker: summarize.NewRanker(model, noHistory{}, store, summarize.Options{
			Bounds:   config.Curation{DailyMin: 4, DailyMax: 6, WeeklyMin: 4, WeeklyMax: 8}.Bounds,
			Language: "Dutch",
			Retry:    retry.Policy{Attempts: 1},
		}, log),
		Links: fetch.NewLinkValidator(5*time.Second, log),
		Visuals: visual.NewSelector(model, &fakePainter{calls: calls}, store, visual.Options{
			Style:             style,
			Language:          "Dutch",
			Width:             550,
			Height:            300,
			SelectionAttempts: 1,
			ImageAttempts:     1,
		}, log),
		Uploader: upload.New(&fakeS3{calls: calls}, store, config.Upload{
			Bucket: "harmsen.nl", Region: "eu-west-1", Prefix: "nieuwsbrief", Attempts: 1,
		}, log),
		Renderer: email.NewRenderer(config.Newsletter{
			Name:           "HP's AI",
			Intro:          "Actueel, concreet en to-the-point",
			UnsubscribeURL: "https://harmsen.nl/nieuwsbrief/afmelden/",
			SwitchURL:      "https://harmsen.nl/nieuwsbrief/",
		}, nil),
		Archive:   s.archive,
		Deliverer: s.deliverer,
		Cache:     store,
	}, &Config{Name: "HP's AI"}, log)
	p.now = func() time.Time { return runStart }
	return p, s
}

func TestCachedRerunMakesNoExternalCalls(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch {
		case strings.HasPrefix(r.URL.Path, "/old/"):
			http.Redirect(w, r, "/new/"+strings.TrimPrefix(r.URL.Path, "/old/"), http.StatusMovedPermanently)
		case strings.HasPrefix(r.URL.Path, "/new/"):
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	dir := t.TempDir()

	first := &externals{}
	p, _ := newCachedPipeline(t, dir, false, server.URL, first)
	res1, err := p.Run(context.Background(), core.Daily)
	require.NoError(t, err)

	assert.Equal(t, 1, first.connects)
	assert.Equal(t, 2, first.images, "illustration and infographic")
	assert.Equal(t, 2, first.uploads)
	assert.Greater(t, first.llm, 2)
	hitsAfterFirst := hits.Load()
	assert.Positive(t, hitsAfterFirst)

	// redirect targets replace the links and the dead link is gone
	require.Len(t, res1.Articles, 4)
	assert.Equal(t, "Nvidia chips", res1.Articles[0].Title)
	assert.Equal(t, []string{server.URL + "/new/2"}, res1.Articles[0].Links)
	assert.Contains(t, res1.HTML, "https://s3.eu-west-1.amazonaws.com/harmsen.nl/nieuwsbrief/2026-10-19.png")
	assert.Contains(t, res1.HTML, "2026-10-19_infographic.png")

	second := &externals{}
	p, _ = newCachedPipeline(t, dir, true, server.URL, second)
	res2, err := p.Run(context.Background(), core.Daily)
	require.NoError(t, err)

	assert.Zero(t, second.total(), "a cached rerun must not call out: %+v", *second)
	assert.Equal(t, hitsAfterFirst, hits.Load(), "links are not checked again")
	assert.Equal(t, res1.HTML, res2.HTML)
	assert.Equal(t, res1.Articles, res2.Articles)

	for _, kind := range []cache.Kind{cache.Image, cache.Infographic, cache.ArticleSet, cache.VisualSelection} {
		_, ok, err := p.cache.Get(res2.Period, kind)
		require.NoError(t, err)
		assert.True(t, ok, "artifact %s cached", kind)
	}
}
