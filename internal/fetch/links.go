package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/hpharmsen/ainews/internal/core"
)

const userAgent = "Mozilla/5.0 (compatible; ainews-linkcheck/1.0)"

// LinkChecks maps every checked URL to the URL to publish, or "" when the
// link was dropped.
type LinkChecks map[string]string

// LinkValidator drops dead links and replaces redirecting links by their target.
type LinkValidator struct {
	client *http.Client
	log    zerolog.Logger
}

// NewLinkValidator returns a validator whose requests never follow redirects
// on their own.
func NewLinkValidator(timeout time.Duration, log zerolog.Logger) *LinkValidator {
	return &LinkValidator{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log.With().Str("component", "links").Logger(),
	}
}

// Validate returns a copy of articles with every link resolved or removed.
// Results already present in known are reused; the returned checks contain
// both the reused and the new outcomes.
func (v *LinkValidator) Validate(ctx context.Context, articles []core.Article, known LinkChecks) ([]core.Article, LinkChecks) {
	checks := LinkChecks{}
	for u, resolved := range known {
		checks[u] = resolved
	}

	validated := make([]core.Article, 0, len(articles))
	for _, article := range articles {
		links := make([]string, 0, len(article.Links))
		seen := map[string]bool{}
		for _, link := range article.Links {
			resolved, ok := checks[link]
			if !ok {
				resolved = v.Resolve(ctx, link)
				checks[link] = resolved
			}
			if resolved == "" || seen[resolved] {
				continue
			}
			seen[resolved] = true
			links = append(links, resolved)
		}

		out := article
		out.Links = links
		out.Sources = append([]string(nil), article.Sources...)
		validated = append(validated, out)
	}
	return validated, checks
}

// Resolve returns the URL to publish for link, following at most one redirect,
// or "" when the link does not end in a 2xx response.
func (v *LinkValidator) Resolve(ctx context.Context, link string) string {
	status, location, err := v.probe(ctx, link)
	if err != nil {
		v.log.Info().Err(err).Str("url", link).Msg("Dropping unreachable link")
		return ""
	}

	target := link
	if status >= 300 && status < 400 {
		if location == "" {
			v.log.Info().Int("status", status).Str("url", link).Msg("Dropping redirect without Location")
			return ""
		}
		target, err = resolveReference(link, location)
		if err != nil {
			v.log.Info().Err(err).Str("url", link).Msg("Dropping link with bad redirect")
			return ""
		}
		status, _, err = v.probe(ctx, target)
		if err != nil {
			v.log.Info().Err(err).Str("url", target).Msg("Dropping unreachable redirect target")
			return ""
		}
	}

	if status < 200 || status >= 300 {
		v.log.Info().Int("status", status).Str("url", target).Msg("Dropping dead link")
		return ""
	}
	if target != link {
		v.log.Debug().Str("from", link).Str("to", target).Msg("Link rewritten to redirect target")
	}
	return target
}

// probe issues one GET without following redirects.
func (v *LinkValidator) probe(ctx context.Context, link string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return 0, "", errors.Wrap(err, "building request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := v.client.Do(req)
	if err != nil {
		return 0, "", errors.Wrapf(err, "requesting %s", link)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return resp.StatusCode, resp.Header.Get("Location"), nil
}

func resolveReference(base, location string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "parsing link")
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", errors.Wrap(err, "parsing Location")
	}
	return b.ResolveReference(ref).String(), nil
}
