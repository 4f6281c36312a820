// Package email renders an issue as the HTML newsletter.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/hpharmsen/ainews/internal/config"
	"github.com/hpharmsen/ainews/internal/core"
)

const (
	CardsMarker  = "<!-- Cards -->"
	FooterMarker = "<!-- Footer -->"
)

// EmailTemplate holds the look of the newsletter. The values end up in style
// attributes and must pass html/template's CSS filter: no quotes or parentheses.
type EmailTemplate struct {
	HeaderColor     string
	BackgroundColor string
	TextColor       string
	MutedColor      string
	LinkColor       string
	BorderColor     string
	MaxWidth        string
	FontFamily      string
}

// GetDefaultEmailTemplate returns the standard newsletter look
func GetDefaultEmailTemplate() *EmailTemplate {
	return &EmailTemplate{
		HeaderColor:     "#0b0c0c",
		BackgroundColor: "#f5f7fb",
		TextColor:       "#333333",
		MutedColor:      "#6b7280",
		LinkColor:       "#0b5cab",
		BorderColor:     "#e6ecf3",
		MaxWidth:        "600px",
		FontFamily:      "Inter, Segoe UI, Arial, sans-serif",
	}
}

// IssueData is everything the renderer needs for one issue.
type IssueData struct {
	Schedule core.Schedule
	Title    string
	Date     time.Time
	// Articles are in display order; the illustrated one first.
	Articles       []core.Article
	ImageURL       string
	InfographicURL string
	// InfographicIndex is the article that gets the infographic, -1 for none.
	InfographicIndex int
}

// Renderer turns IssueData into HTML.
type Renderer struct {
	newsletter config.Newsletter
	template   *EmailTemplate
}

// NewRenderer creates a Renderer. A nil template selects the default look.
func NewRenderer(newsletter config.Newsletter, tmpl *EmailTemplate) *Renderer {
	if tmpl == nil {
		tmpl = GetDefaultEmailTemplate()
	}
	return &Renderer{newsletter: newsletter, template: tmpl}
}

type card struct {
	Title       string
	Paragraphs  [][]string
	Links       []link
	Infographic string
}

type link struct {
	URL   string
	Label string
}

// html/template drops comments from the template text, so the markers are
// passed in as trusted values.
type markers struct {
	Cards  template.HTML
	Footer template.HTML
}

// Render returns the newsletter HTML. Recipient specific links carry the
// [EMAIL] placeholder.
func (r *Renderer) Render(data IssueData) (string, error) {
	cards := make([]card, len(data.Articles))
	for i, a := range data.Articles {
		cards[i] = card{
			Title:      a.Title,
			Paragraphs: paragraphs(a.Summary),
			Links:      links(a.Links),
		}
		if i == data.InfographicIndex && data.InfographicURL != "" {
			cards[i].Infographic = data.InfographicURL
		}
	}

	scheduleName, switchName, switchPath := "dagelijkse", "wekelijkse", "wekelijks"
	if data.Schedule == core.Weekly {
		scheduleName, switchName, switchPath = "wekelijkse", "dagelijkse", "dagelijks"
	}

	templateData := struct {
		Issue          IssueData
		Newsletter     config.Newsletter
		Template       *EmailTemplate
		Date           string
		Cards          []card
		Markers        markers
		ScheduleName   string
		SwitchName     string
		SwitchURL      string
		UnsubscribeURL string
	}{
		Issue:          data,
		Newsletter:     r.newsletter,
		Template:       r.template,
		Date:           FormatDate(data.Date),
		Cards:          cards,
		Markers:        markers{Cards: CardsMarker, Footer: FooterMarker},
		ScheduleName:   scheduleName,
		SwitchName:     switchName,
		SwitchURL:      strings.TrimSuffix(r.newsletter.SwitchURL, "/") + "/" + switchPath,
		UnsubscribeURL: r.newsletter.UnsubscribeURL,
	}

	var buf bytes.Buffer
	if err := newsletterTemplate.Execute(&buf, templateData); err != nil {
		return "", errors.Wrap(err, "executing newsletter template")
	}
	return buf.String(), nil
}

// Personalize fills the placeholder with the recipient's address.
func Personalize(html, recipient string) string {
	return strings.ReplaceAll(html, core.EmailPlaceholder, url.QueryEscape(recipient))
}

var dutchMonths = [...]string{
	"januari", "februari", "maart", "april", "mei", "juni",
	"juli", "augustus", "september", "oktober", "november", "december",
}

// FormatDate formats t as "19 oktober 2026".
func FormatDate(t time.Time) string {
	return fmt.Sprintf("%d %s %d", t.Day(), dutchMonths[t.Month()-1], t.Year())
}

// Title returns the issue title: "<name> daily - 19 oktober" or
// "<name> weekly - week 43".
func Title(name string, period core.Period) string {
	if period.Schedule == core.Weekly {
		return fmt.Sprintf("%s weekly - week %d", name, period.Week())
	}
	return fmt.Sprintf("%s daily - %d %s", name, period.Date.Day(), dutchMonths[period.Date.Month()-1])
}

func paragraphs(summary string) [][]string {
	var result [][]string
	for _, p := range strings.Split(strings.ReplaceAll(summary, "\r\n", "\n"), "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		result = append(result, strings.Split(p, "\n"))
	}
	return result
}

func links(urls []string) []link {
	result := make([]link, 0, len(urls))
	for _, raw := range urls {
		clean := StripTracking(raw)
		result = append(result, link{URL: clean, Label: DomainLabel(clean)})
	}
	return result
}

// StripTracking removes utm_* query parameters.
func StripTracking(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.RawQuery == "" {
		return strings.TrimSpace(raw)
	}
	query := u.Query()
	changed := false
	for key := range query {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			query.Del(key)
			changed = true
		}
	}
	if !changed {
		return u.String()
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// DomainLabel names a link after its site: "techcrunch" for
// https://www.techcrunch.com/..., "bron" when there is no usable host.
func DomainLabel(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "bron"
	}
	parts := strings.Split(u.Hostname(), ".")
	if len(parts) < 2 {
		return parts[0]
	}
	return parts[len(parts)-2]
}
