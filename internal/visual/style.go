package visual

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/hpharmsen/ainews/internal/core"
)

// Colors is the accent palette, one per weekday.
var Colors = []string{"rood", "groen", "grijs", "bruin", "oranje", "paars", "blauw"}

// AccentColor picks the palette entry for period: the weekday for daily
// issues, the ISO week for weekly ones.
func AccentColor(period core.Period) string {
	if period.Schedule == core.Weekly {
		return Colors[period.Week()%len(Colors)]
	}
	return Colors[period.DayIndex()]
}

// Style turns a scene description into the final image prompt and the
// reference images to send along with it.
type Style interface {
	Name() string
	BuildPrompt(article core.Article, scene string, period core.Period) (prompt string, refs []string)
}

// ErrUnknownStyle is returned by NewStyle for an unconfigured style name.
var ErrUnknownStyle = errors.New("unknown image style")

// NewStyle returns the named style. References are only used by styles that
// imitate them.
func NewStyle(name string, references []string) (Style, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "painterly":
		return Painterly{References: references, Brands: Brands}, nil
	case "editorial":
		return Editorial{Brands: Brands}, nil
	}
	return nil, errors.Wrapf(ErrUnknownStyle, "%q", name)
}

// Painterly imitates the brushwork of a set of reference paintings.
type Painterly struct {
	References []string
	Brands     []Brand
}

func (Painterly) Name() string { return "painterly" }

func (s Painterly) BuildPrompt(article core.Article, scene string, period core.Period) (string, []string) {
	var b strings.Builder
	b.WriteString("Create a new visual without any text that fits this AI news article.\n")
	fmt.Fprintf(&b, "Headline: %q\n", article.Title)
	fmt.Fprintf(&b, "Scene: %s\n\n", strings.TrimSpace(scene))
	fmt.Fprintf(&b, "Use the %d attached images ONLY as a style reference (color palette, brush strokes, light, texture), ", len(s.References))
	b.WriteString("not as content to reproduce. ")
	fmt.Fprintf(&b, "Use %s as the base color. No text in the image.", AccentColor(period))
	writeLogos(&b, LogoBrands(article, s.Brands))
	return b.String(), s.References
}

// Editorial is a flat vector look that needs no reference images.
type Editorial struct {
	Brands []Brand
}

func (Editorial) Name() string { return "editorial" }

func (s Editorial) BuildPrompt(article core.Article, scene string, period core.Period) (string, []string) {
	var b strings.Builder
	b.WriteString("Create a flat vector editorial illustration for this AI news article, ")
	b.WriteString("with bold shapes, a limited palette and generous negative space.\n")
	fmt.Fprintf(&b, "Headline: %q\n", article.Title)
	fmt.Fprintf(&b, "Scene: %s\n\n", strings.TrimSpace(scene))
	fmt.Fprintf(&b, "Use %s as the dominant color. No text in the image.", AccentColor(period))
	writeLogos(&b, LogoBrands(article, s.Brands))
	return b.String(), nil
}

func writeLogos(b *strings.Builder, brands []string) {
	for _, name := range brands {
		fmt.Fprintf(b, "\nInclude the %s logo in the image.", name)
	}
}
