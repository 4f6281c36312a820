package fetch

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
)

var (
	spaceRun     = regexp.MustCompile(`[ \t\f\r\x{00a0}\x{200c}\x{200b}\x{034f}]+`)
	blankLineRun = regexp.MustCompile(`\n\s*\n\s*(\n\s*)*`)
)

// HTMLToText flattens an HTML document into readable text. Block elements
// become line breaks and http(s) anchors keep their target in parentheses so
// links survive the conversion.
func HTMLToText(htmlContent string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return "", errors.Wrap(err, "parsing HTML")
	}

	// Remove non-content elements
	doc.Find("script, style, head, noscript, title, img").Remove()

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
			return
		}
		label := strings.TrimSpace(a.Text())
		if label == "" || label == href {
			a.SetText(href)
			return
		}
		a.SetText(label + " (" + href + ")")
	})

	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, td, tr, li, h1, h2, h3, h4, h5, h6, blockquote, pre, table, section, article").
		Each(func(_ int, s *goquery.Selection) {
			s.AppendHtml("\n")
		})

	return CollapseWhitespace(doc.Text()), nil
}

// CollapseWhitespace trims every line and squeezes runs of blank lines into one.
func CollapseWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankLineRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
