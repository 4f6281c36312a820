package visual

import (
	"strings"

	"github.com/hpharmsen/ainews/internal/core"
)

// Brand maps a name that may appear in an article to the company whose logo
// belongs in the illustration.
type Brand struct {
	Alias     string
	Canonical string
}

// Brands is matched in order; the first matching alias of a company decides
// its position in the result.
var Brands = []Brand{
	{"OpenAI", "OpenAI"},
	{"Google", "Google"},
	{"Meta", "Meta"},
	{"Facebook", "Facebook"},
	{"Instagram", "Instagram"},
	{"Microsoft", "Microsoft"},
	{"IBM", "IBM"},
	{"Apple", "Apple"},
	{"Amazon", "Amazon"},
	{"xAI", "xAI"},
	{"Perplexity", "Perplexity"},
	{"Anthropic", "Anthropic"},
	{"Nvidia", "Nvidia"},
	{"Deepseek", "Deepseek"},
	{"GPT-5", "GPT-5"},
	{"GPT", "OpenAI"},
	{"Claude", "Anthropic"},
	{"Grok", "xAI"},
}

// LogoBrands returns the canonical names whose alias occurs in the article's
// title or summary, without duplicates.
func LogoBrands(article core.Article, table []Brand) []string {
	text := article.Title + "\n" + article.Summary
	var names []string
	seen := make(map[string]bool)
	for _, b := range table {
		if seen[b.Canonical] || !strings.Contains(text, b.Alias) {
			continue
		}
		seen[b.Canonical] = true
		names = append(names, b.Canonical)
	}
	return names
}
