package visual

import (
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/hpharmsen/ainews/internal/core"
)

func numberedArticles(articles []core.Article) string {
	var b strings.Builder
	for i, a := range articles {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i, a.Title, a.Summary)
	}
	return b.String()
}

// BuildSelectionPrompt asks which article gets the illustration and which
// the infographic.
func BuildSelectionPrompt(articles []core.Article) string {
	var b strings.Builder
	b.WriteString("Below are the numbered articles of today's AI newsletter.\n")
	b.WriteString("Choose one article to illustrate with an image: the story that is most important and lends itself best to a visual.\n")
	b.WriteString("Choose a different article for an infographic: the story with the most concrete facts and figures.\n")
	fmt.Fprintf(&b, "Both indices must be between 0 and %d and must differ.\n", len(articles)-1)
	b.WriteString("Describe briefly what the image and the infographic should show.\n\n")
	b.WriteString("ARTICLES:\n")
	b.WriteString(numberedArticles(articles))
	return b.String()
}

// SelectionSchema is the response schema of the selection call.
func SelectionSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"image_article_index":       {Type: genai.TypeInteger},
			"image_description":         {Type: genai.TypeString},
			"infographic_article_index": {Type: genai.TypeInteger},
			"infographic_description":   {Type: genai.TypeString},
		},
		Required: []string{"image_article_index", "image_description", "infographic_article_index", "infographic_description"},
		PropertyOrdering: []string{
			"image_article_index", "image_description",
			"infographic_article_index", "infographic_description",
		},
	}
}

// BuildScenePrompt asks for a concrete scene for the illustration.
func BuildScenePrompt(article core.Article, hint string) string {
	var b strings.Builder
	b.WriteString("Describe in at most five sentences a concrete scene for an illustration of this news article. ")
	b.WriteString("Describe only what is visible, without any text, letters or captions.\n")
	if hint = strings.TrimSpace(hint); hint != "" {
		fmt.Fprintf(&b, "Starting point: %s\n", hint)
	}
	fmt.Fprintf(&b, "\nTitle: %s\nSummary:\n%s\n", article.Title, article.Summary)
	return b.String()
}

// BuildPassagePrompt asks for the passages of one source that are relevant
// to the infographic article.
func BuildPassagePrompt(article core.Article, block string) string {
	var b strings.Builder
	b.WriteString("Copy from the email below only the passages that are relevant to this news article, ")
	b.WriteString("in particular facts, numbers, dates and names. Answer with the passages only, or with nothing when there are none.\n\n")
	fmt.Fprintf(&b, "ARTICLE: %s\n%s\n\nEMAIL:\n%s\n", article.Title, article.Summary, block)
	return b.String()
}

// BuildInfographicPrompt asks for a fact-dense infographic in language.
func BuildInfographicPrompt(article core.Article, description, grounding, language string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a clear, fact-dense infographic in %s about this AI news story. ", language)
	b.WriteString("Use only facts that appear below; do not invent numbers. All text in the infographic must be spelled correctly.\n")
	if description = strings.TrimSpace(description); description != "" {
		fmt.Fprintf(&b, "Focus: %s\n", description)
	}
	fmt.Fprintf(&b, "\nTitle: %s\nSummary:\n%s\n", article.Title, article.Summary)
	if grounding = strings.TrimSpace(grounding); grounding != "" {
		fmt.Fprintf(&b, "\nSOURCE PASSAGES:\n%s\n", grounding)
	}
	return b.String()
}
