package summarize

import (
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/hpharmsen/ainews/internal/core"
)

// PromptOptions configures the ranking prompt.
type PromptOptions struct {
	Bounds   core.Bounds
	Language string
}

// BuildRankPrompt creates the single request that selects, merges and ranks
// the news of one period.
func BuildRankPrompt(sourceText string, previous []string, opts PromptOptions) string {
	var prompt strings.Builder

	prompt.WriteString("Below is a collection of emails I received from several AI newsletters and mailing lists. ")
	prompt.WriteString("Each email starts with a line of the form ===== SOURCE: <id> | FROM: ... =====.\n\n")
	prompt.WriteString("Do the following:\n")
	prompt.WriteString("1. Read the emails carefully and extract all news about AI.\n")
	prompt.WriteString("2. Merge items that are about the same thing. Two items are the same story when they concern the same organization and the same topic within about two weeks, even if they are worded differently.\n")
	prompt.WriteString("3. Sort the news by importance, most important first. Important are:\n")
	prompt.WriteString("   - anything about programming AI applications\n")
	prompt.WriteString("   - developments from the large AI labs\n")
	prompt.WriteString("   - anything the newsletters themselves flag as important news\n")
	fmt.Fprintf(&prompt, "4. Keep only the most important stories: at least %d and at most %d.\n", opts.Bounds.Min, opts.Bounds.Max)
	fmt.Fprintf(&prompt, "5. For each story write a summary of a few sentences, or a few paragraphs when there is a lot to tell, in %s.\n", opts.Language)
	prompt.WriteString("6. Give links to web pages with the original news where you can find them in the emails. Never invent links.\n")
	prompt.WriteString("7. In \"sources\" list the SOURCE ids of the emails the story is based on, exactly as written in the delimiter lines.\n")

	if len(previous) > 0 {
		prompt.WriteString("8. Leave out every story that was already covered in one of the previous issues below, unless there is substantial new information.\n\n")
		prompt.WriteString("PREVIOUS ISSUES:\n")
		for i, issue := range previous {
			fmt.Fprintf(&prompt, "--- previous issue %d ---\n%s\n", i+1, strings.TrimSpace(issue))
		}
	}

	prompt.WriteString("\nAnswer with a JSON array of objects with the fields title, summary, links and sources.\n\n")
	prompt.WriteString("EMAILS:\n")
	prompt.WriteString(sourceText)
	return prompt.String()
}

// ArticleSetSchema is the Gemini response schema for the ranked article list.
func ArticleSetSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeArray,
		Items: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"title": {
					Type:        genai.TypeString,
					Description: "Short headline of the story",
				},
				"summary": {
					Type:        genai.TypeString,
					Description: "Summary of the story; paragraphs separated by a blank line",
				},
				"links": {
					Type:        genai.TypeArray,
					Description: "URLs of the original news pages found in the emails",
					Items:       &genai.Schema{Type: genai.TypeString},
				},
				"sources": {
					Type:        genai.TypeArray,
					Description: "SOURCE ids of the emails this story is based on",
					Items:       &genai.Schema{Type: genai.TypeString},
				},
			},
			Required:         []string{"title", "summary", "links", "sources"},
			PropertyOrdering: []string{"title", "summary", "links", "sources"},
		},
	}
}
