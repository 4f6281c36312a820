// Package llm wraps the Gemini API for the text generation steps of the
// newsletter: ranking, visual selection, image prompts and passage extraction.
package llm

import (
	"context"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/hpharmsen/ainews/internal/config"
)

// DefaultModel is used when the configuration names none.
const DefaultModel = "gemini-2.5-flash"

// ErrEmptyResponse is returned when the model answers without text.
var ErrEmptyResponse = errors.New("empty response from model")

// Client generates text with a Gemini model.
type Client struct {
	gClient     *genai.Client
	modelName   string
	temperature float32
	log         zerolog.Logger
}

// NewClient creates a Gemini client from configuration.
func NewClient(ctx context.Context, cfg config.GeminiConfig, log zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.WithHint(errors.New("gemini API key is required"),
			"set GEMINI_API_KEY in the environment or ai.gemini.api_key in the config file")
	}
	return newClient(ctx, cfg, genai.HTTPOptions{}, log)
}

func newClient(ctx context.Context, cfg config.GeminiConfig, httpOptions genai.HTTPOptions, log zerolog.Logger) (*Client, error) {
	if cfg.Timeout > 0 {
		timeout := cfg.Timeout
		httpOptions.Timeout = &timeout
	}
	gClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: httpOptions,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating Gemini client")
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		gClient:     gClient,
		modelName:   model,
		temperature: cfg.Temperature,
		log:         log.With().Str("component", "llm").Str("model", model).Logger(),
	}, nil
}

// ModelName returns the Gemini model in use.
func (c *Client) ModelName() string {
	return c.modelName
}

// GenerateText returns the model's plain text answer to prompt.
func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, prompt, nil)
}

// GenerateJSON asks for a JSON answer that follows schema and returns it
// with any markdown code fence removed.
func (c *Client) GenerateJSON(ctx context.Context, prompt string, schema *genai.Schema) (string, error) {
	text, err := c.generate(ctx, prompt, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
	})
	if err != nil {
		return "", err
	}
	return StripCodeFence(text), nil
}

func (c *Client) generate(ctx context.Context, prompt string, cfg *genai.GenerateContentConfig) (string, error) {
	if prompt == "" {
		return "", errors.New("prompt cannot be empty")
	}
	if cfg == nil {
		cfg = &genai.GenerateContentConfig{}
	}
	if c.temperature > 0 {
		temp := c.temperature
		cfg.Temperature = &temp
	}

	c.log.Debug().Int("prompt_chars", len(prompt)).Msg("Generating content")
	resp, err := c.gClient.Models.GenerateContent(ctx, c.modelName, genai.Text(prompt), cfg)
	if err != nil {
		return "", errors.Wrap(err, "generating content")
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// IsRateLimited reports whether err is a quota or rate-limit rejection.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "rate limit")
}

// StripCodeFence removes a surrounding ```json ... ``` block.
func StripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
