package visual

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/hpharmsen/ainews/internal/config"
)

// ErrImageTimeout marks an image request that ran out of time, either on our
// side or as reported by the API.
var ErrImageTimeout = errors.New("image generation timed out")

// ErrNoImage is returned when a successful response carries no image.
var ErrNoImage = errors.New("no image in response")

// ImageClient generates images with the OpenAI API. Requests without
// reference images use the images endpoint; requests with references go
// through the responses endpoint and its image generation tool, which
// accepts image URLs as input.
type ImageClient struct {
	apiKey         string
	baseURL        string
	model          string
	referenceModel string
	size           string
	quality        string
	httpClient     *http.Client
	log            zerolog.Logger
}

// NewImageClient creates an image client from the OpenAI configuration.
func NewImageClient(cfg config.OpenAIConfig, log zerolog.Logger) *ImageClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 4 * time.Minute
	}
	return &ImageClient{
		apiKey:         cfg.APIKey,
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		model:          cfg.ImageModel,
		referenceModel: cfg.ReferenceModel,
		size:           cfg.ImageSize,
		quality:        cfg.Quality,
		httpClient:     &http.Client{Timeout: timeout},
		log:            log.With().Str("component", "images").Logger(),
	}
}

// generationRequest is the body of POST /images/generations.
type generationRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
}

type generationResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// responsesRequest is the body of POST /responses with the image tool enabled.
type responsesRequest struct {
	Model string          `json:"model"`
	Input []responseInput `json:"input"`
	Tools []imageTool     `json:"tools"`
}

type responseInput struct {
	Role    string         `json:"role"`
	Content []inputContent `json:"content"`
}

type inputContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type imageTool struct {
	Type    string `json:"type"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type   string `json:"type"`
		Result string `json:"result"`
	} `json:"output"`
}

// Generate returns the raw bytes of one image for prompt.
func (c *ImageClient) Generate(ctx context.Context, prompt string, refs []string) ([]byte, error) {
	var (
		b64 string
		err error
	)
	if len(refs) > 0 {
		b64, err = c.generateWithReferences(ctx, prompt, refs)
	} else {
		b64, err = c.generate(ctx, prompt)
	}
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.Wrap(err, "decoding base64 image")
	}
	c.log.Debug().Int("bytes", len(data)).Int("references", len(refs)).Msg("Generated image")
	return data, nil
}

func (c *ImageClient) generate(ctx context.Context, prompt string) (string, error) {
	request := generationRequest{
		Model:   c.model,
		Prompt:  prompt,
		N:       1,
		Size:    c.size,
		Quality: c.quality,
	}
	var resp generationResponse
	if err := c.post(ctx, "/images/generations", request, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return "", ErrNoImage
	}
	return resp.Data[0].B64JSON, nil
}

func (c *ImageClient) generateWithReferences(ctx context.Context, prompt string, refs []string) (string, error) {
	content := []inputContent{{Type: "input_text", Text: prompt}}
	for _, ref := range refs {
		content = append(content, inputContent{Type: "input_image", ImageURL: ref})
	}
	request := responsesRequest{
		Model: c.referenceModel,
		Input: []responseInput{{Role: "user", Content: content}},
		Tools: []imageTool{{Type: "image_generation", Size: c.size, Quality: c.quality}},
	}
	var resp responsesResponse
	if err := c.post(ctx, "/responses", request, &resp); err != nil {
		return "", err
	}

	types := make([]string, 0, len(resp.Output))
	for _, item := range resp.Output {
		if item.Type == "image_generation_call" && item.Result != "" {
			return item.Result, nil
		}
		types = append(types, item.Type)
	}
	return "", errors.Wrapf(ErrNoImage, "output types %v", types)
}

func (c *ImageClient) post(ctx context.Context, path string, request, response any) error {
	reqBody, err := json.Marshal(request)
	if err != nil {
		return errors.Wrap(err, "marshaling request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return errors.Mark(errors.Wrap(err, "image request"), ErrImageTimeout)
		}
		return errors.Wrap(err, "image request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return errors.Mark(errors.Wrap(err, "reading image response"), ErrImageTimeout)
		}
		return errors.Wrap(err, "reading image response")
	}

	if resp.StatusCode != http.StatusOK {
		err := errors.Newf("image API error (status %d): %s", resp.StatusCode, truncate(string(body), 500))
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout {
			return errors.Mark(err, ErrImageTimeout)
		}
		return err
	}

	if err := json.Unmarshal(body, response); err != nil {
		return errors.Wrap(err, "unmarshaling image response")
	}
	return nil
}

// IsTimeout reports whether err came from a timed out image request.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrImageTimeout) || isTimeout(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
