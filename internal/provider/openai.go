package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAI calls the /chat/completions endpoint in JSON-object mode.
type OpenAI struct {
	id         string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAI creates an adapter targeting an OpenAI-compatible API.
func NewOpenAI(id, baseURL, apiKey string, httpClient *http.Client) *OpenAI {
	return &OpenAI{
		id:         id,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// chatRequest mirrors the OpenAI /chat/completions request body.
type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// chatResponse mirrors the relevant fields of the OpenAI response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAI) ID() string { return p.id }

func (p *OpenAI) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

// Generate sends the prompt as a single user message.
func (p *OpenAI) Generate(ctx context.Context, req GenerateRequest) (RawResponse, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	body := chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a precise structured data extractor for job postings."},
			{Role: "user", Content: req.Prompt},
		},
		Temperature:    floatOption(req.Options, "temperature", 0),
		MaxTokens:      intOption(req.Options, "max_tokens", 1024),
		ResponseFormat: responseFormat{Type: "json_object"},
	}

	start := time.Now()
	var resp chatResponse
	if err := doJSON(ctx, p.httpClient, p.id, http.MethodPost, p.baseURL+"/chat/completions", body, &resp, p.headers()); err != nil {
		return RawResponse{}, err
	}
	if resp.Error != nil {
		return RawResponse{}, &Error{Provider: p.id, Kind: KindUnknown, Detail: fmt.Sprintf("%s: %s", resp.Error.Type, resp.Error.Message)}
	}
	if len(resp.Choices) == 0 {
		return RawResponse{}, malformed(p.id, fmt.Errorf("no choices"))
	}

	return RawResponse{
		Provider: p.id,
		Model:    req.Model,
		Text:     resp.Choices[0].Message.Content,
		Latency:  time.Since(start),
	}, nil
}

// ListModels queries /models.
func (p *OpenAI) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := doJSON(ctx, p.httpClient, p.id, http.MethodGet, p.baseURL+"/models", nil, &resp, p.headers()); err != nil {
		return nil, err
	}
	models := make([]ModelDescriptor, 0, len(resp.Data))
	for _, m := range resp.Data {
		models = append(models, ModelDescriptor{Name: m.ID, Capabilities: []string{"text"}})
	}
	return models, nil
}

// Ping lists models; a reachable API with a bad key is reported unavailable.
func (p *OpenAI) Ping(ctx context.Context) (Availability, error) {
	start := time.Now()
	if _, err := p.ListModels(ctx); err != nil {
		return Availability{}, err
	}
	return Availability{Available: true, Latency: time.Since(start)}, nil
}

func floatOption(opts map[string]any, key string, def float64) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func intOption(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}
