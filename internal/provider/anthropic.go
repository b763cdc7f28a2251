package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

// Anthropic calls the Messages API.
type Anthropic struct {
	id         string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAnthropic creates an adapter targeting the Anthropic API.
func NewAnthropic(id, baseURL, apiKey string, httpClient *http.Client) *Anthropic {
	return &Anthropic{
		id:         id,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func (p *Anthropic) ID() string { return p.id }

func (p *Anthropic) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

func (p *Anthropic) Generate(ctx context.Context, req GenerateRequest) (RawResponse, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	body := messagesRequest{
		Model:       req.Model,
		MaxTokens:   intOption(req.Options, "max_tokens", 1024),
		Temperature: floatOption(req.Options, "temperature", 0),
		System:      "You are a precise structured data extractor for job postings. Reply with JSON only.",
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
	}

	start := time.Now()
	var resp messagesResponse
	if err := doJSON(ctx, p.httpClient, p.id, http.MethodPost, p.baseURL+"/v1/messages", body, &resp, p.headers()); err != nil {
		return RawResponse{}, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return RawResponse{}, malformed(p.id, fmt.Errorf("no text content (stop_reason %q)", resp.StopReason))
	}

	return RawResponse{
		Provider: p.id,
		Model:    req.Model,
		Text:     text.String(),
		Latency:  time.Since(start),
	}, nil
}

func (p *Anthropic) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := doJSON(ctx, p.httpClient, p.id, http.MethodGet, p.baseURL+"/v1/models", nil, &resp, p.headers()); err != nil {
		return nil, err
	}
	models := make([]ModelDescriptor, 0, len(resp.Data))
	for _, m := range resp.Data {
		models = append(models, ModelDescriptor{Name: m.ID, Capabilities: []string{"text", "vision"}})
	}
	return models, nil
}

func (p *Anthropic) Ping(ctx context.Context) (Availability, error) {
	start := time.Now()
	if _, err := p.ListModels(ctx); err != nil {
		return Availability{}, err
	}
	return Availability{Available: true, Latency: time.Since(start)}, nil
}
