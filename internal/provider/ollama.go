package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Ollama talks to a local inference server.
//
//	POST /generate     {model, prompt, stream:false, options} -> {response}
//	GET  /models_list  -> {models: [{name, capabilities}]}
//	GET  /             liveness
type Ollama struct {
	id         string
	baseURL    string
	httpClient *http.Client
}

// NewOllama creates an adapter for a local inference server at baseURL.
func NewOllama(id, baseURL string, httpClient *http.Client) *Ollama {
	return &Ollama{
		id:         id,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response *string `json:"response"`
}

func (p *Ollama) ID() string { return p.id }

func (p *Ollama) Generate(ctx context.Context, req GenerateRequest) (RawResponse, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	body := generateRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		Stream:  false,
		Options: req.Options,
	}

	start := time.Now()
	var resp generateResponse
	if err := doJSON(ctx, p.httpClient, p.id, http.MethodPost, p.baseURL+"/generate", body, &resp, nil); err != nil {
		return RawResponse{}, err
	}
	if resp.Response == nil {
		return RawResponse{}, malformed(p.id, fmt.Errorf("missing response field"))
	}

	return RawResponse{
		Provider: p.id,
		Model:    req.Model,
		Text:     *resp.Response,
		Latency:  time.Since(start),
	}, nil
}

func (p *Ollama) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	var resp struct {
		Models []ModelDescriptor `json:"models"`
	}
	if err := doJSON(ctx, p.httpClient, p.id, http.MethodGet, p.baseURL+"/models_list", nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// Ping checks the root endpoint answers 2xx.
func (p *Ollama) Ping(ctx context.Context) (Availability, error) {
	start := time.Now()
	if err := doJSON(ctx, p.httpClient, p.id, http.MethodGet, p.baseURL+"/", nil, nil, nil); err != nil {
		return Availability{}, err
	}
	return Availability{Available: true, Latency: time.Since(start)}, nil
}
