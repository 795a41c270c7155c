package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"chat-relay/internal/config"
	"chat-relay/internal/diagnostics"
	"chat-relay/internal/models"
	"chat-relay/internal/provider"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeSSE   = "text/event-stream"
	userAgent        = "chat-relay/0.1"
	maxResponseBytes = 16 << 20
)

var _ provider.Provider = (*Provider)(nil)

// Provider implements the Provider interface for OpenAI-compatible APIs.
type Provider struct {
	name               string
	apiKey             string
	headers            map[string]string
	client             *http.Client
	chatURL            string
	defaultModel       string
	allowedModels      map[string]struct{}
	defaultTemperature float64
	unity              provider.UnityTemperature
	diag               *diagnostics.Diagnostics
}

// New creates a new OpenAI provider.
func New(name string, cfg config.OpenAIConfig, client *http.Client, diag *diagnostics.Diagnostics) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		return nil, errors.New("default model must not be empty")
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedModels)+1)
	for _, model := range cfg.AllowedModels {
		allowed[model] = struct{}{}
	}
	allowed[cfg.DefaultModel] = struct{}{}

	temperature := 0.5
	if cfg.DefaultTemperature != nil {
		temperature = *cfg.DefaultTemperature
	}

	return &Provider{
		name:               name,
		apiKey:             strings.TrimSpace(cfg.APIKey),
		headers:            cfg.Headers,
		client:             client,
		chatURL:            baseURL + "/chat/completions",
		defaultModel:       cfg.DefaultModel,
		allowedModels:      allowed,
		defaultTemperature: temperature,
		unity: provider.UnityTemperature{
			Provider: name,
			Markers:  cfg.UnityTemperatureMarkers,
			Diag:     diag,
		},
		diag: diag,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Configured() bool {
	return p.apiKey != ""
}

// Complete issues one non-streaming call and extracts choices[0].message.content.
func (p *Provider) Complete(ctx context.Context, req models.ChatRequest) (*models.Completion, error) {
	body := p.BuildRequest(req)
	body.Stream = false

	httpResp, err := p.send(ctx, body, contentTypeJSON)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, provider.TransportError(p.name, fmt.Errorf("read response: %w", err))
	}
	if !gjson.ValidBytes(raw) {
		return nil, provider.TransportError(p.name, errors.New("provider returned a non-JSON response"))
	}

	return &models.Completion{
		Message: ExtractMessage(raw),
		Raw:     json.RawMessage(raw),
	}, nil
}

// Stream opens a streaming completion. The caller owns the returned stream.
func (p *Provider) Stream(ctx context.Context, req models.ChatRequest) (models.EventStream, error) {
	body := p.BuildRequest(req)
	body.Stream = true

	httpResp, err := p.send(ctx, body, contentTypeSSE)
	if err != nil {
		return nil, err
	}
	return provider.NewSSEStream(httpResp, p.decodeChunk), nil
}

// ExtractMessage returns the trimmed first choice content, or nil when absent.
func ExtractMessage(raw []byte) *string {
	v := gjson.GetBytes(raw, "choices.0.message.content")
	if v.Type != gjson.String {
		return nil
	}
	text := strings.TrimSpace(v.String())
	return &text
}

func (p *Provider) decodeChunk(data []byte) ([]models.StreamEvent, error) {
	if upstreamErr := provider.StreamError(p.name, data); upstreamErr != nil {
		return nil, upstreamErr
	}

	choice := gjson.GetBytes(data, "choices.0")
	if !choice.Exists() {
		return nil, nil
	}

	var events []models.StreamEvent
	if content := choice.Get("delta.content"); content.Type == gjson.String && content.String() != "" {
		events = append(events, models.TextDelta(content.String()))
	}
	if reason := choice.Get("finish_reason"); reason.Type == gjson.String && reason.String() != "" {
		events = append(events, models.Finish(reason.String()))
	}
	return events, nil
}

func (p *Provider) send(ctx context.Context, body ChatRequest, accept string) (*http.Response, error) {
	if !p.Configured() {
		return nil, fmt.Errorf("%s: %w", p.name, provider.ErrMissingAPIKey)
	}

	httpReq, err := p.newRequest(ctx, body, accept)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError(p.name, err)
	}
	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, provider.ParseErrorResponse(p.name, httpResp)
	}
	return httpResp, nil
}

func (p *Provider) newRequest(ctx context.Context, payload ChatRequest, accept string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}
