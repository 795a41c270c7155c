package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
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

	methodGenerate = "generateContent"
	methodStream   = "streamGenerateContent"
)

var _ provider.Provider = (*Provider)(nil)

// Provider implements the Provider interface for the Gemini generateContent API.
type Provider struct {
	name         string
	apiKey       string
	headers      map[string]string
	client       *http.Client
	baseURL      string
	defaultModel string
	unity        provider.UnityTemperature
	diag         *diagnostics.Diagnostics
}

// New creates a new Gemini provider.
func New(name string, cfg config.GeminiConfig, client *http.Client, diag *diagnostics.Diagnostics) (*Provider, error) {
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

	return &Provider{
		name:         name,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		headers:      cfg.Headers,
		client:       client,
		baseURL:      baseURL,
		defaultModel: cfg.DefaultModel,
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

// Complete issues one generateContent call and joins every candidate's text.
func (p *Provider) Complete(ctx context.Context, req models.ChatRequest) (*models.Completion, error) {
	body := p.BuildRequest(req)

	httpResp, err := p.send(ctx, body, methodGenerate, contentTypeJSON)
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

// Stream opens a streamGenerateContent call in SSE mode.
func (p *Provider) Stream(ctx context.Context, req models.ChatRequest) (models.EventStream, error) {
	body := p.BuildRequest(req)

	httpResp, err := p.send(ctx, body, methodStream, contentTypeSSE)
	if err != nil {
		return nil, err
	}
	return provider.NewSSEStream(httpResp, p.decodeChunk), nil
}

// ExtractMessage newline-joins the text parts of all candidates. It returns nil
// when there is no text.
func ExtractMessage(raw []byte) *string {
	var texts []string
	gjson.GetBytes(raw, "candidates").ForEach(func(_, candidate gjson.Result) bool {
		candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Type == gjson.String {
				texts = append(texts, text.String())
			}
			return true
		})
		return true
	})

	joined := strings.TrimSpace(strings.Join(texts, "\n"))
	if joined == "" {
		return nil
	}
	return &joined
}

func (p *Provider) decodeChunk(data []byte) ([]models.StreamEvent, error) {
	if upstreamErr := provider.StreamError(p.name, data); upstreamErr != nil {
		return nil, upstreamErr
	}

	candidate := gjson.GetBytes(data, "candidates.0")
	if !candidate.Exists() {
		return nil, nil
	}

	var events []models.StreamEvent
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Type == gjson.String && text.String() != "" {
			events = append(events, models.TextDelta(text.String()))
		}
		return true
	})
	if reason := candidate.Get("finishReason"); reason.Type == gjson.String && reason.String() != "" {
		events = append(events, models.Finish(reason.String()))
	}
	return events, nil
}

// endpoint returns {base}/models/{model}:{method} with the key query parameter.
func (p *Provider) endpoint(model, method string) string {
	query := url.Values{}
	if method == methodStream {
		query.Set("alt", "sse")
	}
	query.Set("key", p.apiKey)
	return fmt.Sprintf("%s/models/%s:%s?%s", p.baseURL, url.PathEscape(model), method, query.Encode())
}

func (p *Provider) send(ctx context.Context, body GenerateRequest, method, accept string) (*http.Response, error) {
	if !p.Configured() {
		return nil, fmt.Errorf("%s: %w", p.name, provider.ErrMissingAPIKey)
	}

	httpReq, err := p.newRequest(ctx, body, method, accept)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError(p.name, redactKey(err))
	}
	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, provider.ParseErrorResponse(p.name, httpResp)
	}
	return httpResp, nil
}

func (p *Provider) newRequest(ctx context.Context, payload GenerateRequest, method, accept string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(payload.Model(), method), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// redactKey strips the request URL, which carries the API key, from transport errors.
func redactKey(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s request failed: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
