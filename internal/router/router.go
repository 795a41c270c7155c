package router

import (
	"context"
	"encoding/json"
	"fmt"

	"chat-relay/internal/diagnostics"
	"chat-relay/internal/models"
	"chat-relay/internal/provider"
)

// Router dispatches canonical requests to the named provider.
type Router struct {
	registry *provider.Registry
	diag     *diagnostics.Diagnostics
}

// New constructs a router backed by the provided registry.
func New(registry *provider.Registry, diag *diagnostics.Diagnostics) *Router {
	return &Router{
		registry: registry,
		diag:     diag,
	}
}

// Chat routes a non-streaming request to the provider.
func (r *Router) Chat(ctx context.Context, providerName string, req models.ChatRequest) (*models.Completion, error) {
	providerImpl, err := r.resolve(providerName)
	if err != nil {
		return nil, err
	}

	resp, err := providerImpl.Complete(ctx, sanitise(req, false))
	if err != nil {
		return nil, fmt.Errorf("provider %s chat request: %w", providerImpl.Name(), err)
	}
	return resp, nil
}

// Stream opens a streaming request to the provider. The caller must close the stream.
func (r *Router) Stream(ctx context.Context, providerName string, req models.ChatRequest) (models.EventStream, error) {
	providerImpl, err := r.resolve(providerName)
	if err != nil {
		return nil, err
	}

	stream, err := providerImpl.Stream(ctx, sanitise(req, true))
	if err != nil {
		return nil, fmt.Errorf("provider %s stream request: %w", providerImpl.Name(), err)
	}
	return stream, nil
}

// Ready reports whether providerName exists and has credentials, logging a
// missing key once per provider.
func (r *Router) Ready(providerName string) error {
	_, err := r.resolve(providerName)
	return err
}

func (r *Router) resolve(providerName string) (provider.Provider, error) {
	providerImpl, err := r.registry.Lookup(providerName)
	if err != nil {
		return nil, err
	}
	if !providerImpl.Configured() {
		r.diag.WarnOnce("missing_api_key:"+providerName, "provider api key is not configured", "provider", providerName)
		return nil, fmt.Errorf("provider %s: %w", providerName, provider.ErrMissingAPIKey)
	}
	return providerImpl, nil
}

func sanitise(req models.ChatRequest, stream bool) models.ChatRequest {
	out := req
	out.Stream = stream
	out.Messages = append([]models.ChatMessage(nil), req.Messages...)
	out.Params = cloneParams(req.Params)
	return out
}

func cloneParams(params map[string]json.RawMessage) map[string]json.RawMessage {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
