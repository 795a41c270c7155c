package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"chat-relay/internal/config"
	"chat-relay/internal/diagnostics"
	"chat-relay/internal/provider"
	geminiProvider "chat-relay/internal/provider/gemini"
	openaiProvider "chat-relay/internal/provider/openai"
)

const (
	// ProviderOpenAI and ProviderGemini are the registry names, also used as route suffixes.
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	defaultResponseHeaderTimeout = 60 * time.Second
	defaultDialTimeout           = 10 * time.Second
	defaultKeepAlive             = 30 * time.Second
	defaultIdleConnTimeout       = 90 * time.Second
)

// RegisterConfiguredProviders constructs providers from configuration and stores them in the registry.
// Providers without an API key are still registered; the router refuses to call them.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry, diag *diagnostics.Diagnostics) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	openAIClient := newHTTPClient(defaultResponseHeaderTimeout)
	openAIProvider, err := openaiProvider.New(ProviderOpenAI, cfg.Providers.OpenAI, openAIClient, diag)
	if err != nil {
		return fmt.Errorf("initialise openai provider: %w", err)
	}
	if err := registry.Register(openAIProvider); err != nil {
		return fmt.Errorf("register openai provider: %w", err)
	}

	geminiClient := newHTTPClient(defaultResponseHeaderTimeout)
	geminiProvider, err := geminiProvider.New(ProviderGemini, cfg.Providers.Gemini, geminiClient, diag)
	if err != nil {
		return fmt.Errorf("initialise gemini provider: %w", err)
	}
	if err := registry.Register(geminiProvider); err != nil {
		return fmt.Errorf("register gemini provider: %w", err)
	}

	return nil
}

// newHTTPClient has no overall timeout so streamed bodies are not cut off; the
// request context bounds the call and headerTimeout bounds the wait for a response.
func newHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}
