package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const maxErrorBodyBytes = 64 * 1024

// UpstreamError describes a failed call to an upstream provider.
type UpstreamError struct {
	Provider string
	// Status is the provider's HTTP status, or 502 when the provider was unreachable.
	Status  int
	Message string
	// Body is the provider's raw error body, always valid JSON when set.
	Body json.RawMessage
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream error (status %d): %s", e.Provider, e.Status, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// TransportError wraps a failure to reach the provider at all.
func TransportError(provider string, err error) *UpstreamError {
	return &UpstreamError{
		Provider: provider,
		Status:   http.StatusBadGateway,
		Message:  err.Error(),
		Err:      err,
	}
}

// ParseErrorResponse builds an UpstreamError from a non-2xx provider response.
// The provider's own error message wins over the generic status text.
func ParseErrorResponse(provider string, resp *http.Response) *UpstreamError {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return &UpstreamError{
			Provider: provider,
			Status:   resp.StatusCode,
			Message:  fmt.Sprintf("upstream error status %d and failed to read body: %v", resp.StatusCode, err),
			Err:      err,
		}
	}
	return errorFromBody(provider, resp.StatusCode, body)
}

func errorFromBody(provider string, status int, body []byte) *UpstreamError {
	upstreamErr := &UpstreamError{
		Provider: provider,
		Status:   status,
		Message:  ExtractErrorMessage(body),
	}
	if upstreamErr.Message == "" {
		upstreamErr.Message = http.StatusText(status)
	}
	if upstreamErr.Message == "" {
		upstreamErr.Message = fmt.Sprintf("upstream returned status %d", status)
	}

	trimmed := strings.TrimSpace(string(body))
	switch {
	case trimmed == "":
	case gjson.Valid(trimmed):
		upstreamErr.Body = json.RawMessage(trimmed)
	default:
		encoded, _ := json.Marshal(trimmed)
		upstreamErr.Body = encoded
	}
	return upstreamErr
}

// ExtractErrorMessage finds the provider's error message in an error body.
// Gemini streaming endpoints wrap errors in a one-element array.
func ExtractErrorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range []string{"error.message", "0.error.message", "message", "error"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return strings.TrimSpace(v.String())
		}
	}
	return ""
}

// StreamError converts an error object embedded in a stream chunk into an UpstreamError.
// It returns nil when the chunk carries no error. Only an object or a non-blank
// string counts: some OpenAI-compatible servers send "error": null on every chunk.
func StreamError(provider string, chunk []byte) *UpstreamError {
	errObj := gjson.GetBytes(chunk, "error")
	switch {
	case errObj.IsObject():
	case errObj.Type == gjson.String && strings.TrimSpace(errObj.String()) != "":
	default:
		return nil
	}
	status := http.StatusBadGateway
	if code := errObj.Get("code"); code.Type == gjson.Number && code.Int() >= 400 && code.Int() < 600 {
		status = int(code.Int())
	}
	return errorFromBody(provider, status, chunk)
}
