package openai

import (
	"encoding/json"
	"log/slog"

	"chat-relay/internal/models"
	"chat-relay/internal/provider"
)

// passthroughFields are copied verbatim from the client payload when present.
// model and temperature are on the same allow-list but resolved by policy.
var passthroughFields = []string{
	"top_p",
	"max_tokens",
	"stop",
	"n",
	"presence_penalty",
	"frequency_penalty",
	"logit_bias",
	"user",
	"response_format",
	"tools",
	"tool_choice",
	"functions",
	"function_call",
	"seed",
}

// Message is one entry of the upstream messages array. Content is a string, or a
// []ContentPart when the message carries images.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one element of multi-part content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL points at an image, here always the client's inline data.
type ImageURL struct {
	URL string `json:"url"`
}

// ChatRequest is the upstream /chat/completions body.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	Stream      bool
	// Params holds the allow-listed passthrough fields.
	Params map[string]json.RawMessage
}

// MarshalJSON emits a flat object with keys in sorted order, so identical
// requests always encode to identical bytes.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(r.Params)+4)
	for k, v := range r.Params {
		body[k] = v
	}
	body["model"] = r.Model
	body["messages"] = r.Messages
	body["temperature"] = r.Temperature
	if r.Stream {
		body["stream"] = true
	}
	return json.Marshal(body)
}

// ProjectMessages converts canonical messages to the OpenAI wire shape. System
// messages stay in-stream.
func ProjectMessages(msgs []models.ChatMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Images) == 0 {
			out = append(out, Message{Role: string(m.Role), Content: m.Content})
			continue
		}

		parts := make([]ContentPart, 0, len(m.Images)+1)
		parts = append(parts, ContentPart{Type: "text", Text: m.Content})
		for _, img := range m.Images {
			parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: img.Data}})
		}
		out = append(out, Message{Role: string(m.Role), Content: parts})
	}
	return out
}

// BuildRequest merges the client's generation parameters with server policy.
func (p *Provider) BuildRequest(req models.ChatRequest) ChatRequest {
	params := provider.Params(req.Params)

	model := p.resolveModel(req.Model)

	temperature := p.defaultTemperature
	if t, ok := params.Number("temperature"); ok {
		temperature = t
	}
	temperature = p.unity.Apply(model, temperature)

	out := ChatRequest{
		Model:       model,
		Messages:    ProjectMessages(req.Messages),
		Temperature: temperature,
		Stream:      req.Stream,
		Params:      make(map[string]json.RawMessage),
	}
	for _, key := range passthroughFields {
		if v, ok := params.Raw(key); ok {
			out.Params[key] = v
		}
	}
	return out
}

func (p *Provider) resolveModel(requested string) string {
	if _, ok := p.allowedModels[requested]; ok {
		return requested
	}
	if requested != "" {
		slog.Debug("requested model not allowed, using default",
			"provider", p.name,
			"requested", requested,
			"model", p.defaultModel,
		)
		p.diag.ModelFallback(p.name)
	}
	return p.defaultModel
}
