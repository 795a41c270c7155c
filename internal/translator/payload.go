package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPayload reports a body that is not a JSON object.
	ErrInvalidPayload = errors.New("invalid JSON payload")
	// ErrNoMessages reports a payload that carries no usable messages.
	ErrNoMessages = errors.New("no usable messages")
)

const (
	fieldMessages      = "messages"
	fieldInputText     = "inputText"
	fieldPromptContent = "promptContent"
	fieldSystemPrompt  = "systemPrompt"
	fieldModel         = "model"
	fieldStream        = "stream"
)

// Payload is the inbound request body, validated once at the boundary.
// Recognized fields are typed; everything else is preserved verbatim in Extra.
type Payload struct {
	// Messages is nil when the body had no messages array.
	Messages      []json.RawMessage
	InputText     string
	PromptContent string
	SystemPrompt  string
	Model         string
	Stream        bool
	Extra         map[string]json.RawMessage
}

// HasMessages reports whether the body carried a messages array, even an empty one.
func (p *Payload) HasMessages() bool {
	return p.Messages != nil
}

// ParsePayload decodes a request body. Recognized fields with the wrong JSON type
// are treated as absent rather than failing the request.
func ParsePayload(data []byte) (*Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrInvalidPayload)
	}

	p := &Payload{Extra: make(map[string]json.RawMessage, len(fields))}
	for key, raw := range fields {
		switch key {
		case fieldMessages:
			var msgs []json.RawMessage
			if err := json.Unmarshal(raw, &msgs); err == nil && msgs != nil {
				p.Messages = msgs
			}
		case fieldInputText:
			p.InputText = decodeString(raw)
		case fieldPromptContent:
			p.PromptContent = decodeString(raw)
		case fieldSystemPrompt:
			p.SystemPrompt = decodeString(raw)
		case fieldModel:
			p.Model = strings.TrimSpace(decodeString(raw))
		case fieldStream:
			var stream bool
			if err := json.Unmarshal(raw, &stream); err == nil {
				p.Stream = stream
			}
		default:
			p.Extra[key] = raw
		}
	}
	return p, nil
}

func decodeString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
