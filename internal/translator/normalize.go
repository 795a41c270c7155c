package translator

import (
	"bytes"
	"encoding/json"
	"strings"

	"chat-relay/internal/diagnostics"
	"chat-relay/internal/models"
)

// Normalizer converts client payloads into canonical chat messages.
type Normalizer struct {
	// DefaultSystemPrompt is used for the free-text path when a prompt prefix
	// is supplied without an explicit system prompt.
	DefaultSystemPrompt string
	Diag                *diagnostics.Diagnostics
}

// Normalize returns the ordered, non-empty message list carried by p, or
// ErrNoMessages. A malformed entry drops only itself.
func (n *Normalizer) Normalize(p *Payload) ([]models.ChatMessage, error) {
	if p.HasMessages() {
		msgs := make([]models.ChatMessage, 0, len(p.Messages))
		for _, raw := range p.Messages {
			if msg, ok := n.normalizeMessage(raw); ok {
				msgs = append(msgs, msg)
			}
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
	}

	if msgs := n.fromInputText(p); len(msgs) > 0 {
		return msgs, nil
	}
	return nil, ErrNoMessages
}

// ToRequest normalizes p and assembles the canonical request handed to providers.
func (n *Normalizer) ToRequest(p *Payload) (models.ChatRequest, error) {
	msgs, err := n.Normalize(p)
	if err != nil {
		return models.ChatRequest{}, err
	}
	return models.ChatRequest{
		Messages: msgs,
		Model:    p.Model,
		Stream:   p.Stream,
		Params:   p.Extra,
	}, nil
}

func (n *Normalizer) fromInputText(p *Payload) []models.ChatMessage {
	input := strings.TrimSpace(p.InputText)
	if input == "" {
		return nil
	}

	prefix := strings.TrimSpace(p.PromptContent)
	system := strings.TrimSpace(p.SystemPrompt)

	var msgs []models.ChatMessage
	switch {
	case system != "":
		msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: system})
	case prefix != "" && strings.TrimSpace(n.DefaultSystemPrompt) != "":
		msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: strings.TrimSpace(n.DefaultSystemPrompt)})
	}

	content := input
	if prefix != "" {
		content = prefix + "\n\n" + input
	}
	return append(msgs, models.ChatMessage{Role: models.RoleUser, Content: content})
}

type rawMessage struct {
	Role    json.RawMessage `json:"role"`
	Content json.RawMessage `json:"content"`
	Images  json.RawMessage `json:"images"`
}

func (n *Normalizer) normalizeMessage(raw json.RawMessage) (models.ChatMessage, bool) {
	var rm rawMessage
	if err := json.Unmarshal(raw, &rm); err != nil {
		n.Diag.Dropped(diagnostics.DropMessageShape)
		return models.ChatMessage{}, false
	}

	var role string
	if err := json.Unmarshal(rm.Role, &role); err != nil || !models.Role(role).Valid() {
		n.Diag.Dropped(diagnostics.DropMessageRole)
		return models.ChatMessage{}, false
	}

	content, ok := extractContent(rm.Content)
	if !ok {
		n.Diag.Dropped(diagnostics.DropMessageShape)
		return models.ChatMessage{}, false
	}
	content = strings.TrimSpace(content)
	if content == "" {
		n.Diag.Dropped(diagnostics.DropMessageContent)
		return models.ChatMessage{}, false
	}

	return models.ChatMessage{
		Role:    models.Role(role),
		Content: content,
		Images:  n.extractImages(rm.Images),
	}, true
}

// extractContent accepts a string, an array of {text} parts joined by a space,
// or a single {text} object.
func extractContent(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}

	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", false
		}
		return text, true
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil {
			return "", false
		}
		texts := make([]string, 0, len(parts))
		for _, part := range parts {
			if text, ok := textField(part); ok {
				texts = append(texts, text)
			}
		}
		return strings.Join(texts, " "), true
	case '{':
		return textField(raw)
	}
	return "", false
}

func textField(raw json.RawMessage) (string, bool) {
	var part struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(raw, &part); err != nil || part.Text == nil {
		return "", false
	}
	return *part.Text, true
}

func (n *Normalizer) extractImages(raw json.RawMessage) []models.Image {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		n.Diag.Dropped(diagnostics.DropImageEntry)
		return nil
	}

	var images []models.Image
	for _, entry := range entries {
		var img struct {
			Data     *string         `json:"data"`
			MimeType json.RawMessage `json:"mimeType"`
		}
		if err := json.Unmarshal(entry, &img); err != nil || img.Data == nil {
			n.Diag.Dropped(diagnostics.DropImageEntry)
			continue
		}
		images = append(images, models.Image{
			Data:     *img.Data,
			MimeType: decodeString(img.MimeType),
		})
	}
	return images
}
