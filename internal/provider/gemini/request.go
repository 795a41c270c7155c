package gemini

import (
	"encoding/json"
	"regexp"
	"strings"

	"chat-relay/internal/diagnostics"
	"chat-relay/internal/models"
	"chat-relay/internal/provider"
)

const (
	roleUser  = "user"
	roleModel = "model"
)

var dataURIPattern = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)

// numericGenerationFields maps recognized client fields to generationConfig keys.
// The first client field present wins for a given key.
var numericGenerationFields = []struct {
	client string
	key    string
}{
	{"temperature", "temperature"},
	{"top_p", "topP"},
	{"top_k", "topK"},
	{"max_output_tokens", "maxOutputTokens"},
	{"max_tokens", "maxOutputTokens"},
}

// Part is a text or inline-data element of Content.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inline_data,omitempty"`
}

// InlineData carries base64 image bytes.
type InlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Content is one turn of the conversation, or the system instruction when Role is empty.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// GenerateRequest is the upstream generateContent body.
type GenerateRequest struct {
	Contents          []Content                  `json:"contents"`
	SystemInstruction *Content                   `json:"systemInstruction,omitempty"`
	GenerationConfig  map[string]json.RawMessage `json:"generationConfig,omitempty"`
	Tools             json.RawMessage            `json:"tools,omitempty"`
	ToolConfig        json.RawMessage            `json:"toolConfig,omitempty"`
	SafetySettings    json.RawMessage            `json:"safetySettings,omitempty"`

	// model is addressed in the URL, not the body.
	model string
}

// Model returns the model the request is addressed to.
func (r GenerateRequest) Model() string {
	return r.model
}

// ProjectMessages splits system messages into a single instruction and maps the
// rest to Gemini contents. Images that are not base64 data URIs are skipped.
func ProjectMessages(msgs []models.ChatMessage, diag *diagnostics.Diagnostics) ([]Content, *Content) {
	var system []string
	contents := make([]Content, 0, len(msgs))

	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			system = append(system, m.Content)
			continue
		}

		role := roleUser
		if m.Role == models.RoleAssistant {
			role = roleModel
		}

		parts := make([]Part, 0, len(m.Images)+1)
		parts = append(parts, Part{Text: m.Content})
		for _, img := range m.Images {
			match := dataURIPattern.FindStringSubmatch(img.Data)
			if match == nil {
				diag.Dropped(diagnostics.DropImageDataURI)
				continue
			}
			parts = append(parts, Part{InlineData: &InlineData{MimeType: match[1], Data: match[2]}})
		}
		contents = append(contents, Content{Role: role, Parts: parts})
	}

	if len(system) == 0 {
		return contents, nil
	}
	return contents, &Content{Parts: []Part{{Text: strings.Join(system, "\n")}}}
}

// BuildRequest assembles the generateContent body. It never fails: malformed
// optional fields are dropped.
func (p *Provider) BuildRequest(req models.ChatRequest) GenerateRequest {
	params := provider.Params(req.Params)

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	contents, system := ProjectMessages(req.Messages, p.diag)
	out := GenerateRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig:  p.generationConfig(model, params),
		model:             model,
	}

	if v, ok := params.Array("tools"); ok {
		out.Tools = v
	} else {
		p.dropIfPresent(params, "tools")
	}
	if v, ok := params.FirstObject("toolConfig", "tool_config"); ok {
		out.ToolConfig = v
	} else {
		p.dropIfPresent(params, "toolConfig", "tool_config")
	}
	if v, ok := params.Array("safetySettings"); ok {
		out.SafetySettings = v
	} else {
		p.dropIfPresent(params, "safetySettings")
	}

	return out
}

func (p *Provider) generationConfig(model string, params provider.Params) map[string]json.RawMessage {
	var cfg map[string]json.RawMessage
	for _, field := range numericGenerationFields {
		if _, ok := params.Number(field.client); !ok {
			continue
		}
		if cfg == nil {
			cfg = make(map[string]json.RawMessage)
		}
		if _, exists := cfg[field.key]; !exists {
			cfg[field.key], _ = params.Raw(field.client)
		}
	}

	clientCfg := clientGenerationConfig(params)
	if cfg == nil {
		cfg = clientCfg
	}

	if requested, ok := effectiveTemperature(params, cfg, clientCfg); ok {
		if applied := p.unity.Apply(model, requested); applied != requested {
			if cfg == nil {
				cfg = make(map[string]json.RawMessage)
			}
			cfg["temperature"] = json.RawMessage("1")
		}
	}

	if v, ok := params.Object("responseSchema"); ok {
		if cfg == nil {
			cfg = make(map[string]json.RawMessage)
		}
		cfg["responseSchema"] = v
	} else {
		p.dropIfPresent(params, "responseSchema")
	}
	if _, ok := params.String("responseMimeType"); ok {
		if cfg == nil {
			cfg = make(map[string]json.RawMessage)
		}
		cfg["responseMimeType"], _ = params.Raw("responseMimeType")
	} else {
		p.dropIfPresent(params, "responseMimeType")
	}

	return cfg
}

func clientGenerationConfig(params provider.Params) map[string]json.RawMessage {
	raw, ok := params.FirstObject("generationConfig", "generation_config")
	if !ok {
		return nil
	}
	var cfg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &cfg); err != nil || len(cfg) == 0 {
		return nil
	}
	return cfg
}

// effectiveTemperature looks at the top-level field, then the chosen config,
// then the client's own generation config.
func effectiveTemperature(params provider.Params, chosen, client map[string]json.RawMessage) (float64, bool) {
	if t, ok := params.Number("temperature"); ok {
		return t, true
	}
	for _, cfg := range []map[string]json.RawMessage{chosen, client} {
		if t, ok := provider.Params(cfg).Number("temperature"); ok {
			return t, true
		}
	}
	return 0, false
}

func (p *Provider) dropIfPresent(params provider.Params, keys ...string) {
	for _, key := range keys {
		if _, ok := params[key]; ok {
			p.diag.Dropped(diagnostics.DropParam)
		}
	}
}
