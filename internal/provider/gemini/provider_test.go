package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"chat-relay/internal/config"
	"chat-relay/internal/diagnostics"
	"chat-relay/internal/models"
	"chat-relay/internal/provider"
)

func testConfig(baseURL string) config.GeminiConfig {
	return config.GeminiConfig{
		ProviderConfig: config.ProviderConfig{
			APIKey:                  "g-key",
			BaseURL:                 baseURL,
			DefaultModel:            "gemini-2.0-flash",
			UnityTemperatureMarkers: []string{"flash"},
		},
	}
}

func newTestProvider(t *testing.T, cfg config.GeminiConfig, diag *diagnostics.Diagnostics) *Provider {
	t.Helper()
	p, err := New("gemini", cfg, http.DefaultClient, diag)
	require.NoError(t, err)
	return p
}

func rawParams(t *testing.T, doc string) map[string]json.RawMessage {
	t.Helper()
	var params map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(doc), &params))
	return params
}

func buildJSON(t *testing.T, p *Provider, req models.ChatRequest) string {
	t.Helper()
	encoded, err := json.Marshal(p.BuildRequest(req))
	require.NoError(t, err)
	return string(encoded)
}

func TestProjectMessagesExtractsSystem(t *testing.T) {
	contents, system := ProjectMessages([]models.ChatMessage{
		{Role: models.RoleSystem, Content: "Be terse."},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleSystem, Content: "Answer in French."},
		{Role: models.RoleAssistant, Content: "bonjour"},
	}, diagnostics.Nop())

	require.NotNil(t, system)
	assert.Equal(t, "Be terse.\nAnswer in French.", system.Parts[0].Text)
	assert.Empty(t, system.Role)

	assert.Equal(t, []Content{
		{Role: "user", Parts: []Part{{Text: "hi"}}},
		{Role: "model", Parts: []Part{{Text: "bonjour"}}},
	}, contents)
}

func TestProjectMessagesInlineData(t *testing.T) {
	reg := prometheus.NewRegistry()
	contents, system := ProjectMessages([]models.ChatMessage{
		{Role: models.RoleUser, Content: "compare", Images: []models.Image{
			{Data: "data:image/png;base64,iVBORw0KGgo="},
			{Data: "iVBORw0KGgo=", MimeType: "image/png"},
			{Data: "data:image/webp;base64,UklGRg=="},
		}},
	}, diagnostics.New(reg))

	assert.Nil(t, system)
	require.Len(t, contents, 1)
	assert.Equal(t, []Part{
		{Text: "compare"},
		{InlineData: &InlineData{MimeType: "image/png", Data: "iVBORw0KGgo="}},
		{InlineData: &InlineData{MimeType: "image/webp", Data: "UklGRg=="}},
	}, contents[0].Parts)

	expected := `
# HELP chat_relay_dropped_total Client payload elements dropped during normalization, by kind.
# TYPE chat_relay_dropped_total counter
chat_relay_dropped_total{kind="image_data_uri"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "chat_relay_dropped_total"))
}

func TestBuildRequestGenerationConfig(t *testing.T) {
	msgs := []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}

	cases := []struct {
		name   string
		model  string
		params string
		want   string
	}{
		{
			name:   "recognized numeric fields",
			model:  "gemini-1.5-pro",
			params: `{"temperature": 0.4, "top_p": 0.8, "top_k": 40, "max_tokens": 256}`,
			want:   `{"temperature": 0.4, "topP": 0.8, "topK": 40, "maxOutputTokens": 256}`,
		},
		{
			name:   "max_output_tokens wins over max_tokens",
			model:  "gemini-1.5-pro",
			params: `{"max_output_tokens": 100, "max_tokens": 256}`,
			want:   `{"maxOutputTokens": 100}`,
		},
		{
			name:   "raw client config when no numeric fields",
			model:  "gemini-1.5-pro",
			params: `{"generation_config": {"candidateCount": 1, "stopSequences": ["END"]}}`,
			want:   `{"candidateCount": 1, "stopSequences": ["END"]}`,
		},
		{
			name:   "numeric fields win over raw client config",
			model:  "gemini-1.5-pro",
			params: `{"top_k": 5, "generationConfig": {"candidateCount": 2}}`,
			want:   `{"topK": 5}`,
		},
		{
			name:   "unity family forces top-level temperature",
			model:  "gemini-2.0-flash",
			params: `{"temperature": 0.2, "top_p": 0.5}`,
			want:   `{"temperature": 1, "topP": 0.5}`,
		},
		{
			name:   "unity family forces raw client temperature",
			model:  "gemini-2.0-flash-lite",
			params: `{"generationConfig": {"temperature": 0.1, "candidateCount": 1}}`,
			want:   `{"temperature": 1, "candidateCount": 1}`,
		},
		{
			name:   "unity family forces temperature found only in raw config",
			model:  "gemini-2.0-flash",
			params: `{"top_k": 3, "generationConfig": {"temperature": 0.7}}`,
			want:   `{"topK": 3, "temperature": 1}`,
		},
		{
			name:   "response schema placed in generation config",
			model:  "gemini-1.5-pro",
			params: `{"responseSchema": {"type": "OBJECT"}, "responseMimeType": "application/json"}`,
			want:   `{"responseSchema": {"type": "OBJECT"}, "responseMimeType": "application/json"}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestProvider(t, testConfig("http://unused"), diagnostics.Nop())
			body := p.BuildRequest(models.ChatRequest{Model: tc.model, Messages: msgs, Params: rawParams(t, tc.params)})

			encoded, err := json.Marshal(body.GenerationConfig)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(encoded))
		})
	}
}

func TestBuildRequestOmitsEmptyGenerationConfig(t *testing.T) {
	p := newTestProvider(t, testConfig("http://unused"), diagnostics.Nop())

	got := buildJSON(t, p, models.ChatRequest{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
		Params:   rawParams(t, `{"temperature": "warm", "generationConfig": [], "foo": 1}`),
	})
	assert.JSONEq(t, `{"contents": [{"role": "user", "parts": [{"text": "hi"}]}]}`, got)
}

func TestBuildRequestPassthrough(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := newTestProvider(t, testConfig("http://unused"), diagnostics.New(reg))

	got := buildJSON(t, p, models.ChatRequest{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
		Params: rawParams(t, `{
			"tools": [{"functionDeclarations": []}],
			"tool_config": {"functionCallingConfig": {"mode": "AUTO"}},
			"safetySettings": {"category": "not-an-array"},
			"responseMimeType": 7
		}`),
	})
	assert.JSONEq(t, `{
		"contents": [{"role": "user", "parts": [{"text": "hi"}]}],
		"tools": [{"functionDeclarations": []}],
		"toolConfig": {"functionCallingConfig": {"mode": "AUTO"}}
	}`, got)

	expected := `
# HELP chat_relay_dropped_total Client payload elements dropped during normalization, by kind.
# TYPE chat_relay_dropped_total counter
chat_relay_dropped_total{kind="param"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "chat_relay_dropped_total"))
}

func TestBuildRequestModelDefaulting(t *testing.T) {
	p := newTestProvider(t, testConfig("http://unused"), diagnostics.Nop())
	msgs := []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}

	assert.Equal(t, "gemini-2.0-flash", p.BuildRequest(models.ChatRequest{Messages: msgs}).Model())
	assert.Equal(t, "gemini-exp-1206", p.BuildRequest(models.ChatRequest{Model: "gemini-exp-1206", Messages: msgs}).Model())
}

func TestCompleteJoinsCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))
		assert.Empty(t, r.URL.Query().Get("alt"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "systemInstruction")

		_, _ = io.WriteString(w, `{"candidates":[
			{"content":{"parts":[{"text":" First"},{"text":"second"}]}},
			{"content":{"parts":[{"functionCall":{"name":"f"}},{"text":"third "}]}}
		]}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, testConfig(srv.URL+"/v1beta"), diagnostics.Nop())
	resp, err := p.Complete(context.Background(), models.ChatRequest{
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: "sys"},
			{Role: models.RoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Message)
	assert.Equal(t, "First\nsecond\nthird", *resp.Message)
}

func TestExtractMessageEmpty(t *testing.T) {
	assert.Nil(t, ExtractMessage([]byte(`{"candidates":[]}`)))
	assert.Nil(t, ExtractMessage([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`)))
	assert.Nil(t, ExtractMessage([]byte(`{"candidates":[{"content":{"parts":[{"text":"  "}]}}]}`)))
}

func TestCompleteMapsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"API key not valid.","status":"INVALID_ARGUMENT"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, testConfig(srv.URL), diagnostics.Nop())
	_, err := p.Complete(context.Background(), models.ChatRequest{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	})

	var upstreamErr *provider.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusBadRequest, upstreamErr.Status)
	assert.Equal(t, "API key not valid.", upstreamErr.Message)
}

func TestTransportErrorHidesKey(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	p := newTestProvider(t, testConfig(baseURL), diagnostics.Nop())
	_, err := p.Complete(context.Background(), models.ChatRequest{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	})

	var upstreamErr *provider.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusBadGateway, upstreamErr.Status)
	assert.NotContains(t, upstreamErr.Error(), "g-key")
}

func TestStreamDecodesCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.0-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"Bon"}]}}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"jour"},{"text":"!"}]}}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":""}]},"finishReason":"STOP"}],"usageMetadata":{}}`,
		} {
			fmt.Fprintf(w, "data: %s\r\n\r\n", chunk)
		}
	}))
	defer srv.Close()

	p := newTestProvider(t, testConfig(srv.URL), diagnostics.Nop())
	stream, err := p.Stream(context.Background(), models.ChatRequest{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
		Stream:   true,
	})
	require.NoError(t, err)
	defer stream.Close()

	var events []models.StreamEvent
	for {
		evt, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		events = append(events, evt)
	}
	assert.Equal(t, []models.StreamEvent{
		models.TextDelta("Bon"),
		models.TextDelta("jour"),
		models.TextDelta("!"),
		models.Finish("STOP"),
	}, events)
}

func TestPropertySystemExtraction(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		msgs := rapid.SliceOfN(rapid.Custom(func(rt *rapid.T) models.ChatMessage {
			return models.ChatMessage{
				Role:    rapid.SampledFrom([]models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant}).Draw(rt, "role"),
				Content: rapid.StringMatching(`[a-z]{1,12}`).Draw(rt, "content"),
			}
		}), 1, 10).Draw(rt, "messages")

		contents, system := ProjectMessages(msgs, diagnostics.Nop())

		var wantSystem []string
		var wantContents []Content
		for _, m := range msgs {
			switch m.Role {
			case models.RoleSystem:
				wantSystem = append(wantSystem, m.Content)
			case models.RoleAssistant:
				wantContents = append(wantContents, Content{Role: "model", Parts: []Part{{Text: m.Content}}})
			default:
				wantContents = append(wantContents, Content{Role: "user", Parts: []Part{{Text: m.Content}}})
			}
		}

		if len(wantSystem) == 0 {
			assert.Nil(rt, system)
		} else {
			require.NotNil(rt, system)
			assert.Equal(rt, strings.Join(wantSystem, "\n"), system.Parts[0].Text)
		}
		require.Len(rt, contents, len(wantContents))
		for i := range wantContents {
			assert.Equal(rt, wantContents[i], contents[i])
		}
	})
}

func TestPropertyUnityTemperature(t *testing.T) {
	p := newTestProvider(t, testConfig("http://unused"), diagnostics.Nop())

	rapid.Check(t, func(rt *rapid.T) {
		model := rapid.SampledFrom([]string{"gemini-2.0-flash", "gemini-1.5-FLASH-8b", "gemini-1.5-pro"}).Draw(rt, "model")
		temp := rapid.Float64Range(0, 2).Draw(rt, "temperature")

		body := p.BuildRequest(models.ChatRequest{
			Model:    model,
			Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
			Params:   map[string]json.RawMessage{"temperature": json.RawMessage(fmt.Sprint(temp))},
		})

		got, ok := provider.Params(body.GenerationConfig).Number("temperature")
		require.True(rt, ok)
		if strings.Contains(strings.ToLower(model), "flash") {
			assert.Equal(rt, 1.0, got)
		} else {
			assert.InDelta(rt, temp, got, 1e-9)
		}
	})
}

func TestPropertyBuildRequestDeterministic(t *testing.T) {
	p := newTestProvider(t, testConfig("http://unused"), diagnostics.Nop())

	rapid.Check(t, func(rt *rapid.T) {
		cfg := map[string]int{}
		for _, key := range rapid.SliceOfDistinct(rapid.StringMatching(`[a-zA-Z]{1,8}`), rapid.ID[string]).Draw(rt, "keys") {
			cfg[key] = rapid.IntRange(0, 9).Draw(rt, key)
		}
		rawCfg, err := json.Marshal(cfg)
		require.NoError(rt, err)

		req := models.ChatRequest{
			Model:    rapid.SampledFrom([]string{"", "gemini-1.5-pro", "gemini-2.0-flash"}).Draw(rt, "model"),
			Messages: []models.ChatMessage{{Role: models.RoleSystem, Content: "s"}, {Role: models.RoleUser, Content: "u"}},
			Params:   map[string]json.RawMessage{"generationConfig": rawCfg},
		}

		first, err := json.Marshal(p.BuildRequest(req))
		require.NoError(rt, err)
		second, err := json.Marshal(p.BuildRequest(req))
		require.NoError(rt, err)
		assert.Equal(rt, string(first), string(second))
	})
}
