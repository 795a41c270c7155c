package provider

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamError(t *testing.T) {
	cases := []struct {
		name        string
		chunk       string
		wantStatus  int
		wantMessage string
	}{
		{name: "no error field", chunk: `{"choices":[]}`},
		{name: "null error", chunk: `{"error":null,"choices":[{"delta":{"content":"hi"}}]}`},
		{name: "false error", chunk: `{"error":false}`},
		{name: "blank string error", chunk: `{"error":"  "}`},
		{
			name:        "object with code",
			chunk:       `{"error":{"message":"overloaded","code":503}}`,
			wantStatus:  http.StatusServiceUnavailable,
			wantMessage: "overloaded",
		},
		{
			name:        "object with non-http code",
			chunk:       `{"error":{"message":"bad","code":"invalid_request"}}`,
			wantStatus:  http.StatusBadGateway,
			wantMessage: "bad",
		},
		{
			name:        "string error",
			chunk:       `{"error":"boom"}`,
			wantStatus:  http.StatusBadGateway,
			wantMessage: "boom",
		},
		{
			name:        "empty object",
			chunk:       `{"error":{}}`,
			wantStatus:  http.StatusBadGateway,
			wantMessage: "Bad Gateway",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := StreamError("openai", []byte(tc.chunk))
			if tc.wantStatus == 0 {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, "openai", got.Provider)
			assert.Equal(t, tc.wantStatus, got.Status)
			assert.Equal(t, tc.wantMessage, got.Message)
			assert.JSONEq(t, tc.chunk, string(got.Body))
		})
	}
}

func TestExtractErrorMessage(t *testing.T) {
	assert.Equal(t, "quota", ExtractErrorMessage([]byte(`{"error":{"message":" quota "}}`)))
	assert.Equal(t, "denied", ExtractErrorMessage([]byte(`[{"error":{"message":"denied"}}]`)))
	assert.Equal(t, "", ExtractErrorMessage([]byte(`not json`)))
}
