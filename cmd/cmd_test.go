package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteUnknownCommand(t *testing.T) {
	err := Execute(context.Background(), []string{"deploy"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "deploy"`)
}

func TestUsageListsServeFlags(t *testing.T) {
	for _, want := range []string{"--config <path>", "--port <port>", "POST /api/openai", "POST /api/gemini", "GET /health"} {
		assert.Contains(t, usage, want)
	}
}

func TestServeRejectsBadPort(t *testing.T) {
	err := Execute(context.Background(), []string{"serve", "--port", "70000"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a valid TCP port")
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600))
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
