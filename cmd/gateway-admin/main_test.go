package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivamagw06-dev/AGIB-sub000/pkg/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return out.String(), err
}

func TestCheck_RedactsSecrets(t *testing.T) {
	path := writeConfig(t, `
upstream:
  base_url: https://stock.example.com
  api_key: upstream-secret
llm:
  api_key: llm-secret
`)

	out, err := run(t, "check", "--config", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "upstream-secret")
	assert.NotContains(t, out, "llm-secret")
	assert.Contains(t, out, redactedValue)
	assert.Contains(t, out, "config OK")
}

func TestCheck_ReportsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
upstream:
  base_url: not-a-url
`)

	out, err := run(t, "check", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.base_url")
	assert.NotContains(t, out, "config OK")
}

func TestGet_PrintsRelayedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stock", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error":"Invalid API key"}`))
	}))
	defer srv.Close()

	path := writeConfig(t, "upstream:\n  base_url: "+srv.URL+"\n  api_key: k\n")

	out, err := run(t, "get", "/stock?name=TCS", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "status: 502")
	assert.Contains(t, out, "ok: false")
	assert.Contains(t, out, "upstream_error")
}

func TestDeals_WithoutModelPrintsEmptyList(t *testing.T) {
	path := writeConfig(t, "upstream:\n  base_url: https://stock.example.com\n")

	out, err := run(t, "deals", "--config", path, "--region", "India")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestRedacted_LeavesOriginalUntouched(t *testing.T) {
	cfg := &config.Config{Upstream: config.UpstreamConfig{APIKey: "a"}, Redis: config.RedisConfig{Password: "p"}}
	r := redacted(cfg)
	assert.Equal(t, redactedValue, r.Upstream.APIKey)
	assert.Equal(t, redactedValue, r.Redis.Password)
	assert.Empty(t, r.LLM.APIKey)
	assert.Equal(t, "a", cfg.Upstream.APIKey)
}
