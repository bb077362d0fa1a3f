package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		cfgFile, apiAddr = "", ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradestate.yaml")

	out, err := run(t, "config", "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Created default configuration")

	out, err = run(t, "config", "validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")
	assert.Contains(t, out, "Store: sqlite")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}

func TestCloseReportsFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/close", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "loss", req["target"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"requested": 2, "succeeded": 1, "failed": 1,
			"closed": []string{"P1"},
			"errors": map[string]string{"P2": "status 500: boom"},
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := run(t, "close", "loss", "--api", ts.URL)
	require.Error(t, err)
	assert.Contains(t, out, "requested 2, closed 1, failed 1")
	assert.Contains(t, out, "P2: status 500: boom")
}

func TestLockStatusFromAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/lock", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"active":false,"remaining":0}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := run(t, "lock", "status", "--api", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "trading lock: inactive")
}

func TestAPIBase(t *testing.T) {
	apiAddr = ""
	assert.Equal(t, "http://localhost:8080", apiBase(":8080"))
	apiAddr = "https://core.example:9000/"
	assert.Equal(t, "https://core.example:9000", apiBase(":8080"))
	apiAddr = ""
}
