package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-sessions/pkg/platform"
	"github.com/txn2/mcp-sessions/pkg/protocol"
)

const (
	sessionHeader  = "Mcp-Session-Id"
	versionHeader  = "Mcp-Protocol-Version"
	acceptBoth     = "application/json, text/event-stream"
	initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"%s",` +
		`"capabilities":{},"clientInfo":{"name":"test-client","version":"0.0.1"}}}`
)

func TestVersion(t *testing.T) {
	// Version should be set to "dev" by default
	if Version != "dev" {
		t.Errorf("expected Version 'dev', got %q", Version)
	}
}

func TestNewWithDefaults(t *testing.T) {
	s, p, err := NewWithDefaults(context.Background(), platform.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	assert.NotNil(t, s)
	assert.Same(t, s, p.MCPServer())
	assert.Equal(t, "memory", p.Store().Backend())
	assert.Equal(t, Version, p.Config().Server.Version)
}

func TestNew_KeepsConfiguredVersion(t *testing.T) {
	cfg := platform.DefaultConfig()
	cfg.Server.Version = "9.9.9"

	_, p, err := New(context.Background(), cfg, platform.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	assert.Equal(t, "9.9.9", p.Info().Version)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := platform.DefaultConfig()
	cfg.Storage.Backend = "redis"

	_, _, err := New(context.Background(), cfg, platform.WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating platform")
}

func TestNewWithConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  name: from-file\n"), 0o600))

	_, p, err := NewWithConfig(context.Background(), path, platform.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	assert.Equal(t, "from-file", p.Config().Server.Name)

	_, _, err = NewWithConfig(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

// testServer starts the full HTTP surface over an in-memory platform.
func testServer(t *testing.T) (*httptest.Server, *platform.Platform) {
	t.Helper()
	reg := prometheus.NewRegistry()
	_, p, err := NewWithDefaults(context.Background(), platform.WithRegisterer(reg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	srv := httptest.NewServer(NewHandler(p, reg))
	t.Cleanup(srv.Close)
	return srv, p
}

func postMCP(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url+MCPPath, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", acceptBoth)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// rpcResult decodes the JSON-RPC result from a JSON or SSE framed response.
func rpcResult(t *testing.T, resp *http.Response) json.RawMessage {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload := readPayload(t, resp)
	var msg struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(payload, &msg))
	require.Nil(t, msg.Error)
	return msg.Result
}

func readPayload(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return b
	}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			return []byte(data)
		}
	}
	require.NoError(t, scanner.Err())
	t.Fatal("no data line in event stream")
	return nil
}

func initialize(t *testing.T, url, version string) string {
	t.Helper()
	resp := postMCP(t, url, strings.Replace(initializeBody, "%s", version, 1), nil)
	result := rpcResult(t, resp)

	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	require.NoError(t, json.Unmarshal(result, &init))
	assert.Equal(t, version, init.ProtocolVersion)

	id := resp.Header.Get(sessionHeader)
	require.NotEmpty(t, id)
	return id
}

func TestHandler_InitializeRecordsVersion(t *testing.T) {
	srv, p := testServer(t)

	id := initialize(t, srv.URL, protocol.Version20250618)

	v, err := p.Manager().ProtocolVersion(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, protocol.Version20250618, v)
}

func TestHandler_InitializeUnsupportedVersion(t *testing.T) {
	srv, _ := testServer(t)

	resp := postMCP(t, srv.URL, strings.Replace(initializeBody, "%s", "1999-01-01", 1), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(sessionHeader))
}

func TestHandler_ToolCallUsesSharedState(t *testing.T) {
	srv, p := testServer(t)
	id := initialize(t, srv.URL, protocol.Version20250618)
	headers := map[string]string{sessionHeader: id, versionHeader: protocol.Version20250618}

	call := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"session_set_state",` +
		`"arguments":{"session_id":"` + id + `","key":"step","value":{"n":3}}}}`
	result := rpcResult(t, postMCP(t, srv.URL, call, headers))

	var out struct {
		IsError bool `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.False(t, out.IsError)

	raw, err := p.Manager().GetState(context.Background(), id, "step")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, string(raw))
}

func TestHandler_UnknownSession(t *testing.T) {
	srv, _ := testServer(t)

	resp := postMCP(t, srv.URL, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{sessionHeader: "does-not-exist"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_VersionMismatch(t *testing.T) {
	srv, _ := testServer(t)
	id := initialize(t, srv.URL, protocol.Version20250618)

	resp := postMCP(t, srv.URL, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{sessionHeader: id, versionHeader: protocol.Version20241105})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_DeleteClosesSession(t *testing.T) {
	srv, p := testServer(t)
	id := initialize(t, srv.URL, protocol.Version20250618)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodDelete, srv.URL+MCPPath, http.NoBody)
	require.NoError(t, err)
	req.Header.Set(sessionHeader, id)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	_, err = p.Manager().Session(context.Background(), id)
	assert.Error(t, err)
}

func TestHandler_Replay(t *testing.T) {
	srv, p := testServer(t)
	ctx := context.Background()
	id, err := p.Manager().OpenSession(ctx, 0)
	require.NoError(t, err)
	for _, key := range []string{"a", "b", "c"} {
		_, err := p.Manager().AppendEvent(ctx, id, key, map[string]string{"key": key})
		require.NoError(t, err)
	}

	resp, err := http.Get(srv.URL + "/sessions/" + id + "/events?since=1") //nolint:noctx // test
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "id: 1\n")
	assert.Contains(t, string(body), "id: 2\n")
	assert.Contains(t, string(body), "id: 3\n")
	assert.Contains(t, string(body), `{"key":"c"}`)
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	srv, p := testServer(t)

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path) //nolint:noctx // test
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(b)
	}

	code, _ := get(LivenessPath)
	assert.Equal(t, http.StatusOK, code)

	code, _ = get(ReadinessPath)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	require.NoError(t, p.Start(context.Background()))
	code, _ = get(ReadinessPath)
	assert.Equal(t, http.StatusOK, code)

	initialize(t, srv.URL, protocol.Version20250326)
	code, body := get(MetricsPath)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `mcp_sessions_sessions_opened_total{backend="memory"} 1`)
}
