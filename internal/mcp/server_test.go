package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gilberth/hass-mcp/internal/hass"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type serviceCall struct {
	domain, service string
	data            map[string]any
}

type fakeHass struct {
	mu       sync.Mutex
	entities []hass.Entity
	calls    []serviceCall
	err      error
}

func (f *fakeHass) Config(context.Context) (hass.InstanceConfig, error) {
	return hass.InstanceConfig{Version: "2026.10.1"}, f.err
}

func (f *fakeHass) States(context.Context) ([]hass.Entity, error) {
	return append([]hass.Entity(nil), f.entities...), f.err
}

func (f *fakeHass) EntityState(_ context.Context, id string) (hass.Entity, error) {
	if f.err != nil {
		return hass.Entity{}, f.err
	}
	for _, e := range f.entities {
		if e.EntityID == id {
			return e, nil
		}
	}
	return hass.Entity{}, &hass.APIError{Method: http.MethodGet, Path: "/api/states/" + id, StatusCode: http.StatusNotFound}
}

func (f *fakeHass) CallService(_ context.Context, domain, service string, data map[string]any) ([]hass.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, serviceCall{domain, service, data})
	return nil, f.err
}

func (f *fakeHass) ErrorLog(context.Context) (string, error) {
	return "log line\n", f.err
}

func newFakeHass() *fakeHass {
	return &fakeHass{entities: []hass.Entity{
		{EntityID: "switch.fan", State: "off", Attributes: map[string]any{"friendly_name": "Ceiling Fan"}},
		{EntityID: "light.kitchen", State: "on", Attributes: map[string]any{"friendly_name": "Kitchen", "brightness": 200.0}},
		{EntityID: "light.porch", State: "off", Attributes: map[string]any{"friendly_name": "Porch"}},
	}}
}

func newTestServer(t *testing.T, fake HomeAssistant, opts ...Option) *Server {
	t.Helper()
	s, err := New(fake, opts...)
	require.NoError(t, err)
	return s
}

type rpcResponse struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func post(t *testing.T, s *Server, body string) (*httptest.ResponseRecorder, rpcResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	var resp rpcResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec, resp
}

func callTool(t *testing.T, s *Server, name string, args any) (CallToolResult, rpcResponse) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      7,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	require.NoError(t, err)
	rec, resp := post(t, s, string(payload))
	require.Equal(t, http.StatusOK, rec.Code)

	var result CallToolResult
	if resp.Error == nil {
		require.NoError(t, json.Unmarshal(resp.Result, &result))
	}
	return result, resp
}

func TestNewRejectsNilClient(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestToolsHaveObjectSchemas(t *testing.T) {
	s := newTestServer(t, newFakeHass())

	var names []string
	for _, tool := range s.Tools() {
		names = append(names, tool.Name)
		data, err := json.Marshal(tool.InputSchema)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"type":"object"`, tool.Name)
	}
	assert.Equal(t, []string{"get_version", "get_entity", "list_entities", "entity_action", "call_service", "get_error_log"}, names)
}

func TestHTTPInitialize(t *testing.T) {
	s := newTestServer(t, newFakeHass(), WithVersion("1.2.3"))

	rec, resp := post(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, resp.Error)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var result struct {
		ProtocolVersion string            `json:"protocolVersion"`
		ServerInfo      map[string]string `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
	assert.Equal(t, ServerName, result.ServerInfo["name"])
	assert.Equal(t, "1.2.3", result.ServerInfo["version"])
}

func TestHTTPInitializeUnknownProtocolVersion(t *testing.T) {
	s := newTestServer(t, newFakeHass())

	_, resp := post(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), ProtocolVersion)
}

func TestHTTPNotificationIsAccepted(t *testing.T) {
	s := newTestServer(t, newFakeHass())

	rec, _ := post(t, s, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestHTTPErrors(t *testing.T) {
	s := newTestServer(t, newFakeHass())

	rec, resp := post(t, s, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	assert.EqualValues(t, -32700, resp.Error.Code)
	assert.Nil(t, resp.ID)

	rec, resp = post(t, s, `{"jsonrpc":"2.0","id":2,"method":"resources/list"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, resp.Error)
	assert.EqualValues(t, -32601, resp.Error.Code)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestHTTPAfterShutdown(t *testing.T) {
	s := newTestServer(t, newFakeHass())
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestToolGetVersion(t *testing.T) {
	s := newTestServer(t, newFakeHass())

	result, resp := callTool(t, s, "get_version", map[string]any{})
	require.Nil(t, resp.Error)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Equal(t, "2026.10.1", result.Content[0].Text)
}

func TestToolGetEntityFields(t *testing.T) {
	s := newTestServer(t, newFakeHass())

	result, resp := callTool(t, s, "get_entity", map[string]any{"entity_id": "light.kitchen", "fields": []string{"brightness"}})
	require.Nil(t, resp.Error)
	require.False(t, result.IsError)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &got))
	assert.Equal(t, "on", got["state"])
	assert.Equal(t, map[string]any{"brightness": 200.0}, got["attributes"])
}

func TestToolListEntities(t *testing.T) {
	s := newTestServer(t, newFakeHass())

	tests := []struct {
		name string
		args map[string]any
		want []string
	}{
		{name: "all sorted", args: map[string]any{}, want: []string{"light.kitchen", "light.porch", "switch.fan"}},
		{name: "domain", args: map[string]any{"domain": "light"}, want: []string{"light.kitchen", "light.porch"}},
		{name: "search by name", args: map[string]any{"search": "ceiling"}, want: []string{"switch.fan"}},
		{name: "limit", args: map[string]any{"limit": 1}, want: []string{"light.kitchen"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, resp := callTool(t, s, "list_entities", tt.args)
			require.Nil(t, resp.Error)

			var rows []entitySummary
			require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &rows))
			var ids []string
			for _, r := range rows {
				ids = append(ids, r.EntityID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestToolEntityAction(t *testing.T) {
	fake := newFakeHass()
	s := newTestServer(t, fake)

	result, resp := callTool(t, s, "entity_action", map[string]any{
		"entity_id": "light.kitchen",
		"action":    "on",
		"params":    map[string]any{"brightness": 128},
	})
	require.Nil(t, resp.Error)
	require.False(t, result.IsError, result.Content)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, "light", fake.calls[0].domain)
	assert.Equal(t, "turn_on", fake.calls[0].service)
	assert.Equal(t, "light.kitchen", fake.calls[0].data["entity_id"])
	assert.EqualValues(t, 128, fake.calls[0].data["brightness"])
}

func TestToolArgumentValidation(t *testing.T) {
	s := newTestServer(t, newFakeHass())

	_, resp := callTool(t, s, "get_entity", map[string]any{})
	require.NotNil(t, resp.Error)
	assert.EqualValues(t, -32602, resp.Error.Code)

	_, resp = callTool(t, s, "entity_action", map[string]any{"entity_id": "light.kitchen", "action": "dim"})
	require.NotNil(t, resp.Error)
	assert.EqualValues(t, -32602, resp.Error.Code)

	_, resp = callTool(t, s, "no_such_tool", map[string]any{})
	require.NotNil(t, resp.Error)
	assert.EqualValues(t, -32602, resp.Error.Code)
}

func TestToolFailureIsReportedInResult(t *testing.T) {
	fake := newFakeHass()
	fake.err = errors.New("connection refused")
	s := newTestServer(t, fake)

	result, resp := callTool(t, s, "get_error_log", map[string]any{})
	require.Nil(t, resp.Error)
	assert.True(t, result.IsError)
	assert.Equal(t, "connection refused", result.Content[0].Text)
}

func TestRunStdioUntilEOF(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		``,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`this is not json`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get_version","arguments":{}}}`,
	}, "\n") + "\n")
	var out bytes.Buffer
	s := newTestServer(t, newFakeHass(), WithStdio(in, &out))

	require.NoError(t, s.RunStdio(context.Background()))

	var responses []rpcResponse
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp rpcResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	require.Len(t, responses, 2)
	assert.EqualValues(t, 1, responses[0].ID)
	assert.Contains(t, string(responses[0].Result), ServerName)
	assert.EqualValues(t, 2, responses[1].ID)
	assert.Contains(t, string(responses[1].Result), "2026.10.1")
}

func TestRunStdioStopsOnCancel(t *testing.T) {
	inR, inW := io.Pipe()
	defer inW.Close()
	s := newTestServer(t, newFakeHass(), WithStdio(inR, io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunStdio(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunStdio did not return after cancel")
	}
}
