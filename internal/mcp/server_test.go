// ABOUTME: Tests for the MCP HTTP server including sessions, tool listing, and execution
// ABOUTME: Validates protocol errors, session ownership, and tool failure reporting

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-threads/internal/auth"
	"github.com/2389/coven-threads/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupTestRegistry creates a registry with an echo tool, a failing tool, and a slow tool.
func setupTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()

	echo := tools.Func(tools.Definition{
		Name:        "echo",
		Description: "Echoes its input",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		},
	}, func(_ context.Context, args json.RawMessage) (string, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", err
		}
		return in.Text, nil
	})

	broken := tools.Func(tools.Definition{Name: "broken", Description: "Always fails"},
		func(context.Context, json.RawMessage) (string, error) {
			return "", errors.New("disk on fire")
		})

	slow := tools.Func(tools.Definition{Name: "slow", Description: "Waits for cancellation"},
		func(ctx context.Context, _ json.RawMessage) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})

	registry, err := tools.NewRegistry(testLogger(), echo, broken, slow)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return registry
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	server, err := NewServer(Config{
		Registry:    setupTestRegistry(t),
		Logger:      testLogger(),
		ToolTimeout: 50 * time.Millisecond,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return server
}

// rpc posts a JSON-RPC request, optionally as a given subject.
func rpc(t *testing.T, h http.Handler, sessionID, subject, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	if subject != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{Subject: subject}))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func initialize(t *testing.T, h http.Handler, subject string) string {
	t.Helper()
	rr := rpc(t, h, "", subject, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("initialize: status %d: %s", rr.Code, rr.Body.String())
	}
	id := rr.Header().Get("Mcp-Session-Id")
	if id == "" {
		t.Fatal("initialize did not return a session id")
	}
	return id
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) JSONRPCResponse {
	t.Helper()
	var resp JSONRPCResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func decodeResult[T any](t *testing.T, resp JSONRPCResponse) T {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected JSON-RPC error: %+v", resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return out
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("expected error without registry")
	}

	s, err := NewServer(Config{Registry: setupTestRegistry(t)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.toolTimeout != defaultToolTimeout || s.version != "dev" {
		t.Errorf("defaults not applied: timeout=%v version=%q", s.toolTimeout, s.version)
	}
}

func TestInitialize(t *testing.T) {
	s := newTestServer(t)
	rr := rpc(t, s, "", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	result := decodeResult[map[string]any](t, decode(t, rr))
	if result["protocolVersion"] != latestProtocolVersion {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	info, _ := result["serverInfo"].(map[string]any)
	if info["name"] != "coven-threads" || info["version"] != "test" {
		t.Errorf("serverInfo = %v", info)
	}
	if s.sessions.len() != 1 {
		t.Errorf("expected 1 session, got %d", s.sessions.len())
	}
}

func TestToolsList(t *testing.T) {
	s := newTestServer(t)
	sid := initialize(t, s, "")

	rr := rpc(t, s, sid, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	result := decodeResult[MCPListToolsResult](t, decode(t, rr))

	if len(result.Tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(result.Tools))
	}
	byName := make(map[string]MCPToolInfo)
	for _, tool := range result.Tools {
		byName[tool.Name] = tool
	}
	if !strings.Contains(string(byName["echo"].InputSchema), `"text"`) {
		t.Errorf("echo schema lost its properties: %s", byName["echo"].InputSchema)
	}
	if !json.Valid(byName["broken"].InputSchema) || !strings.Contains(string(byName["broken"].InputSchema), `"object"`) {
		t.Errorf("nil parameters should become an object schema: %s", byName["broken"].InputSchema)
	}
}

func TestToolsCall(t *testing.T) {
	s := newTestServer(t)
	sid := initialize(t, s, "")

	tests := []struct {
		name      string
		params    string
		wantText  string
		wantError bool
	}{
		{"success", `{"name":"echo","arguments":{"text":"hi"}}`, "hi", false},
		{"handler error", `{"name":"broken"}`, "disk on fire", true},
		{"timeout", `{"name":"slow","arguments":null}`, "deadline exceeded", true},
		{"bad arguments", `{"name":"echo","arguments":[1,2]}`, "not a JSON object", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":` + tc.params + `}`
			result := decodeResult[MCPCallToolResult](t, decode(t, rpc(t, s, sid, "", body)))

			if result.IsError != tc.wantError {
				t.Errorf("isError = %v, want %v", result.IsError, tc.wantError)
			}
			if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, tc.wantText) {
				t.Errorf("content = %+v, want text containing %q", result.Content, tc.wantText)
			}
		})
	}
}

func TestToolsCallProtocolErrors(t *testing.T) {
	s := newTestServer(t)
	sid := initialize(t, s, "")

	tests := []struct {
		name string
		body string
		code int
	}{
		{"unknown tool", `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"nope"}}`, JSONRPCInvalidParams},
		{"missing name", `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{}}`, JSONRPCInvalidParams},
		{"bad params", `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":"x"}`, JSONRPCInvalidParams},
		{"unknown method", `{"jsonrpc":"2.0","id":4,"method":"resources/list"}`, JSONRPCMethodNotFound},
		{"wrong version", `{"jsonrpc":"1.0","id":4,"method":"ping"}`, JSONRPCInvalidRequest},
		{"invalid json", `{"jsonrpc":`, JSONRPCParseError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := decode(t, rpc(t, s, sid, "", tc.body))
			if resp.Error == nil || resp.Error.Code != tc.code {
				t.Errorf("error = %+v, want code %d", resp.Error, tc.code)
			}
		})
	}
}

func TestSessionRequired(t *testing.T) {
	s := newTestServer(t)

	rr := rpc(t, s, "", "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing session: expected 400, got %d", rr.Code)
	}

	rr = rpc(t, s, "no-such-session", "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", rr.Code)
	}
}

func TestSessionOwnership(t *testing.T) {
	s := newTestServer(t)
	sid := initialize(t, s, "alice")

	rr := rpc(t, s, sid, "bob", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if rr.Code != http.StatusForbidden {
		t.Errorf("foreign session use: expected 403, got %d", rr.Code)
	}

	del := func(subject string) int {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		req.Header.Set("Mcp-Session-Id", sid)
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{Subject: subject}))
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := del("bob"); code != http.StatusForbidden {
		t.Errorf("foreign delete: expected 403, got %d", code)
	}
	if code := del("alice"); code != http.StatusNoContent {
		t.Errorf("owner delete: expected 204, got %d", code)
	}
	if code := del("alice"); code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", code)
	}
}

func TestNotificationsAndVersions(t *testing.T) {
	s := newTestServer(t)
	sid := initialize(t, s, "")

	rr := rpc(t, s, sid, "", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if rr.Code != http.StatusAccepted || rr.Body.Len() != 0 {
		t.Errorf("notification: expected empty 202, got %d %q", rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Mcp-Session-Id", sid)
	req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unsupported version: expected 400, got %d", rr.Code)
	}

	rr = rpc(t, s, sid, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if resp := decode(t, rr); resp.Error != nil {
		t.Errorf("ping failed: %+v", resp.Error)
	}
}

func TestMethodsAndLimits(t *testing.T) {
	s := newTestServer(t)

	for _, method := range []string{http.MethodGet, http.MethodPut} {
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, httptest.NewRequest(method, "/mcp", nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", method, rr.Code)
		}
	}

	big := bytes.Repeat([]byte("a"), MaxRequestBodySize+10)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(big)))
	if resp := decode(t, rr); resp.Error == nil || resp.Error.Code != JSONRPCInvalidRequest {
		t.Errorf("oversized body: got %+v", resp.Error)
	}
}
