package cannery_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cannery-mcp/cannery"
)

const badRequestBody = `{"jsonrpc":"2.0","error":{"code":-32000,` +
	`"message":"Bad Request: No valid session ID provided or invalid initialization request"},"id":null}`

const internalErrorBody = `{"jsonrpc":"2.0","error":{"code":-32603,"message":"Internal server error"},"id":null}`

type staticToolServer struct{}

func (staticToolServer) ListTools(context.Context, cannery.ListToolsParams) (cannery.ListToolsResult, error) {
	return cannery.ListToolsResult{
		Tools: []cannery.Tool{{Name: "echo", Description: "Echoes its input"}},
	}, nil
}

func (staticToolServer) CallTool(_ context.Context, params cannery.CallToolParams) (cannery.CallToolResult, error) {
	if params.Name != "echo" {
		return cannery.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
	return cannery.CallToolResult{
		Content: []cannery.Content{{Type: cannery.ContentTypeText, Text: "ok"}},
	}, nil
}

type panicToolServer struct{}

func (panicToolServer) ListTools(context.Context, cannery.ListToolsParams) (cannery.ListToolsResult, error) {
	panic("tool server exploded")
}

func (panicToolServer) CallTool(context.Context, cannery.CallToolParams) (cannery.CallToolResult, error) {
	panic("tool server exploded")
}

// chanUpdater drives list-changed notifications from a test.
type chanUpdater struct {
	ch chan struct{}
}

func (u chanUpdater) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for range u.ch {
			if !yield(struct{}{}) {
				return
			}
		}
	}
}

func newTestServer(t *testing.T, options ...cannery.ServerOption) (*cannery.StreamableHTTPServer, *httptest.Server) {
	t.Helper()

	srv := cannery.NewStreamableHTTPServer(cannery.Info{Name: "test-server", Version: "1.0"}, options...)
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shut down server: %v", err)
		}
		httpSrv.Close()
	})

	return srv, httpSrv
}

func initializeSession(t *testing.T, httpSrv *httptest.Server) string {
	t.Helper()

	body := `{"jsonrpc":"2.0","id":"1","method":"initialize","params":{` +
		`"protocolVersion":"2024-11-05","capabilities":{},` +
		`"clientInfo":{"name":"test-client","version":"1.0"}}}`

	resp, err := http.Post(httpSrv.URL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to post initialize request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("expected Mcp-Session-Id header")
	}

	var msg cannery.JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("failed to decode initialize response: %v", err)
	}
	if msg.Error != nil {
		t.Fatalf("unexpected initialize error: %v", msg.Error)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("failed to decode initialize result: %v", err)
	}
	if result.ProtocolVersion != "2024-11-05" {
		t.Fatalf("expected protocol version 2024-11-05, got %s", result.ProtocolVersion)
	}

	return sessID
}

func postMessage(t *testing.T, httpSrv *httptest.Server, sessID, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, httpSrv.URL, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", sessID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to post message: %v", err)
	}
	return resp
}

// readSSEEvent reads one SSE event from r, returning its id and data fields.
func readSSEEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()

	var id, data string
	seenField := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if seenField {
				return id, data
			}
			continue
		}
		seenField = true
		switch {
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestStreamableHTTPServerInitialize(t *testing.T) {
	srv, httpSrv := newTestServer(t, cannery.WithToolServer(staticToolServer{}))

	sessID := initializeSession(t, httpSrv)
	if sessID == "" {
		t.Fatal("expected session ID")
	}
	if got := srv.ActiveSessions(); got != 1 {
		t.Errorf("expected 1 active session, got %d", got)
	}

	// A second initialize creates an independent session.
	sessID2 := initializeSession(t, httpSrv)
	if sessID2 == sessID {
		t.Error("expected distinct session IDs")
	}
	if got := srv.ActiveSessions(); got != 2 {
		t.Errorf("expected 2 active sessions, got %d", got)
	}
}

func TestStreamableHTTPServerRejectsInvalidRequests(t *testing.T) {
	srv, httpSrv := newTestServer(t, cannery.WithToolServer(staticToolServer{}))

	assertBadRequest := func(t *testing.T, resp *http.Response) {
		t.Helper()
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		if string(body) != badRequestBody {
			t.Errorf("unexpected error body: %s", body)
		}
	}

	t.Run("UnknownSessionID", func(t *testing.T) {
		resp := postMessage(t, httpSrv, "no-such-session",
			`{"jsonrpc":"2.0","id":"1","method":"tools/list"}`)
		assertBadRequest(t, resp)
	})

	t.Run("GetWithoutSessionID", func(t *testing.T) {
		resp, err := http.Get(httpSrv.URL)
		if err != nil {
			t.Fatalf("failed to get: %v", err)
		}
		assertBadRequest(t, resp)
	})

	t.Run("PostNonInitializeWithoutSessionID", func(t *testing.T) {
		resp, err := http.Post(httpSrv.URL, "application/json",
			strings.NewReader(`{"jsonrpc":"2.0","id":"1","method":"tools/list"}`))
		if err != nil {
			t.Fatalf("failed to post: %v", err)
		}
		assertBadRequest(t, resp)
	})

	t.Run("InitializeWithoutID", func(t *testing.T) {
		resp, err := http.Post(httpSrv.URL, "application/json",
			strings.NewReader(`{"jsonrpc":"2.0","method":"initialize","params":{}}`))
		if err != nil {
			t.Fatalf("failed to post: %v", err)
		}
		assertBadRequest(t, resp)
	})

	if got := srv.ActiveSessions(); got != 0 {
		t.Errorf("expected no sessions after rejected requests, got %d", got)
	}
}

func TestStreamableHTTPServerFailedHandshake(t *testing.T) {
	srv, httpSrv := newTestServer(t, cannery.WithToolServer(staticToolServer{}))

	// Well-formed initialize carrying an unsupported protocol version: the
	// reply is a JSON-RPC error and no session survives.
	body := `{"jsonrpc":"2.0","id":"1","method":"initialize","params":{` +
		`"protocolVersion":"1999-12-31","capabilities":{},` +
		`"clientInfo":{"name":"test-client","version":"1.0"}}}`

	resp, err := http.Post(httpSrv.URL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to post initialize request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Mcp-Session-Id") != "" {
		t.Error("expected no session ID header on failed handshake")
	}

	var msg cannery.JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if msg.Error == nil {
		t.Fatal("expected JSON-RPC error")
	}
	if !strings.Contains(msg.Error.Message, "protocol version mismatch") {
		t.Errorf("unexpected error message: %s", msg.Error.Message)
	}

	if got := srv.ActiveSessions(); got != 0 {
		t.Errorf("expected no sessions after failed handshake, got %d", got)
	}
}

func TestStreamableHTTPServerToolCall(t *testing.T) {
	_, httpSrv := newTestServer(t, cannery.WithToolServer(staticToolServer{}))
	sessID := initializeSession(t, httpSrv)

	resp := postMessage(t, httpSrv, sessID,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202 for notification, got %d", resp.StatusCode)
	}

	resp = postMessage(t, httpSrv, sessID,
		`{"jsonrpc":"2.0","id":"2","method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("expected SSE content type, got %s", ct)
	}

	eventID, data := readSSEEvent(t, bufio.NewReader(resp.Body))
	if eventID == "" {
		t.Error("expected event ID on response event")
	}

	var msg cannery.JSONRPCMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		t.Fatalf("failed to decode response event: %v", err)
	}
	if msg.ID != "2" {
		t.Errorf("expected response ID 2, got %s", msg.ID)
	}

	var result cannery.CallToolResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("failed to decode tool result: %v", err)
	}
	if result.IsError {
		t.Error("expected successful tool call")
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok" {
		t.Errorf("unexpected tool result content: %+v", result.Content)
	}
}

func TestStreamableHTTPServerToolError(t *testing.T) {
	_, httpSrv := newTestServer(t, cannery.WithToolServer(staticToolServer{}))
	sessID := initializeSession(t, httpSrv)

	resp := postMessage(t, httpSrv, sessID,
		`{"jsonrpc":"2.0","id":"2","method":"tools/call","params":{"name":"missing"}}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	_, data := readSSEEvent(t, bufio.NewReader(resp.Body))

	var msg cannery.JSONRPCMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		t.Fatalf("failed to decode response event: %v", err)
	}
	if msg.Error != nil {
		t.Fatalf("tool failures must not be protocol errors, got %v", msg.Error)
	}

	var result cannery.CallToolResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("failed to decode tool result: %v", err)
	}
	if !result.IsError {
		t.Error("expected IsError result")
	}
}

func TestStreamableHTTPServerDelete(t *testing.T) {
	srv, httpSrv := newTestServer(t, cannery.WithToolServer(staticToolServer{}))
	sessID := initializeSession(t, httpSrv)

	doDelete := func(t *testing.T) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodDelete, httpSrv.URL, nil)
		if err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
		req.Header.Set("Mcp-Session-Id", sessID)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("failed to delete session: %v", err)
		}
		return resp
	}

	resp := doDelete(t)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.StatusCode)
	}
	if got := srv.ActiveSessions(); got != 0 {
		t.Errorf("expected no active sessions after delete, got %d", got)
	}

	// The ID is stale now, so a second delete takes the rejection path.
	resp = doDelete(t)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400 for stale session, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if string(body) != badRequestBody {
		t.Errorf("unexpected error body: %s", body)
	}
}

func TestStreamableHTTPServerMethodNotAllowed(t *testing.T) {
	_, httpSrv := newTestServer(t, cannery.WithToolServer(staticToolServer{}))
	sessID := initializeSession(t, httpSrv)

	req, err := http.NewRequest(http.MethodPut, httpSrv.URL, strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Mcp-Session-Id", sessID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); !strings.Contains(allow, "POST") {
		t.Errorf("expected Allow header, got %q", allow)
	}
}

func TestStreamableHTTPServerInternalError(t *testing.T) {
	_, httpSrv := newTestServer(t, cannery.WithToolServer(panicToolServer{}))
	sessID := initializeSession(t, httpSrv)

	resp := postMessage(t, httpSrv, sessID,
		`{"jsonrpc":"2.0","id":"2","method":"tools/list"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if string(body) != internalErrorBody {
		t.Errorf("unexpected error body: %s", body)
	}
}

func TestStreamableHTTPServerShutdown(t *testing.T) {
	srv := cannery.NewStreamableHTTPServer(cannery.Info{Name: "test-server", Version: "1.0"},
		cannery.WithToolServer(staticToolServer{}))
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	initializeSession(t, httpSrv)
	initializeSession(t, httpSrv)
	if got := srv.ActiveSessions(); got != 2 {
		t.Fatalf("expected 2 active sessions, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shut down: %v", err)
	}
	if got := srv.ActiveSessions(); got != 0 {
		t.Errorf("expected no active sessions after shutdown, got %d", got)
	}

	// Shutdown is idempotent.
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown failed: %v", err)
	}
}

func TestStreamableHTTPServerStandaloneStreamOpens(t *testing.T) {
	_, httpSrv := newTestServer(t, cannery.WithToolServer(staticToolServer{}))
	sessID := initializeSession(t, httpSrv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Mcp-Session-Id", sessID)

	// The stream must open immediately even though no notification exists yet;
	// Do blocks until the response headers arrive.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to open standalone stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("expected SSE content type, got %s", ct)
	}
}

func TestStreamableHTTPServerResume(t *testing.T) {
	updater := chanUpdater{ch: make(chan struct{})}
	_, httpSrv := newTestServer(t,
		cannery.WithToolServer(staticToolServer{}),
		cannery.WithToolListUpdater(updater))

	sessID := initializeSession(t, httpSrv)

	openStream := func(t *testing.T, ctx context.Context, lastEventID string) *http.Response {
		t.Helper()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL, nil)
		if err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
		req.Header.Set("Mcp-Session-Id", sessID)
		if lastEventID != "" {
			req.Header.Set("Last-Event-ID", lastEventID)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("failed to open stream: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected status 200, got %d", resp.StatusCode)
		}
		return resp
	}

	// First connection sees the live notification and remembers its cursor.
	ctx, cancel := context.WithCancel(context.Background())
	resp := openStream(t, ctx, "")

	updater.ch <- struct{}{}

	firstID, data := readSSEEvent(t, bufio.NewReader(resp.Body))
	if firstID == "" {
		t.Fatal("expected event ID on notification")
	}
	if !strings.Contains(data, "notifications/tools/list_changed") {
		t.Fatalf("unexpected notification payload: %s", data)
	}

	cancel()
	resp.Body.Close()

	// Two more notifications land while no client is connected.
	updater.ch <- struct{}{}
	updater.ch <- struct{}{}
	time.Sleep(250 * time.Millisecond)

	// Reconnecting with the cursor replays exactly the missed events.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	resp2 := openStream(t, ctx2, firstID)
	defer resp2.Body.Close()

	reader := bufio.NewReader(resp2.Body)
	var replayedIDs []string
	for range 2 {
		id, data := readSSEEvent(t, reader)
		if id == firstID {
			t.Errorf("replay must not include the cursor event itself")
		}
		if !strings.Contains(data, "notifications/tools/list_changed") {
			t.Errorf("unexpected replayed payload: %s", data)
		}
		replayedIDs = append(replayedIDs, id)
	}
	if replayedIDs[0] == replayedIDs[1] {
		t.Error("expected distinct replayed event IDs")
	}

	// The resumed stream continues live on the same connection: a notification
	// fired after the replay arrives next, with no gap and no duplicate.
	updater.ch <- struct{}{}
	liveID, data := readSSEEvent(t, reader)
	if !strings.Contains(data, "notifications/tools/list_changed") {
		t.Errorf("unexpected live payload: %s", data)
	}
	if liveID == firstID || liveID == replayedIDs[0] || liveID == replayedIDs[1] {
		t.Errorf("expected a fresh event ID, got %s", liveID)
	}
}

func TestStreamableHTTPServerShutdownStopsUpdates(t *testing.T) {
	updater := chanUpdater{ch: make(chan struct{})}
	srv := cannery.NewStreamableHTTPServer(cannery.Info{Name: "test-server", Version: "1.0"},
		cannery.WithToolServer(staticToolServer{}),
		cannery.WithToolListUpdater(updater))
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	initializeSession(t, httpSrv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shut down: %v", err)
	}

	// An update arriving after shutdown is drained without broadcasting and
	// must not block its producer.
	sent := make(chan struct{})
	go func() {
		updater.ch <- struct{}{}
		close(sent)
	}()
	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Error("expected updater send to complete after shutdown")
	}
}

func TestStreamableHTTPServerResumeUnknownCursor(t *testing.T) {
	_, httpSrv := newTestServer(t, cannery.WithToolServer(staticToolServer{}))
	sessID := initializeSession(t, httpSrv)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Mcp-Session-Id", sessID)
	req.Header.Set("Last-Event-ID", "bogus_cursor_1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer resp.Body.Close()

	// The stream opens fresh: no replay, no error. It idles until the request
	// context expires.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("expected no replayed events, got %q", body)
	}
}
