package cannery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

const (
	sessionIDHeader   = "Mcp-Session-Id"
	lastEventIDHeader = "Last-Event-ID"

	// standaloneStreamID names the per-session stream carrying
	// server-initiated notifications, as opposed to the per-request streams
	// that carry responses.
	standaloneStreamID = "standalone"
)

// The two literal error bodies of the transport. They are written verbatim so
// clients can rely on their exact shape.
const (
	badRequestBody = `{"jsonrpc":"2.0","error":{"code":-32000,` +
		`"message":"Bad Request: No valid session ID provided or invalid initialization request"},"id":null}`
	internalErrorBody = `{"jsonrpc":"2.0","error":{"code":-32603,"message":"Internal server error"},"id":null}`
)

// StreamableHTTPServer multiplexes many concurrent protocol sessions over a
// single HTTP endpoint. Each inbound request either belongs to a live session
// (routed via the Mcp-Session-Id header), initiates a new one (a POST carrying
// an initialize request), or is rejected with a structured 400.
//
// Every session owns an append-only EventLog; responses and notifications are
// recorded there and framed as SSE events whose IDs double as replay cursors,
// so a client that reconnects with Last-Event-ID resumes from the last message
// it saw.
//
// Instances should be created using NewStreamableHTTPServer and shut down with
// Shutdown, which sweeps every live session.
type StreamableHTTPServer struct {
	disp               dispatcher
	logger             *slog.Logger
	maxEventsPerStream int

	sessionsMu sync.RWMutex
	sessions   map[string]*session

	done     chan struct{}
	shutdown sync.Once
}

// NewStreamableHTTPServer creates a streamable HTTP server handling the MCP
// endpoint for the provided server implementations. The returned server is an
// http.Handler and is immediately operational.
func NewStreamableHTTPServer(info Info, options ...ServerOption) *StreamableHTTPServer {
	cfg := serverConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}

	s := &StreamableHTTPServer{
		disp:               newDispatcher(info, cfg),
		logger:             cfg.logger,
		maxEventsPerStream: cfg.maxEventsPerStream,
		sessions:           make(map[string]*session),
		done:               make(chan struct{}),
	}

	if cfg.toolListUpdater != nil {
		go s.listenUpdates(methodNotificationsToolsListChanged, cfg.toolListUpdater.ToolListUpdates())
	}
	if cfg.resourceListUpdater != nil {
		go s.listenUpdates(methodNotificationsResourcesListChanged, cfg.resourceListUpdater.ResourceListUpdates())
	}

	return s
}

// ServeHTTP implements http.Handler. Routing is evaluated in order: a request
// bearing a session ID is forwarded to that session (or rejected if the ID is
// stale), a POST without one may initiate a new session, and anything else is
// rejected without creating or mutating state.
func (s *StreamableHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &responseRecorder{rw: w}

	if sessID := r.Header.Get(sessionIDHeader); sessID != "" {
		s.sessionsMu.RLock()
		sess, ok := s.sessions[sessID]
		s.sessionsMu.RUnlock()

		if !ok {
			s.writeBadRequest(rec)
			return
		}
		s.forward(sess, rec, r)
		return
	}

	if r.Method == http.MethodPost {
		s.handleInitialize(rec, r)
		return
	}

	s.writeBadRequest(rec)
}

// ActiveSessions reports the number of sessions currently registered.
func (s *StreamableHTTPServer) ActiveSessions() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	return len(s.sessions)
}

// Shutdown closes every live session, tolerating and logging per-session
// failures without aborting the remaining closures. The session table is empty
// on completion regardless of individual failures.
//
// Shutdown also stops broadcasting list-changed notifications, but it cannot
// interrupt a configured updater's iterator from outside; stopping the source
// of updates (closing its watcher) remains the caller's job.
func (s *StreamableHTTPServer) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		close(s.done)
	})

	s.sessionsMu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()

	for _, sess := range sessions {
		s.closeSession(sess)
	}

	s.sessionsMu.Lock()
	clear(s.sessions)
	s.sessionsMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (s *StreamableHTTPServer) closeSession(sess *session) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("failed to close session",
				slog.String("sessionID", sess.id),
				slog.Any("panic", rec))
		}
	}()

	sess.close()
}

func (s *StreamableHTTPServer) handleInitialize(w *responseRecorder, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeBadRequest(w)
		return
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.writeBadRequest(w)
		return
	}
	if msg.JSONRPC != JSONRPCVersion || msg.Method != methodInitialize || msg.ID == "" {
		s.writeBadRequest(w)
		return
	}

	// Two-phase construction: the session and its event log are built
	// unregistered, and only a successful handshake puts them in the table.
	sess := newSession(s.disp, s.newEventLog())

	res, err := s.disp.initializationHandshake(msg)
	if err != nil {
		// The session and its log are discarded entirely.
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))

		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: err.Error(),
			}
		}
		s.writeMessage(w, http.StatusBadRequest, errorMessage(msg.ID, jsonErr))
		return
	}

	sessID := uuid.New().String()
	sess.register(sessID, s.removeSession)

	s.sessionsMu.Lock()
	s.sessions[sessID] = sess
	s.sessionsMu.Unlock()

	resMsg := &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}
	resMsg.Result, _ = json.Marshal(res)

	w.Header().Set(sessionIDHeader, sessID)
	s.writeMessage(w, http.StatusOK, resMsg)

	s.logger.Info("session initialized", slog.String("sessionID", sessID))
}

// forward hands a request to an established session. Failures raised before
// any bytes hit the wire surface as the literal 500 body; once a response has
// begun, a second write would corrupt the reply stream, so the error is logged
// only.
func (s *StreamableHTTPServer) forward(sess *session, w *responseRecorder, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			sess.logger.Error("request handling failed",
				slog.String("method", r.Method),
				slog.Any("panic", rec))
			if !w.wrote {
				s.writeInternalError(w)
			}
		}
	}()

	switch r.Method {
	case http.MethodPost:
		s.handlePost(sess, w, r)
	case http.MethodGet:
		s.handleGet(sess, w, r)
	case http.MethodDelete:
		sess.close()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *StreamableHTTPServer) handlePost(sess *session, w *responseRecorder, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		sess.logger.Warn("failed to read request body", slog.String("err", err.Error()))
		s.writeMessage(w, http.StatusBadRequest, errorMessage("", JSONRPCError{
			Code:    jsonRPCParseErrorCode,
			Message: "failed to read request body",
		}))
		return
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		sess.logger.Warn("failed to decode message", slog.String("err", err.Error()))
		s.writeMessage(w, http.StatusBadRequest, errorMessage("", JSONRPCError{
			Code:    jsonRPCParseErrorCode,
			Message: "failed to parse message",
		}))
		return
	}

	if msg.Method == methodNotificationsInitialized {
		sess.markInitialized()
	}
	if msg.Method == "" || isNotification(msg) {
		// Client responses and notifications produce no reply body.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Dispatch before upgrading, so a failing handler can still use the clean
	// error path while no bytes have been written.
	res := sess.disp.dispatch(r.Context(), msg)
	if res == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	data, err := json.Marshal(res)
	if err != nil {
		sess.logger.Error("failed to marshal response", slog.String("err", err.Error()))
		s.writeInternalError(w)
		return
	}

	// Each request gets its own stream in the session's event log, so an
	// interrupted response can be resumed without replaying unrelated traffic.
	streamID := uuid.New().String()
	eventID := sess.log.Append(streamID, data)

	ss, err := sse.Upgrade(w, r)
	if err != nil {
		sess.logger.Error("failed to upgrade session", slog.String("err", err.Error()))
		if !w.wrote {
			s.writeInternalError(w)
		}
		return
	}

	if err := sendEvent(ss, eventID, data); err != nil {
		// The SSE handshake already started the response; log only.
		sess.logger.Warn("failed to write response", slog.String("err", err.Error()))
	}
}

func (s *StreamableHTTPServer) handleGet(sess *session, w *responseRecorder, r *http.Request) {
	ss, err := sse.Upgrade(w, r)
	if err != nil {
		sess.logger.Error("failed to upgrade session", slog.String("err", err.Error()))
		if !w.wrote {
			s.writeInternalError(w)
		}
		return
	}

	// Push the response headers out now. The upgrade alone writes nothing, and
	// a stream with no replay tail may stay silent for a long time; the client
	// must still see it open.
	if err := ss.Flush(); err != nil {
		sess.logger.Warn("failed to open stream", slog.String("err", err.Error()))
		return
	}

	if err := sess.attachStandalone(ss, r.Header.Get(lastEventIDHeader)); err != nil {
		sess.logger.Warn("failed to replay events", slog.String("err", err.Error()))
		return
	}
	defer sess.detachStandalone(ss)

	// Hold the connection open for notifications. Losing it does not tear the
	// session down; the client reconnects with its replay cursor.
	select {
	case <-r.Context().Done():
	case <-sess.closedCh:
	case <-s.done:
	}
}

// listenUpdates broadcasts one notification per update signal. The iterator is
// drained on its own goroutine, so shutdown stops the broadcasting promptly
// instead of waiting for the next update to arrive.
func (s *StreamableHTTPServer) listenUpdates(method string, updates iter.Seq[struct{}]) {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		for range updates {
			select {
			case ch <- struct{}{}:
			case <-s.done:
				return
			}
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
		}

		s.sessionsMu.RLock()
		sessions := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.sessionsMu.RUnlock()

		for _, sess := range sessions {
			sess.notify(method)
		}
	}
}

func (s *StreamableHTTPServer) removeSession(sessID string) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	delete(s.sessions, sessID)
}

func (s *StreamableHTTPServer) newEventLog() *EventLog {
	if s.maxEventsPerStream > 0 {
		return NewEventLog(WithMaxEventsPerStream(s.maxEventsPerStream))
	}
	return NewEventLog()
}

func (s *StreamableHTTPServer) writeBadRequest(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	if _, err := io.WriteString(w, badRequestBody); err != nil {
		s.logger.Warn("failed to write error response", slog.String("err", err.Error()))
	}
}

func (s *StreamableHTTPServer) writeInternalError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	if _, err := io.WriteString(w, internalErrorBody); err != nil {
		s.logger.Warn("failed to write error response", slog.String("err", err.Error()))
	}
}

func (s *StreamableHTTPServer) writeMessage(w http.ResponseWriter, status int, msg *JSONRPCMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal message", slog.String("err", err.Error()))
		s.writeInternalError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("failed to write response", slog.String("err", err.Error()))
	}
}

// responseRecorder tracks whether any part of a response has been written, so
// the fatal-error path never writes a second reply into a started stream.
type responseRecorder struct {
	rw    http.ResponseWriter
	wrote bool
}

func (r *responseRecorder) Header() http.Header {
	return r.rw.Header()
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.wrote = true
	r.rw.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.wrote = true
	return r.rw.Write(p)
}

func (r *responseRecorder) Flush() {
	r.wrote = true
	if f, ok := r.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController lookups on the wrapped writer.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.rw
}
