package cannery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// ErrResourceNotFound is returned (possibly wrapped) by ResourceServer
// implementations when a read names a URI the server does not have.
var ErrResourceNotFound = errors.New("resource not found")

// ServerOption represents the options for the server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	instructions string

	toolServer     ToolServer
	resourceServer ResourceServer
	promptServer   PromptServer

	toolListUpdater     ToolListUpdater
	resourceListUpdater ResourceListUpdater

	maxEventsPerStream int

	logger *slog.Logger
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(c *serverConfig) {
		c.toolServer = srv
	}
}

// WithResourceServer returns a ServerOption that configures the resource server implementation.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(c *serverConfig) {
		c.resourceServer = srv
	}
}

// WithPromptServer returns a ServerOption that configures the prompt server implementation.
func WithPromptServer(srv PromptServer) ServerOption {
	return func(c *serverConfig) {
		c.promptServer = srv
	}
}

// WithToolListUpdater returns a ServerOption that configures the tool list updater implementation.
func WithToolListUpdater(updater ToolListUpdater) ServerOption {
	return func(c *serverConfig) {
		c.toolListUpdater = updater
	}
}

// WithResourceListUpdater returns a ServerOption that configures the resource list updater implementation.
func WithResourceListUpdater(updater ResourceListUpdater) ServerOption {
	return func(c *serverConfig) {
		c.resourceListUpdater = updater
	}
}

// WithInstructions returns a ServerOption that configures the server instructions
// returned from the initialization handshake.
func WithInstructions(instructions string) ServerOption {
	return func(c *serverConfig) {
		c.instructions = instructions
	}
}

// WithEventRetention bounds the number of events each session stream retains
// for replay. Zero (the default) retains everything for the session's lifetime.
func WithEventRetention(maxEventsPerStream int) ServerOption {
	return func(c *serverConfig) {
		c.maxEventsPerStream = maxEventsPerStream
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(c *serverConfig) {
		c.logger = logger.With(slog.String("package", "cannery"))
	}
}

// dispatcher routes a decoded JSON-RPC message to the configured server
// implementations and shapes the reply. It holds no per-session state, so one
// value is shared by every session of a transport.
type dispatcher struct {
	info         Info
	instructions string
	capabilities ServerCapabilities

	toolServer     ToolServer
	resourceServer ResourceServer
	promptServer   PromptServer

	logger *slog.Logger
}

func newDispatcher(info Info, cfg serverConfig) dispatcher {
	// Prepare the capabilities based on the provided server implementations.
	caps := ServerCapabilities{}
	if cfg.toolServer != nil {
		caps.Tools = &ToolsCapability{ListChanged: cfg.toolListUpdater != nil}
	}
	if cfg.resourceServer != nil {
		caps.Resources = &ResourcesCapability{ListChanged: cfg.resourceListUpdater != nil}
	}
	if cfg.promptServer != nil {
		caps.Prompts = &PromptsCapability{}
	}

	return dispatcher{
		info:           info,
		instructions:   cfg.instructions,
		capabilities:   caps,
		toolServer:     cfg.toolServer,
		resourceServer: cfg.resourceServer,
		promptServer:   cfg.promptServer,
		logger:         cfg.logger,
	}
}

// dispatch handles a single message and returns the reply, or nil when the
// message is a notification or a client response and no reply is due.
func (d dispatcher) dispatch(ctx context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	if msg.JSONRPC != JSONRPCVersion {
		if msg.ID == "" {
			return nil
		}
		return errorMessage(msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: fmt.Sprintf("invalid jsonrpc version: %s", msg.JSONRPC),
		})
	}
	if msg.Method == "" || msg.ID == "" {
		// Client responses and notifications carry no reply.
		return nil
	}

	var result any
	var err error

	switch msg.Method {
	case methodPing:
		result = struct{}{}
	case methodInitialize:
		result, err = d.initializationHandshake(msg)
	case MethodToolsList:
		result, err = d.callListTools(ctx, msg)
	case MethodToolsCall:
		result, err = d.callCallTool(ctx, msg)
	case MethodResourcesList:
		result, err = d.callListResources(ctx, msg)
	case MethodResourcesRead:
		result, err = d.callReadResource(ctx, msg)
	case MethodResourcesTemplatesList:
		result, err = d.callListResourceTemplates(ctx, msg)
	case MethodPromptsList:
		result, err = d.callListPrompts(ctx, msg)
	case MethodPromptsGet:
		result, err = d.callGetPrompt(ctx, msg)
	default:
		err = JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}
	}

	resMsg := &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}

	if err != nil {
		d.logger.Info("failed to handle request",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))

		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: err.Error(),
			}
		}
		resMsg.Error = &jsonErr
		return resMsg
	}

	resMsg.Result, _ = json.Marshal(result)
	return resMsg
}

func (d dispatcher) initializationHandshake(msg JSONRPCMessage) (initializeResult, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	if params.ProtocolVersion != protocolVersion {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion),
		}
	}

	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    d.capabilities,
		ServerInfo:      d.info,
		Instructions:    d.instructions,
	}, nil
}

func (d dispatcher) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	if d.toolServer == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params ListToolsParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return ListToolsResult{}, err
	}

	ts, err := d.toolServer.ListTools(ctx, params)
	if err != nil {
		nErr := fmt.Errorf("failed to list tools: %w", err)
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return ts, nil
}

func (d dispatcher) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if d.toolServer == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params CallToolParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return CallToolResult{}, err
	}

	result, err := d.toolServer.CallTool(ctx, params)
	if err != nil {
		// Tool failures travel back inside the result, not as protocol errors.
		result = CallToolResult{
			Content: []Content{
				{
					Type: ContentTypeText,
					Text: err.Error(),
				},
			},
			IsError: true,
		}
	}

	return result, nil
}

func (d dispatcher) callListResources(ctx context.Context, msg JSONRPCMessage) (ListResourcesResult, error) {
	if d.resourceServer == nil {
		return ListResourcesResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ListResourcesParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return ListResourcesResult{}, err
	}

	rs, err := d.resourceServer.ListResources(ctx, params)
	if err != nil {
		nErr := fmt.Errorf("failed to list resources: %w", err)
		return ListResourcesResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return rs, nil
}

func (d dispatcher) callReadResource(ctx context.Context, msg JSONRPCMessage) (ReadResourceResult, error) {
	if d.resourceServer == nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ReadResourceParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return ReadResourceResult{}, err
	}

	r, err := d.resourceServer.ReadResource(ctx, params)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			return ReadResourceResult{}, JSONRPCError{
				Code:    jsonRPCResourceNotFoundCode,
				Message: err.Error(),
				Data:    map[string]any{"uri": params.URI},
			}
		}
		nErr := fmt.Errorf("failed to read resource: %w", err)
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return r, nil
}

func (d dispatcher) callListResourceTemplates(
	ctx context.Context,
	msg JSONRPCMessage,
) (ListResourceTemplatesResult, error) {
	if d.resourceServer == nil {
		return ListResourceTemplatesResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ListResourceTemplatesParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return ListResourceTemplatesResult{}, err
	}

	ts, err := d.resourceServer.ListResourceTemplates(ctx, params)
	if err != nil {
		nErr := fmt.Errorf("failed to list resource templates: %w", err)
		return ListResourceTemplatesResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return ts, nil
}

func (d dispatcher) callListPrompts(ctx context.Context, msg JSONRPCMessage) (ListPromptResult, error) {
	if d.promptServer == nil {
		return ListPromptResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "prompts not supported by server",
		}
	}

	var params ListPromptsParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return ListPromptResult{}, err
	}

	ps, err := d.promptServer.ListPrompts(ctx, params)
	if err != nil {
		nErr := fmt.Errorf("failed to list prompts: %w", err)
		return ListPromptResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return ps, nil
}

func (d dispatcher) callGetPrompt(ctx context.Context, msg JSONRPCMessage) (GetPromptResult, error) {
	if d.promptServer == nil {
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "prompts not supported by server",
		}
	}

	var params GetPromptParams
	if err := unmarshalParams(msg.Params, &params); err != nil {
		return GetPromptResult{}, err
	}

	p, err := d.promptServer.GetPrompt(ctx, params)
	if err != nil {
		nErr := fmt.Errorf("failed to get prompt: %w", err)
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return p, nil
}

func unmarshalParams(data json.RawMessage, target any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}
	return nil
}

func errorMessage(id MustString, jsonErr JSONRPCError) *JSONRPCMessage {
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &jsonErr,
	}
}

func isNotification(msg JSONRPCMessage) bool {
	return msg.Method != "" && msg.ID == "" || strings.HasPrefix(msg.Method, "notifications/")
}

// session is one live protocol conversation. It owns exactly one EventLog for
// its entire lifetime; the log becomes unreachable when the session is
// destroyed. A session is created unregistered and only enters the transport's
// table once the initialization handshake has succeeded.
type session struct {
	id        string
	createdAt time.Time
	log       *EventLog
	disp      dispatcher
	logger    *slog.Logger

	mu          sync.Mutex
	standalone  *sse.Session
	initialized bool
	closed      bool
	onClose     func(sessionID string)

	closedCh chan struct{}
}

func newSession(disp dispatcher, log *EventLog) *session {
	return &session{
		createdAt: time.Now(),
		log:       log,
		disp:      disp,
		logger:    disp.logger,
		closedCh:  make(chan struct{}),
	}
}

// register wires the session into its owner's table bookkeeping. Must only be
// called after the initialization handshake has succeeded.
func (s *session) register(id string, onClose func(sessionID string)) {
	s.id = id
	s.logger = s.disp.logger.With(slog.String("sessionID", id))
	s.onClose = onClose
}

func (s *session) markInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
}

// attachStandalone claims the standalone notification stream for an SSE
// connection, replacing any previous one. When lastEventID resolves, the
// missed tail of its stream is replayed first. Replay, attachment, and
// notify's append-and-send all hold the same lock, so a notification can
// never fall between the replayed tail and live delivery.
func (s *session) attachStandalone(ss *sse.Session, lastEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lastEventID != "" {
		var sendErr error
		streamID := s.log.ReplayAfter(lastEventID, func(eventID string, data json.RawMessage) {
			if sendErr != nil {
				return
			}
			sendErr = sendEvent(ss, eventID, data)
		})
		if streamID == "" {
			// Unresolvable cursor. Not an error: nothing is replayed and the
			// connection continues as a fresh standalone stream.
			s.logger.Info("cannot resume from unknown event ID",
				slog.String("lastEventID", lastEventID))
		}
		if sendErr != nil {
			return sendErr
		}
	}

	s.standalone = ss
	return nil
}

// detachStandalone releases the standalone stream, but only if it is still
// held by the given connection. A reconnect may already have replaced it.
func (s *session) detachStandalone(ss *sse.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.standalone == ss {
		s.standalone = nil
	}
}

// notify appends a notification to the standalone stream's event log and, when
// a client is attached, delivers it immediately. Disconnected clients pick the
// notification up on replay.
func (s *session) notify(method string) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal notification", slog.String("err", err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Append and deliver under one lock, so an attaching connection either
	// replays this event or receives it live, never neither.
	eventID := s.log.Append(standaloneStreamID, data)

	if s.standalone == nil {
		return
	}
	if err := sendEvent(s.standalone, eventID, data); err != nil {
		s.logger.Warn("failed to send notification",
			slog.String("method", method),
			slog.String("err", err.Error()))
	}
}

// close tears the session down and removes it from the owner's table. It is
// idempotent: closing twice neither errors nor double-removes.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.closedCh)
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose(s.id)
	}
}

func sendEvent(ss *sse.Session, eventID string, data []byte) error {
	ev := &sse.Message{
		Type: sse.Type("message"),
		ID:   sse.ID(eventID),
	}
	ev.AppendData(string(data))

	if err := ss.Send(ev); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := ss.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}
