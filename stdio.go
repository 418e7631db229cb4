package cannery

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
)

// StdIOServer serves the protocol over newline-delimited JSON-RPC on an
// io.Reader/io.Writer pair, typically stdin/stdout. It carries a single
// implicit session for the lifetime of the stream, so there is no session
// table and no event log: the peer never reconnects, it just reads the pipe.
//
// Instances should be created using NewStdIOServer; Serve blocks until the
// reader is exhausted or the context is cancelled.
type StdIOServer struct {
	reader io.Reader
	disp   dispatcher
	logger *slog.Logger

	toolListUpdater     ToolListUpdater
	resourceListUpdater ResourceListUpdater

	writeMu sync.Mutex
	writer  io.Writer

	done chan struct{}
}

type lineWithErr struct {
	line string
	err  error
}

// NewStdIOServer creates a stdio server reading messages from reader and
// writing replies to writer, for the same server implementations the
// streamable HTTP transport accepts.
func NewStdIOServer(reader io.Reader, writer io.Writer, info Info, options ...ServerOption) *StdIOServer {
	cfg := serverConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}

	return &StdIOServer{
		reader:              reader,
		writer:              writer,
		disp:                newDispatcher(info, cfg),
		logger:              cfg.logger,
		toolListUpdater:     cfg.toolListUpdater,
		resourceListUpdater: cfg.resourceListUpdater,
		done:                make(chan struct{}),
	}
}

// Serve processes messages sequentially until the reader reaches EOF or the
// context is cancelled.
func (s *StdIOServer) Serve(ctx context.Context) error {
	defer close(s.done)

	if s.toolListUpdater != nil {
		go s.listenUpdates(methodNotificationsToolsListChanged, s.toolListUpdater.ToolListUpdates())
	}
	if s.resourceListUpdater != nil {
		go s.listenUpdates(methodNotificationsResourcesListChanged, s.resourceListUpdater.ResourceListUpdates())
	}

	// Reads run in their own goroutine, so a blocked reader cannot keep us
	// from honoring cancellation.
	lines := make(chan lineWithErr)
	go s.readLines(lines)

	for {
		var lwe lineWithErr
		select {
		case <-ctx.Done():
			return ctx.Err()
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if errors.Is(lwe.err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", lwe.err)
		}

		if lwe.line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
			s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
			continue
		}

		res := s.disp.dispatch(ctx, msg)
		if res == nil {
			continue
		}
		if err := s.write(res); err != nil {
			s.logger.Error("failed to write response", slog.String("err", err.Error()))
		}
	}
}

func (s *StdIOServer) readLines(lines chan<- lineWithErr) {
	// bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			select {
			case lines <- lineWithErr{err: err}:
			case <-s.done:
			}
			return
		}
		select {
		case lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}:
		case <-s.done:
			return
		}
	}
}

func (s *StdIOServer) listenUpdates(method string, updates iter.Seq[struct{}]) {
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

		msg := &JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  method,
		}
		if err := s.write(msg); err != nil {
			s.logger.Error("failed to write notification", slog.String("err", err.Error()))
		}
	}
}

func (s *StdIOServer) write(msg *JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol.
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
