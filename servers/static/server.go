// Package static implements tool, resource, and prompt servers backed by JSON
// fixture files on disk. Every reply is pre-authored: tools return canned
// results (after validating arguments against the fixture's input schema),
// resources serve fixed contents, and prompts expand to fixed message lists.
// That makes the package useful as a protocol test double and as a way to
// expose a directory of documents without writing any server code.
package static

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/cannery-mcp/cannery"
)

// Server provides tools, resources, and prompts loaded from a fixture
// directory. The catalog is immutable between reloads, so reads never block
// each other.
type Server struct {
	root   string
	logger *slog.Logger

	mu  sync.RWMutex
	cat *catalog
}

// Option represents the options for the Server.
type Option func(*Server)

// WithLogger sets the logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("package", "servers/static"))
	}
}

// NewServer creates a Server rooted at the given fixture directory. The
// directory must exist; its tools/, resources/, and prompts/ subdirectories
// are each optional.
func NewServer(root string, options ...Option) (*Server, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to access root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}

	s := &Server{
		root:   root,
		logger: slog.Default().With(slog.String("package", "servers/static")),
	}
	for _, opt := range options {
		opt(s)
	}

	cat, err := loadCatalog(root)
	if err != nil {
		return nil, err
	}
	s.cat = cat

	return s, nil
}

// Reload re-reads the fixture directory and atomically swaps in the new
// catalog. On error the previous catalog stays in place.
func (s *Server) Reload() error {
	cat, err := loadCatalog(s.root)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cat = cat
	s.mu.Unlock()

	s.logger.Info("catalog reloaded",
		slog.Int("tools", len(cat.tools)),
		slog.Int("resources", len(cat.resources)),
		slog.Int("prompts", len(cat.prompts)))

	return nil
}

func (s *Server) catalog() *catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat
}

// ListTools implements cannery.ToolServer.
func (s *Server) ListTools(_ context.Context, _ cannery.ListToolsParams) (cannery.ListToolsResult, error) {
	cat := s.catalog()

	tools := make([]cannery.Tool, len(cat.tools))
	for i, entry := range cat.tools {
		tools[i] = entry.tool
	}
	return cannery.ListToolsResult{Tools: tools}, nil
}

// CallTool implements cannery.ToolServer. Arguments are validated against the
// tool's input schema before the canned result is returned.
func (s *Server) CallTool(_ context.Context, params cannery.CallToolParams) (cannery.CallToolResult, error) {
	cat := s.catalog()

	idx, ok := cat.toolIndex[params.Name]
	if !ok {
		return cannery.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
	entry := cat.tools[idx]

	if entry.schema != nil {
		args := params.Arguments
		if len(args) == 0 {
			args = []byte("{}")
		}
		result, err := entry.schema.Validate(gojsonschema.NewBytesLoader(args))
		if err != nil {
			return cannery.CallToolResult{}, fmt.Errorf("failed to validate arguments: %w", err)
		}
		if !result.Valid() {
			var reasons []string
			for _, desc := range result.Errors() {
				reasons = append(reasons, desc.String())
			}
			return cannery.CallToolResult{}, fmt.Errorf("invalid arguments: %s", strings.Join(reasons, "; "))
		}
	}

	return entry.result, nil
}

// ListResources implements cannery.ResourceServer. Template entries are
// excluded here; they surface through ListResourceTemplates instead.
func (s *Server) ListResources(_ context.Context, _ cannery.ListResourcesParams) (cannery.ListResourcesResult, error) {
	cat := s.catalog()

	var resources []cannery.Resource
	for _, entry := range cat.resources {
		if entry.matcher != nil {
			continue
		}
		resources = append(resources, entry.resource)
	}
	return cannery.ListResourcesResult{Resources: resources}, nil
}

// ReadResource implements cannery.ResourceServer. Exact URIs win over glob
// templates; among templates the first match in catalog order is served.
func (s *Server) ReadResource(_ context.Context, params cannery.ReadResourceParams) (cannery.ReadResourceResult, error) {
	cat := s.catalog()

	if idx, ok := cat.resourceIndex[params.URI]; ok {
		return cannery.ReadResourceResult{
			Contents: []cannery.ResourceContents{cat.resources[idx].contents},
		}, nil
	}

	for _, entry := range cat.resources {
		if entry.matcher == nil || !entry.matcher.Match(params.URI) {
			continue
		}
		contents := entry.contents
		contents.URI = params.URI
		return cannery.ReadResourceResult{
			Contents: []cannery.ResourceContents{contents},
		}, nil
	}

	return cannery.ReadResourceResult{}, fmt.Errorf("%w: %s", cannery.ErrResourceNotFound, params.URI)
}

// ListResourceTemplates implements cannery.ResourceServer.
func (s *Server) ListResourceTemplates(_ context.Context, _ cannery.ListResourceTemplatesParams) (cannery.ListResourceTemplatesResult, error) {
	cat := s.catalog()

	var templates []cannery.ResourceTemplate
	for _, entry := range cat.resources {
		if entry.matcher == nil {
			continue
		}
		templates = append(templates, cannery.ResourceTemplate{
			URITemplate: entry.pattern,
			Name:        entry.resource.Name,
			Description: entry.resource.Description,
			MimeType:    entry.resource.MimeType,
		})
	}
	return cannery.ListResourceTemplatesResult{Templates: templates}, nil
}

// ListPrompts implements cannery.PromptServer.
func (s *Server) ListPrompts(_ context.Context, _ cannery.ListPromptsParams) (cannery.ListPromptResult, error) {
	cat := s.catalog()

	prompts := make([]cannery.Prompt, len(cat.prompts))
	for i, entry := range cat.prompts {
		prompts[i] = entry.prompt
	}
	return cannery.ListPromptResult{Prompts: prompts}, nil
}

// GetPrompt implements cannery.PromptServer. Required arguments must be
// present; message contents are returned as authored in the fixture.
func (s *Server) GetPrompt(_ context.Context, params cannery.GetPromptParams) (cannery.GetPromptResult, error) {
	cat := s.catalog()

	idx, ok := cat.promptIndex[params.Name]
	if !ok {
		return cannery.GetPromptResult{}, fmt.Errorf("prompt not found: %s", params.Name)
	}
	entry := cat.prompts[idx]

	for _, arg := range entry.prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := params.Arguments[arg.Name]; !ok {
			return cannery.GetPromptResult{}, fmt.Errorf("missing required argument: %s", arg.Name)
		}
	}

	return cannery.GetPromptResult{
		Description: entry.prompt.Description,
		Messages:    entry.messages,
	}, nil
}
