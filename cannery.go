package cannery

import (
	"context"
	"iter"
)

// ToolServer supplies the tool surface of the server. Implementations decide
// what a tool call returns; the transport treats the payloads as opaque.
type ToolServer interface {
	// ListTools returns the tools available on this server.
	// Returns error if the operation fails or the context is cancelled.
	ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error)

	// CallTool executes a specific tool with the provided arguments.
	// Returns error if the tool doesn't exist, the arguments are invalid,
	// or the context is cancelled.
	CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error)
}

// ResourceServer supplies the resource surface of the server.
type ResourceServer interface {
	// ListResources returns the resources available on this server.
	ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error)

	// ReadResource retrieves a specific resource by its URI.
	// Returns an error wrapping ErrResourceNotFound if the URI is unknown.
	ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error)

	// ListResourceTemplates returns the resource templates available on this server.
	ListResourceTemplates(ctx context.Context, params ListResourceTemplatesParams) (
		ListResourceTemplatesResult, error)
}

// PromptServer supplies the prompt surface of the server.
type PromptServer interface {
	// ListPrompts returns the prompts available on this server.
	ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error)

	// GetPrompt retrieves a specific prompt template by name with the given arguments.
	GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error)
}

// ToolListUpdater provides an interface for monitoring changes to the available
// tools list.
//
// The updates are forwarded to connected clients as
// "notifications/tools/list_changed" notifications. Clients can then refresh
// their cached tool lists by calling ListTools again.
//
// A struct{} is sent through the iterator as only the notification matters, not
// the value.
type ToolListUpdater interface {
	ToolListUpdates() iter.Seq[struct{}]
}

// ResourceListUpdater provides an interface for monitoring changes to the
// available resources list, forwarded to clients as
// "notifications/resources/list_changed".
type ResourceListUpdater interface {
	ResourceListUpdates() iter.Seq[struct{}]
}
