// Package cannery implements the server side of the Model Context Protocol
// (MCP) with a focus on resumable sessions. The streamable HTTP transport
// multiplexes many sessions over a single endpoint, keyed by the
// Mcp-Session-Id header, and records every outbound message in a per-session
// event log so clients that reconnect with a Last-Event-ID cursor pick up
// exactly where they left off. A stdio transport serves the same
// implementations over a pipe for single-client setups.
//
// Applications plug in their behavior through the ToolServer, ResourceServer,
// and PromptServer interfaces; the servers/static subpackage provides
// fixture-backed implementations of all three.
package cannery
