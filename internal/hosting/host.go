// Package hosting defines the session host interface the capability
// registry and plugin lifecycle subsystem consume. The host is injected by
// whatever wire-transport layer (streamable HTTP, stdio, AMQP) is running the
// JSON-RPC session; this package never implements a transport itself.
package hosting

import "context"

// ToolHandler is invoked with parsed, schema-validated arguments and returns
// MCP-shaped tool call content.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (ToolResult, error)

// ResourceReader returns the content of a resource at the given URI.
type ResourceReader func(ctx context.Context, uri string) (ResourceContent, error)

// PromptCallback renders a prompt given arguments.
type PromptCallback func(ctx context.Context, args map[string]interface{}) (PromptResult, error)

// ToolResult is the shape a tool handler returns to the host.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of tool/prompt output.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"`
}

// ResourceContent is the payload returned by a ResourceReader.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

// PromptResult is the payload returned by a PromptCallback.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// PromptMessage is one turn of a rendered prompt.
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// ToolMetadata describes a tool at registration time.
type ToolMetadata struct {
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	Annotations map[string]interface{} `json:"annotations,omitempty"`
}

// ResourceMetadata describes a resource at registration time.
type ResourceMetadata struct {
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptMetadata describes a prompt at registration time.
type PromptMetadata struct {
	Description string              `json:"description,omitempty"`
	Arguments   []PromptArgumentDef `json:"arguments,omitempty"`
}

// PromptArgumentDef describes one named prompt argument.
type PromptArgumentDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Host is the interface the capability registry and plugin loader register
// capabilities against. A concrete implementation is owned by the wire
// transport layer; the core only ever calls through this interface.
//
// Unregister* methods are optional: a host that cannot deregister at runtime
// may implement them as no-ops, but the registry still purges its own
// bookkeeping regardless (spec.md §4.6, Unload).
type Host interface {
	RegisterTool(name string, meta ToolMetadata, handler ToolHandler) error
	RegisterResource(name, uri string, meta ResourceMetadata, reader ResourceReader) error
	RegisterPrompt(name string, meta PromptMetadata, callback PromptCallback) error

	UnregisterTool(name string) error
	UnregisterResource(name string) error
	UnregisterPrompt(name string) error
}
