package protocol

// ToolCall asks a tool provider to run one named tool.
type ToolCall struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Context   map[string]any `json:"context,omitempty"`
}

// ToolResult is the outcome of a tool call. Unknown tools and internal
// faults are reported here; they never propagate as errors.
type ToolResult struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}
