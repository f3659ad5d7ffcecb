// ABOUTME: Typed stream events decoded from the agent service's run stream.
// ABOUTME: Closed tagged union; unknown frame types map to EventUnknown.

package assistant

import "encoding/json"

// EventKind identifies the type of a StreamEvent.
type EventKind int

const (
	// EventMessageDelta carries a chunk of the agent's reply text.
	EventMessageDelta EventKind = iota
	// EventToolCall signals the agent started a tool invocation.
	EventToolCall
	// EventToolResult carries the output of a tool invocation.
	EventToolResult
	// EventTokenUsage reports token consumption for the run.
	EventTokenUsage
	// EventHeartbeat is a keepalive frame.
	EventHeartbeat
	// EventUnknown is any frame type the decoder does not recognize.
	EventUnknown
)

// String returns a readable name for logging.
func (k EventKind) String() string {
	switch k {
	case EventMessageDelta:
		return "message_delta"
	case EventToolCall:
		return "tool_call"
	case EventToolResult:
		return "tool_result"
	case EventTokenUsage:
		return "token_usage"
	case EventHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// StreamEvent is a single decoded event from a run stream.
// Exactly one payload field is meaningful, selected by Kind.
type StreamEvent struct {
	Kind EventKind

	// Text is the delta content for EventMessageDelta and the tool output
	// for EventToolResult.
	Text string

	// ToolCall describes the invocation for EventToolCall.
	ToolCall *ToolCall

	// Usage is set for EventTokenUsage.
	Usage *TokenUsage

	// RawType preserves the wire event type for EventUnknown frames.
	RawType string
}

// ToolCall describes a tool invocation announced by the agent. Args is kept
// raw; the relay only surfaces tool activity, it never executes tools.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// TokenUsage reports token consumption for one run.
type TokenUsage struct {
	TotalTokens      int `json:"total_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
