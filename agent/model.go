package agent

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/MegaGrindStone/go-mcp-host/host"
)

// Model produces the next assistant message of a conversation.
type Model interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, req Request) (Response, error)

// Role is the author of a Turn.
type Role string

// Turn is one message of a conversation.
type Turn struct {
	Role    Role
	Content string

	// ToolCalls are the calls requested by an assistant turn.
	ToolCalls []ToolCall
	// ToolCallID links a tool turn to the call it answers.
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model. Name is a catalog id.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Request is what a Model is asked to complete.
type Request struct {
	System string
	Turns  []Turn
	// Tools the model may call. Empty means the model must answer directly.
	Tools []host.Tool

	MaxTokens     int
	Temperature   *float64
	StopSequences []string
}

// ResponseKind tags a Response.
type ResponseKind int

// Response is either a final answer or a batch of tool calls.
type Response struct {
	Kind      ResponseKind
	Text      string
	ToolCalls []ToolCall
	// Model names the model that answered, when the provider reports it.
	Model string
}

// Conversation is the ordered history of one chat. The zero value is empty and ready to use.
type Conversation struct {
	turns []Turn
}

// Roles of a Turn.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Response kinds.
const (
	Final ResponseKind = iota
	ToolCalls
)

// Complete calls f(ctx, req).
func (f ModelFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

func (k ResponseKind) String() string {
	switch k {
	case Final:
		return "final"
	case ToolCalls:
		return "tool_calls"
	default:
		return "unknown"
	}
}

// Append adds turns at the end of the conversation.
func (c *Conversation) Append(turns ...Turn) {
	c.turns = append(c.turns, turns...)
}

// Turns returns a copy of the turns in order.
func (c *Conversation) Turns() []Turn {
	return slices.Clone(c.turns)
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	return len(c.turns)
}

// Reset empties the conversation.
func (c *Conversation) Reset() {
	c.turns = nil
}
