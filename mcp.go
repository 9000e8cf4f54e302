package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection and provides methods for
	// bidirectional communication. The implementation must guarantee that each session ID
	// is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The implementations should not
	// close the Sessions it produced, the caller does that before calling this method. The caller
	// is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// StartSession establishes the connection to the server and returns the Session used to exchange
	// messages with it. Operations are canceled when the context is canceled.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID returns the unique identifier for this session. The implementation must
	// guarantee that session IDs are unique across all active sessions managed.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// The implementations should exit the iteration if the session is closed or the
	// underlying connection ends.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The caller is guaranteed to call this method once.
	Stop()
}

// Server interfaces

// ToolServer defines the interface for managing tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns a paginated list of available tools. The ProgressReporter
	// can be used to report operation progress, and RequestClientFunc enables
	// client-server communication during execution.
	// Returns error if operation fails or context is cancelled.
	ListTools(context.Context, ListToolsParams, ProgressReporter, RequestClientFunc) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments. The ProgressReporter
	// can be used to report operation progress, and RequestClientFunc enables
	// client-server communication during execution, any number of times.
	// A returned error is reported to the client as a tool result with IsError set.
	CallTool(context.Context, CallToolParams, ProgressReporter, RequestClientFunc) (CallToolResult, error)
}

// ToolListUpdater provides an interface for monitoring changes to the available tools list.
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
type ToolListUpdater interface {
	ToolListUpdates() iter.Seq[struct{}]
}

// LogHandler provides an interface for streaming log messages from the MCP server to connected clients.
type LogHandler interface {
	// LogStreams returns an iterator that emits log messages with metadata.
	LogStreams() iter.Seq[LogParams]

	// SetLogLevel configures the minimum severity level for emitted log messages.
	// Messages below this level are filtered out.
	SetLogLevel(level LogLevel)
}

// Client interfaces

// SamplingHandler provides an interface for generating AI model responses based on conversation history.
type SamplingHandler interface {
	// CreateSampleMessage generates a response message based on the provided conversation history and parameters.
	// Returning ErrDeclined answers the server with a user rejection.
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// ElicitationHandler obtains additional input from the user on behalf of the server.
type ElicitationHandler interface {
	// Elicit returns the user's answer. A decline or cancel is a valid result, not an error.
	Elicit(ctx context.Context, params ElicitParams) (ElicitResult, error)
}

// ToolListWatcher provides an interface for receiving notifications when the server's tool list changes.
type ToolListWatcher interface {
	// OnToolListChanged is called when the server notifies that its tool list has changed.
	OnToolListChanged()
}

// ProgressListener provides an interface for receiving progress updates on long-running operations.
// Implementations can use these notifications to update progress bars, status indicators, or other
// UI elements that show operation progress to users.
type ProgressListener interface {
	// OnProgress is called when a progress update is received for an operation.
	OnProgress(params ProgressParams)
}

// LogReceiver provides an interface for receiving log messages from the server.
type LogReceiver interface {
	// OnLog is called when a log message is received from the server.
	OnLog(params LogParams)
}

// ProgressReporter is a function type used to report progress updates for long-running operations.
// Server implementations use this callback to inform clients about operation progress. The token
// of the request being served is filled in by the server.
type ProgressReporter func(progress ProgressParams)

// RequestClientFunc sends a request to the client that issued the request being served and waits
// for its response. The message ID is assigned by the server, so callers only set Method and Params.
type RequestClientFunc func(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error)

// Elicit asks the client for more input from its user.
func (r RequestClientFunc) Elicit(ctx context.Context, params ElicitParams) (ElicitResult, error) {
	var res ElicitResult
	if err := r.call(ctx, MethodElicitationCreate, params, &res); err != nil {
		return ElicitResult{}, err
	}
	return res, nil
}

// CreateMessage asks the client to run a model completion.
func (r RequestClientFunc) CreateMessage(ctx context.Context, params SamplingParams) (SamplingResult, error) {
	var res SamplingResult
	if err := r.call(ctx, MethodSamplingCreateMessage, params, &res); err != nil {
		return SamplingResult{}, err
	}
	return res, nil
}

func (r RequestClientFunc) call(ctx context.Context, method string, params, result any) error {
	if r == nil {
		return fmt.Errorf("no client to send %s to", method)
	}
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := r(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
	if err != nil {
		return fmt.Errorf("failed to request client: %w", err)
	}
	if res.Error != nil {
		return res.Error
	}
	if err := json.Unmarshal(res.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}
