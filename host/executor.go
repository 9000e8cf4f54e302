package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MegaGrindStone/go-mcp-host"
	"github.com/MegaGrindStone/go-mcp-host/internal/logctx"
)

// OutcomeKind tags an Outcome.
type OutcomeKind int

// FailureKind classifies a ProtocolError outcome.
type FailureKind string

// Outcome is the normalized result of one tool invocation.
type Outcome struct {
	Kind OutcomeKind
	// CallID identifies the invocation, it is also the progress token sent to the server.
	CallID string

	// Payload is set on Success: the structured content when the server sent any, the content
	// list otherwise.
	Payload json.RawMessage
	// Message is the tool's error text on ToolError, the reason on Declined and a description of
	// the failure on ProtocolError.
	Message string
	Failure FailureKind
	// Code is the JSON-RPC error code of a Remote failure.
	Code int
}

// Approver is consulted before a tool that isn't annotated read-only is called. A non-nil error
// declines the call with the error's text as reason.
type Approver interface {
	Approve(ctx context.Context, tool Tool, arguments json.RawMessage) error
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, tool Tool, arguments json.RawMessage) error

// Executor invokes catalog tools on their sessions.
type Executor struct {
	catalog  *Catalog
	timeout  time.Duration
	approver Approver

	logger *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// Outcome kinds.
const (
	Success OutcomeKind = iota
	ToolError
	ProtocolError
	Declined
)

// Failure kinds of a ProtocolError.
const (
	FailureTransport FailureKind = "transport"
	FailureTimeout   FailureKind = "timeout"
	FailureRemote    FailureKind = "remote"
	FailureMalformed FailureKind = "malformed"
	FailureCancelled FailureKind = "cancelled"
)

// WithExecutorTimeout bounds every invocation. The server is told to stop when it runs out.
func WithExecutorTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = timeout
	}
}

// WithApprover sets the approver of tools that may modify their environment.
func WithApprover(approver Approver) ExecutorOption {
	return func(e *Executor) {
		e.approver = approver
	}
}

// WithExecutorLogger sets the logger of the executor.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger.With(
			slog.String("package", "host"),
			slog.String("component", "executor"),
		)
	}
}

// NewExecutor creates an Executor over catalog.
func NewExecutor(catalog *Catalog, options ...ExecutorOption) *Executor {
	e := &Executor{
		catalog: catalog,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Invoke calls the tool with catalog id and arguments, a JSON object. The only error is
// ErrUnknownTool, every other failure is reported by the Outcome. Server requests made while
// the call is outstanding are served by the Router before Invoke returns.
func (e *Executor) Invoke(ctx context.Context, id string, arguments json.RawMessage) (Outcome, error) {
	b, err := e.catalog.Resolve(id)
	if err != nil {
		return Outcome{}, err
	}

	callID := uuid.New().String()
	ctx = logctx.WithCallData(ctx, &logctx.CallData{
		CallID:    callID,
		Server:    b.Tool.Server,
		Tool:      b.Tool.Name,
		CatalogID: b.Tool.ID,
	})

	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}

	if e.approver != nil && !b.Tool.ReadOnly() {
		if err := e.approver.Approve(ctx, b.Tool, arguments); err != nil {
			e.logger.InfoContext(ctx, "tool call declined", slog.String("reason", err.Error()))
			return Outcome{Kind: Declined, CallID: callID, Message: err.Error()}, nil
		}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	e.logger.DebugContext(ctx, "calling tool")

	res, err := b.Session.CallTool(ctx, mcp.CallToolParams{
		Name:      b.Tool.Name,
		Arguments: arguments,
		Meta:      &mcp.ParamsMeta{ProgressToken: mcp.MustString(callID)},
	})
	if err != nil {
		out := failureOutcome(err)
		out.CallID = callID
		e.logger.WarnContext(ctx, "tool call failed",
			slog.String("failure", string(out.Failure)),
			slog.String("err", err.Error()))
		return out, nil
	}

	e.logger.DebugContext(ctx, "tool call finished",
		slog.Bool("isError", res.IsError),
		slog.Duration("took", time.Since(start)))

	if res.IsError {
		return Outcome{Kind: ToolError, CallID: callID, Message: res.Text()}, nil
	}

	payload := res.StructuredContent
	if len(payload) == 0 {
		content := res.Content
		if content == nil {
			content = []mcp.Content{}
		}
		if payload, err = json.Marshal(content); err != nil {
			return Outcome{
				Kind:    ProtocolError,
				CallID:  callID,
				Failure: FailureMalformed,
				Message: fmt.Sprintf("failed to encode tool content: %s", err),
			}, nil
		}
	}
	return Outcome{Kind: Success, CallID: callID, Payload: payload}, nil
}

func failureOutcome(err error) Outcome {
	out := Outcome{Kind: ProtocolError, Message: err.Error()}

	var rpcErr *mcp.JSONRPCError
	switch {
	case errors.As(err, &rpcErr):
		out.Failure = FailureRemote
		out.Code = rpcErr.Code
		out.Message = rpcErr.Message
	case errors.Is(err, mcp.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		out.Failure = FailureTimeout
	case errors.Is(err, context.Canceled):
		out.Failure = FailureCancelled
	case errors.Is(err, mcp.ErrMalformedMessage):
		out.Failure = FailureMalformed
	default:
		// Closed sessions and failed writes alike: the transport can't carry the call.
		out.Failure = FailureTransport
	}
	return out
}

// Text renders the outcome for a model's tool-result turn.
func (o Outcome) Text() string {
	switch o.Kind {
	case Success:
		return string(o.Payload)
	case ToolError:
		return o.Message
	case Declined:
		return "The tool call was declined: " + o.Message
	default:
		if o.Failure == FailureRemote {
			return fmt.Sprintf("The tool call failed (%s error %d): %s", o.Failure, o.Code, o.Message)
		}
		return fmt.Sprintf("The tool call failed (%s): %s", o.Failure, o.Message)
	}
}

// IsError reports whether the outcome is anything but a Success.
func (o Outcome) IsError() bool {
	return o.Kind != Success
}

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case ToolError:
		return "tool error"
	case ProtocolError:
		return "protocol error"
	case Declined:
		return "declined"
	default:
		return "unknown"
	}
}

// Approve calls f.
func (f ApproverFunc) Approve(ctx context.Context, tool Tool, arguments json.RawMessage) error {
	return f(ctx, tool, arguments)
}
