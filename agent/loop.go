package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MegaGrindStone/go-mcp-host/host"
)

// State is the phase of a Loop.
type State int32

// Observer is told what a Loop is doing, for display. Tool call methods are called from the
// goroutines dispatching the calls, so calls to different servers may arrive concurrently.
type Observer interface {
	StateChanged(state State)
	ToolCallStarted(call ToolCall)
	ToolCallFinished(call ToolCall, outcome host.Outcome)
}

// ObserverFuncs implements Observer with optional functions.
type ObserverFuncs struct {
	OnState   func(state State)
	OnCall    func(call ToolCall)
	OnOutcome func(call ToolCall, outcome host.Outcome)
}

// Loop drives a conversation between the user, a Model and the catalog tools. Each Run takes
// one user message and asks the model for completions until it gives a final answer, calling
// the tools it requests in between.
type Loop struct {
	model    Model
	catalog  *host.Catalog
	executor *host.Executor

	system        string
	maxIterations int
	maxRepeats    int
	maxTokens     int
	temperature   *float64
	observer      Observer

	runLock          sync.Mutex
	state            atomic.Int32
	conversationLock sync.Mutex
	conversation     Conversation

	logger *slog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// Loop states.
const (
	AwaitingUserInput State = iota
	AwaitingModel
	DispatchingTools
	Done
)

const (
	defaultMaxIterations = 10
	defaultMaxRepeats    = 2
)

var (
	// ErrIterationLimit is returned by Run when the model still requests tools after the
	// configured number of completions.
	ErrIterationLimit = errors.New("iteration limit reached")

	// ErrNoProgress is returned by Run when the model keeps requesting the same tool calls.
	ErrNoProgress = errors.New("model repeats the same tool calls")
)

// WithSystemPrompt sets the system prompt sent with every request.
func WithSystemPrompt(prompt string) LoopOption {
	return func(l *Loop) {
		l.system = prompt
	}
}

// WithMaxIterations sets the number of model completions a Run may take. The default is 10.
func WithMaxIterations(n int) LoopOption {
	return func(l *Loop) {
		l.maxIterations = n
	}
}

// WithMaxRepeats sets how many times in a row the model may repeat an identical batch of tool
// calls before Run fails with ErrNoProgress. The default is 2.
func WithMaxRepeats(n int) LoopOption {
	return func(l *Loop) {
		l.maxRepeats = n
	}
}

// WithMaxTokens sets the completion token limit of the requests.
func WithMaxTokens(n int) LoopOption {
	return func(l *Loop) {
		l.maxTokens = n
	}
}

// WithTemperature sets the sampling temperature of the requests.
func WithTemperature(temperature float64) LoopOption {
	return func(l *Loop) {
		l.temperature = &temperature
	}
}

// WithObserver sets the observer of the loop.
func WithObserver(observer Observer) LoopOption {
	return func(l *Loop) {
		l.observer = observer
	}
}

// WithLoopLogger sets the logger of the loop.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger.With(
			slog.String("package", "agent"),
			slog.String("component", "loop"),
		)
	}
}

// NewLoop creates a Loop offering the tools of catalog to model and calling them with executor.
func NewLoop(model Model, catalog *host.Catalog, executor *host.Executor, options ...LoopOption) *Loop {
	l := &Loop{
		model:         model,
		catalog:       catalog,
		executor:      executor,
		maxIterations: defaultMaxIterations,
		maxRepeats:    defaultMaxRepeats,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// Run appends input to the conversation and returns the model's final answer.
//
// Tool calls of one completion that target different servers run concurrently, calls that
// target the same server run one after another in the order the model requested them. Every
// outcome, failures included, is added to the conversation as a tool turn for the model to see.
//
// Run fails with ErrIterationLimit, ErrNoProgress or the model's error. The conversation keeps
// what was added before the failure and the loop waits for the next user message.
func (l *Loop) Run(ctx context.Context, input string) (string, error) {
	l.runLock.Lock()
	defer l.runLock.Unlock()

	l.append(Turn{Role: RoleUser, Content: input})

	var lastBatch string
	repeats := 0
	for iteration := 1; ; iteration++ {
		l.setState(AwaitingModel)

		res, err := l.model.Complete(ctx, l.request())
		if err != nil {
			l.setState(AwaitingUserInput)
			return "", fmt.Errorf("failed to complete conversation: %w", err)
		}

		if res.Kind != ToolCalls || len(res.ToolCalls) == 0 {
			l.append(Turn{Role: RoleAssistant, Content: res.Text})
			l.setState(Done)
			return res.Text, nil
		}

		calls := withCallIDs(res.ToolCalls)
		batch := batchKey(calls)
		if batch == lastBatch {
			repeats++
		} else {
			lastBatch, repeats = batch, 0
		}
		if repeats > l.maxRepeats {
			l.logger.Warn("model repeats tool calls", slog.Int("repeats", repeats), slog.String("calls", batch))
			l.setState(AwaitingUserInput)
			return "", ErrNoProgress
		}
		if iteration >= l.maxIterations {
			l.logger.Warn("iteration limit reached", slog.Int("iterations", iteration))
			l.setState(AwaitingUserInput)
			return "", ErrIterationLimit
		}

		l.logger.Debug("model requested tool calls",
			slog.Int("iteration", iteration),
			slog.Int("calls", len(calls)))

		l.append(Turn{Role: RoleAssistant, Content: res.Text, ToolCalls: calls})
		l.setState(DispatchingTools)

		outcomes := l.dispatch(ctx, calls)
		for i, call := range calls {
			l.append(Turn{Role: RoleTool, Content: outcomes[i].Text(), ToolCallID: call.ID})
		}
	}
}

// State returns the current state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Conversation returns a copy of the conversation turns.
func (l *Loop) Conversation() []Turn {
	l.conversationLock.Lock()
	defer l.conversationLock.Unlock()
	return l.conversation.Turns()
}

// Reset clears the conversation. It waits for a running Run to return.
func (l *Loop) Reset() {
	l.runLock.Lock()
	defer l.runLock.Unlock()

	l.conversationLock.Lock()
	l.conversation.Reset()
	l.conversationLock.Unlock()
	l.setState(AwaitingUserInput)
}

func (l *Loop) request() Request {
	return Request{
		System:      l.system,
		Turns:       l.Conversation(),
		Tools:       l.catalog.Snapshot(),
		MaxTokens:   l.maxTokens,
		Temperature: l.temperature,
	}
}

func (l *Loop) dispatch(ctx context.Context, calls []ToolCall) []host.Outcome {
	outcomes := make([]host.Outcome, len(calls))

	var servers []string
	byServer := make(map[string][]int)
	for i, call := range calls {
		tool, err := l.catalog.Describe(call.Name)
		if err != nil {
			outcomes[i] = l.reject(call, fmt.Sprintf("Unknown tool %q.", call.Name))
			continue
		}
		if !isObject(call.Arguments) {
			outcomes[i] = l.reject(call, fmt.Sprintf("Arguments of %s must be a JSON object, got: %s", call.Name,
				call.Arguments))
			continue
		}
		if _, ok := byServer[tool.Server]; !ok {
			servers = append(servers, tool.Server)
		}
		byServer[tool.Server] = append(byServer[tool.Server], i)
	}

	var wg sync.WaitGroup
	for _, server := range servers {
		wg.Add(1)
		go func(indexes []int) {
			defer wg.Done()
			for _, i := range indexes {
				outcomes[i] = l.invoke(ctx, calls[i])
			}
		}(byServer[server])
	}
	wg.Wait()

	return outcomes
}

func (l *Loop) invoke(ctx context.Context, call ToolCall) host.Outcome {
	if l.observer != nil {
		l.observer.ToolCallStarted(call)
	}

	out, err := l.executor.Invoke(ctx, call.Name, call.Arguments)
	if err != nil {
		// The tool went away between the catalog lookup and the call.
		out = host.Outcome{Kind: host.ToolError, Message: err.Error()}
	}

	if l.observer != nil {
		l.observer.ToolCallFinished(call, out)
	}
	return out
}

// reject reports a call that never reaches a server as a ToolError outcome.
func (l *Loop) reject(call ToolCall, message string) host.Outcome {
	l.logger.Warn("rejected tool call", slog.String("tool", call.Name), slog.String("reason", message))

	out := host.Outcome{Kind: host.ToolError, Message: message}
	if l.observer != nil {
		l.observer.ToolCallStarted(call)
		l.observer.ToolCallFinished(call, out)
	}
	return out
}

func (l *Loop) append(turns ...Turn) {
	l.conversationLock.Lock()
	defer l.conversationLock.Unlock()
	l.conversation.Append(turns...)
}

func (l *Loop) setState(state State) {
	l.state.Store(int32(state))
	if l.observer != nil {
		l.observer.StateChanged(state)
	}
}

func (s State) String() string {
	switch s {
	case AwaitingUserInput:
		return "awaiting_user_input"
	case AwaitingModel:
		return "awaiting_model"
	case DispatchingTools:
		return "dispatching_tools"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// StateChanged calls OnState if set.
func (o ObserverFuncs) StateChanged(state State) {
	if o.OnState != nil {
		o.OnState(state)
	}
}

// ToolCallStarted calls OnCall if set.
func (o ObserverFuncs) ToolCallStarted(call ToolCall) {
	if o.OnCall != nil {
		o.OnCall(call)
	}
}

// ToolCallFinished calls OnOutcome if set.
func (o ObserverFuncs) ToolCallFinished(call ToolCall, outcome host.Outcome) {
	if o.OnOutcome != nil {
		o.OnOutcome(call, outcome)
	}
}

func withCallIDs(calls []ToolCall) []ToolCall {
	out := make([]ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = "call_" + uuid.New().String()
		}
		out[i] = call
	}
	return out
}

// batchKey identifies a batch of calls by tool and arguments, ignoring the call ids the model
// makes up.
func batchKey(calls []ToolCall) string {
	var b strings.Builder
	for _, call := range calls {
		b.WriteString(call.Name)
		b.WriteByte(' ')
		var compact bytes.Buffer
		if err := json.Compact(&compact, call.Arguments); err == nil {
			b.Write(compact.Bytes())
		} else {
			b.Write(call.Arguments)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// isObject reports whether args is a JSON object. Missing arguments count as an empty one.
func isObject(args json.RawMessage) bool {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 {
		return true
	}
	return trimmed[0] == '{' && json.Valid(trimmed)
}
