package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-host"
	"github.com/MegaGrindStone/go-mcp-host/agent"
	"github.com/MegaGrindStone/go-mcp-host/host"
	"github.com/MegaGrindStone/go-mcp-host/servers/arithmetic"
)

// scriptedModel answers with one step per completion and records the requests.
type scriptedModel struct {
	lock     sync.Mutex
	steps    []func(req agent.Request) (agent.Response, error)
	requests []agent.Request
}

type stubSession struct {
	tools []mcp.Tool
	call  func(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error)
}

type stateRecorder struct {
	lock   sync.Mutex
	states []agent.State
	calls  []string
}

func (m *scriptedModel) Complete(_ context.Context, req agent.Request) (agent.Response, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.requests = append(m.requests, req)
	if len(m.steps) == 0 {
		return agent.Response{}, errors.New("no more steps")
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	return step(req)
}

func (s *stubSession) ListAllTools(context.Context) ([]mcp.Tool, error) {
	return s.tools, nil
}

func (s *stubSession) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if s.call == nil {
		return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("ok")}}, nil
	}
	return s.call(ctx, params)
}

func (r *stateRecorder) StateChanged(state agent.State) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) ToolCallStarted(call agent.ToolCall) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.calls = append(r.calls, "start "+call.Name)
}

func (r *stateRecorder) ToolCallFinished(call agent.ToolCall, outcome host.Outcome) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("finish %s %s", call.Name, outcome.Kind))
}

func final(text string) func(agent.Request) (agent.Response, error) {
	return func(agent.Request) (agent.Response, error) {
		return agent.Response{Kind: agent.Final, Text: text}, nil
	}
}

func callTools(calls ...agent.ToolCall) func(agent.Request) (agent.Response, error) {
	return func(agent.Request) (agent.Response, error) {
		return agent.Response{Kind: agent.ToolCalls, ToolCalls: calls}, nil
	}
}

func toolCall(id, name, args string) agent.ToolCall {
	return agent.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func namedTools(names ...string) []mcp.Tool {
	tools := make([]mcp.Tool, len(names))
	for i, name := range names {
		tools[i] = mcp.Tool{Name: name, InputSchema: json.RawMessage(`{"type":"object"}`)}
	}
	return tools
}

func newCatalog(sources ...host.Source) *host.Catalog {
	catalog := host.NewCatalog()
	catalog.Rebuild(context.Background(), sources)
	return catalog
}

// newArithmeticCatalog registers the arithmetic server as "math" and returns the registry's catalog.
func newArithmeticCatalog(t *testing.T, routerOptions ...host.RouterOption) *host.Catalog {
	t.Helper()

	registry := host.NewRegistry(
		mcp.Info{Name: "test-host", Version: "1.0"},
		host.NewRouter(routerOptions...),
		host.NewCatalog(),
		host.WithTransportFactory(func(host.Endpoint) (mcp.ClientTransport, error) {
			return arithmetic.NewPipeTransport("test"), nil
		}),
	)
	t.Cleanup(func() { _ = registry.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := registry.Add(ctx, "math", host.Endpoint{Command: "arithmetic"}); err != nil {
		t.Fatalf("failed to add arithmetic server: %v", err)
	}
	return registry.Catalog()
}

func runLoop(t *testing.T, loop *agent.Loop, input string) (string, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return loop.Run(ctx, input)
}

func TestLoopTwoToolCalls(t *testing.T) {
	catalog := newArithmeticCatalog(t)

	model := &scriptedModel{steps: []func(agent.Request) (agent.Response, error){
		callTools(toolCall("c1", "mcp-math-addition", `{"left":5,"right":3}`)),
		func(req agent.Request) (agent.Response, error) {
			last := req.Turns[len(req.Turns)-1]
			if last.Role != agent.RoleTool || last.Content != `{"sum":8}` {
				return agent.Response{}, fmt.Errorf("unexpected last turn %+v", last)
			}
			return agent.Response{Kind: agent.ToolCalls, ToolCalls: []agent.ToolCall{
				toolCall("c2", "mcp-math-division", `{"dividend":8,"divisor":2}`),
			}}, nil
		},
		final("(5 + 3) / 2 = 4"),
	}}
	recorder := &stateRecorder{}
	loop := agent.NewLoop(model, catalog, host.NewExecutor(catalog),
		agent.WithSystemPrompt("You are a calculator."), agent.WithObserver(recorder))

	answer, err := runLoop(t, loop, "What is (5 + 3) / 2?")
	if err != nil {
		t.Fatalf("failed to run: %v", err)
	}
	if answer != "(5 + 3) / 2 = 4" {
		t.Errorf("answer = %q", answer)
	}
	if loop.State() != agent.Done {
		t.Errorf("state = %s, want done", loop.State())
	}

	type turn struct {
		role    agent.Role
		content string
		calls   int
		callID  string
	}
	want := []turn{
		{role: agent.RoleUser, content: "What is (5 + 3) / 2?"},
		{role: agent.RoleAssistant, calls: 1},
		{role: agent.RoleTool, content: `{"sum":8}`, callID: "c1"},
		{role: agent.RoleAssistant, calls: 1},
		{role: agent.RoleTool, content: `{"quotient":4}`, callID: "c2"},
		{role: agent.RoleAssistant, content: "(5 + 3) / 2 = 4"},
	}
	turns := loop.Conversation()
	if len(turns) != len(want) {
		t.Fatalf("got %d turns, want %d: %+v", len(turns), len(want), turns)
	}
	for i, w := range want {
		got := turns[i]
		if got.Role != w.role || got.Content != w.content || len(got.ToolCalls) != w.calls || got.ToolCallID != w.callID {
			t.Errorf("turn %d = %+v, want %+v", i, got, w)
		}
	}

	if len(model.requests) != 3 {
		t.Fatalf("model asked %d times, want 3", len(model.requests))
	}
	first := model.requests[0]
	if first.System != "You are a calculator." || len(first.Tools) != 9 {
		t.Errorf("first request: system %q with %d tools", first.System, len(first.Tools))
	}

	wantStates := []agent.State{
		agent.AwaitingModel, agent.DispatchingTools,
		agent.AwaitingModel, agent.DispatchingTools,
		agent.AwaitingModel, agent.Done,
	}
	if !slices.Equal(recorder.states, wantStates) {
		t.Errorf("states = %v, want %v", recorder.states, wantStates)
	}
	wantCalls := []string{
		"start mcp-math-addition", "finish mcp-math-addition success",
		"start mcp-math-division", "finish mcp-math-division success",
	}
	if !slices.Equal(recorder.calls, wantCalls) {
		t.Errorf("observed calls = %v, want %v", recorder.calls, wantCalls)
	}
}

func TestLoopToolErrorsReachModel(t *testing.T) {
	catalog := newArithmeticCatalog(t, host.WithElicitor(host.DeclineElicitor{}))

	model := &scriptedModel{steps: []func(agent.Request) (agent.Response, error){
		callTools(
			toolCall("c1", "mcp-math-exponentiation", `{"base":64,"exponent":0.5}`),
			toolCall("c2", "mcp-math-missing", `{}`),
			toolCall("c3", "mcp-math-addition", `[5, 3]`),
			toolCall("c4", "mcp-math-division", `{"dividend":1,"divisor":0}`),
		),
		final("I can't."),
	}}
	loop := agent.NewLoop(model, catalog, host.NewExecutor(catalog))

	if _, err := runLoop(t, loop, "go"); err != nil {
		t.Fatalf("failed to run: %v", err)
	}

	turns := model.requests[1].Turns
	results := turns[len(turns)-4:]
	want := []struct {
		callID   string
		contains string
	}{
		{callID: "c1", contains: "Only integer powers are currently supported."},
		{callID: "c2", contains: `Unknown tool "mcp-math-missing"`},
		{callID: "c3", contains: "must be a JSON object"},
		{callID: "c4", contains: "Multiplicative inverse is not defined for additive identity."},
	}
	for i, w := range want {
		if results[i].Role != agent.RoleTool || results[i].ToolCallID != w.callID {
			t.Errorf("turn %d = %+v, want the result of %s", i, results[i], w.callID)
		}
		if !strings.Contains(results[i].Content, w.contains) {
			t.Errorf("result of %s = %q, want it to contain %q", w.callID, results[i].Content, w.contains)
		}
	}
}

func TestLoopIterationLimit(t *testing.T) {
	session := &stubSession{tools: namedTools("count")}
	catalog := newCatalog(host.Source{Server: "s", Session: session})

	var n atomic.Int32
	model := agent.ModelFunc(func(context.Context, agent.Request) (agent.Response, error) {
		i := n.Add(1)
		return agent.Response{Kind: agent.ToolCalls, ToolCalls: []agent.ToolCall{
			toolCall("", "mcp-s-count", fmt.Sprintf(`{"n":%d}`, i)),
		}}, nil
	})
	loop := agent.NewLoop(model, catalog, host.NewExecutor(catalog), agent.WithMaxIterations(3))

	if _, err := runLoop(t, loop, "count"); !errors.Is(err, agent.ErrIterationLimit) {
		t.Fatalf("expected ErrIterationLimit, got %v", err)
	}
	if got := n.Load(); got != 3 {
		t.Errorf("model asked %d times, want 3", got)
	}
	if loop.State() != agent.AwaitingUserInput {
		t.Errorf("state = %s, want awaiting_user_input", loop.State())
	}

	// Every dispatched call got its result, and call ids were filled in.
	var calls, results int
	for _, turn := range loop.Conversation() {
		for _, call := range turn.ToolCalls {
			calls++
			if !strings.HasPrefix(call.ID, "call_") {
				t.Errorf("call id = %q, want a generated one", call.ID)
			}
		}
		if turn.Role == agent.RoleTool {
			results++
		}
	}
	if calls != 2 || results != 2 {
		t.Errorf("conversation has %d calls and %d results, want 2 and 2", calls, results)
	}
}

func TestLoopNoProgress(t *testing.T) {
	var invoked atomic.Int32
	session := &stubSession{
		tools: namedTools("stuck"),
		call: func(context.Context, mcp.CallToolParams) (mcp.CallToolResult, error) {
			invoked.Add(1)
			return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("same")}}, nil
		},
	}
	catalog := newCatalog(host.Source{Server: "s", Session: session})

	var n atomic.Int32
	model := agent.ModelFunc(func(context.Context, agent.Request) (agent.Response, error) {
		i := n.Add(1)
		// Call ids differ and the arguments are formatted differently, the batch is the same.
		args := `{"x": 1}`
		if i%2 == 0 {
			args = `{"x":1}`
		}
		return agent.Response{Kind: agent.ToolCalls, ToolCalls: []agent.ToolCall{
			toolCall(fmt.Sprintf("c%d", i), "mcp-s-stuck", args),
		}}, nil
	})
	loop := agent.NewLoop(model, catalog, host.NewExecutor(catalog), agent.WithMaxRepeats(2))

	if _, err := runLoop(t, loop, "go"); !errors.Is(err, agent.ErrNoProgress) {
		t.Fatalf("expected ErrNoProgress, got %v", err)
	}
	if got := n.Load(); got != 4 {
		t.Errorf("model asked %d times, want 4", got)
	}
	if got := invoked.Load(); got != 3 {
		t.Errorf("tool invoked %d times, want 3", got)
	}
}

func TestLoopModelError(t *testing.T) {
	catalog := newCatalog()
	providerErr := errors.New("rate limited")
	model := agent.ModelFunc(func(context.Context, agent.Request) (agent.Response, error) {
		return agent.Response{}, providerErr
	})
	loop := agent.NewLoop(model, catalog, host.NewExecutor(catalog))

	if _, err := runLoop(t, loop, "hello"); !errors.Is(err, providerErr) {
		t.Fatalf("expected the provider error, got %v", err)
	}
	if loop.State() != agent.AwaitingUserInput {
		t.Errorf("state = %s, want awaiting_user_input", loop.State())
	}
	turns := loop.Conversation()
	if len(turns) != 1 || turns[0].Role != agent.RoleUser {
		t.Errorf("conversation = %+v, want only the user turn", turns)
	}

	loop.Reset()
	if len(loop.Conversation()) != 0 {
		t.Error("conversation not empty after Reset")
	}
}

func TestLoopDispatch(t *testing.T) {
	bStarted := make(chan struct{})
	var active, maxActive atomic.Int32
	a := &stubSession{
		tools: namedTools("x"),
		call: func(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
			n := active.Add(1)
			defer active.Add(-1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}

			// Only finishes when the call to b runs at the same time.
			select {
			case <-bStarted:
			case <-time.After(2 * time.Second):
				return mcp.CallToolResult{}, errors.New("b never started")
			}
			var args struct{ N int }
			_ = json.Unmarshal(params.Arguments, &args)
			return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(fmt.Sprintf("a%d", args.N))}}, nil
		},
	}
	b := &stubSession{
		tools: namedTools("y"),
		call: func(context.Context, mcp.CallToolParams) (mcp.CallToolResult, error) {
			close(bStarted)
			return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("b")}}, nil
		},
	}
	catalog := newCatalog(host.Source{Server: "a", Session: a}, host.Source{Server: "b", Session: b})

	model := &scriptedModel{steps: []func(agent.Request) (agent.Response, error){
		callTools(
			toolCall("1", "mcp-a-x", `{"n":1}`),
			toolCall("2", "mcp-b-y", `{}`),
			toolCall("3", "mcp-a-x", `{"n":2}`),
		),
		final("done"),
	}}
	loop := agent.NewLoop(model, catalog, host.NewExecutor(catalog))

	if _, err := runLoop(t, loop, "go"); err != nil {
		t.Fatalf("failed to run: %v", err)
	}

	if got := maxActive.Load(); got != 1 {
		t.Errorf("%d calls ran at once on the same server, want 1", got)
	}

	turns := model.requests[1].Turns
	results := turns[len(turns)-3:]
	want := []string{"1:a1", "2:b", "3:a2"}
	for i, w := range want {
		id, text, _ := strings.Cut(w, ":")
		if results[i].ToolCallID != id || results[i].Content != `[{"type":"text","text":"`+text+`"}]` {
			t.Errorf("result %d = %s %s, want %s", i, results[i].ToolCallID, results[i].Content, w)
		}
	}
}

func TestLoopCancelled(t *testing.T) {
	session := &stubSession{
		tools: namedTools("slow"),
		call: func(ctx context.Context, _ mcp.CallToolParams) (mcp.CallToolResult, error) {
			<-ctx.Done()
			return mcp.CallToolResult{}, fmt.Errorf("tools/call: %w", ctx.Err())
		},
	}
	catalog := newCatalog(host.Source{Server: "s", Session: session})

	ctx, cancel := context.WithCancel(context.Background())
	model := agent.ModelFunc(func(ctx context.Context, req agent.Request) (agent.Response, error) {
		if err := ctx.Err(); err != nil {
			return agent.Response{}, err
		}
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		return agent.Response{Kind: agent.ToolCalls, ToolCalls: []agent.ToolCall{toolCall("1", "mcp-s-slow", `{}`)}}, nil
	})
	loop := agent.NewLoop(model, catalog, host.NewExecutor(catalog))

	done := make(chan error, 1)
	go func() {
		_, err := loop.Run(ctx, "go")
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run not cancelled")
	}

	turns := loop.Conversation()
	last := turns[len(turns)-1]
	if last.Role != agent.RoleTool || !strings.Contains(last.Content, "cancelled") {
		t.Errorf("last turn = %+v, want the cancelled outcome", last)
	}
}
