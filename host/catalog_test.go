package host_test

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-host"
	"github.com/MegaGrindStone/go-mcp-host/host"
)

// fakeSession is a ToolSession with canned answers.
type fakeSession struct {
	tools   []mcp.Tool
	listErr error
	// listBlock, when set, makes ListAllTools wait for the context.
	listBlock bool

	call func(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error)

	lock  sync.Mutex
	calls []mcp.CallToolParams
}

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func (f *fakeSession) ListAllTools(ctx context.Context) ([]mcp.Tool, error) {
	if f.listBlock {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.tools, f.listErr
}

func (f *fakeSession) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	f.lock.Lock()
	f.calls = append(f.calls, params)
	f.lock.Unlock()

	if f.call == nil {
		return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("ok")}}, nil
	}
	return f.call(ctx, params)
}

func (f *fakeSession) lastCall() mcp.CallToolParams {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeSession) callCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.calls)
}

func namedTools(names ...string) []mcp.Tool {
	tools := make([]mcp.Tool, len(names))
	for i, name := range names {
		tools[i] = mcp.Tool{Name: name, InputSchema: json.RawMessage(`{"type":"object"}`)}
	}
	return tools
}

func toolIDs(tools []host.Tool) string {
	ids := make([]string, len(tools))
	for i, t := range tools {
		ids[i] = t.ID
	}
	return strings.Join(ids, ",")
}

func TestToolID(t *testing.T) {
	type testCase struct {
		name   string
		server string
		tool   string
		want   string
		prefix string
	}

	testCases := []testCase{
		{name: "plain", server: "math", tool: "addition", want: "mcp-math-addition"},
		{name: "dashes and underscores", server: "my-server", tool: "do_it", want: "mcp-my-server-do_it"},
		{name: "invalid characters", server: "my server", tool: "add.numbers", prefix: "mcp-my_server-add_numbers-"},
		{name: "too long", server: "math", tool: strings.Repeat("x", 80), prefix: "mcp-math-xxxx"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id := host.ToolID(tc.server, tc.tool)
			if !validID.MatchString(id) {
				t.Errorf("ToolID() = %q is not a valid identifier", id)
			}
			if id != host.ToolID(tc.server, tc.tool) {
				t.Error("ToolID() is not deterministic")
			}
			if tc.want != "" && id != tc.want {
				t.Errorf("ToolID() = %q, want %q", id, tc.want)
			}
			if tc.prefix != "" && !strings.HasPrefix(id, tc.prefix) {
				t.Errorf("ToolID() = %q, want prefix %q", id, tc.prefix)
			}
		})
	}

	if host.ToolID("a b", "c") == host.ToolID("a_b", "c.") {
		t.Error("sanitized ids of different pairs should differ")
	}
}

func TestCatalogRebuild(t *testing.T) {
	math := &fakeSession{tools: namedTools("addition", "division")}
	text := &fakeSession{tools: namedTools("upper")}
	broken := &fakeSession{listErr: errors.New("connection refused")}

	catalog := host.NewCatalog()
	catalog.Rebuild(context.Background(), []host.Source{
		{Server: "math", Session: math},
		{Server: "broken", Session: broken},
		{Server: "text", Session: text},
	})

	// Server order follows the sources, tool order follows the server.
	if got, want := toolIDs(catalog.Snapshot()), "mcp-math-addition,mcp-math-division,mcp-text-upper"; got != want {
		t.Errorf("Snapshot() = %s, want %s", got, want)
	}
	if got := catalog.ServerTools("broken"); len(got) != 0 {
		t.Errorf("ServerTools(broken) = %v, want none", got)
	}

	b, err := catalog.Resolve("mcp-math-division")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if b.Session != math || b.Tool.Name != "division" || b.Tool.Server != "math" {
		t.Errorf("Resolve() = %+v", b)
	}
	again, _ := catalog.Resolve("mcp-math-division")
	if again.Session != b.Session || again.Tool.Name != b.Tool.Name {
		t.Error("Resolve() is not stable between rebuilds")
	}

	// Removing the server from the sources removes its tools.
	catalog.Rebuild(context.Background(), []host.Source{{Server: "text", Session: text}})

	if _, err := catalog.Resolve("mcp-math-division"); !errors.Is(err, host.ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool, got %v", err)
	}
	if _, err := catalog.Describe("mcp-text-upper"); err != nil {
		t.Errorf("failed to describe remaining tool: %v", err)
	}
}

func TestCatalogListTimeout(t *testing.T) {
	slow := &fakeSession{listBlock: true}
	fast := &fakeSession{tools: namedTools("ping")}

	catalog := host.NewCatalog(host.WithCatalogListTimeout(50 * time.Millisecond))

	start := time.Now()
	catalog.Rebuild(context.Background(), []host.Source{
		{Server: "slow", Session: slow},
		{Server: "fast", Session: fast},
	})
	if took := time.Since(start); took > time.Second {
		t.Errorf("rebuild took %v", took)
	}
	if got := toolIDs(catalog.Snapshot()); got != "mcp-fast-ping" {
		t.Errorf("Snapshot() = %s, want mcp-fast-ping", got)
	}
}

func TestCatalogIDCollision(t *testing.T) {
	// Both pairs produce mcp-a-b-c.
	first := &fakeSession{tools: namedTools("c")}
	second := &fakeSession{tools: namedTools("b-c")}

	catalog := host.NewCatalog()
	catalog.Rebuild(context.Background(), []host.Source{
		{Server: "a-b", Session: first},
		{Server: "a", Session: second},
	})

	tools := catalog.Snapshot()
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].ID != "mcp-a-b-c" {
		t.Errorf("first id = %q, want mcp-a-b-c", tools[0].ID)
	}
	if tools[1].ID == tools[0].ID || !validID.MatchString(tools[1].ID) {
		t.Errorf("second id = %q, want a distinct valid id", tools[1].ID)
	}

	b, err := catalog.Resolve(tools[1].ID)
	if err != nil || b.Session != second || b.Tool.Name != "b-c" {
		t.Errorf("Resolve(%s) = %+v, %v", tools[1].ID, b, err)
	}

	// Same sources, same ids.
	catalog.Rebuild(context.Background(), []host.Source{
		{Server: "a-b", Session: first},
		{Server: "a", Session: second},
	})
	if got := toolIDs(catalog.Snapshot()); got != toolIDs(tools) {
		t.Errorf("ids changed across rebuilds: %s, was %s", got, toolIDs(tools))
	}
}

func TestCatalogDisplayName(t *testing.T) {
	session := &fakeSession{tools: []mcp.Tool{
		{Name: "titled", Title: "Tool Title", Annotations: &mcp.ToolAnnotations{Title: "Annotation Title"}},
		{Name: "annotated", Annotations: &mcp.ToolAnnotations{Title: "Annotation Title"}},
		{Name: "bare"},
	}}

	catalog := host.NewCatalog()
	catalog.Rebuild(context.Background(), []host.Source{{Server: "s", Session: session}})

	want := []string{"Tool Title", "Annotation Title", "bare"}
	for i, tool := range catalog.Snapshot() {
		if tool.DisplayName != want[i] {
			t.Errorf("%s display name = %q, want %q", tool.Name, tool.DisplayName, want[i])
		}
	}
}

func TestCatalogConcurrentReaders(t *testing.T) {
	small := []host.Source{{Server: "a", Session: &fakeSession{tools: namedTools("x")}}}
	large := []host.Source{
		{Server: "a", Session: &fakeSession{tools: namedTools("x")}},
		{Server: "b", Session: &fakeSession{tools: namedTools("y", "z")}},
	}

	catalog := host.NewCatalog()
	catalog.Rebuild(context.Background(), small)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				// Readers see one whole catalog or the other.
				if n := len(catalog.Snapshot()); n != 1 && n != 3 {
					t.Errorf("observed a catalog of %d tools", n)
					return
				}
			}
		}()
	}

	for i := range 50 {
		if i%2 == 0 {
			catalog.Rebuild(context.Background(), large)
		} else {
			catalog.Rebuild(context.Background(), small)
		}
	}
	close(done)
	wg.Wait()
}
