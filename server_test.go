package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-mcp-host"
)

// mockToolServer serves a fixed set of tools whose behavior is chosen by name:
//
//	echo       returns its arguments as structured content
//	progress   reports three progress steps before answering
//	fail       fails with "tool failed"
//	ask-twice  elicits twice, in order, and reports both actions
//	sample     asks the client for a completion and returns its text
//	block      waits until the call is cancelled
type mockToolServer struct {
	lock       sync.Mutex
	listParams []mcp.ListToolsParams
	callParams mcp.CallToolParams

	started   chan struct{}
	cancelled chan struct{}
}

type mockToolListUpdater struct {
	ch   chan struct{}
	done chan struct{}
}

type mockLogHandler struct {
	lock   sync.Mutex
	level  mcp.LogLevel
	params chan mcp.LogParams
	done   chan struct{}
}

func newMockToolServer() *mockToolServer {
	return &mockToolServer{
		started:   make(chan struct{}, 1),
		cancelled: make(chan struct{}, 1),
	}
}

func newMockToolListUpdater() mockToolListUpdater {
	return mockToolListUpdater{
		ch:   make(chan struct{}),
		done: make(chan struct{}),
	}
}

func newMockLogHandler() *mockLogHandler {
	return &mockLogHandler{
		level:  mcp.LogLevelDebug,
		params: make(chan mcp.LogParams),
		done:   make(chan struct{}),
	}
}

func (m *mockToolServer) ListTools(
	_ context.Context,
	params mcp.ListToolsParams,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.ListToolsResult, error) {
	m.lock.Lock()
	m.listParams = append(m.listParams, params)
	m.lock.Unlock()

	// Two pages: the first page points to the second through the cursor.
	switch params.Cursor {
	case "":
		return mcp.ListToolsResult{
			Tools: []mcp.Tool{
				{Name: "echo", Description: "Echo the arguments", InputSchema: json.RawMessage(`{"type":"object"}`)},
				{Name: "progress", InputSchema: json.RawMessage(`{"type":"object"}`)},
				{Name: "fail", InputSchema: json.RawMessage(`{"type":"object"}`)},
			},
			NextCursor: "page-2",
		}, nil
	case "page-2":
		return mcp.ListToolsResult{
			Tools: []mcp.Tool{
				{Name: "ask-twice", InputSchema: json.RawMessage(`{"type":"object"}`)},
				{Name: "sample", InputSchema: json.RawMessage(`{"type":"object"}`)},
				{Name: "block", InputSchema: json.RawMessage(`{"type":"object"}`)},
			},
		}, nil
	default:
		return mcp.ListToolsResult{}, fmt.Errorf("unknown cursor %q", params.Cursor)
	}
}

func (m *mockToolServer) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	reportProgress mcp.ProgressReporter,
	requestClient mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	m.lock.Lock()
	m.callParams = params
	m.lock.Unlock()

	switch params.Name {
	case "echo":
		return mcp.CallToolResult{
			Content:           []mcp.Content{mcp.TextContent(string(params.Arguments))},
			StructuredContent: params.Arguments,
		}, nil
	case "progress":
		for i := 1; i <= 3; i++ {
			reportProgress(mcp.ProgressParams{Progress: float64(i), Total: 3})
		}
		return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("done")}}, nil
	case "fail":
		return mcp.CallToolResult{}, errors.New("tool failed")
	case "ask-twice":
		actions := make([]string, 0, 2)
		for _, question := range []string{"first", "second"} {
			res, err := requestClient.Elicit(ctx, mcp.ElicitParams{
				Message: question,
				RequestedSchema: mcp.ElicitationSchema{
					Type: "object",
					Properties: map[string]mcp.ElicitationProperty{
						"value": {Type: "number"},
					},
				},
			})
			if err != nil {
				return mcp.CallToolResult{}, fmt.Errorf("failed to elicit %s: %w", question, err)
			}
			actions = append(actions, string(res.Action))
		}
		return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(strings.Join(actions, ","))}}, nil
	case "sample":
		res, err := requestClient.CreateMessage(ctx, mcp.SamplingParams{
			Messages: []mcp.SamplingMessage{
				{Role: mcp.RoleUser, Content: mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "say hello"}},
			},
			MaxTokens: 16,
		})
		if err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("failed to sample: %w", err)
		}
		return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(res.Content.Text)}}, nil
	case "block":
		m.started <- struct{}{}
		select {
		case <-ctx.Done():
			m.cancelled <- struct{}{}
			return mcp.CallToolResult{}, ctx.Err()
		case <-time.After(10 * time.Second):
			return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("unblocked")}}, nil
		}
	default:
		return mcp.CallToolResult{}, fmt.Errorf("unknown tool %q", params.Name)
	}
}

func (m mockToolListUpdater) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-m.done:
				return
			case <-m.ch:
				if !yield(struct{}{}) {
					return
				}
			}
		}
	}
}

func (m *mockLogHandler) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-m.done:
				return
			case params := <-m.params:
				if !yield(params) {
					return
				}
			}
		}
	}
}

func (m *mockLogHandler) SetLogLevel(level mcp.LogLevel) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.level = level
}

func (m *mockLogHandler) currentLevel() mcp.LogLevel {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.level
}
