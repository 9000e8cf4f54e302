package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/MegaGrindStone/go-mcp-host/agent"
	"github.com/MegaGrindStone/go-mcp-host/host"
	"github.com/MegaGrindStone/go-mcp-host/llm"
)

type chatRequest struct {
	Model     string   `json:"model"`
	MaxTokens int      `json:"max_tokens"`
	Stop      []string `json:"stop"`
	Messages  []struct {
		Role       string `json:"role"`
		Content    string `json:"content"`
		ToolCallID string `json:"tool_call_id"`
		ToolCalls  []struct {
			ID       string `json:"id"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"messages"`
	Tools []struct {
		Type     string `json:"type"`
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
	} `json:"tools"`
}

// chatServer answers every chat completion with reply and keeps the last request.
type chatServer struct {
	*httptest.Server

	path    string
	header  http.Header
	request chatRequest
}

func newChatServer(t *testing.T, status int, reply string) *chatServer {
	t.Helper()

	s := &chatServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.path = r.URL.Path
		s.header = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&s.request); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(s.Close)
	return s
}

const finalReply = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"model": "gpt-4o-mini-2024-07-18",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "(5 + 3) / 2 = 4"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

const toolCallReply = `{
	"id": "chatcmpl-2",
	"object": "chat.completion",
	"model": "gpt-4o-mini",
	"choices": [{
		"index": 0,
		"message": {
			"role": "assistant",
			"tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "mcp-math-addition", "arguments": "{\"left\":5,\"right\":3}"}},
				{"id": "call_2", "type": "function", "function": {"name": "mcp-math-negation", "arguments": ""}}
			]
		},
		"finish_reason": "tool_calls"
	}]
}`

func conversation() agent.Request {
	return agent.Request{
		System: "You are a calculator.",
		Turns: []agent.Turn{
			{Role: agent.RoleUser, Content: "What is (5 + 3) / 2?"},
			{Role: agent.RoleAssistant, ToolCalls: []agent.ToolCall{
				{ID: "call_1", Name: "mcp-math-addition", Arguments: json.RawMessage(`{"left":5,"right":3}`)},
			}},
			{Role: agent.RoleTool, Content: `{"sum":8}`, ToolCallID: "call_1"},
		},
		Tools: []host.Tool{
			{ID: "mcp-math-addition", Name: "addition", DisplayName: "Add Numbers", Description: "Perform addition",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"left":{"type":"number"}}}`)},
			{ID: "mcp-math-noop", Name: "noop", DisplayName: "No-op"},
		},
		StopSequences: []string{"END"},
	}
}

func TestOpenAIFinal(t *testing.T) {
	srv := newChatServer(t, http.StatusOK, finalReply)

	cfg := openai.DefaultConfig("secret")
	cfg.BaseURL = srv.URL + "/v1"
	model := llm.NewOpenAI(cfg, "gpt-4o-mini", llm.WithMaxTokens(4096), llm.WithTemperature(0.1))

	res, err := model.Complete(context.Background(), conversation())
	if err != nil {
		t.Fatalf("failed to complete: %v", err)
	}
	if res.Kind != agent.Final || res.Text != "(5 + 3) / 2 = 4" || res.Model != "gpt-4o-mini-2024-07-18" {
		t.Errorf("response = %+v", res)
	}

	if srv.path != "/v1/chat/completions" {
		t.Errorf("path = %s", srv.path)
	}
	if got := srv.header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("authorization = %q", got)
	}

	req := srv.request
	if req.Model != "gpt-4o-mini" || req.MaxTokens != 4096 || len(req.Stop) != 1 {
		t.Errorf("request = %+v", req)
	}
	if len(req.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(req.Messages))
	}
	roles := []string{"system", "user", "assistant", "tool"}
	for i, role := range roles {
		if req.Messages[i].Role != role {
			t.Errorf("message %d role = %s, want %s", i, req.Messages[i].Role, role)
		}
	}
	assistant := req.Messages[2]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].Function.Name != "mcp-math-addition" ||
		assistant.ToolCalls[0].Function.Arguments != `{"left":5,"right":3}` {
		t.Errorf("assistant message = %+v", assistant)
	}
	if req.Messages[3].ToolCallID != "call_1" || req.Messages[3].Content != `{"sum":8}` {
		t.Errorf("tool message = %+v", req.Messages[3])
	}

	if len(req.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(req.Tools))
	}
	if req.Tools[0].Type != "function" || req.Tools[0].Function.Name != "mcp-math-addition" ||
		!strings.Contains(string(req.Tools[0].Function.Parameters), `"left"`) {
		t.Errorf("first tool = %+v", req.Tools[0])
	}
	if req.Tools[1].Function.Description != "No-op" || !strings.Contains(string(req.Tools[1].Function.Parameters), "object") {
		t.Errorf("tool without description or schema = %+v", req.Tools[1])
	}
}

func TestOpenAIToolCalls(t *testing.T) {
	srv := newChatServer(t, http.StatusOK, toolCallReply)

	cfg := openai.DefaultConfig("secret")
	cfg.BaseURL = srv.URL + "/v1"
	res, err := llm.NewOpenAI(cfg, "gpt-4o-mini").Complete(context.Background(), agent.Request{
		Turns: []agent.Turn{{Role: agent.RoleUser, Content: "5 + 3, negated"}},
	})
	if err != nil {
		t.Fatalf("failed to complete: %v", err)
	}

	if res.Kind != agent.ToolCalls || len(res.ToolCalls) != 2 {
		t.Fatalf("response = %+v, want two tool calls", res)
	}
	first := res.ToolCalls[0]
	if first.ID != "call_1" || first.Name != "mcp-math-addition" || string(first.Arguments) != `{"left":5,"right":3}` {
		t.Errorf("first call = %+v", first)
	}
	if res.ToolCalls[1].Arguments != nil {
		t.Errorf("second call arguments = %s, want none", res.ToolCalls[1].Arguments)
	}
	if len(srv.request.Tools) != 0 {
		t.Errorf("sent %d tools, want none", len(srv.request.Tools))
	}
}

func TestOpenAIErrors(t *testing.T) {
	t.Run("api error", func(t *testing.T) {
		srv := newChatServer(t, http.StatusTooManyRequests,
			`{"error": {"message": "Rate limit reached", "type": "requests", "code": "rate_limit_exceeded"}}`)

		cfg := openai.DefaultConfig("secret")
		cfg.BaseURL = srv.URL + "/v1"
		_, err := llm.NewOpenAI(cfg, "gpt-4o-mini").Complete(context.Background(), agent.Request{})

		var apiErr *openai.APIError
		if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode != http.StatusTooManyRequests {
			t.Errorf("expected an APIError with status 429, got %v", err)
		}
	})

	t.Run("no choices", func(t *testing.T) {
		srv := newChatServer(t, http.StatusOK, `{"id": "x", "choices": []}`)

		cfg := openai.DefaultConfig("secret")
		cfg.BaseURL = srv.URL + "/v1"
		if _, err := llm.NewOpenAI(cfg, "gpt-4o-mini").Complete(context.Background(), agent.Request{}); err == nil {
			t.Error("expected an error for a response without choices")
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("azure", func(t *testing.T) {
		srv := newChatServer(t, http.StatusOK, finalReply)

		model, err := llm.New(context.Background(), llm.Config{
			Provider:   llm.ProviderAzure,
			Model:      "gpt-4o-mini",
			APIKey:     "secret",
			BaseURL:    srv.URL,
			APIVersion: "2024-06-01",
		})
		if err != nil {
			t.Fatalf("failed to create model: %v", err)
		}
		if _, err := model.Complete(context.Background(), conversation()); err != nil {
			t.Fatalf("failed to complete: %v", err)
		}
		if srv.path != "/openai/deployments/gpt-4o-mini/chat/completions" {
			t.Errorf("path = %s", srv.path)
		}
		if got := srv.header.Get("api-key"); got != "secret" {
			t.Errorf("api-key = %q", got)
		}
	})

	t.Run("hosted", func(t *testing.T) {
		srv := newChatServer(t, http.StatusOK, finalReply)

		model, err := llm.New(context.Background(), llm.Config{
			Provider:  llm.ProviderHosted,
			Model:     "llama3",
			BaseURL:   srv.URL + "/api/v1",
			MaxTokens: 100,
		})
		if err != nil {
			t.Fatalf("failed to create model: %v", err)
		}
		if _, err := model.Complete(context.Background(), conversation()); err != nil {
			t.Fatalf("failed to complete: %v", err)
		}
		if srv.path != "/api/v1/chat/completions" || srv.request.Model != "llama3" || srv.request.MaxTokens != 100 {
			t.Errorf("path = %s, request = %+v", srv.path, srv.request)
		}
	})

	t.Run("missing base url", func(t *testing.T) {
		for _, provider := range []llm.Provider{llm.ProviderAzure, llm.ProviderHosted} {
			if _, err := llm.New(context.Background(), llm.Config{Provider: provider}); err == nil {
				t.Errorf("%s: expected an error without base url", provider)
			}
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		if _, err := llm.New(context.Background(), llm.Config{Provider: "carrier-pigeon"}); !errors.Is(err, llm.ErrUnknownProvider) {
			t.Errorf("expected ErrUnknownProvider, got %v", err)
		}
	})
}
