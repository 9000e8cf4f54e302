package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/MegaGrindStone/go-mcp-host/agent"
	"github.com/MegaGrindStone/go-mcp-host/host"
)

// OpenAI is an agent.Model served by the chat completions API of OpenAI, of an Azure OpenAI
// deployment or of a compatible endpoint.
type OpenAI struct {
	client *openai.Client
	model  string

	settings
}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// NewOpenAI creates an OpenAI model using the client configuration cfg.
func NewOpenAI(cfg openai.ClientConfig, model string, options ...Option) *OpenAI {
	return &OpenAI{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		settings: newSettings("openai", options),
	}
}

// Complete implements agent.Model.
func (o *OpenAI) Complete(ctx context.Context, req agent.Request) (agent.Response, error) {
	creq := openai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  openAIMessages(req),
		Tools:     openAITools(req.Tools),
		MaxTokens: o.maxTokensFor(req),
		Stop:      req.StopSequences,
	}
	if t := o.temperatureFor(req); t != nil {
		creq.Temperature = float32(*t)
	}
	if o.topP != nil {
		creq.TopP = float32(*o.topP)
	}

	res, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return agent.Response{}, fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(res.Choices) == 0 {
		return agent.Response{}, fmt.Errorf("failed to create chat completion: %w", errEmptyResponse)
	}

	choice := res.Choices[0]
	o.logger.Debug("chat completion",
		slog.String("model", res.Model),
		slog.String("finishReason", string(choice.FinishReason)),
		slog.Int("promptTokens", res.Usage.PromptTokens),
		slog.Int("completionTokens", res.Usage.CompletionTokens))

	out := agent.Response{Kind: agent.Final, Text: choice.Message.Content, Model: res.Model}
	if len(choice.Message.ToolCalls) == 0 {
		return out, nil
	}

	out.Kind = agent.ToolCalls
	for _, call := range choice.Message.ToolCalls {
		var args json.RawMessage
		if call.Function.Arguments != "" {
			args = json.RawMessage(call.Function.Arguments)
		}
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

func openAIMessages(req agent.Request) []openai.ChatCompletionMessage {
	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}

	for _, turn := range req.Turns {
		msg := openai.ChatCompletionMessage{Content: turn.Content}
		switch turn.Role {
		case agent.RoleSystem:
			msg.Role = openai.ChatMessageRoleSystem
		case agent.RoleAssistant:
			msg.Role = openai.ChatMessageRoleAssistant
			for _, call := range turn.ToolCalls {
				args := string(call.Arguments)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:       call.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: call.Name, Arguments: args},
				})
			}
		case agent.RoleTool:
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = turn.ToolCallID
		default:
			msg.Role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func openAITools(tools []host.Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}

	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = emptyObjectSchema
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.ID,
				Description: toolDescription(t),
				Parameters:  schema,
			},
		})
	}
	return out
}

// toolDescription falls back to the display name, some providers reject empty descriptions.
func toolDescription(t host.Tool) string {
	if t.Description != "" {
		return t.Description
	}
	return t.DisplayName
}
