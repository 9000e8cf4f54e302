package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/MegaGrindStone/go-mcp-host/agent"
	"github.com/MegaGrindStone/go-mcp-host/host"
)

// ConverseAPI is the part of the Bedrock runtime client used by Bedrock.
type ConverseAPI interface {
	Converse(
		ctx context.Context,
		params *bedrockruntime.ConverseInput,
		optFns ...func(*bedrockruntime.Options),
	) (*bedrockruntime.ConverseOutput, error)
}

// Bedrock is an agent.Model served by the Converse API of Amazon Bedrock.
type Bedrock struct {
	client ConverseAPI
	model  string

	settings
}

// NewBedrock creates a Bedrock model calling model through client.
func NewBedrock(client ConverseAPI, model string, options ...Option) *Bedrock {
	return &Bedrock{
		client:   client,
		model:    model,
		settings: newSettings("bedrock", options),
	}
}

// LoadBedrock creates a Bedrock model with a client built from the default AWS configuration.
func LoadBedrock(ctx context.Context, region, model string, options ...Option) (*Bedrock, error) {
	var loadOptions []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOptions = append(loadOptions, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewBedrock(bedrockruntime.NewFromConfig(cfg), model, options...), nil
}

// Complete implements agent.Model.
func (b *Bedrock) Complete(ctx context.Context, req agent.Request) (agent.Response, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(b.model),
		Messages:        bedrockMessages(req.Turns),
		InferenceConfig: b.inferenceConfig(req),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	tools, err := bedrockTools(req.Tools)
	if err != nil {
		return agent.Response{}, err
	}
	if len(tools) > 0 {
		input.ToolConfig = &types.ToolConfiguration{Tools: tools}
	}

	out, err := b.client.Converse(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return agent.Response{}, fmt.Errorf("failed to converse (%s): %w", apiErr.ErrorCode(), err)
		}
		return agent.Response{}, fmt.Errorf("failed to converse: %w", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return agent.Response{}, fmt.Errorf("failed to converse: %w", errEmptyResponse)
	}

	attrs := []any{slog.String("model", b.model), slog.String("stopReason", string(out.StopReason))}
	if out.Usage != nil {
		attrs = append(attrs,
			slog.Int("inputTokens", int(aws.ToInt32(out.Usage.InputTokens))),
			slog.Int("outputTokens", int(aws.ToInt32(out.Usage.OutputTokens))))
	}
	b.logger.Debug("converse", attrs...)

	res := agent.Response{Kind: agent.Final, Model: b.model}
	for _, block := range msg.Value.Content {
		switch c := block.(type) {
		case *types.ContentBlockMemberText:
			res.Text += c.Value
		case *types.ContentBlockMemberToolUse:
			var args json.RawMessage
			if c.Value.Input != nil {
				args, err = c.Value.Input.MarshalSmithyDocument()
				if err != nil {
					return agent.Response{}, fmt.Errorf("failed to marshal tool input: %w", err)
				}
			}
			res.ToolCalls = append(res.ToolCalls, agent.ToolCall{
				ID:        aws.ToString(c.Value.ToolUseId),
				Name:      aws.ToString(c.Value.Name),
				Arguments: args,
			})
		}
	}
	if len(res.ToolCalls) > 0 {
		res.Kind = agent.ToolCalls
	}
	return res, nil
}

func (b *Bedrock) inferenceConfig(req agent.Request) *types.InferenceConfiguration {
	cfg := &types.InferenceConfiguration{StopSequences: req.StopSequences}
	if n := b.maxTokensFor(req); n > 0 {
		cfg.MaxTokens = aws.Int32(int32(n))
	}
	if t := b.temperatureFor(req); t != nil {
		cfg.Temperature = aws.Float32(float32(*t))
	}
	if b.topP != nil {
		cfg.TopP = aws.Float32(float32(*b.topP))
	}
	return cfg
}

// bedrockMessages converts turns to Converse messages. Consecutive turns of the same role are
// merged, tool results are sent by the user role.
func bedrockMessages(turns []agent.Turn) []types.Message {
	var messages []types.Message
	add := func(role types.ConversationRole, blocks ...types.ContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			return
		}
		messages = append(messages, types.Message{Role: role, Content: blocks})
	}

	for _, turn := range turns {
		switch turn.Role {
		case agent.RoleAssistant:
			var blocks []types.ContentBlock
			if turn.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: turn.Content})
			}
			for _, call := range turn.ToolCalls {
				blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(call.ID),
					Name:      aws.String(call.Name),
					Input:     toolInput(call.Arguments),
				}})
			}
			add(types.ConversationRoleAssistant, blocks...)
		case agent.RoleTool:
			add(types.ConversationRoleUser, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(turn.ToolCallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: turn.Content}},
			}})
		default:
			if turn.Content != "" {
				add(types.ConversationRoleUser, &types.ContentBlockMemberText{Value: turn.Content})
			}
		}
	}
	return messages
}

func bedrockTools(tools []host.Tool) ([]types.Tool, error) {
	out := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = emptyObjectSchema
		}
		var v map[string]any
		if err := json.Unmarshal(schema, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input schema of %s: %w", t.ID, err)
		}
		out = append(out, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(t.ID),
			Description: aws.String(toolDescription(t)),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(v)},
		}})
	}
	return out, nil
}

// toolInput converts call arguments to a document. Arguments that aren't an object, which the
// loop already answered with an error, are sent as an empty object.
func toolInput(args json.RawMessage) document.Interface {
	v := map[string]any{}
	if err := json.Unmarshal(args, &v); err != nil || v == nil {
		v = map[string]any{}
	}
	return document.NewLazyDocument(v)
}
