package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/go-mcp-host"
	"github.com/MegaGrindStone/go-mcp-host/host"
)

// Sampler serves sampling requests of servers with a Model. It implements host.Sampler.
type Sampler struct {
	model   Model
	catalog *host.Catalog

	logger *slog.Logger
}

// SamplerOption configures a Sampler.
type SamplerOption func(*Sampler)

// Prompter asks the user a question and returns the answer.
type Prompter interface {
	Prompt(ctx context.Context, message string) (string, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, message string) (string, error)

// Elicitor serves elicitation requests of servers with the help of a Model: the model turns the
// server's request into a question for the user, and the user's answer into the data the server
// asked for. It implements host.Elicitor.
type Elicitor struct {
	model    Model
	prompter Prompter

	logger *slog.Logger
}

// ElicitorOption configures an Elicitor.
type ElicitorOption func(*Elicitor)

const elicitationQuestionPrompt = `You help the user answer a request for information sent by a tool server.

The server could not go on with a tool call and asked for more input. Its message and the JSON
schema of the data it wants follow. Tell the user, in a short and friendly way, what the server
needs and why, and ask them for it. The user may also refuse or dismiss the request.`

const elicitationAnswerPrompt = `You turn the answer of a user into the data a tool server asked for.

The server's message and the JSON schema of the data it wants come first, then the question that
was asked to the user and their answer. Reply with a single JSON object and nothing else, no
explanation and no markup.

If the user gave the data, reply {"action": "accept", "content": {...}} where content matches
the schema, with the right types.
If the user refused, reply {"action": "decline"}.
If the user dismissed the question or the answer can't be understood, reply {"action": "cancel"}.`

var errNoAnswer = errors.New("model returned no text")

// WithSamplerLogger sets the logger of the sampler.
func WithSamplerLogger(logger *slog.Logger) SamplerOption {
	return func(s *Sampler) {
		s.logger = logger.With(
			slog.String("package", "agent"),
			slog.String("component", "sampler"),
		)
	}
}

// NewSampler creates a Sampler. The catalog provides the tool descriptions attached as context.
func NewSampler(model Model, catalog *host.Catalog, options ...SamplerOption) *Sampler {
	s := &Sampler{
		model:   model,
		catalog: catalog,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Sample completes the server's messages with the model. The tools of the requested context are
// described to the model: none, the requesting server's, every server's, or when the server
// doesn't say, every other server's.
func (s *Sampler) Sample(ctx context.Context, server string, params mcp.SamplingParams) (mcp.SamplingResult, error) {
	req := Request{
		System:        params.SystemPrompt,
		Tools:         s.contextTools(server, params.IncludeContext),
		MaxTokens:     params.MaxTokens,
		Temperature:   params.Temperature,
		StopSequences: params.StopSequences,
	}
	for _, msg := range params.Messages {
		role := RoleUser
		if msg.Role == mcp.RoleAssistant {
			role = RoleAssistant
		}
		req.Turns = append(req.Turns, Turn{Role: role, Content: samplingText(msg.Content)})
	}

	res, err := s.model.Complete(ctx, req)
	if err != nil {
		return mcp.SamplingResult{}, fmt.Errorf("failed to sample: %w", err)
	}
	if res.Text == "" {
		return mcp.SamplingResult{}, fmt.Errorf("failed to sample: %w", errNoAnswer)
	}

	s.logger.Debug("sampled",
		slog.String("server", server),
		slog.Int("messages", len(req.Turns)),
		slog.Int("tools", len(req.Tools)))

	return mcp.SamplingResult{
		Role:       mcp.RoleAssistant,
		Content:    mcp.SamplingContent{Type: mcp.ContentTypeText, Text: res.Text},
		Model:      res.Model,
		StopReason: "endTurn",
	}, nil
}

func (s *Sampler) contextTools(server string, include mcp.IncludeContext) []host.Tool {
	switch include {
	case mcp.IncludeContextNone:
		return nil
	case mcp.IncludeContextThisServer:
		return s.catalog.ServerTools(server)
	case mcp.IncludeContextAllServers:
		return s.catalog.Snapshot()
	}

	var tools []host.Tool
	for _, t := range s.catalog.Snapshot() {
		if t.Server != server {
			tools = append(tools, t)
		}
	}
	return tools
}

// WithElicitorLogger sets the logger of the elicitor.
func WithElicitorLogger(logger *slog.Logger) ElicitorOption {
	return func(e *Elicitor) {
		e.logger = logger.With(
			slog.String("package", "agent"),
			slog.String("component", "elicitor"),
		)
	}
}

// NewElicitor creates an Elicitor asking the user through prompter.
func NewElicitor(model Model, prompter Prompter, options ...ElicitorOption) *Elicitor {
	e := &Elicitor{
		model:    model,
		prompter: prompter,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Elicit asks the user for the data requested by the server. An answer the model can't convert
// into a valid result is treated as a cancellation.
func (e *Elicitor) Elicit(ctx context.Context, server string, params mcp.ElicitParams) (mcp.ElicitResult, error) {
	schema, err := json.Marshal(params.RequestedSchema)
	if err != nil {
		return mcp.ElicitResult{}, fmt.Errorf("failed to marshal requested schema: %w", err)
	}
	request := Turn{
		Role:    RoleUser,
		Content: fmt.Sprintf("Server message: %s\nRequested schema: %s", params.Message, schema),
	}

	res, err := e.model.Complete(ctx, Request{System: elicitationQuestionPrompt, Turns: []Turn{request}})
	if err != nil {
		return mcp.ElicitResult{}, fmt.Errorf("failed to write elicitation question: %w", err)
	}
	question := res.Text
	if question == "" {
		question = params.Message
	}

	answer, err := e.prompter.Prompt(ctx, question)
	if err != nil {
		return mcp.ElicitResult{}, fmt.Errorf("failed to prompt user: %w", err)
	}

	res, err = e.model.Complete(ctx, Request{
		System: elicitationAnswerPrompt,
		Turns: []Turn{
			request,
			{Role: RoleAssistant, Content: question},
			{Role: RoleUser, Content: answer},
		},
	})
	if err != nil {
		return mcp.ElicitResult{}, fmt.Errorf("failed to parse elicitation answer: %w", err)
	}

	result, err := parseElicitResult(res.Text)
	if err != nil {
		e.logger.Warn("elicitation answer not understood, cancelling",
			slog.String("server", server),
			slog.String("answer", res.Text),
			slog.String("err", err.Error()))
		return mcp.ElicitResult{Action: mcp.ElicitActionCancel}, nil
	}

	e.logger.Info("elicitation answered", slog.String("server", server), slog.String("action", string(result.Action)))
	return result, nil
}

// Prompt calls f(ctx, message).
func (f PrompterFunc) Prompt(ctx context.Context, message string) (string, error) {
	return f(ctx, message)
}

func parseElicitResult(text string) (mcp.ElicitResult, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var raw struct {
		Action  mcp.ElicitAction `json:"action"`
		Content json.RawMessage  `json:"content"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return mcp.ElicitResult{}, fmt.Errorf("failed to unmarshal answer: %w", err)
	}

	switch raw.Action {
	case mcp.ElicitActionDecline, mcp.ElicitActionCancel:
		return mcp.ElicitResult{Action: raw.Action}, nil
	case mcp.ElicitActionAccept:
	default:
		return mcp.ElicitResult{}, fmt.Errorf("unknown action %q", raw.Action)
	}

	var content map[string]any
	if err := json.Unmarshal(raw.Content, &content); err != nil || content == nil {
		return mcp.ElicitResult{}, fmt.Errorf("accepted answer without object content: %s", raw.Content)
	}
	return mcp.ElicitResult{Action: mcp.ElicitActionAccept, Content: content}, nil
}

func samplingText(content mcp.SamplingContent) string {
	if content.Type == mcp.ContentTypeText {
		return content.Text
	}
	return fmt.Sprintf("[%s content of type %s]", content.Type, content.MimeType)
}
