package arithmetic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/MegaGrindStone/go-mcp-host"
)

type tool struct {
	mcp.Tool
	handle func(ctx context.Context, args json.RawMessage, call toolCall) (mcp.CallToolResult, error)
}

// toolCall carries what a handler may use to talk back to the client.
type toolCall struct {
	report mcp.ProgressReporter
	client mcp.RequestClientFunc
}

var (
	errDivisionByZero = errors.New("Multiplicative inverse is not defined for additive identity.")
	errIntegerPowers  = errors.New("Only integer powers are currently supported.")
	errZeroToZero     = errors.New("0 raised to the power 0 is undefined.")
	errZeroToNegative = errors.New("0 raised to a negative power is undefined.")
)

const parseInstruction = `You are a calculator assistant.

- Your task is to convert the given text into an arithmetic expression.
- Only addition, subtraction, multiplication and division are allowed in the expression.
- The expression should be a valid arithmetic expression that can be evaluated to a number.
- The expression should not contain any variables or functions.
- The expression should be in reverse Polish notation.

Return only the postfix arithmetic expression without any additional text or explanation.`

func (s *Server) toolList() []tool {
	return []tool{
		structured("addition", "Add Numbers", "Addition", "Perform addition of two real numbers", s.add),
		structured("negation", "Get Negative", "Additive Inverse", "Get additive inverse of a real number", s.negate),
		structured("subtraction", "Subtract Numbers", "Subtraction", "Perform subtraction of two real numbers",
			s.subtract),
		structured("multiplication", "Multiply Numbers", "Multiplication", "Perform multiplication of two real numbers",
			s.multiply),
		structured("reciprocal", "Get Reciprocal", "Multiplicative Inverse", "Get multiplicative inverse of a real number",
			s.reciprocal),
		structured("division", "Divide Numbers", "Division", "Perform division of two real numbers", s.divide),
		structured("exponentiation", "Power", "Exponentiation", "Raise a base to an exponent", s.exponentiate),
		openWorld(unstructured("parse_expression", "Parse Arithmetic Expression", "Arithmetic Expression Parser",
			"Parse a text into a valid arithmetic expression", s.parseExpression)),
		unstructured("evaluate_expression", "Evaluate Arithmetic Expression", "Arithmetic Expression Evaluator",
			"Evaluate a valid postfix arithmetic expression", s.evaluateExpression),
	}
}

func (s *Server) add(_ context.Context, args BinaryArgs, _ toolCall) (AdditionResult, error) {
	return AdditionResult{Sum: args.Left + args.Right}, nil
}

func (s *Server) negate(_ context.Context, args UnaryArgs, _ toolCall) (NegationResult, error) {
	return NegationResult{Negative: -args.Number}, nil
}

func (s *Server) subtract(ctx context.Context, args SubtractionArgs, call toolCall) (SubtractionResult, error) {
	negative, _ := s.negate(ctx, UnaryArgs{Number: args.Subtrahend}, call)
	sum, _ := s.add(ctx, BinaryArgs{Left: args.Minuend, Right: negative.Negative}, call)
	return SubtractionResult{Difference: sum.Sum}, nil
}

func (s *Server) multiply(_ context.Context, args BinaryArgs, _ toolCall) (MultiplicationResult, error) {
	return MultiplicationResult{Product: args.Left * args.Right}, nil
}

func (s *Server) reciprocal(_ context.Context, args UnaryArgs, _ toolCall) (ReciprocalResult, error) {
	if args.Number == 0 {
		return ReciprocalResult{}, errDivisionByZero
	}
	return ReciprocalResult{Reciprocal: 1 / args.Number}, nil
}

func (s *Server) divide(ctx context.Context, args DivisionArgs, call toolCall) (DivisionResult, error) {
	inverse, err := s.reciprocal(ctx, UnaryArgs{Number: args.Divisor}, call)
	if err != nil {
		return DivisionResult{}, err
	}
	product, _ := s.multiply(ctx, BinaryArgs{Left: args.Dividend, Right: inverse.Reciprocal}, call)
	return DivisionResult{Quotient: product.Product}, nil
}

// exponentiate supports integer exponents only. A non-integer exponent is sent back to the user
// for correction, a refusal fails the call.
func (s *Server) exponentiate(
	ctx context.Context,
	args ExponentiationArgs,
	call toolCall,
) (ExponentiationResult, error) {
	exponent := args.Exponent
	if exponent != math.Trunc(exponent) {
		corrected, err := s.correctExponent(ctx, exponent, call)
		if err != nil {
			return ExponentiationResult{}, err
		}
		exponent = corrected
	}

	switch {
	case args.Base == 0 && exponent == 0:
		return ExponentiationResult{}, errZeroToZero
	case args.Base == 0 && exponent < 0:
		return ExponentiationResult{}, errZeroToNegative
	}

	return ExponentiationResult{Power: math.Pow(args.Base, exponent)}, nil
}

func (s *Server) correctExponent(ctx context.Context, exponent float64, call toolCall) (float64, error) {
	s.log(mcp.LogLevelInfo, fmt.Sprintf("Starting elicitation to correct exponent=%v.", exponent))

	res, err := call.client.Elicit(ctx, mcp.ElicitParams{
		Message: fmt.Sprintf("Provided exponent=%v is not an integer, and currently unsupported.", exponent),
		RequestedSchema: mcp.ElicitationSchema{
			Type: "object",
			Properties: map[string]mcp.ElicitationProperty{
				"corrected_exponent": {
					Type:        "integer",
					Title:       "Corrected exponent",
					Description: "integer exponent for exponentiation operation",
				},
			},
			Required: []string{"corrected_exponent"},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to elicit exponent correction: %w", err)
	}

	s.log(mcp.LogLevelInfo, fmt.Sprintf("Completed elicitation with action=%s.", res.Action))

	if res.Action != mcp.ElicitActionAccept {
		return 0, errIntegerPowers
	}

	corrected, ok := res.Content["corrected_exponent"].(float64)
	if !ok || corrected != math.Trunc(corrected) {
		return 0, errIntegerPowers
	}

	s.log(mcp.LogLevelInfo, fmt.Sprintf("User corrected exponent=%v to %v.", exponent, corrected))
	return corrected, nil
}

// parseExpression asks the client's model to rewrite text as a postfix expression.
func (s *Server) parseExpression(ctx context.Context, args ParseExpressionArgs, call toolCall) (string, error) {
	call.report(mcp.ProgressParams{Progress: 1, Total: 2, Message: "Started MCP sampling."})

	temperature := 0.0
	res, err := call.client.CreateMessage(ctx, mcp.SamplingParams{
		Messages: []mcp.SamplingMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "Text: " + args.Text},
			},
		},
		SystemPrompt:   parseInstruction,
		IncludeContext: mcp.IncludeContextNone,
		Temperature:    &temperature,
		MaxTokens:      2048,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sample expression: %w", err)
	}

	call.report(mcp.ProgressParams{Progress: 2, Total: 2, Message: "Finished MCP sampling."})

	if res.Content.Type != mcp.ContentTypeText {
		s.log(mcp.LogLevelError, fmt.Sprintf("Expected response content to be text, got %s.", res.Content.Type))
		return "", fmt.Errorf("response content is not text: %s", res.Content.Type)
	}

	expression := strings.TrimSpace(res.Content.Text)
	s.log(mcp.LogLevelDebug, fmt.Sprintf("Completed parsing text=%q into expression=%q.", args.Text, expression))
	return expression, nil
}

func (s *Server) evaluateExpression(ctx context.Context, args EvaluateExpressionArgs, call toolCall) (string, error) {
	value, err := s.evaluate(ctx, args.Expression, call)
	if err != nil {
		return "", err
	}
	return formatNumber(value), nil
}

// structured builds a tool whose result is returned both as structured content and as its JSON
// text.
func structured[A, R any](
	name, title, annotationTitle, description string,
	fn func(ctx context.Context, args A, call toolCall) (R, error),
) tool {
	t := newTool[A](name, title, annotationTitle, description)
	t.OutputSchema = reflectSchema[R]()
	t.handle = func(ctx context.Context, raw json.RawMessage, call toolCall) (mcp.CallToolResult, error) {
		args, err := decodeArgs[A](raw)
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		res, err := fn(ctx, args, call)
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		resBs, err := json.Marshal(res)
		if err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("failed to marshal result: %w", err)
		}
		return mcp.CallToolResult{
			Content:           []mcp.Content{mcp.TextContent(string(resBs))},
			StructuredContent: resBs,
		}, nil
	}
	return t
}

// unstructured builds a tool whose result is text only.
func unstructured[A any](
	name, title, annotationTitle, description string,
	fn func(ctx context.Context, args A, call toolCall) (string, error),
) tool {
	t := newTool[A](name, title, annotationTitle, description)
	t.handle = func(ctx context.Context, raw json.RawMessage, call toolCall) (mcp.CallToolResult, error) {
		args, err := decodeArgs[A](raw)
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		res, err := fn(ctx, args, call)
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(res)}}, nil
	}
	return t
}

func newTool[A any](name, title, annotationTitle, description string) tool {
	readOnly, openWorld := true, false
	return tool{Tool: mcp.Tool{
		Name:        name,
		Title:       title,
		Description: description,
		InputSchema: reflectSchema[A](),
		Annotations: &mcp.ToolAnnotations{
			Title:         annotationTitle,
			ReadOnlyHint:  &readOnly,
			OpenWorldHint: &openWorld,
		},
	}}
}

func openWorld(t tool) tool {
	yes := true
	annotations := *t.Annotations
	annotations.OpenWorldHint = &yes
	t.Annotations = &annotations
	return t
}

// decodeArgs decodes the arguments of a call, rejecting fields the tool doesn't know.
func decodeArgs[A any](raw json.RawMessage) (A, error) {
	var args A
	if len(raw) == 0 {
		return args, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}
