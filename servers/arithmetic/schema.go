package arithmetic

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// BinaryArgs is the arguments of the addition and multiplication tools.
type BinaryArgs struct {
	Left  float64 `json:"left" jsonschema:"description=left operand"`
	Right float64 `json:"right" jsonschema:"description=right operand"`
}

// UnaryArgs is the arguments of the negation and reciprocal tools.
type UnaryArgs struct {
	Number float64 `json:"number" jsonschema:"description=real number"`
}

// SubtractionArgs is the arguments of the subtraction tool.
type SubtractionArgs struct {
	Minuend    float64 `json:"minuend" jsonschema:"description=number to subtract from"`
	Subtrahend float64 `json:"subtrahend" jsonschema:"description=number to subtract"`
}

// DivisionArgs is the arguments of the division tool.
type DivisionArgs struct {
	Dividend float64 `json:"dividend" jsonschema:"description=number to divide"`
	Divisor  float64 `json:"divisor" jsonschema:"description=number to divide by"`
}

// ExponentiationArgs is the arguments of the exponentiation tool.
type ExponentiationArgs struct {
	Base     float64 `json:"base" jsonschema:"description=number to be raised"`
	Exponent float64 `json:"exponent" jsonschema:"description=number to raise to"`
}

// ParseExpressionArgs is the arguments of the parse_expression tool.
type ParseExpressionArgs struct {
	Text string `json:"text" jsonschema:"description=text to parse into an arithmetic expression"`
}

// EvaluateExpressionArgs is the arguments of the evaluate_expression tool.
type EvaluateExpressionArgs struct {
	Expression string `json:"expression" jsonschema:"description=postfix arithmetic expression with space separated elements"`
}

// AdditionResult is the result of the addition tool.
type AdditionResult struct {
	Sum float64 `json:"sum"`
}

// NegationResult is the result of the negation tool.
type NegationResult struct {
	Negative float64 `json:"negative"`
}

// SubtractionResult is the result of the subtraction tool.
type SubtractionResult struct {
	Difference float64 `json:"difference"`
}

// MultiplicationResult is the result of the multiplication tool.
type MultiplicationResult struct {
	Product float64 `json:"product"`
}

// ReciprocalResult is the result of the reciprocal tool.
type ReciprocalResult struct {
	Reciprocal float64 `json:"reciprocal"`
}

// DivisionResult is the result of the division tool.
type DivisionResult struct {
	Quotient float64 `json:"quotient"`
}

// ExponentiationResult is the result of the exponentiation tool.
type ExponentiationResult struct {
	Power float64 `json:"power"`
}

// reflectSchema returns the JSON schema of T as an inline object schema.
func reflectSchema[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(T))
	s.Version = ""

	bs, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal schema of %T: %v", *new(T), err))
	}
	return bs
}
