package arithmetic

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errMalformedExpression = errors.New("malformed postfix expression")

// evaluate computes a postfix expression of numbers and the operators + - * /, with elements
// separated by white space.
func (s *Server) evaluate(ctx context.Context, expression string, call toolCall) (float64, error) {
	var stack []float64
	for _, token := range strings.Fields(expression) {
		if n, err := strconv.ParseFloat(token, 64); err == nil {
			stack = append(stack, n)
			continue
		}

		if !strings.Contains("+-*/", token) || len(token) != 1 {
			return 0, fmt.Errorf("unsupported operator encountered: %q", token)
		}
		if len(stack) < 2 {
			return 0, fmt.Errorf("%w: operator %s needs two operands", errMalformedExpression, token)
		}
		left, right := stack[len(stack)-2], stack[len(stack)-1]
		stack = stack[:len(stack)-2]

		var result float64
		switch token {
		case "+":
			res, _ := s.add(ctx, BinaryArgs{Left: left, Right: right}, call)
			result = res.Sum
		case "-":
			res, _ := s.subtract(ctx, SubtractionArgs{Minuend: left, Subtrahend: right}, call)
			result = res.Difference
		case "*":
			res, _ := s.multiply(ctx, BinaryArgs{Left: left, Right: right}, call)
			result = res.Product
		case "/":
			res, err := s.divide(ctx, DivisionArgs{Dividend: left, Divisor: right}, call)
			if err != nil {
				return 0, err
			}
			result = res.Quotient
		}
		stack = append(stack, result)
	}

	if len(stack) != 1 {
		return 0, fmt.Errorf("%w: %d values left after evaluation", errMalformedExpression, len(stack))
	}
	return stack[0], nil
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
