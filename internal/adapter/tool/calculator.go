package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"agentcore/internal/domain"
)

// CalculatorTool evaluates arithmetic expressions. It exists so the loop has
// a deterministic builtin to exercise the full call pipeline; the grammar
// covers + - * / % ^, parentheses and unary minus over float64.
type CalculatorTool struct{}

// NewCalculatorTool creates the calculator.
func NewCalculatorTool() *CalculatorTool { return &CalculatorTool{} }

func (t *CalculatorTool) Name() string { return "calculator" }

func (t *CalculatorTool) Description() string {
	return "Evaluate an arithmetic expression. Supports +, -, *, /, %, ^ (power), parentheses and unary minus."
}

func (t *CalculatorTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"expression": {
					"type": "string",
					"description": "Arithmetic expression to evaluate, e.g. \"2+2\" or \"(3.5*2)^2\""
				}
			},
			"required": ["expression"]
		}`),
	}
}

type calculatorParams struct {
	Expression string `json:"expression"`
}

func (t *CalculatorTool) Execute(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var p calculatorParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("invalid arguments: %v", err)}, nil
	}
	if strings.TrimSpace(p.Expression) == "" {
		return &domain.ToolResult{IsError: true, Content: "expression is empty"}, nil
	}

	val, err := evalExpression(p.Expression)
	if err != nil {
		return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("cannot evaluate %q: %v", p.Expression, err)}, nil
	}
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("%q has no finite result", p.Expression)}, nil
	}

	return &domain.ToolResult{Content: formatNumber(val)}, nil
}

// formatNumber prints integers without a decimal point so "2+2" yields "4".
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// --- expression parser ---

// Recursive descent over the grammar, lowest precedence first:
//
//	expr   = term   { ("+" | "-") term }
//	term   = unary  { ("*" | "/" | "%") unary }
//	unary  = "-" unary | power
//	power  = atom   [ "^" unary ]      (right associative)
//	atom   = number | "(" expr ")"
type exprParser struct {
	input []rune
	pos   int
}

func evalExpression(s string) (float64, error) {
	p := &exprParser{input: []rune(s)}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	return v, nil
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case '%':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parsePower()
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseAtom()
	if err != nil {
		return 0, err
	}
	if p.peek() == '^' {
		p.pos++
		exp, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) parseAtom() (float64, error) {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}

	if p.input[p.pos] == '(' {
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpaces()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (unicode.IsDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	v, err := strconv.ParseFloat(string(p.input[start:p.pos]), 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", string(p.input[start:p.pos]))
	}
	return v, nil
}

// peek returns the next non-space rune without consuming it, or 0 at the end.
func (p *exprParser) peek() rune {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.input) && unicode.IsSpace(p.input[p.pos]) {
		p.pos++
	}
}
