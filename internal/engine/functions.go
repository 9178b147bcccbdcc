package engine

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/shaiso/Flowline/internal/flowdef"
)

// opFunc — функция, которой заменяются бинарные операторы выражений.
const opFunc = "_op"

// patchedOperators — операторы, которые вычисляются с приведением типов.
// ".." — конкатенация (в исходном синтаксисе &).
var patchedOperators = map[string]bool{
	"+": true, "-": true, "*": true, "/": true,
	"==": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
	"..": true,
}

// operatorPatcher заменяет бинарные операторы вызовом _op(op, left, right):
// значения контекста — строки, а сравнивать их нужно как числа или даты.
type operatorPatcher struct{}

// Visit реализует ast.Visitor.
func (p *operatorPatcher) Visit(node *ast.Node) {
	bin, ok := (*node).(*ast.BinaryNode)
	if !ok || !patchedOperators[bin.Operator] {
		return
	}
	ast.Patch(node, &ast.CallNode{
		Callee: &ast.IdentifierNode{Value: opFunc},
		Arguments: []ast.Node{
			&ast.StringNode{Value: bin.Operator},
			bin.Left,
			bin.Right,
		},
	})
}

// functions возвращает функции выражений.
func (c *Context) functions() []expr.Option {
	title := cases.Title(language.Und)

	return []expr.Option{
		expr.Function(opFunc, func(params ...any) (any, error) {
			return c.applyOperator(params[0].(string), params[1], params[2])
		}),
		expr.Function("UPPER", func(params ...any) (any, error) {
			return strings.ToUpper(c.str(arg(params, 0))), nil
		}),
		expr.Function("LOWER", func(params ...any) (any, error) {
			return strings.ToLower(c.str(arg(params, 0))), nil
		}),
		expr.Function("PROPER", func(params ...any) (any, error) {
			return title.String(strings.ToLower(c.str(arg(params, 0)))), nil
		}),
		expr.Function("LEN", func(params ...any) (any, error) {
			return len([]rune(c.str(arg(params, 0)))), nil
		}),
		expr.Function("CLEAN", func(params ...any) (any, error) {
			return strings.Map(func(r rune) rune {
				if unicode.IsPrint(r) {
					return r
				}
				return -1
			}, c.str(arg(params, 0))), nil
		}),
		expr.Function("TRIM", func(params ...any) (any, error) {
			return strings.Join(strings.Fields(c.str(arg(params, 0))), " "), nil
		}),
		expr.Function("LEFT", func(params ...any) (any, error) {
			r := []rune(c.str(arg(params, 0)))
			n := min(c.intArg(params, 1, 1), len(r))
			return string(r[:max(n, 0)]), nil
		}),
		expr.Function("RIGHT", func(params ...any) (any, error) {
			r := []rune(c.str(arg(params, 0)))
			n := min(c.intArg(params, 1, 1), len(r))
			return string(r[len(r)-max(n, 0):]), nil
		}),
		expr.Function("REPT", func(params ...any) (any, error) {
			return strings.Repeat(c.str(arg(params, 0)), max(c.intArg(params, 1, 1), 0)), nil
		}),
		expr.Function("SUBSTITUTE", func(params ...any) (any, error) {
			return strings.ReplaceAll(c.str(arg(params, 0)), c.str(arg(params, 1)), c.str(arg(params, 2))), nil
		}),
		expr.Function("CONCATENATE", func(params ...any) (any, error) {
			var b strings.Builder
			for _, p := range params {
				b.WriteString(c.str(p))
			}
			return b.String(), nil
		}),
		expr.Function("FIRST_WORD", func(params ...any) (any, error) {
			return word(c.str(arg(params, 0)), 1), nil
		}),
		expr.Function("REMOVE_FIRST_WORD", func(params ...any) (any, error) {
			text := strings.TrimSpace(c.str(arg(params, 0)))
			first := word(text, 1)
			return strings.TrimSpace(strings.TrimPrefix(text, first)), nil
		}),
		expr.Function("WORD", func(params ...any) (any, error) {
			return word(c.str(arg(params, 0)), c.intArg(params, 1, 1)), nil
		}),
		expr.Function("WORD_COUNT", func(params ...any) (any, error) {
			return len(flowdef.Tokenize(c.str(arg(params, 0)))), nil
		}),
		expr.Function("FIELD", func(params ...any) (any, error) {
			parts := strings.Split(c.str(arg(params, 0)), c.str(arg(params, 2)))
			i := c.intArg(params, 1, 1)
			if i < 1 || i > len(parts) {
				return "", nil
			}
			return strings.TrimSpace(parts[i-1]), nil
		}),
		expr.Function("READ_DIGITS", func(params ...any) (any, error) {
			return readDigits(c.str(arg(params, 0))), nil
		}),
		expr.Function("IF", func(params ...any) (any, error) {
			if c.truthy(arg(params, 0)) {
				return arg(params, 1), nil
			}
			return arg(params, 2), nil
		}),
		expr.Function("AND", func(params ...any) (any, error) {
			for _, p := range params {
				if !c.truthy(p) {
					return false, nil
				}
			}
			return true, nil
		}),
		expr.Function("OR", func(params ...any) (any, error) {
			for _, p := range params {
				if c.truthy(p) {
					return true, nil
				}
			}
			return false, nil
		}),
		expr.Function("NOT", func(params ...any) (any, error) {
			return !c.truthy(arg(params, 0)), nil
		}),
		expr.Function("SUM", func(params ...any) (any, error) {
			sum := decimal.Zero
			for _, p := range params {
				d, ok := c.num(p)
				if !ok {
					return nil, fmt.Errorf("SUM: %q is not a number", c.str(p))
				}
				sum = sum.Add(d)
			}
			return sum, nil
		}),
		expr.Function("ABS", func(params ...any) (any, error) {
			d, ok := c.num(arg(params, 0))
			if !ok {
				return nil, fmt.Errorf("ABS: %q is not a number", c.str(arg(params, 0)))
			}
			return d.Abs(), nil
		}),
		expr.Function("INT", func(params ...any) (any, error) {
			d, ok := c.num(arg(params, 0))
			if !ok {
				return nil, fmt.Errorf("INT: %q is not a number", c.str(arg(params, 0)))
			}
			return d.Floor(), nil
		}),
		expr.Function("ROUND", func(params ...any) (any, error) {
			d, ok := c.num(arg(params, 0))
			if !ok {
				return nil, fmt.Errorf("ROUND: %q is not a number", c.str(arg(params, 0)))
			}
			return d.Round(int32(c.intArg(params, 1, 0))), nil
		}),
		expr.Function("NOW", func(params ...any) (any, error) {
			return c.now, nil
		}),
		expr.Function("TODAY", func(params ...any) (any, error) {
			now := c.now.In(c.location)
			return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.location), nil
		}),
		expr.Function("DATEVALUE", func(params ...any) (any, error) {
			t, ok := flowdef.ParseDate(c.str(arg(params, 0)), c.dayFirst, c.location)
			if !ok {
				return nil, fmt.Errorf("DATEVALUE: %q is not a date", c.str(arg(params, 0)))
			}
			return t, nil
		}),
	}
}

// applyOperator вычисляет бинарный оператор с приведением типов.
//
// Арифметика и сравнения работают с числами, если оба операнда приводятся
// к числу; + с датой слева прибавляет дни. Иначе сравнение строковое
// без учёта регистра.
func (c *Context) applyOperator(op string, left, right any) (any, error) {
	if op == ".." {
		return c.str(left) + c.str(right), nil
	}

	l, lok := c.num(left)
	r, rok := c.num(right)

	switch op {
	case "+", "-", "*", "/":
		if t, isTime := c.date(left); isTime && !lok && rok && (op == "+" || op == "-") {
			days := int(r.IntPart())
			if op == "-" {
				days = -days
			}
			return t.AddDate(0, 0, days), nil
		}
		if !lok || !rok {
			return nil, fmt.Errorf("%w: %q %s %q", ErrExpression, c.str(left), op, c.str(right))
		}
		switch op {
		case "+":
			return l.Add(r), nil
		case "-":
			return l.Sub(r), nil
		case "*":
			return l.Mul(r), nil
		default:
			if r.IsZero() {
				return nil, fmt.Errorf("%w: division by zero", ErrExpression)
			}
			return l.Div(r), nil
		}
	}

	var cmp int
	switch {
	case lok && rok:
		cmp = l.Cmp(r)
	default:
		lt, lIsTime := c.date(left)
		rt, rIsTime := c.date(right)
		if lIsTime && rIsTime {
			cmp = lt.Compare(rt)
		} else {
			cmp = strings.Compare(strings.ToLower(c.str(left)), strings.ToLower(c.str(right)))
		}
	}

	switch op {
	case "==":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case "<":
		return cmp < 0, nil
	case ">":
		return cmp > 0, nil
	case "<=":
		return cmp <= 0, nil
	default:
		return cmp >= 0, nil
	}
}

// str приводит значение выражения к строке.
func (c *Context) str(v any) string {
	if v == nil {
		return ""
	}
	return c.format(v)
}

// num приводит значение к десятичному числу.
func (c *Context) num(v any) (decimal.Decimal, bool) {
	switch tv := v.(type) {
	case decimal.Decimal:
		return tv, true
	case int:
		return decimal.NewFromInt(int64(tv)), true
	case int64:
		return decimal.NewFromInt(tv), true
	case float64:
		return toDecimal(tv), true
	case bool, nil, time.Time:
		return decimal.Zero, false
	}
	return flowdef.ParseNumber(strings.TrimSpace(c.str(v)))
}

// date приводит значение к дате.
func (c *Context) date(v any) (time.Time, bool) {
	if t, ok := v.(time.Time); ok {
		return t, true
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	return flowdef.ParseDate(s, c.dayFirst, c.location)
}

// truthy вычисляет логическое значение в стиле таблиц.
func (c *Context) truthy(v any) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case bool:
		return tv
	}
	if d, ok := c.num(v); ok {
		return !d.IsZero()
	}
	s := strings.ToLower(strings.TrimSpace(c.str(v)))
	return s != "" && s != "false"
}

func (c *Context) intArg(params []any, i, def int) int {
	if i >= len(params) {
		return def
	}
	d, ok := c.num(params[i])
	if !ok {
		return def
	}
	return int(d.IntPart())
}

func arg(params []any, i int) any {
	if i < len(params) {
		return params[i]
	}
	return nil
}

func toDecimal(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// word возвращает n-е слово текста (с 1).
func word(text string, n int) string {
	words := flowdef.Tokenize(text)
	if n < 1 || n > len(words) {
		return ""
	}
	return words[n-1]
}

// readDigits форматирует номер для чтения голосом: "1234" → "1 , 2 , 3 , 4".
func readDigits(text string) string {
	digits := make([]string, 0, len(text))
	for _, r := range text {
		if r >= '0' && r <= '9' {
			digits = append(digits, string(r))
		}
	}
	return strings.Join(digits, " , ")
}
