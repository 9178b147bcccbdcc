package flowdef

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Literal — строковое значение, которое в JSON бывает и числом.
type Literal string

// UnmarshalJSON принимает строку, число или null.
func (l *Literal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Literal(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*l = Literal(n.String())
	return nil
}

// leadingNumber — числовой префикс слова.
var leadingNumber = regexp.MustCompile(`^[-+]?\d+(\.\d+)?`)

// plainNumber — число без экспоненты.
var plainNumber = regexp.MustCompile(`^[-+]?\d+(\.\d+)?$`)

// ParseNumber разбирает строку как десятичную запись без экспоненты.
func ParseNumber(s string) (decimal.Decimal, bool) {
	if !plainNumber.MatchString(s) {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// ParseDecimal разбирает одно слово как число.
//
// Применяет замены l→1, o/O→0. Если замены не понадобились,
// но слово целиком не число, берётся его числовой префикс.
func ParseDecimal(word string) (decimal.Decimal, bool) {
	word = strings.TrimLeftFunc(word, func(r rune) bool {
		return unicode.Is(unicode.Sc, r)
	})
	word = strings.TrimRightFunc(word, func(r rune) bool {
		return unicode.Is(unicode.Sc, r)
	})
	if word == "" {
		return decimal.Zero, false
	}

	original := word
	word = strings.NewReplacer("l", "1", "o", "0", "O", "0").Replace(word)
	if d, ok := ParseNumber(word); ok {
		return d, true
	}
	if original != word {
		return decimal.Zero, false
	}
	if m := leadingNumber.FindString(word); m != "" {
		return ParseNumber(m)
	}
	return decimal.Zero, false
}

// evaluateNumeric перебирает слова входа и возвращает первое число,
// удовлетворяющее условию.
func evaluateNumeric(text string, cond func(decimal.Decimal) bool) (int, any) {
	text = strings.ReplaceAll(text, ",", "")
	for _, word := range strings.Fields(text) {
		d, ok := ParseDecimal(word)
		if !ok {
			continue
		}
		if cond(d) {
			return 1, d
		}
	}
	return 0, nil
}

// testDecimal вычисляет шаблон значения теста и разбирает его как число.
func testDecimal(ev *Evaluation, value Literal) (decimal.Decimal, bool) {
	s := strings.TrimSpace(ev.substitute(string(value)))
	s = strings.ReplaceAll(s, ",", "")
	return ParseNumber(s)
}

// NumberTest совпадает с любым числом во входе.
type NumberTest struct{}

func (t *NumberTest) Type() TestType { return TestTypeNumber }

func (t *NumberTest) Evaluate(ev *Evaluation) (int, any) {
	return evaluateNumeric(ev.Text, func(decimal.Decimal) bool { return true })
}

// NumericCompareTest сравнивает число входа со значением теста (lt, eq, gt, lte, gte).
type NumericCompareTest struct {
	Op   TestType `json:"-"`
	Test Literal  `json:"test" validate:"required"`
}

func (t *NumericCompareTest) Type() TestType { return t.Op }

func (t *NumericCompareTest) Evaluate(ev *Evaluation) (int, any) {
	test, ok := testDecimal(ev, t.Test)
	if !ok {
		return 0, nil
	}
	return evaluateNumeric(ev.Text, func(d decimal.Decimal) bool {
		switch t.Op {
		case TestTypeLt:
			return d.LessThan(test)
		case TestTypeLte:
			return d.LessThanOrEqual(test)
		case TestTypeGt:
			return d.GreaterThan(test)
		case TestTypeGte:
			return d.GreaterThanOrEqual(test)
		default:
			return d.Equal(test)
		}
	})
}

// BetweenTest совпадает с числом в диапазоне [min, max].
type BetweenTest struct {
	Min Literal `json:"min" validate:"required"`
	Max Literal `json:"max" validate:"required"`
}

func (t *BetweenTest) Type() TestType { return TestTypeBetween }

func (t *BetweenTest) Evaluate(ev *Evaluation) (int, any) {
	lo, ok := testDecimal(ev, t.Min)
	if !ok {
		return 0, nil
	}
	hi, ok := testDecimal(ev, t.Max)
	if !ok {
		return 0, nil
	}
	return evaluateNumeric(ev.Text, func(d decimal.Decimal) bool {
		return d.GreaterThanOrEqual(lo) && d.LessThanOrEqual(hi)
	})
}
