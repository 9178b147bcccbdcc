package flowdef

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TrueTest совпадает всегда (категория "Other" / "All Responses").
type TrueTest struct{}

func (t *TrueTest) Type() TestType { return TestTypeTrue }

// Evaluate возвращает весь текст операнда.
func (t *TrueTest) Evaluate(ev *Evaluation) (int, any) {
	return 1, ev.Text
}

// FalseTest не совпадает никогда.
type FalseTest struct{}

func (t *FalseTest) Type() TestType { return TestTypeFalse }

func (t *FalseTest) Evaluate(ev *Evaluation) (int, any) {
	return 0, nil
}

// NotEmptyTest совпадает с любым непустым текстом.
type NotEmptyTest struct{}

func (t *NotEmptyTest) Type() TestType { return TestTypeNotEmpty }

func (t *NotEmptyTest) Evaluate(ev *Evaluation) (int, any) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return 0, nil
	}
	return 1, text
}

// AndTest совпадает, если совпали все вложенные тесты.
//
// Останавливается на первом несовпадении; при успехе значения
// вложенных тестов объединяются через пробел.
type AndTest struct {
	Tests []Test `json:"-"`
}

func (t *AndTest) Type() TestType { return TestTypeAnd }

func (t *AndTest) Evaluate(ev *Evaluation) (int, any) {
	values := make([]string, 0, len(t.Tests))
	for _, sub := range t.Tests {
		matched, value := sub.Evaluate(ev)
		if matched == 0 {
			return 0, nil
		}
		values = append(values, FormatValue(value, ev.location()))
	}
	return 1, strings.Join(values, " ")
}

func (t *AndTest) UnmarshalJSON(data []byte) error {
	tests, err := unmarshalSubtests(data)
	if err != nil {
		return err
	}
	t.Tests = tests
	return nil
}

func (t *AndTest) MarshalJSON() ([]byte, error) {
	return marshalSubtests(t.Tests)
}

// OrTest совпадает с первым совпавшим вложенным тестом.
type OrTest struct {
	Tests []Test `json:"-"`
}

func (t *OrTest) Type() TestType { return TestTypeOr }

func (t *OrTest) Evaluate(ev *Evaluation) (int, any) {
	for _, sub := range t.Tests {
		if matched, value := sub.Evaluate(ev); matched != 0 {
			return matched, value
		}
	}
	return 0, nil
}

func (t *OrTest) UnmarshalJSON(data []byte) error {
	tests, err := unmarshalSubtests(data)
	if err != nil {
		return err
	}
	t.Tests = tests
	return nil
}

func (t *OrTest) MarshalJSON() ([]byte, error) {
	return marshalSubtests(t.Tests)
}

// unmarshalSubtests разбирает {"tests": [...]}.
func unmarshalSubtests(data []byte) ([]Test, error) {
	var raw struct {
		Tests []json.RawMessage `json:"tests"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.Tests == nil {
		return nil, fmt.Errorf("%w: tests", ErrMissingField)
	}
	tests := make([]Test, 0, len(raw.Tests))
	for i, sub := range raw.Tests {
		t, err := ParseTest(sub)
		if err != nil {
			return nil, fmt.Errorf("subtest %d: %w", i, err)
		}
		tests = append(tests, t)
	}
	return tests, nil
}

// marshalSubtests сериализует {"tests": [...]}.
func marshalSubtests(tests []Test) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(tests))
	for _, t := range tests {
		b, err := MarshalTest(t)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return json.Marshal(map[string]any{"tests": raw})
}
