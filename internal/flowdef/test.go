package flowdef

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shaiso/Flowline/internal/domain"
)

// TestType — тип теста правила.
type TestType string

// Типы тестов.
const (
	TestTypeTrue               TestType = "true"
	TestTypeFalse              TestType = "false"
	TestTypeAnd                TestType = "and"
	TestTypeOr                 TestType = "or"
	TestTypeNotEmpty           TestType = "not_empty"
	TestTypeContains           TestType = "contains"
	TestTypeContainsAny        TestType = "contains_any"
	TestTypeContainsOnlyPhrase TestType = "contains_only_phrase"
	TestTypeContainsPhrase     TestType = "contains_phrase"
	TestTypeStartsWith         TestType = "starts"
	TestTypeRegex              TestType = "regex"
	TestTypeHasEmail           TestType = "has_email"
	TestTypePhone              TestType = "phone"
	TestTypeNumber             TestType = "number"
	TestTypeLt                 TestType = "lt"
	TestTypeEq                 TestType = "eq"
	TestTypeGt                 TestType = "gt"
	TestTypeLte                TestType = "lte"
	TestTypeGte                TestType = "gte"
	TestTypeBetween            TestType = "between"
	TestTypeDate               TestType = "date"
	TestTypeDateBefore         TestType = "date_before"
	TestTypeDateEqual          TestType = "date_equal"
	TestTypeDateAfter          TestType = "date_after"
	TestTypeHasState           TestType = "state"
	TestTypeHasDistrict        TestType = "district"
	TestTypeHasWard            TestType = "ward"
	TestTypeInGroup            TestType = "in_group"
	TestTypeWebhookStatus      TestType = "webhook_status"
	TestTypeSubflow            TestType = "subflow"
	TestTypeTimeout            TestType = "timeout"
	TestTypeAirtimeStatus      TestType = "airtime_status"
)

// Test — тест правила.
//
// Evaluate возвращает силу совпадения (0 — нет совпадения) и захваченное
// значение, которое становится значением результата правила.
type Test interface {
	Type() TestType
	Evaluate(ev *Evaluation) (int, any)
}

// Templater подставляет значения в шаблоны (@contact.name, @(...)).
type Templater interface {
	Substitute(text string) string
}

// LocationResolver ищет административные единицы по тексту.
type LocationResolver interface {
	FindState(text string) (string, bool)
	FindDistrict(text, state string) (string, bool)
	FindWard(text, district, state string) (string, bool)
}

// Evaluation — контекст вычисления тестов одного rule set'а.
type Evaluation struct {
	// Run — текущий run (regex сохраняет группы в Run.Extra).
	Run *domain.FlowRun

	// Contact — контакт run.
	Contact *domain.Contact

	// Org — настройки организации (часовой пояс, формат дат).
	Org *domain.Org

	// Msg — входящее сообщение, если есть.
	Msg *domain.Msg

	// Text — значение операнда.
	Text string

	// Languages — цепочка языков для локализованного текста тестов.
	Languages []string

	// Templates — подстановка шаблонов в текст тестов.
	Templates Templater

	// WebhookStatus — код представительного вызова webhook (0 — не вызывался).
	WebhookStatus int

	// TimedOut — wait узел покинут по таймауту.
	TimedOut bool

	// Locations — справочник локаций (может быть nil).
	Locations LocationResolver

	// Now — текущее время.
	Now time.Time
}

// localize разрешает локализованный текст теста и подставляет шаблоны.
func (ev *Evaluation) localize(l Localized) string {
	return ev.substitute(l.Resolve(ev.Languages...))
}

// substitute подставляет шаблоны, если задан Templater.
func (ev *Evaluation) substitute(text string) string {
	if ev.Templates == nil {
		return text
	}
	return ev.Templates.Substitute(text)
}

// location возвращает часовой пояс организации.
func (ev *Evaluation) location() *time.Location {
	return ev.Org.Location()
}

// dayFirst возвращает формат дат организации.
func (ev *Evaluation) dayFirst() bool {
	return ev.Org != nil && ev.Org.DayFirst
}

// typeEnvelope — общая часть JSON любого теста или действия.
type typeEnvelope struct {
	Type string `json:"type"`
}

// ParseTest разбирает JSON теста.
func ParseTest(data json.RawMessage) (Test, error) {
	var env typeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: test type", ErrMissingField)
	}

	var t Test
	switch TestType(env.Type) {
	case TestTypeTrue:
		t = &TrueTest{}
	case TestTypeFalse:
		t = &FalseTest{}
	case TestTypeAnd:
		t = &AndTest{}
	case TestTypeOr:
		t = &OrTest{}
	case TestTypeNotEmpty:
		t = &NotEmptyTest{}
	case TestTypeContains:
		t = &ContainsTest{}
	case TestTypeContainsAny:
		t = &ContainsAnyTest{}
	case TestTypeContainsOnlyPhrase:
		t = &ContainsOnlyPhraseTest{}
	case TestTypeContainsPhrase:
		t = &ContainsPhraseTest{}
	case TestTypeStartsWith:
		t = &StartsWithTest{}
	case TestTypeRegex:
		t = &RegexTest{}
	case TestTypeHasEmail:
		t = &HasEmailTest{}
	case TestTypePhone:
		t = &PhoneTest{}
	case TestTypeNumber:
		t = &NumberTest{}
	case TestTypeLt, TestTypeEq, TestTypeGt, TestTypeLte, TestTypeGte:
		t = &NumericCompareTest{Op: TestType(env.Type)}
	case TestTypeBetween:
		t = &BetweenTest{}
	case TestTypeDate:
		t = &DateTest{}
	case TestTypeDateBefore, TestTypeDateEqual, TestTypeDateAfter:
		t = &DateCompareTest{Op: TestType(env.Type)}
	case TestTypeHasState:
		t = &HasStateTest{}
	case TestTypeHasDistrict:
		t = &HasDistrictTest{}
	case TestTypeHasWard:
		t = &HasWardTest{}
	case TestTypeInGroup:
		t = &InGroupTest{}
	case TestTypeWebhookStatus:
		t = &WebhookStatusTest{}
	case TestTypeSubflow:
		t = &SubflowTest{}
	case TestTypeTimeout:
		t = &TimeoutTest{}
	case TestTypeAirtimeStatus:
		t = &AirtimeStatusTest{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTestType, env.Type)
	}

	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("%w: %s test: %v", ErrInvalidJSON, env.Type, err)
	}
	if err := validateStruct(t); err != nil {
		return nil, fmt.Errorf("%w: %s test: %v", ErrMissingField, env.Type, err)
	}
	return t, nil
}

// MarshalTest сериализует тест вместе с его type.
func MarshalTest(t Test) ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(string(t.Type()))
	fields["type"] = typ
	return json.Marshal(fields)
}

// IsNumericTest возвращает true для тестов, сравнивающих числа.
func IsNumericTest(t Test) bool {
	switch t.Type() {
	case TestTypeNumber, TestTypeLt, TestTypeEq, TestTypeGt, TestTypeLte, TestTypeGte, TestTypeBetween:
		return true
	}
	return false
}

// IsDateTest возвращает true для тестов, сравнивающих даты.
func IsDateTest(t Test) bool {
	switch t.Type() {
	case TestTypeDate, TestTypeDateBefore, TestTypeDateEqual, TestTypeDateAfter:
		return true
	}
	return false
}

// FormatValue приводит захваченное тестом значение к строке результата.
func FormatValue(v any, loc *time.Location) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case decimal.Decimal:
		return tv.String()
	case time.Time:
		if loc != nil {
			tv = tv.In(loc)
		}
		return tv.Format(time.RFC3339)
	case fmt.Stringer:
		return tv.String()
	default:
		return strings.TrimSpace(fmt.Sprint(tv))
	}
}
