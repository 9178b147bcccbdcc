package flowdef

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shaiso/Flowline/internal/domain"
)

func evalTest(t *testing.T, raw string, ev *Evaluation) (int, any) {
	t.Helper()
	test, err := ParseTest(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return test.Evaluate(ev)
}

func TestParseTest_UnknownType(t *testing.T) {
	_, err := ParseTest(json.RawMessage(`{"type": "has_magic"}`))
	if !errors.Is(err, ErrUnknownTestType) {
		t.Errorf("expected ErrUnknownTestType, got %v", err)
	}

	_, err = ParseTest(json.RawMessage(`{"test": "x"}`))
	if !errors.Is(err, ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
}

func TestParseTest_MissingRequired(t *testing.T) {
	tests := []string{
		`{"type": "lt"}`,
		`{"type": "between", "min": "1"}`,
		`{"type": "webhook_status", "status": "maybe"}`,
		`{"type": "subflow"}`,
	}

	for _, raw := range tests {
		if _, err := ParseTest(json.RawMessage(raw)); !errors.Is(err, ErrMissingField) {
			t.Errorf("%s: expected ErrMissingField, got %v", raw, err)
		}
	}
}

func TestTextTests(t *testing.T) {
	tests := []struct {
		name    string
		test    string
		input   string
		matched bool
		value   string
	}{
		{"contains all words", `{"type":"contains","test":{"base":"red blue"}}`, "I like Blue and RED", true, "Blue RED"},
		{"contains missing word", `{"type":"contains","test":{"base":"red blue"}}`, "I like red", false, ""},
		{"contains typo", `{"type":"contains","test":"yellow"}`, "yelow please", true, "yelow"},
		{"contains typo unicode", `{"type":"contains","test":"привет"}`, "привт всем", true, "привт"},
		{"contains two typos", `{"type":"contains","test":"yellow"}`, "yelaw please", false, ""},
		{"contains typo first letter", `{"type":"contains","test":"yellow"}`, "jellow please", false, ""},
		{"contains any", `{"type":"contains_any","test":{"base":"red blue"}}`, "only blue", true, "blue"},
		{"contains any none", `{"type":"contains_any","test":{"base":"red blue"}}`, "green", false, ""},
		{"phrase", `{"type":"contains_phrase","test":"good morning"}`, "Good morning, sir", true, "Good morning"},
		{"phrase out of order", `{"type":"contains_phrase","test":"good morning"}`, "morning good", false, ""},
		{"only phrase", `{"type":"contains_only_phrase","test":"good morning"}`, "good, morning!", true, "good morning"},
		{"only phrase extra", `{"type":"contains_only_phrase","test":"good morning"}`, "good morning sir", false, ""},
		{"starts", `{"type":"starts","test":"Yes"}`, "  yes please", true, "yes"},
		{"starts no", `{"type":"starts","test":"Yes"}`, "no yes", false, ""},
		{"email", `{"type":"has_email"}`, "mail me at (bob@example.com).", true, "bob@example.com"},
		{"phone", `{"type":"phone"}`, "call +250 788 123 123", true, "+250788123123"},
		{"not empty", `{"type":"not_empty"}`, "  x ", true, "x"},
		{"not empty blank", `{"type":"not_empty"}`, "   ", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &Evaluation{Text: tt.input, Languages: []string{"", "base"}}
			matched, value := evalTest(t, tt.test, ev)
			if (matched != 0) != tt.matched {
				t.Fatalf("expected matched=%v, got %d", tt.matched, matched)
			}
			if tt.matched && FormatValue(value, nil) != tt.value {
				t.Errorf("expected value %q, got %q", tt.value, FormatValue(value, nil))
			}
		})
	}
}

func TestRegexTest_SavesGroups(t *testing.T) {
	run := domain.NewFlowRun(uuid.New(), uuid.New(), time.Now())
	ev := &Evaluation{Run: run, Text: "Order ABC-42 shipped"}

	matched, value := evalTest(t, `{"type":"regex","test":"(?P<code>[a-z]+)-(\\d+)"}`, ev)
	if matched == 0 {
		t.Fatal("expected match")
	}
	if value != "ABC-42" {
		t.Errorf("expected value ABC-42, got %v", value)
	}
	if run.Extra["0"] != "ABC-42" || run.Extra["2"] != "42" || run.Extra["code"] != "ABC" {
		t.Errorf("unexpected extra: %v", run.Extra)
	}
}

func TestNumericTests(t *testing.T) {
	tests := []struct {
		name    string
		test    string
		input   string
		matched bool
		value   string
	}{
		{"number", `{"type":"number"}`, "I am 25 years", true, "25"},
		{"number with currency", `{"type":"number"}`, "$1,250.50", true, "1250.5"},
		{"number letter substitution", `{"type":"number"}`, "l0", true, "10"},
		{"number prefix", `{"type":"number"}`, "25yrs", true, "25"},
		{"no number", `{"type":"number"}`, "twenty", false, ""},
		{"lt", `{"type":"lt","test":"10"}`, "5", true, "5"},
		{"lt numeric json", `{"type":"lt","test":10}`, "50", false, ""},
		{"gt picks matching word", `{"type":"gt","test":"10"}`, "3 or 12", true, "12"},
		{"eq", `{"type":"eq","test":"7"}`, "7.0", true, "7"},
		{"gte", `{"type":"gte","test":"7"}`, "7", true, "7"},
		{"lte", `{"type":"lte","test":"7"}`, "8", false, ""},
		{"between", `{"type":"between","min":"5","max":"10"}`, "it is 10", true, "10"},
		{"between outside", `{"type":"between","min":"5","max":"10"}`, "11", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, value := evalTest(t, tt.test, &Evaluation{Text: tt.input})
			if (matched != 0) != tt.matched {
				t.Fatalf("expected matched=%v, got %d", tt.matched, matched)
			}
			if !tt.matched {
				return
			}
			d, ok := value.(decimal.Decimal)
			if !ok {
				t.Fatalf("expected decimal value, got %T", value)
			}
			if !d.Equal(decimal.RequireFromString(tt.value)) {
				t.Errorf("expected %s, got %s", tt.value, d)
			}
		})
	}
}

func TestNumericTests_ExponentInput(t *testing.T) {
	tests := []struct {
		name    string
		test    string
		input   string
		matched bool
		value   string
	}{
		{"lt huge exponent", `{"type":"lt","test":"10"}`, "1e99999999", true, "1"},
		{"gt huge exponent", `{"type":"gt","test":"10"}`, "1e99999999", false, ""},
		{"eq negative exponent", `{"type":"eq","test":"1"}`, "1E-99999999", true, "1"},
		{"between exponent", `{"type":"between","min":"5","max":"10"}`, "7e5", true, "7"},
		{"number exponent only", `{"type":"number"}`, "e10", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			type result struct {
				matched int
				value   any
			}
			test, err := ParseTest(json.RawMessage(tt.test))
			if err != nil {
				t.Fatalf("parse %s: %v", tt.test, err)
			}
			done := make(chan result, 1)
			go func() {
				matched, value := test.Evaluate(&Evaluation{Text: tt.input})
				done <- result{matched, value}
			}()

			var r result
			select {
			case r = <-done:
			case <-time.After(5 * time.Second):
				t.Fatalf("%s on %q did not return", tt.test, tt.input)
			}

			if (r.matched != 0) != tt.matched {
				t.Fatalf("expected matched=%v, got %d", tt.matched, r.matched)
			}
			if !tt.matched {
				return
			}
			d, ok := r.value.(decimal.Decimal)
			if !ok {
				t.Fatalf("expected decimal value, got %T", r.value)
			}
			if !d.Equal(decimal.RequireFromString(tt.value)) {
				t.Errorf("expected %s, got %s", tt.value, d)
			}
		})
	}
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"12", true},
		{"-3.5", true},
		{"1250.50", true},
		{"1e3", false},
		{"1E-9", false},
		{"", false},
		{"abc", false},
	}

	for _, tt := range tests {
		if _, ok := ParseNumber(tt.in); ok != tt.ok {
			t.Errorf("ParseNumber(%q): expected ok=%v, got %v", tt.in, tt.ok, ok)
		}
	}
}

func TestDateTests(t *testing.T) {
	dayFirst := &domain.Org{Timezone: "UTC", DayFirst: true}
	monthFirst := &domain.Org{Timezone: "UTC"}

	matched, value := evalTest(t, `{"type":"date"}`, &Evaluation{Text: "born 03/04/2010", Org: dayFirst})
	if matched == 0 {
		t.Fatal("expected date match")
	}
	if d := value.(time.Time); d.Month() != time.April || d.Day() != 3 {
		t.Errorf("expected 3 April, got %v", d)
	}

	_, value = evalTest(t, `{"type":"date"}`, &Evaluation{Text: "03/04/2010", Org: monthFirst})
	if d := value.(time.Time); d.Month() != time.March || d.Day() != 4 {
		t.Errorf("expected 4 March, got %v", d)
	}

	tests := []struct {
		test    string
		input   string
		matched bool
	}{
		{`{"type":"date_before","test":"2020-01-10"}`, "2020-01-10", true},
		{`{"type":"date_before","test":"2020-01-10"}`, "2020-01-11", false},
		{`{"type":"date_after","test":"2020-01-10"}`, "2020-01-11", true},
		{`{"type":"date_equal","test":"2020-01-10"}`, "10.01.2020 14:30", true},
		{`{"type":"date_equal","test":"2020-01-10"}`, "2020-02-10", false},
		{`{"type":"date_equal","test":"2024-03-15"}`, "15 March 2024", true},
		{`{"type":"date_equal","test":"2024-03-15"}`, "March 15, 2024", true},
		{`{"type":"date_equal","test":"2024-03-15"}`, "2024-03-15T18:30:00Z", true},
		{`{"type":"date_after","test":"2024-03-15"}`, "Sat, 16 Mar 2024 09:00:00 UTC", true},
		{`{"type":"date"}`, "2024", false},
		{`{"type":"date"}`, "call me at 5", false},
	}
	for _, tt := range tests {
		matched, _ := evalTest(t, tt.test, &Evaluation{Text: tt.input, Org: dayFirst})
		if (matched != 0) != tt.matched {
			t.Errorf("%s on %q: expected matched=%v, got %d", tt.test, tt.input, tt.matched, matched)
		}
	}
}

func TestLogicTests(t *testing.T) {
	ev := &Evaluation{Text: "red 5"}

	matched, value := evalTest(t, `{"type":"and","tests":[{"type":"contains","test":"red"},{"type":"number"}]}`, ev)
	if matched == 0 {
		t.Fatal("expected and to match")
	}
	if value != "red 5" {
		t.Errorf("expected joined value 'red 5', got %v", value)
	}

	matched, _ = evalTest(t, `{"type":"and","tests":[{"type":"contains","test":"blue"},{"type":"number"}]}`, ev)
	if matched != 0 {
		t.Error("expected and to fail on first subtest")
	}

	matched, value = evalTest(t, `{"type":"or","tests":[{"type":"contains","test":"blue"},{"type":"number"}]}`, ev)
	if matched == 0 {
		t.Fatal("expected or to match")
	}
	if d, ok := value.(decimal.Decimal); !ok || !d.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected value of second subtest, got %v", value)
	}

	if matched, _ := evalTest(t, `{"type":"false"}`, ev); matched != 0 {
		t.Error("false test should never match")
	}
}

func TestStatusTests(t *testing.T) {
	tests := []struct {
		test    string
		ev      *Evaluation
		matched bool
	}{
		{`{"type":"webhook_status","status":"success"}`, &Evaluation{WebhookStatus: 201}, true},
		{`{"type":"webhook_status","status":"success"}`, &Evaluation{WebhookStatus: 500}, false},
		{`{"type":"webhook_status","status":"failure"}`, &Evaluation{WebhookStatus: -1}, true},
		{`{"type":"subflow","exit_type":"completed"}`, &Evaluation{Text: "completed"}, true},
		{`{"type":"subflow","exit_type":"expired"}`, &Evaluation{Text: "completed"}, false},
		{`{"type":"timeout","minutes":5}`, &Evaluation{TimedOut: true}, true},
		{`{"type":"timeout","minutes":5}`, &Evaluation{Text: "hi"}, false},
		{`{"type":"airtime_status","exit_status":"failed"}`, &Evaluation{Text: "failed"}, true},
	}

	for _, tt := range tests {
		matched, _ := evalTest(t, tt.test, tt.ev)
		if (matched != 0) != tt.matched {
			t.Errorf("%s: expected matched=%v, got %d", tt.test, tt.matched, matched)
		}
	}
}

func TestInGroupTest(t *testing.T) {
	groupID := uuid.New()
	contact := &domain.Contact{ID: uuid.New(), Groups: []uuid.UUID{groupID}}

	raw := `{"type":"in_group","test":{"uuid":"` + groupID.String() + `","name":"Testers"}}`
	matched, value := evalTest(t, raw, &Evaluation{Contact: contact})
	if matched == 0 || value != "Testers" {
		t.Errorf("expected match with group name, got %d %v", matched, value)
	}

	contact.Groups = nil
	if matched, _ := evalTest(t, raw, &Evaluation{Contact: contact}); matched != 0 {
		t.Error("expected no match when contact is not in group")
	}
}

func TestMarshalTest_RoundTrip(t *testing.T) {
	raw := `{"type":"and","tests":[{"type":"between","min":"1","max":"5"},{"type":"contains","test":{"eng":"hi"}}]}`
	test, err := ParseTest(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	b, err := MarshalTest(test)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	again, err := ParseTest(b)
	if err != nil {
		t.Fatalf("reparse %s: %v", b, err)
	}
	and, ok := again.(*AndTest)
	if !ok || len(and.Tests) != 2 {
		t.Fatalf("expected and test with 2 subtests, got %#v", again)
	}
	if c, ok := and.Tests[1].(*ContainsTest); !ok || c.Test.Translations["eng"] != "hi" {
		t.Errorf("expected localized contains test, got %#v", and.Tests[1])
	}
}
