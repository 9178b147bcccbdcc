package migrate

import "testing"

func TestMigrateTemplate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain text", "Hello world", "Hello world"},
		{"variable without filter", "Hi @contact.name!", "Hi @contact.name!"},
		{"upper case", "@contact.name|upper_case", "@(UPPER(contact.name))"},
		{"capitalize in text", "Hi @contact.first_name|capitalize!", "Hi @(PROPER(contact.first_name))!"},
		{"title case", "@flow.name|title_case", "@(PROPER(flow.name))"},
		{"filter chain", "@contact|first_word|upper_case", "@(UPPER(FIRST_WORD(contact)))"},
		{"read digits", "@step.value|read_digits", "@(READ_DIGITS(step.value))"},
		{"time delta", "@date.now|time_delta:'3'", "@(date.now + 3)"},
		{"negative time delta", "@date.now|time_delta:\"-2\"", "@(date.now - 2)"},
		{"unknown filter kept", "@contact.name|shout", "@contact.name|shout"},
		{"old expression", "=(@contact.age + 1)", "@(contact.age + 1)"},
		{"old function", "Total =SUM(1, 2) items", "Total @(SUM(1, 2)) items"},
		{"old variable", "=contact.age", "@(contact.age)"},
		{"equals in text", "a=b and x = 5", "a=b and x = 5"},
		{"email", "mail bob@example.com", "mail bob@example.com"},
		{"escaped at", "@@home", "@@home"},
		{"new expression kept", `@(UPPER(contact.name & "="))`, `@(UPPER(contact.name & "="))`},
		{"string at kept", `=("a@b" & @contact.name)`, `@("a@b" & contact.name)`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MigrateTemplate(tt.input)
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
			if again := MigrateTemplate(got); again != got {
				t.Errorf("expected idempotent result, second pass gave %q", again)
			}
		})
	}
}

func TestRewritePaths(t *testing.T) {
	toNow := func(path string) string {
		if path == "date" {
			return "date.now"
		}
		return path
	}

	tests := []struct {
		input    string
		expected string
	}{
		{"Sent @date", "Sent @date.now"},
		{"Sent @date.", "Sent @date.now."},
		{"@date.today", "@date.today"},
		{"@(date + 1)", "@(date.now + 1)"},
		{`@(DATEVALUE("date"))`, `@(DATEVALUE("date"))`},
		{"@@date", "@@date"},
		{"no refs", "no refs"},
	}
	for _, tt := range tests {
		if got := rewritePaths(tt.input, toNow); got != tt.expected {
			t.Errorf("%q: expected %q, got %q", tt.input, tt.expected, got)
		}
	}
}
