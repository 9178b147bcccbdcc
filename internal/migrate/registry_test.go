package migrate

import (
	"errors"
	"os"
	"testing"

	"github.com/Jeffail/gabs/v2"
)

func loadFixture(t *testing.T, name string) *gabs.Container {
	t.Helper()
	data, err := os.ReadFile("testdata/" + name)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	doc, err := gabs.ParseJSON(data)
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return doc
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"5", "5"},
		{"5.0", "5"},
		{"10", "10"},
		{"10.4", "10.4"},
		{"11.0", "11.0"},
		{"11.12", "11.12"},
	}
	for _, tt := range tests {
		v, err := ParseVersion(tt.input)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.input, err)
		}
		if v.String() != tt.expected {
			t.Errorf("expected %s, got %s", tt.expected, v.String())
		}
	}

	if !MustParseVersion("11.2").Less(MustParseVersion("11.12")) {
		t.Error("expected 11.2 < 11.12")
	}
	if _, err := ParseVersion("eleven"); !errors.Is(err, ErrUnknownVersion) {
		t.Errorf("expected ErrUnknownVersion, got %v", err)
	}
}

func TestDocumentVersion(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
	}{
		{`{}`, "4"},
		{`{"version": "10.2"}`, "10.2"},
		{`{"version": 7}`, "7"},
		{`{"spec_version": "11.12"}`, "11.12"},
		{`{"definition": {"version": 6}}`, "6"},
	}
	for _, tt := range tests {
		doc, _ := gabs.ParseJSON([]byte(tt.raw))
		v, err := DocumentVersion(doc)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.raw, err)
		}
		if v.String() != tt.expected {
			t.Errorf("%s: expected %s, got %s", tt.raw, tt.expected, v)
		}
	}
}

func TestMigrate_StampsEveryVersion(t *testing.T) {
	for _, target := range Chain {
		t.Run(target, func(t *testing.T) {
			doc := loadFixture(t, "favorites_v4.json")

			out, err := DefaultRegistry().Migrate(doc, &Meta{Name: "Favorites"}, target)
			if err != nil {
				t.Fatalf("migrate: %v", err)
			}
			v, err := DocumentVersion(out)
			if err != nil {
				t.Fatalf("version: %v", err)
			}
			if v.String() != target {
				t.Errorf("expected version %s, got %s", target, v)
			}
		})
	}
}

func TestMigrate_Monotonic(t *testing.T) {
	doc := loadFixture(t, "favorites_v4.json")
	prev := BaseVersion

	for _, target := range Chain {
		var err error
		doc, err = DefaultRegistry().Migrate(doc, nil, target)
		if err != nil {
			t.Fatalf("migrate to %s: %v", target, err)
		}
		v, _ := DocumentVersion(doc)
		if !prev.Less(v) {
			t.Fatalf("version did not increase: %s then %s", prev, v)
		}
		prev = v
	}
}

func TestMigrate_SameVersionIsNoop(t *testing.T) {
	doc, _ := gabs.ParseJSON([]byte(`{"version": "11.12", "action_sets": [], "rule_sets": []}`))
	before := doc.String()

	out, err := DefaultRegistry().Migrate(doc, nil, "11.12")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.String() != before {
		t.Errorf("expected unchanged document, got %s", out.String())
	}
}

func TestMigrate_Errors(t *testing.T) {
	t.Run("downgrade", func(t *testing.T) {
		doc, _ := gabs.ParseJSON([]byte(`{"version": "11.12"}`))
		_, err := DefaultRegistry().Migrate(doc, nil, "10")
		if !errors.Is(err, ErrDowngrade) {
			t.Errorf("expected ErrDowngrade, got %v", err)
		}
	})

	t.Run("unknown target", func(t *testing.T) {
		doc, _ := gabs.ParseJSON([]byte(`{"version": "10"}`))
		_, err := DefaultRegistry().Migrate(doc, nil, "12")
		if !errors.Is(err, ErrUnknownVersion) {
			t.Errorf("expected ErrUnknownVersion, got %v", err)
		}
	})

	t.Run("unknown document version", func(t *testing.T) {
		doc, _ := gabs.ParseJSON([]byte(`{"version": "10.7"}`))
		_, err := DefaultRegistry().Migrate(doc, nil, "")
		if !errors.Is(err, ErrUnknownVersion) {
			t.Errorf("expected ErrUnknownVersion, got %v", err)
		}
	})

	t.Run("not an object", func(t *testing.T) {
		doc, _ := gabs.ParseJSON([]byte(`[1, 2]`))
		_, err := DefaultRegistry().Migrate(doc, nil, "")
		if !errors.Is(err, ErrInvalidDocument) {
			t.Errorf("expected ErrInvalidDocument, got %v", err)
		}
	})
}

func TestMigrate_GapIsConflict(t *testing.T) {
	var steps []Migration
	for _, v := range []string{"5", "6", "7", "9"} {
		steps = append(steps, Migration{Version: MustParseVersion(v), Apply: DefaultRegistry().byVer[MustParseVersion(v)]})
	}
	registry, err := NewRegistry(nil, steps...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	doc := loadFixture(t, "favorites_v4.json")
	before := doc.String()

	_, err = registry.Migrate(doc, nil, "9")
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if conflict.Expected != "8" || conflict.Current != "4" {
		t.Errorf("expected conflict at 8 from 4, got %+v", conflict)
	}
	if !errors.Is(err, ErrVersionConflict) || !errors.Is(err, ErrMissingMigration) {
		t.Errorf("expected conflict and missing migration, got %v", err)
	}
	if doc.String() != before {
		t.Error("expected document untouched on conflict")
	}
}

// failingResolver отказывает на группе с заданным именем.
type failingResolver struct {
	*fakeResolver
	failOn string
}

func (r *failingResolver) ResolveGroup(ref Ref) (Ref, error) {
	if ref.Name == r.failOn {
		return Ref{}, errors.New("db down")
	}
	return Ref{UUID: "resolved-" + ref.Name, Name: ref.Name}, nil
}

func TestMigrate_StepFailureKeepsPreviousVersion(t *testing.T) {
	doc, _ := gabs.ParseJSON([]byte(`{
	  "version": "11.5",
	  "action_sets": [{"uuid": "a1", "actions": [
	    {"type": "add_group", "uuid": "x1", "groups": [
	      {"uuid": "stale-good", "name": "Good"},
	      {"uuid": "stale-bad", "name": "Bad"}
	    ]}
	  ]}],
	  "rule_sets": []
	}`))
	before := doc.String()
	meta := &Meta{Resolver: &failingResolver{fakeResolver: newFakeResolver(), failOn: "Bad"}}

	out, err := DefaultRegistry().Migrate(doc, meta, "")
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected StepError, got %v", err)
	}
	if stepErr.Version != "11.6" {
		t.Errorf("expected failure at 11.6, got %s", stepErr.Version)
	}
	if out == nil {
		t.Fatal("expected document at the last good version")
	}
	if v := str(out, "version"); v != "11.5" {
		t.Errorf("expected version 11.5, got %s", v)
	}
	if g := str(out, "action_sets", "0", "actions", "0", "groups", "0", "uuid"); g != "stale-good" {
		t.Errorf("expected no partial edits, got first group uuid %q", g)
	}
	if doc.String() != before {
		t.Error("expected input document untouched")
	}
}

func TestMigrate_ReturnsCopy(t *testing.T) {
	doc := loadFixture(t, "favorites_v4.json")
	before := doc.String()

	out, err := DefaultRegistry().Migrate(doc, nil, "6")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if str(out, "version") != "6" {
		t.Errorf("expected version 6, got %s", str(out, "version"))
	}
	if doc.String() != before {
		t.Error("expected input document untouched")
	}
}

func TestNewRegistry_RejectsUnsorted(t *testing.T) {
	noop := func(doc *gabs.Container, _ *Meta) (*gabs.Container, error) { return doc, nil }
	_, err := NewRegistry(nil,
		Migration{Version: MustParseVersion("6"), Apply: noop},
		Migration{Version: MustParseVersion("5"), Apply: noop},
	)
	if !errors.Is(err, ErrUnsortedRegistry) {
		t.Errorf("expected ErrUnsortedRegistry, got %v", err)
	}
}

func TestExpectVersion(t *testing.T) {
	doc, _ := gabs.ParseJSON([]byte(`{"version": "11.11"}`))

	err := ExpectVersion(doc, "11.12")
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if IsCurrent(doc) {
		t.Error("expected document not current")
	}

	doc.Set("11.12", "version")
	if err := ExpectVersion(doc, "11.12"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
