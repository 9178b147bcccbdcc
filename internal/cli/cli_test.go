package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Flowline/internal/domain"
	"github.com/shaiso/Flowline/internal/engine"
	"github.com/shaiso/Flowline/internal/orchestrator"
)

const favoritesFlow = `{
  "version": "11.12", "flow_type": "F", "base_language": "eng", "entry": "a1",
  "metadata": {"name": "Favorites"},
  "action_sets": [
    {"uuid": "a1", "x": 0, "y": 0, "destination": "r1", "destination_type": "R", "exit_uuid": "e1",
     "actions": [{"type": "reply", "uuid": "act1", "msg": {"eng": "Do you like it?"}}]},
    {"uuid": "a2", "x": 0, "y": 200, "exit_uuid": "e2",
     "actions": [{"type": "reply", "uuid": "act2", "msg": {"eng": "Great, @flow.answer.category"}}]}
  ],
  "rule_sets": [
    {"uuid": "r1", "x": 0, "y": 100, "label": "Answer", "operand": "@step.value", "ruleset_type": "wait_message",
     "config": {},
     "rules": [
       {"uuid": "ru1", "category": {"eng": "Yes"}, "destination": "a2", "destination_type": "A",
        "test": {"type": "contains_any", "test": {"eng": "yes"}}}
     ]}
  ]
}`

const loopingFlow = `{
  "version": "11.12", "flow_type": "F", "base_language": "eng", "entry": "a1",
  "metadata": {"name": "Loop"},
  "action_sets": [
    {"uuid": "a1", "x": 0, "y": 0, "destination": "a2", "destination_type": "A", "exit_uuid": "e1",
     "actions": [{"type": "reply", "uuid": "act1", "msg": {"eng": "one"}}]},
    {"uuid": "a2", "x": 0, "y": 100, "destination": "a1", "destination_type": "A", "exit_uuid": "e2",
     "actions": [{"type": "reply", "uuid": "act2", "msg": {"eng": "two"}}]}
  ],
  "rule_sets": []
}`

const danglingFlow = `{
  "version": "11.12", "flow_type": "F", "base_language": "eng", "entry": "a1",
  "metadata": {"name": "Dangling"},
  "action_sets": [
    {"uuid": "a1", "x": 0, "y": 0, "destination": "gone", "destination_type": "A", "exit_uuid": "e1",
     "actions": [{"type": "reply", "uuid": "act1", "msg": {"eng": "hi"}}]}
  ],
  "rule_sets": []
}`

func writeFlow(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, cmd interface {
	SetArgs([]string)
	Execute() error
}, args ...string) error {
	t.Helper()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestMigrateCmd_LatestVersion(t *testing.T) {
	var buf bytes.Buffer
	cmd := NewMigrateCmd(func() *Output { return NewOutputTo(FormatJSON, &buf, io.Discard) })

	if err := execute(t, cmd, "../migrate/testdata/favorites_v4.json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if doc["version"] != "11.12" {
		t.Errorf("expected version 11.12, got %v", doc["version"])
	}
}

func TestMigrateCmd_TargetVersionYAML(t *testing.T) {
	var buf bytes.Buffer
	cmd := NewMigrateCmd(func() *Output { return NewOutputTo(FormatYAML, &buf, io.Discard) })

	if err := execute(t, cmd, "../migrate/testdata/favorites_v4.json", "--to", "10"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	if doc["version"] != "10" {
		t.Errorf("expected version 10, got %v", doc["version"])
	}
}

func TestMigrateCmd_Export(t *testing.T) {
	export := `{
  "version": 8,
  "flows": [{"name": "Export", "id": 12, "definition": {"entry": "a1",
    "action_sets": [{"uuid": "a1", "x": 0, "y": 0, "actions": [{"type": "reply", "msg": "hi"}]}],
    "rule_sets": []}}],
  "campaigns": [],
  "triggers": []
}`
	var buf bytes.Buffer
	cmd := NewMigrateCmd(func() *Output { return NewOutputTo(FormatJSON, &buf, io.Discard) })

	if err := execute(t, cmd, writeFlow(t, export), "--export"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var doc struct {
		Flows []struct {
			UUID       string         `json:"uuid"`
			Definition map[string]any `json:"definition"`
		} `json:"flows"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(doc.Flows) != 1 {
		t.Fatalf("expected 1 flow, got %d", len(doc.Flows))
	}
	if doc.Flows[0].UUID == "" {
		t.Error("expected flow id replaced by uuid")
	}
	if doc.Flows[0].Definition["version"] != "11.12" {
		t.Errorf("expected definition at 11.12, got %v", doc.Flows[0].Definition["version"])
	}
}

func TestValidateCmd(t *testing.T) {
	var errBuf bytes.Buffer
	cmd := NewValidateCmd(func() *Output { return NewOutputTo(FormatTable, io.Discard, &errBuf) })
	if err := execute(t, cmd, writeFlow(t, favoritesFlow)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(errBuf.String(), "3 nodes, 0 warnings") {
		t.Errorf("unexpected summary: %q", errBuf.String())
	}
}

func TestValidateCmd_DanglingIsWarning(t *testing.T) {
	var buf bytes.Buffer
	cmd := NewValidateCmd(func() *Output { return NewOutputTo(FormatJSON, &buf, io.Discard) })
	if err := execute(t, cmd, writeFlow(t, danglingFlow)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var report ValidationReport
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(report.Warnings) != 1 || report.Warnings[0].Node != "a1" {
		t.Errorf("expected one warning on a1, got %+v", report.Warnings)
	}
}

func TestValidateCmd_LegacyIsMigrated(t *testing.T) {
	var buf bytes.Buffer
	cmd := NewValidateCmd(func() *Output { return NewOutputTo(FormatJSON, &buf, io.Discard) })
	if err := execute(t, cmd, "../migrate/testdata/favorites_v4.json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var report ValidationReport
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if report.Migrated != "4" || report.Version != "11.12" {
		t.Errorf("expected migrated from 4 to 11.12, got %q to %q", report.Migrated, report.Version)
	}
}

func TestCyclesCmd(t *testing.T) {
	var buf bytes.Buffer
	cmd := NewCyclesCmd(func() *Output { return NewOutputTo(FormatTable, &buf, io.Discard) })

	err := execute(t, cmd, writeFlow(t, loopingFlow))
	if !errors.Is(err, engine.ErrInvalidCycle) {
		t.Fatalf("expected invalid cycle error, got %v", err)
	}
	if !strings.Contains(buf.String(), "a1") || !strings.Contains(buf.String(), "a2") {
		t.Errorf("expected cycle path in output, got %q", buf.String())
	}

	cmd = NewCyclesCmd(func() *Output { return NewOutputTo(FormatTable, io.Discard, io.Discard) })
	if err := execute(t, cmd, writeFlow(t, favoritesFlow)); err != nil {
		t.Errorf("expected no cycle, got %v", err)
	}
}

func TestSimulate(t *testing.T) {
	sim, err := Simulate(context.Background(), SimulateOptions{
		File:        writeFlow(t, favoritesFlow),
		Inputs:      []string{"yes I do"},
		ContactName: "Ben",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sim.Status != string(domain.ExitCompleted) {
		t.Errorf("expected completed run, got %s", sim.Status)
	}
	var texts []string
	for _, m := range sim.Messages {
		texts = append(texts, m.Text)
	}
	want := []string{"Do you like it?", "yes I do", "Great, Yes"}
	if strings.Join(texts, "|") != strings.Join(want, "|") {
		t.Errorf("expected messages %v, got %v", want, texts)
	}
	if len(sim.Results) != 1 || sim.Results[0].Category != "Yes" {
		t.Errorf("expected Yes result, got %+v", sim.Results)
	}
}

func TestSimulate_NoWaitingRun(t *testing.T) {
	sim, err := Simulate(context.Background(), SimulateOptions{
		File:   writeFlow(t, favoritesFlow),
		Inputs: []string{"yes", "anything else?"},
	})
	if !errors.Is(err, orchestrator.ErrNoActiveRun) {
		t.Fatalf("expected ErrNoActiveRun, got %v", err)
	}
	if sim == nil || sim.Status != string(domain.ExitCompleted) {
		t.Errorf("expected partial result with completed run, got %+v", sim)
	}
}

func TestFormatFromFlags(t *testing.T) {
	if FormatFromFlags(false, false) != FormatTable {
		t.Error("expected table by default")
	}
	if FormatFromFlags(true, false) != FormatJSON {
		t.Error("expected json")
	}
	if FormatFromFlags(true, true) != FormatYAML {
		t.Error("expected yaml to win")
	}
}
