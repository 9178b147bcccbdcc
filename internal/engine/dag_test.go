package engine

import (
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/shaiso/Flowline/internal/flowdef"
)

func assertCycle(t *testing.T, g *Graph, cycle []string) {
	t.Helper()
	if len(cycle) < 2 {
		t.Fatalf("expected cycle of at least 2 nodes, got %v", cycle)
	}
	if cycle[0] != cycle[len(cycle)-1] {
		t.Fatalf("cycle should start and end with the same node, got %v", cycle)
	}
	for i := 0; i < len(cycle)-1; i++ {
		found := false
		for _, dest := range g.Edges(cycle[i]) {
			if dest == cycle[i+1] {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("no edge %s -> %s in graph", cycle[i], cycle[i+1])
		}
	}
}

func TestFindCycle_Acyclic(t *testing.T) {
	// A → B → D
	// A → C → D
	g := NewGraph()
	g.AddNode("A", "B", "C")
	g.AddNode("B", "D")
	g.AddNode("C", "D")
	g.AddNode("D")

	if cycle := g.FindCycle(); cycle != nil {
		t.Errorf("expected no cycle, got %v", cycle)
	}
}

func TestFindCycle_SimpleLoop(t *testing.T) {
	g := NewGraph()
	g.AddNode("A", "B")
	g.AddNode("B", "C")
	g.AddNode("C", "A")

	cycle := g.FindCycle()
	assertCycle(t, g, cycle)
	if len(cycle) != 4 {
		t.Errorf("expected [A B C A], got %v", cycle)
	}
}

func TestFindCycle_SelfLoop(t *testing.T) {
	g := NewGraph()
	g.AddNode("A", "A")

	cycle := g.FindCycle()
	assertCycle(t, g, cycle)
}

func TestFindCycle_OrphanedCycle(t *testing.T) {
	// entry A не достигает цикла X ↔ Y
	g := NewGraph()
	g.AddNode("A", "B")
	g.AddNode("B")
	g.AddNode("X", "Y")
	g.AddNode("Y", "X")

	cycle := g.FindCycle()
	assertCycle(t, g, cycle)
	if cycle[0] != "X" {
		t.Errorf("expected cycle through X, got %v", cycle)
	}
}

func TestFindCycle_TailBeforeCycle(t *testing.T) {
	g := NewGraph()
	g.AddNode("S", "A")
	g.AddNode("A", "B")
	g.AddNode("B", "C")
	g.AddNode("C", "B")

	cycle := g.FindCycle()
	assertCycle(t, g, cycle)
	if cycle[0] != "B" || len(cycle) != 3 {
		t.Errorf("expected [B C B], got %v", cycle)
	}
}

func TestFindCycle_DanglingDestination(t *testing.T) {
	g := NewGraph()
	g.AddNode("A", "missing")

	if cycle := g.FindCycle(); cycle != nil {
		t.Errorf("expected no cycle, got %v", cycle)
	}
}

func TestFindCycle_LongChain(t *testing.T) {
	g := NewGraph()
	const n = 20000
	ids := make([]string, n)
	for i := range ids {
		ids[i] = "n" + strconv.Itoa(i)
	}
	for i := 0; i < n-1; i++ {
		g.AddNode(ids[i], ids[i+1])
	}
	g.AddNode(ids[n-1], ids[n/2])

	cycle := g.FindCycle()
	assertCycle(t, g, cycle)
	if cycle[0] != ids[n/2] {
		t.Errorf("expected cycle to start at %s, got %s", ids[n/2], cycle[0])
	}
}

const loopDefinition = `{
  "version": "11.12",
  "entry": "a1",
  "action_sets": [
    {"uuid": "a1", "destination": "r1", "destination_type": "R", "exit_uuid": "e1",
     "actions": [{"type": "reply", "msg": {"eng": "Pick"}}]}
  ],
  "rule_sets": [
    {"uuid": "r1", "ruleset_type": "%s", "label": "Choice", "operand": "@step.value",
     "rules": [{"uuid": "ru1", "category": {"eng": "All"}, "destination": "a1", "destination_type": "A",
                "test": {"type": "true"}}]}
  ],
  "metadata": {"name": "Loop", "uuid": "f1"}
}`

func parseLoop(t *testing.T, rulesetType string) *flowdef.Definition {
	t.Helper()
	def, err := flowdef.Parse([]byte(fmt.Sprintf(loopDefinition, rulesetType)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return def
}

func TestDetectInvalidCycles_WaitBreaksCycle(t *testing.T) {
	def := parseLoop(t, "wait_message")
	if cycle := DetectInvalidCycles(def); cycle != nil {
		t.Errorf("cycle through wait node should be allowed, got %v", cycle)
	}
}

func TestDetectInvalidCycles_PassiveCycle(t *testing.T) {
	def := parseLoop(t, "expression")

	cycle := DetectInvalidCycles(def)
	if len(cycle) != 3 || cycle[0] != "a1" || cycle[1] != "r1" || cycle[2] != "a1" {
		t.Errorf("expected [a1 r1 a1], got %v", cycle)
	}

	err := CheckCycles(def)
	if !errors.Is(err, ErrInvalidCycle) {
		t.Errorf("expected ErrInvalidCycle, got %v", err)
	}
}

func TestPathTracker(t *testing.T) {
	tracker := NewPathTracker()

	for _, node := range []string{"a", "b", "c"} {
		if err := tracker.Visit(node); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	err := tracker.Visit("b")
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if !errors.Is(err, ErrRuntimeCycle) {
		t.Errorf("expected ErrRuntimeCycle, got %v", err)
	}
	if len(cycleErr.Path) != 3 || cycleErr.Path[0] != "b" || cycleErr.Path[2] != "b" {
		t.Errorf("expected [b c b], got %v", cycleErr.Path)
	}

	tracker.Reset()
	if err := tracker.Visit("b"); err != nil {
		t.Errorf("expected fresh budget after reset, got %v", err)
	}
}
