package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowline/internal/domain"
	"github.com/shaiso/Flowline/internal/engine"
	"github.com/shaiso/Flowline/internal/locks"
	"github.com/shaiso/Flowline/internal/mq"
	"github.com/shaiso/Flowline/internal/repo"
	"github.com/shaiso/Flowline/internal/webhook"
)

// --- Fixtures ---

const favoritesFlow = `{
  "version": "11.12", "flow_type": "F", "base_language": "eng", "entry": "a1",
  "metadata": {"name": "Favorites"},
  "action_sets": [
    {"uuid": "a1", "x": 0, "y": 0, "destination": "r1", "destination_type": "R", "exit_uuid": "e1",
     "actions": [{"type": "reply", "uuid": "act1", "msg": {"eng": "Do you like it?"}}]},
    {"uuid": "a2", "x": 0, "y": 200, "exit_uuid": "e2",
     "actions": [{"type": "reply", "uuid": "act2", "msg": {"eng": "Great, @flow.answer.category"}}]},
    {"uuid": "a3", "x": 200, "y": 200, "exit_uuid": "e3",
     "actions": [{"type": "reply", "uuid": "act3", "msg": {"eng": "Too bad"}}]}
  ],
  "rule_sets": [
    {"uuid": "r1", "x": 0, "y": 100, "label": "Answer", "operand": "@step.value", "ruleset_type": "wait_message",
     "config": {},
     "rules": [
       {"uuid": "ru1", "category": {"eng": "Yes"}, "destination": "a2", "destination_type": "A",
        "test": {"type": "contains_any", "test": {"eng": "yes"}}},
       {"uuid": "ru2", "category": {"eng": "Other"}, "destination": "a3", "destination_type": "A",
        "test": {"type": "true"}},
       {"uuid": "ru3", "category": {"eng": "No Response"}, "destination": "a3", "destination_type": "A",
        "test": {"type": "timeout", "minutes": 30}}
     ]}
  ]
}`

const emailFlow = `{
  "version": "11.12", "flow_type": "F", "base_language": "eng", "entry": "a1",
  "metadata": {"name": "Signup"},
  "action_sets": [
    {"uuid": "a1", "x": 0, "y": 0, "destination": "r1", "destination_type": "R", "exit_uuid": "e1",
     "actions": [
       {"type": "reply", "uuid": "act1", "msg": {"eng": "Hi @contact.name"}},
       {"type": "email", "uuid": "act2", "emails": ["ops@example.com"], "subject": "Signup", "msg": "@contact.name joined"}
     ]}
  ],
  "rule_sets": [
    {"uuid": "r1", "x": 0, "y": 100, "label": "Reply", "operand": "@step.value", "ruleset_type": "wait_message",
     "config": {}, "rules": [{"uuid": "ru1", "category": {"eng": "All Responses"}, "test": {"type": "true"}}]}
  ]
}`

const notifyFlow = `{
  "version": "11.12", "flow_type": "F", "base_language": "eng", "entry": "a1",
  "metadata": {"name": "Notify"},
  "action_sets": [
    {"uuid": "a1", "x": 0, "y": 0, "destination": "r1", "destination_type": "R", "exit_uuid": "e1",
     "actions": [{"type": "reply", "uuid": "act1", "msg": {"eng": "What happened?"}}]},
    {"uuid": "a2", "x": 0, "y": 200, "exit_uuid": "e2",
     "actions": [
       {"type": "reply", "uuid": "act2", "msg": {"eng": "Thanks, we will look"}},
       {"type": "email", "uuid": "act3", "emails": ["ops@example.com"], "subject": "Report", "msg": "@step.value"}
     ]}
  ],
  "rule_sets": [
    {"uuid": "r1", "x": 0, "y": 100, "label": "Report", "operand": "@step.value", "ruleset_type": "wait_message",
     "config": {},
     "rules": [{"uuid": "ru1", "category": {"eng": "All Responses"}, "destination": "a2", "destination_type": "A",
       "test": {"type": "true"}}]}
  ]
}`

const parentFlow = `{
  "version": "11.12", "flow_type": "F", "base_language": "eng", "entry": "s1",
  "metadata": {"name": "Parent"},
  "action_sets": [
    {"uuid": "p2", "x": 0, "y": 200, "exit_uuid": "pe2",
     "actions": [{"type": "reply", "uuid": "pact2", "msg": {"eng": "Welcome back"}}]},
    {"uuid": "p3", "x": 200, "y": 200, "exit_uuid": "pe3",
     "actions": [{"type": "reply", "uuid": "pact3", "msg": {"eng": "You took too long"}}]}
  ],
  "rule_sets": [
    {"uuid": "s1", "x": 0, "y": 0, "label": "Child", "operand": "@step.value", "ruleset_type": "subflow",
     "config": {"flow": {"uuid": "CHILD_UUID", "name": "Child"}},
     "rules": [
       {"uuid": "s1c", "category": {"eng": "Completed"}, "destination": "p2", "destination_type": "A",
        "test": {"type": "subflow", "exit_type": "completed"}},
       {"uuid": "s1e", "category": {"eng": "Expired"}, "destination": "p3", "destination_type": "A",
        "test": {"type": "subflow", "exit_type": "expired"}}
     ]}
  ]
}`

const childFlow = `{
  "version": "11.12", "flow_type": "F", "base_language": "eng", "entry": "c1",
  "metadata": {"name": "Child"},
  "action_sets": [
    {"uuid": "c1", "x": 0, "y": 0, "destination": "c2", "destination_type": "R", "exit_uuid": "ce1",
     "actions": [{"type": "reply", "uuid": "cact1", "msg": {"eng": "What is your name?"}}]}
  ],
  "rule_sets": [
    {"uuid": "c2", "x": 0, "y": 100, "label": "Name", "operand": "@step.value", "ruleset_type": "wait_message",
     "config": {}, "rules": [{"uuid": "cru1", "category": {"eng": "All Responses"}, "test": {"type": "true"}}]}
  ]
}`

const recursiveFlow = `{
  "version": "11.12", "flow_type": "F", "base_language": "eng", "entry": "x1",
  "metadata": {"name": "Recursive"},
  "action_sets": [],
  "rule_sets": [
    {"uuid": "x1", "x": 0, "y": 0, "operand": "@step.value", "ruleset_type": "subflow",
     "config": {"flow": {"uuid": "OTHER_UUID", "name": "Other"}},
     "rules": [{"uuid": "xr1", "category": {"eng": "Completed"}, "test": {"type": "subflow", "exit_type": "completed"}}]}
  ]
}`

const webhookFlow = `{
  "version": "11.12", "flow_type": "F", "base_language": "eng", "entry": "w1",
  "metadata": {"name": "Orders"},
  "action_sets": [
    {"uuid": "a2", "x": 0, "y": 200, "exit_uuid": "e2",
     "actions": [{"type": "reply", "uuid": "act2", "msg": {"eng": "Order @extra.order.id confirmed"}}]},
    {"uuid": "a3", "x": 200, "y": 200, "exit_uuid": "e3",
     "actions": [{"type": "reply", "uuid": "act3", "msg": {"eng": "Lookup failed"}}]}
  ],
  "rule_sets": [
    {"uuid": "w1", "x": 0, "y": 0, "label": "Order", "operand": "@step.value", "ruleset_type": "webhook",
     "config": {"webhook": "SERVER_URL/orders?contact=@contact.uuid", "webhook_action": "GET"},
     "rules": [
       {"uuid": "wr1", "category": {"eng": "Success"}, "destination": "a2", "destination_type": "A",
        "test": {"type": "webhook_status", "status": "success"}},
       {"uuid": "wr2", "category": {"eng": "Failure"}, "destination": "a3", "destination_type": "A",
        "test": {"type": "webhook_status", "status": "failure"}}
     ]}
  ]
}`

const randomFlow = `{
  "version": "11.12", "flow_type": "F", "base_language": "eng", "entry": "r1",
  "metadata": {"name": "Random"},
  "action_sets": [
    {"uuid": "a1", "x": 0, "y": 200, "exit_uuid": "e1",
     "actions": [{"type": "reply", "uuid": "act1", "msg": {"eng": "first"}}]},
    {"uuid": "a2", "x": 200, "y": 200, "exit_uuid": "e2",
     "actions": [{"type": "reply", "uuid": "act2", "msg": {"eng": "second"}}]}
  ],
  "rule_sets": [
    {"uuid": "r1", "x": 0, "y": 0, "label": "Bucket", "operand": "@step.value", "ruleset_type": "random",
     "config": {},
     "rules": [
       {"uuid": "ru1", "category": {"eng": "Bucket 1"}, "destination": "a1", "destination_type": "A", "test": {"type": "true"}},
       {"uuid": "ru2", "category": {"eng": "Bucket 2"}, "destination": "a2", "destination_type": "A", "test": {"type": "true"}}
     ]}
  ]
}`

// legacyFlow — версия 11.10 с назначением на удалённый узел.
const legacyFlow = `{
  "version": "11.10", "flow_type": "F", "base_language": "eng", "entry": "a1",
  "metadata": {"name": "Legacy"},
  "action_sets": [
    {"uuid": "a1", "x": 0, "y": 0, "destination": "deleted", "destination_type": "A", "exit_uuid": "e1",
     "actions": [{"type": "reply", "uuid": "act1", "msg": {"eng": "Hello from the past"}}]}
  ],
  "rule_sets": []
}`

// chainFlow строит n последовательных action set'ов n0 -> n1 -> ...
func chainFlow(n int) string {
	var sets []string
	for i := range n {
		dest := ""
		if i < n-1 {
			dest = fmt.Sprintf(`"destination": "n%d", "destination_type": "A", `, i+1)
		}
		sets = append(sets, fmt.Sprintf(
			`{"uuid": "n%d", "x": 0, "y": %d, %s"exit_uuid": "x%d", "actions": [{"type": "reply", "uuid": "m%d", "msg": {"eng": "step %d"}}]}`,
			i, i*100, dest, i, i, i))
	}
	return fmt.Sprintf(`{"version": "11.12", "flow_type": "F", "base_language": "eng", "entry": "n0",
  "metadata": {"name": "Chain"}, "action_sets": [%s], "rule_sets": []}`, strings.Join(sets, ","))
}

// --- Test environment ---

type testEnv struct {
	store *repo.MemoryStore
	orch  *Orchestrator
	org   *domain.Org

	mu       sync.Mutex
	now      time.Time
	contacts int
}

func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		store: repo.NewMemoryStore(),
		org:   &domain.Org{ID: uuid.New(), Name: "Nyaruka", Timezone: "UTC", Languages: []string{"eng"}},
		now:   time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	env.store.AddOrg(env.org)

	cfg := Config{
		Flows:    env.store,
		Runs:     env.store,
		Contacts: env.store,
		Msgs:     env.store,
		Locker:   locks.NewLocal(0),
		Webhooks: webhook.New(webhook.Config{SendWebhooks: true, Results: env.store, Logger: logger}),
		Clock:    env.clock,
		Random:   func(int) int { return 0 },
		Logger:   logger,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	env.orch = New(cfg)
	return env
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
	return e.now
}

func (e *testEnv) addFlow(t *testing.T, id uuid.UUID, name, version, definition string) uuid.UUID {
	t.Helper()
	if id == uuid.Nil {
		id = uuid.New()
	}
	e.store.AddFlow(&domain.Flow{
		ID:                  id,
		OrgID:               e.org.ID,
		Name:                name,
		FlowType:            domain.FlowTypeMessage,
		ExpiresAfterMinutes: 60,
		IsActive:            true,
		CreatedOn:           e.now,
		ModifiedOn:          e.now,
	}, version, []byte(definition))
	return id
}

func (e *testEnv) addContact(name string) *domain.Contact {
	e.contacts++
	c := &domain.Contact{
		ID:        uuid.New(),
		OrgID:     e.org.ID,
		Name:      name,
		Language:  "eng",
		URNs:      []string{fmt.Sprintf("tel:+25078800%04d", e.contacts)},
		CreatedOn: e.now,
	}
	e.store.AddContact(c)
	return c
}

func (e *testEnv) runOf(t *testing.T, contactID, flowID uuid.UUID) *domain.FlowRun {
	t.Helper()
	for _, r := range e.store.Runs() {
		if r.ContactID == contactID && r.FlowID == flowID {
			return r
		}
	}
	t.Fatalf("no run of flow %s for contact %s", flowID, contactID)
	return nil
}

func outgoingTexts(msgs []*domain.Msg) []string {
	var out []string
	for _, m := range msgs {
		if m.Direction == domain.DirectionOutgoing {
			out = append(out, m.Text)
		}
	}
	return out
}

func (e *testEnv) start(t *testing.T, flowID uuid.UUID, contacts ...uuid.UUID) *StartResult {
	t.Helper()
	result, err := e.orch.FlowStart(context.Background(), StartRequest{
		FlowID:              flowID,
		Contacts:            contacts,
		RestartParticipants: true,
		IncludeActive:       true,
		Interrupt:           true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return result
}

// --- FlowStart ---

func TestFlowStart_WaitsForInput(t *testing.T) {
	env := newTestEnv(t)
	flowID := env.addFlow(t, uuid.Nil, "Favorites", "11.12", favoritesFlow)
	ann := env.addContact("Ann")

	result := env.start(t, flowID, ann.ID)
	if len(result.Runs) != 1 || len(result.Errors) != 0 {
		t.Fatalf("expected 1 run and no errors, got %d runs, %v", len(result.Runs), result.Errors)
	}

	run := env.runOf(t, ann.ID, flowID)
	if !run.IsActive {
		t.Error("run should wait for input")
	}
	if run.CurrentNodeUUID != "r1" {
		t.Errorf("expected current node r1, got %s", run.CurrentNodeUUID)
	}
	if run.ExpiresOn == nil || !run.ExpiresOn.Equal(env.now.Add(time.Hour)) {
		t.Errorf("expected expires_on now+60m, got %v", run.ExpiresOn)
	}
	if run.TimeoutOn == nil || !run.TimeoutOn.Equal(env.now.Add(30*time.Minute)) {
		t.Errorf("expected timeout_on now+30m, got %v", run.TimeoutOn)
	}
	if len(run.Path) != 2 || run.Path[0].ExitUUID != "e1" {
		t.Errorf("expected path a1(e1) -> r1, got %+v", run.Path)
	}

	texts := outgoingTexts(env.store.Msgs(ann.ID))
	if len(texts) != 1 || texts[0] != "Do you like it?" {
		t.Errorf("expected prompt, got %v", texts)
	}
}

func TestFlowStart_Exclusions(t *testing.T) {
	env := newTestEnv(t)
	flowID := env.addFlow(t, uuid.Nil, "Favorites", "11.12", favoritesFlow)
	ann := env.addContact("Ann")
	bob := env.addContact("Bob")

	env.start(t, flowID, ann.ID)

	// участники без restart_participants пропускаются
	result, err := env.orch.FlowStart(context.Background(), StartRequest{
		FlowID:   flowID,
		Contacts: []uuid.UUID{ann.ID, bob.ID},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Runs) != 1 || result.Runs[0].ContactID != bob.ID {
		t.Fatalf("expected only bob to start, got %d runs", len(result.Runs))
	}

	// restart без include_active пропускает активных
	result, err = env.orch.FlowStart(context.Background(), StartRequest{
		FlowID:              flowID,
		Contacts:            []uuid.UUID{ann.ID},
		RestartParticipants: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Runs) != 0 {
		t.Errorf("expected active contact to be skipped, got %d runs", len(result.Runs))
	}
}

func TestFlowStart_Group(t *testing.T) {
	env := newTestEnv(t)
	flowID := env.addFlow(t, uuid.Nil, "Favorites", "11.12", favoritesFlow)

	group := &domain.Group{ID: uuid.New(), OrgID: env.org.ID, Name: "Testers"}
	env.store.AddGroup(group)
	ann := env.addContact("Ann")
	bob := &domain.Contact{ID: uuid.New(), OrgID: env.org.ID, Name: "Bob", Groups: []uuid.UUID{group.ID}}
	env.store.AddContact(bob)

	result, err := env.orch.FlowStart(context.Background(), StartRequest{
		FlowID:   flowID,
		Groups:   []uuid.UUID{group.ID},
		Contacts: []uuid.UUID{ann.ID, bob.ID},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Runs) != 2 {
		t.Errorf("expected 2 runs without duplicates, got %d", len(result.Runs))
	}
}

func TestFlowStart_InactiveFlow(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()
	env.store.AddFlow(&domain.Flow{ID: id, OrgID: env.org.ID, Name: "Archived"}, "11.12", []byte(favoritesFlow))

	_, err := env.orch.FlowStart(context.Background(), StartRequest{FlowID: id})
	if !errors.Is(err, ErrFlowInactive) {
		t.Errorf("expected ErrFlowInactive, got %v", err)
	}

	_, err = env.orch.FlowStart(context.Background(), StartRequest{FlowID: uuid.New()})
	if !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("expected ErrFlowNotFound, got %v", err)
	}
}

func TestFlowStart_PathKeepsLastSteps(t *testing.T) {
	env := newTestEnv(t)
	flowID := env.addFlow(t, uuid.Nil, "Chain", "11.12", chainFlow(105))
	ann := env.addContact("Ann")

	env.start(t, flowID, ann.ID)

	run := env.runOf(t, ann.ID, flowID)
	if run.IsActive || run.ExitType != domain.ExitCompleted {
		t.Fatalf("expected completed run, got active=%v exit=%s", run.IsActive, run.ExitType)
	}
	if len(run.Path) != domain.PathMaxSteps {
		t.Fatalf("expected path of %d steps, got %d", domain.PathMaxSteps, len(run.Path))
	}
	if run.Path[0].NodeUUID != "n5" {
		t.Errorf("expected oldest kept step n5, got %s", run.Path[0].NodeUUID)
	}
	if last := run.Path[len(run.Path)-1]; last.NodeUUID != "n104" || last.ExitUUID != "x104" {
		t.Errorf("expected last step n104(x104), got %+v", last)
	}

	texts := outgoingTexts(env.store.Msgs(ann.ID))
	if len(texts) != 105 || texts[0] != "step 0" || texts[104] != "step 104" {
		t.Errorf("expected 105 msgs in order, got %d", len(texts))
	}
}

func TestFlowStart_ContactFailureIsIsolated(t *testing.T) {
	emailer := emailerFunc(func(_ context.Context, _ []string, _, body string) error {
		if strings.Contains(body, "Bob") {
			return errors.New("smtp unavailable")
		}
		return nil
	})
	env := newTestEnv(t, func(cfg *Config) { cfg.Emailer = emailer })
	flowID := env.addFlow(t, uuid.Nil, "Signup", "11.12", emailFlow)
	ann := env.addContact("Ann")
	bob := env.addContact("Bob")
	cat := env.addContact("Cat")

	result := env.start(t, flowID, ann.ID, bob.ID, cat.ID)
	if len(result.Runs) != 2 {
		t.Errorf("expected 2 runs, got %d", len(result.Runs))
	}
	if err := result.Errors[bob.ID]; err == nil || !strings.Contains(err.Error(), "smtp unavailable") {
		t.Errorf("expected bob to fail with smtp error, got %v", err)
	}

	for _, c := range []*domain.Contact{ann, cat} {
		run := env.runOf(t, c.ID, flowID)
		if !run.IsActive {
			t.Errorf("%s: run should be waiting", c.Name)
		}
		msgs := env.store.Msgs(c.ID)
		if len(msgs) != 1 || msgs[0].Status != domain.MsgStatusQueued || msgs[0].Text != "Hi "+c.Name {
			t.Errorf("%s: expected one queued greeting, got %+v", c.Name, msgs)
		}
	}

	run := env.runOf(t, bob.ID, flowID)
	if run.IsActive || run.ExitType != domain.ExitInterrupted {
		t.Errorf("bob: expected interrupted run, got active=%v exit=%s", run.IsActive, run.ExitType)
	}
	msgs := env.store.Msgs(bob.ID)
	if len(msgs) != 1 || msgs[0].Status != domain.MsgStatusFailed {
		t.Errorf("bob: expected one failed msg, got %+v", msgs)
	}
}

func TestFlowStart_InterruptsOtherRuns(t *testing.T) {
	env := newTestEnv(t)
	first := env.addFlow(t, uuid.Nil, "Favorites", "11.12", favoritesFlow)
	second := env.addFlow(t, uuid.Nil, "Signup", "11.12", emailFlow)
	ann := env.addContact("Ann")

	env.start(t, first, ann.ID)
	env.start(t, second, ann.ID)

	old := env.runOf(t, ann.ID, first)
	if old.ExitType != domain.ExitInterrupted {
		t.Errorf("expected first run interrupted, got %s", old.ExitType)
	}
	if msgs := env.store.Msgs(ann.ID); msgs[0].Status != domain.MsgStatusFailed {
		t.Errorf("expected queued msg of interrupted run to fail, got %s", msgs[0].Status)
	}
	if !env.runOf(t, ann.ID, second).IsActive {
		t.Error("expected second run active")
	}
}

// --- Rule sets ---

func TestHandleMessage_FirstMatchingRuleWins(t *testing.T) {
	env := newTestEnv(t)
	flowID := env.addFlow(t, uuid.Nil, "Favorites", "11.12", favoritesFlow)
	ann := env.addContact("Ann")
	env.start(t, flowID, ann.ID)

	msg := domain.NewIncomingMsg(ann.ID, "yes please", env.now)
	handled, err := env.orch.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handled {
		t.Fatal("expected msg to be handled")
	}

	run := env.runOf(t, ann.ID, flowID)
	if run.IsActive || run.ExitType != domain.ExitCompleted {
		t.Errorf("expected completed run, got active=%v exit=%s", run.IsActive, run.ExitType)
	}
	if !run.Responded {
		t.Error("run should be marked responded")
	}
	res := run.Results["answer"]
	if res == nil || res.Category != "Yes" || res.Input != "yes please" {
		t.Fatalf("expected answer result in category Yes, got %+v", res)
	}

	texts := outgoingTexts(env.store.Msgs(ann.ID))
	if want := []string{"Do you like it?", "Great, Yes"}; strings.Join(texts, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, texts)
	}

	for _, m := range env.store.Msgs(ann.ID) {
		if m.ID == msg.ID && m.Status != domain.MsgStatusHandled {
			t.Errorf("expected incoming msg handled, got %s", m.Status)
		}
	}
}

func TestHandleMessage_NoWaitingRun(t *testing.T) {
	env := newTestEnv(t)
	ann := env.addContact("Ann")

	msg := domain.NewIncomingMsg(ann.ID, "hello?", env.now)
	handled, err := env.orch.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled {
		t.Error("expected msg not to be handled")
	}
	msgs := env.store.Msgs(ann.ID)
	if len(msgs) != 1 || msgs[0].Status != domain.MsgStatusPending {
		t.Errorf("expected pending incoming msg, got %+v", msgs)
	}
}

func TestResumeAfterTimeout(t *testing.T) {
	env := newTestEnv(t)
	flowID := env.addFlow(t, uuid.Nil, "Favorites", "11.12", favoritesFlow)
	ann := env.addContact("Ann")
	env.start(t, flowID, ann.ID)
	run := env.runOf(t, ann.ID, flowID)

	// рано
	if err := env.orch.ResumeAfterTimeout(context.Background(), run.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !env.runOf(t, ann.ID, flowID).IsActive {
		t.Fatal("run should still wait before timeout")
	}

	env.advance(31 * time.Minute)
	if err := env.orch.ResumeAfterTimeout(context.Background(), run.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run = env.runOf(t, ann.ID, flowID)
	if run.IsActive {
		t.Fatal("expected run to complete after timeout")
	}
	if res := run.Results["answer"]; res == nil || res.Category != "No Response" {
		t.Errorf("expected No Response category, got %+v", res)
	}
	if run.Responded {
		t.Error("timed out run should not be marked responded")
	}

	err := env.orch.ResumeAfterTimeout(context.Background(), run.ID)
	if !errors.Is(err, ErrRunNotActive) {
		t.Errorf("expected ErrRunNotActive, got %v", err)
	}
}

func TestRandomRuleSet(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Random = func(n int) int { return n - 1 }
	})
	flowID := env.addFlow(t, uuid.Nil, "Random", "11.12", randomFlow)
	ann := env.addContact("Ann")

	env.start(t, flowID, ann.ID)

	texts := outgoingTexts(env.store.Msgs(ann.ID))
	if len(texts) != 1 || texts[0] != "second" {
		t.Errorf("expected second bucket, got %v", texts)
	}
	if res := env.runOf(t, ann.ID, flowID).Results["bucket"]; res == nil || res.Category != "Bucket 2" {
		t.Errorf("expected Bucket 2 result, got %+v", res)
	}
}

func TestWebhookRuleSet(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		expected string
	}{
		{"success", http.StatusOK, "Order 42 confirmed"},
		{"failure", http.StatusInternalServerError, "Lookup failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotContact string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotContact = r.URL.Query().Get("contact")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"order": {"id": "42"}}`))
			}))
			defer server.Close()

			env := newTestEnv(t)
			def := strings.ReplaceAll(webhookFlow, "SERVER_URL", server.URL)
			flowID := env.addFlow(t, uuid.Nil, "Orders", "11.12", def)
			ann := env.addContact("Ann")

			env.start(t, flowID, ann.ID)

			if gotContact != ann.ID.String() {
				t.Errorf("expected contact %s in query, got %q", ann.ID, gotContact)
			}
			texts := outgoingTexts(env.store.Msgs(ann.ID))
			if len(texts) != 1 || texts[0] != tt.expected {
				t.Errorf("expected %q, got %v", tt.expected, texts)
			}
			results := env.store.WebhookResults()
			if len(results) != 1 || results[0].StatusCode != tt.status {
				t.Errorf("expected one webhook result with status %d, got %+v", tt.status, results)
			}
		})
	}
}

// --- Subflows ---

func setupSubflow(t *testing.T) (*testEnv, uuid.UUID, uuid.UUID, *domain.Contact) {
	t.Helper()
	env := newTestEnv(t)
	childID := env.addFlow(t, uuid.Nil, "Child", "11.12", childFlow)
	parentID := env.addFlow(t, uuid.Nil, "Parent", "11.12", strings.ReplaceAll(parentFlow, "CHILD_UUID", childID.String()))
	ann := env.addContact("Ann")

	env.start(t, parentID, ann.ID)
	return env, parentID, childID, ann
}

func TestSubflow_ParentWaitsForChild(t *testing.T) {
	env, parentID, childID, ann := setupSubflow(t)

	parent := env.runOf(t, ann.ID, parentID)
	child := env.runOf(t, ann.ID, childID)
	if !parent.IsActive || parent.CurrentNodeUUID != "s1" {
		t.Fatalf("expected parent waiting at s1, got active=%v node=%s", parent.IsActive, parent.CurrentNodeUUID)
	}
	if parent.ExpiresOn != nil {
		t.Errorf("parent waiting on subflow should not expire, got %v", parent.ExpiresOn)
	}
	if child.ParentID == nil || *child.ParentID != parent.ID || !child.ContinueParent {
		t.Errorf("expected child linked to parent, got %+v", child.ParentID)
	}

	msg := domain.NewIncomingMsg(ann.ID, "Ann", env.now)
	if _, err := env.orch.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	child = env.runOf(t, ann.ID, childID)
	parent = env.runOf(t, ann.ID, parentID)
	if child.ExitType != domain.ExitCompleted {
		t.Errorf("expected child completed, got %s", child.ExitType)
	}
	if parent.ExitType != domain.ExitCompleted {
		t.Errorf("expected parent completed, got %s", parent.ExitType)
	}
	if res := parent.Results["child"]; res == nil || res.Category != "Completed" {
		t.Errorf("expected Completed child result, got %+v", res)
	}

	texts := outgoingTexts(env.store.Msgs(ann.ID))
	if want := []string{"What is your name?", "Welcome back"}; strings.Join(texts, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, texts)
	}
}

func TestExpireRuns_ResumesParent(t *testing.T) {
	env, parentID, childID, ann := setupSubflow(t)

	// до срока ничего не истекает
	n, err := env.orch.ExpireRuns(context.Background(), env.now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no expired runs, got %d", n)
	}

	now := env.advance(61 * time.Minute)
	n, err = env.orch.ExpireRuns(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired run, got %d", n)
	}

	if child := env.runOf(t, ann.ID, childID); child.ExitType != domain.ExitExpired {
		t.Errorf("expected child expired, got %s", child.ExitType)
	}
	if parent := env.runOf(t, ann.ID, parentID); parent.ExitType != domain.ExitCompleted {
		t.Errorf("expected parent completed via expired branch, got %s", parent.ExitType)
	}
	texts := outgoingTexts(env.store.Msgs(ann.ID))
	if texts[len(texts)-1] != "You took too long" {
		t.Errorf("expected expired branch msg, got %v", texts)
	}
}

func TestSubflow_RuntimeCycle(t *testing.T) {
	env := newTestEnv(t)
	aID, bID := uuid.New(), uuid.New()
	env.addFlow(t, aID, "A", "11.12", strings.ReplaceAll(recursiveFlow, "OTHER_UUID", bID.String()))
	env.addFlow(t, bID, "B", "11.12", strings.ReplaceAll(recursiveFlow, "OTHER_UUID", aID.String()))
	ann := env.addContact("Ann")

	result := env.start(t, aID, ann.ID)

	err := result.Errors[ann.ID]
	if !errors.Is(err, engine.ErrRuntimeCycle) {
		t.Fatalf("expected runtime cycle, got %v", err)
	}
	for _, flowID := range []uuid.UUID{aID, bID} {
		if run := env.runOf(t, ann.ID, flowID); run.IsActive || run.ExitType != domain.ExitInterrupted {
			t.Errorf("expected run of %s interrupted, got active=%v exit=%s", flowID, run.IsActive, run.ExitType)
		}
	}
}

// --- Interrupt ---

func TestInterrupt(t *testing.T) {
	env := newTestEnv(t)
	flowID := env.addFlow(t, uuid.Nil, "Favorites", "11.12", favoritesFlow)
	ann := env.addContact("Ann")
	env.start(t, flowID, ann.ID)
	run := env.runOf(t, ann.ID, flowID)

	if err := env.orch.Interrupt(context.Background(), run.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run = env.runOf(t, ann.ID, flowID)
	if run.ExitType != domain.ExitInterrupted || run.ExitedOn == nil {
		t.Errorf("expected interrupted run, got %s", run.ExitType)
	}
	for _, m := range env.store.Msgs(ann.ID) {
		if m.Status != domain.MsgStatusFailed {
			t.Errorf("expected queued msg failed, got %s", m.Status)
		}
	}

	if err := env.orch.Interrupt(context.Background(), run.ID); !errors.Is(err, ErrRunNotActive) {
		t.Errorf("expected ErrRunNotActive, got %v", err)
	}
	if err := env.orch.Interrupt(context.Background(), uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestHandleRunInterrupt_IgnoresUnknownRun(t *testing.T) {
	env := newTestEnv(t)
	payload, err := json.Marshal(mq.RunInterruptPayload{RunID: uuid.New()})
	if err != nil {
		t.Fatal(err)
	}
	delivery := &mq.Delivery{
		ID:      uuid.NewString(),
		Type:    mq.MessageTypeRunInterrupt,
		Payload: payload,
	}

	if err := env.orch.handleRunInterrupt(context.Background(), delivery); err != nil {
		t.Errorf("expected unknown run to be acked, got %v", err)
	}
}

func TestHandleIncomingMsg_FailedTurnIsAcked(t *testing.T) {
	emailer := emailerFunc(func(context.Context, []string, string, string) error {
		return errors.New("smtp unavailable")
	})
	env := newTestEnv(t, func(cfg *Config) { cfg.Emailer = emailer })
	flowID := env.addFlow(t, uuid.Nil, "Notify", "11.12", notifyFlow)
	ann := env.addContact("Ann")
	env.start(t, flowID, ann.ID)

	msg := domain.NewIncomingMsg(ann.ID, "the pump is broken", env.now)
	_, err := env.orch.HandleMessage(context.Background(), msg)
	if !errors.Is(err, ErrTurnFailed) {
		t.Fatalf("expected ErrTurnFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "smtp unavailable") {
		t.Errorf("expected cause in error, got %v", err)
	}

	run := env.runOf(t, ann.ID, flowID)
	if run.IsActive || run.ExitType != domain.ExitInterrupted {
		t.Fatalf("expected interrupted run, got active=%v exit=%s", run.IsActive, run.ExitType)
	}
	for _, m := range env.store.Msgs(ann.ID) {
		if m.Direction == domain.DirectionOutgoing && m.Text == "Thanks, we will look" && m.Status != domain.MsgStatusFailed {
			t.Errorf("expected reply of failed turn to be failed, got %s", m.Status)
		}
	}

	// Через очередь такой ход подтверждается
	env.start(t, flowID, ann.ID)
	payload, err := json.Marshal(mq.MsgReceivedPayload{Msg: *domain.NewIncomingMsg(ann.ID, "again", env.now)})
	if err != nil {
		t.Fatal(err)
	}
	delivery := &mq.Delivery{
		ID:      uuid.NewString(),
		Type:    mq.MessageTypeMsgReceived,
		Payload: payload,
	}
	if err := env.orch.handleIncomingMsg(context.Background(), delivery); err != nil {
		t.Errorf("expected failed turn to be acked, got %v", err)
	}
}

// --- Migration ---

func TestLoad_MigratesLegacyDefinition(t *testing.T) {
	env := newTestEnv(t)
	flowID := env.addFlow(t, uuid.Nil, "Legacy", "11.10", legacyFlow)
	ann := env.addContact("Ann")

	env.start(t, flowID, ann.ID)

	rev, err := env.store.GetLatestRevision(context.Background(), flowID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rev.SpecVersion != "11.12" || rev.Revision != 2 {
		t.Errorf("expected revision 2 at 11.12, got %d at %s", rev.Revision, rev.SpecVersion)
	}

	run := env.runOf(t, ann.ID, flowID)
	if run.ExitType != domain.ExitCompleted {
		t.Errorf("expected run to complete at nulled destination, got %s", run.ExitType)
	}
	texts := outgoingTexts(env.store.Msgs(ann.ID))
	if len(texts) != 1 || texts[0] != "Hello from the past" {
		t.Errorf("expected legacy greeting, got %v", texts)
	}
}

// --- Helpers ---

type emailerFunc func(ctx context.Context, to []string, subject, body string) error

func (f emailerFunc) SendEmail(ctx context.Context, to []string, subject, body string) error {
	return f(ctx, to, subject, body)
}
