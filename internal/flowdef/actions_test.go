package flowdef

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowline/internal/domain"
)

// fakeEnv — in-memory реализация ActionEnv для тестов.
type fakeEnv struct {
	groups  map[string]*domain.Group
	labels  map[string]*domain.Label
	emails  []string
	started []StartFlowRequest
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		groups: make(map[string]*domain.Group),
		labels: make(map[string]*domain.Label),
	}
}

func (e *fakeEnv) ResolveGroup(ctx context.Context, ref Ref) (*domain.Group, error) {
	if g, ok := e.groups[ref.Name]; ok {
		return g, nil
	}
	g := &domain.Group{ID: uuid.New(), Name: ref.Name}
	e.groups[ref.Name] = g
	return g, nil
}

func (e *fakeEnv) ResolveLabel(ctx context.Context, ref Ref) (*domain.Label, error) {
	if l, ok := e.labels[ref.Name]; ok {
		return l, nil
	}
	l := &domain.Label{ID: uuid.New(), Name: ref.Name}
	e.labels[ref.Name] = l
	return l, nil
}

func (e *fakeEnv) LabelMsg(ctx context.Context, msg *domain.Msg, label *domain.Label) error {
	return nil
}

func (e *fakeEnv) ResolveRecipients(ctx context.Context, contacts, groups []Ref, variables []string) ([]*domain.Contact, error) {
	var out []*domain.Contact
	for _, c := range contacts {
		out = append(out, &domain.Contact{ID: uuid.MustParse(c.UUID), Name: c.Name, Language: "fra"})
	}
	return out, nil
}

func (e *fakeEnv) SendEmail(ctx context.Context, to []string, subject, body string) error {
	e.emails = append(e.emails, strings.Join(to, ",")+"|"+subject+"|"+body)
	return nil
}

func (e *fakeEnv) StartFlow(ctx context.Context, req StartFlowRequest) error {
	e.started = append(e.started, req)
	return nil
}

// nameTemplater заменяет @contact.name на имя контакта.
type nameTemplater struct{ name string }

func (n nameTemplater) Substitute(text string) string {
	return strings.ReplaceAll(text, "@contact.name", n.name)
}

func newExecution(env *fakeEnv) *Execution {
	contact := &domain.Contact{ID: uuid.New(), Name: "Ben Haggerty", Language: "fra", URNs: []string{"tel:+12065551212"}}
	return &Execution{
		Run:       domain.NewFlowRun(uuid.New(), contact.ID, time.Now()),
		Contact:   contact,
		Languages: []string{contact.Language, "eng"},
		Templates: nameTemplater{name: contact.Name},
		Env:       env,
		Now:       time.Now(),
	}
}

func execAction(t *testing.T, raw string, ex *Execution) []*domain.Msg {
	t.Helper()
	a, err := ParseAction(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	msgs, err := a.Execute(context.Background(), ex)
	if err != nil {
		t.Fatalf("execute %s: %v", raw, err)
	}
	return msgs
}

func TestReplyAction_Localization(t *testing.T) {
	ex := newExecution(newFakeEnv())

	msgs := execAction(t, `{"type":"reply","msg":{"eng":"Hi @contact.name","fra":"Salut @contact.name"}}`, ex)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 msg, got %d", len(msgs))
	}
	if msgs[0].Text != "Salut Ben Haggerty" {
		t.Errorf("expected french text, got %q", msgs[0].Text)
	}
	if msgs[0].Status != domain.MsgStatusQueued || msgs[0].RunID == nil {
		t.Errorf("expected queued msg bound to run, got %+v", msgs[0])
	}

	ex.Contact.Language = "kin"
	ex.Languages = []string{"kin", "eng"}
	msgs = execAction(t, `{"type":"reply","msg":{"eng":"Hi","fra":"Salut"}}`, ex)
	if msgs[0].Text != "Hi" {
		t.Errorf("expected fallback to base language, got %q", msgs[0].Text)
	}
}

func TestReplyAction_Media(t *testing.T) {
	ex := newExecution(newFakeEnv())
	msgs := execAction(t, `{"type":"reply","msg":"","media":{"eng":"image/jpeg:http://example.com/@contact.name.jpg"}}`, ex)
	if len(msgs) != 1 || len(msgs[0].Attachments) != 1 {
		t.Fatalf("expected 1 msg with attachment, got %+v", msgs)
	}
	if msgs[0].Attachments[0] != "image/jpeg:http://example.com/Ben Haggerty.jpg" {
		t.Errorf("unexpected attachment %q", msgs[0].Attachments[0])
	}
}

func TestGroupActions(t *testing.T) {
	env := newFakeEnv()
	ex := newExecution(env)

	execAction(t, `{"type":"add_group","groups":[{"uuid":"","name":"Customers"},"@contact.name"]}`, ex)
	if len(ex.Contact.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(ex.Contact.Groups))
	}
	if env.groups["Ben Haggerty"] == nil {
		t.Error("expected expression group to be resolved by its evaluated name")
	}
	if !ex.ContactChanged {
		t.Error("expected contact to be marked changed")
	}

	execAction(t, `{"type":"del_group","groups":[{"name":"Customers"}]}`, ex)
	if len(ex.Contact.Groups) != 1 {
		t.Errorf("expected 1 group after delete, got %d", len(ex.Contact.Groups))
	}

	execAction(t, `{"type":"del_group","groups":[]}`, ex)
	if len(ex.Contact.Groups) != 0 {
		t.Errorf("expected no groups after delete-all, got %d", len(ex.Contact.Groups))
	}
}

func TestSaveToContactAction(t *testing.T) {
	ex := newExecution(newFakeEnv())

	execAction(t, `{"type":"save","field":"first_name","value":"Ryan"}`, ex)
	if ex.Contact.Name != "Ryan Haggerty" {
		t.Errorf("expected first name replaced, got %q", ex.Contact.Name)
	}

	execAction(t, `{"type":"save","field":"tel_e164","value":"+250788111111"}`, ex)
	if ex.Contact.URNs[0] != "tel:+250788111111" {
		t.Errorf("expected new tel urn first, got %v", ex.Contact.URNs)
	}

	long := strings.Repeat("x", 700)
	execAction(t, `{"type":"save","field":"bio","value":"`+long+`"}`, ex)
	if got := len(ex.Contact.Field("bio")); got != MaxFieldValueLength {
		t.Errorf("expected field truncated to %d, got %d", MaxFieldValueLength, got)
	}
}

func TestFlowActions(t *testing.T) {
	env := newFakeEnv()
	ex := newExecution(env)

	execAction(t, `{"type":"flow","flow":{"uuid":"f-child","name":"Child"}}`, ex)
	execAction(t, `{"type":"trigger-flow","flow":{"uuid":"f-other","name":"Other"},"contacts":[],"groups":[],"variables":[{"id":"@contact.name"}]}`, ex)

	if len(env.started) != 2 {
		t.Fatalf("expected 2 flow starts, got %d", len(env.started))
	}
	if env.started[0].Trigger || env.started[0].Contact != ex.Contact {
		t.Errorf("expected start-flow for the run contact, got %+v", env.started[0])
	}
	if !env.started[1].Trigger || env.started[1].Variables[0] != "Ben Haggerty" {
		t.Errorf("expected trigger with evaluated variable, got %+v", env.started[1])
	}
}

func TestSendAndEmailActions(t *testing.T) {
	env := newFakeEnv()
	ex := newExecution(env)
	other := uuid.New()

	msgs := execAction(t, `{"type":"send","msg":{"eng":"News","fra":"Nouvelles"},"contacts":[{"uuid":"`+other.String()+`","name":"Other"}],"groups":[],"variables":[]}`, ex)
	if len(msgs) != 1 || msgs[0].ContactID != other || msgs[0].Text != "Nouvelles" {
		t.Errorf("unexpected send msgs: %+v", msgs)
	}

	execAction(t, `{"type":"email","emails":["ops@example.com"],"subject":"Hi\n@contact.name","msg":"Body"}`, ex)
	if len(env.emails) != 1 || env.emails[0] != "ops@example.com|Hi Ben Haggerty|Body" {
		t.Errorf("unexpected emails: %v", env.emails)
	}

	if _, err := ParseAction(json.RawMessage(`{"type":"email","emails":[]}`)); err == nil {
		t.Error("expected email action without recipients to be rejected")
	}
}
