package flowdef

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowline/internal/domain"
)

// ActionType — тип действия.
type ActionType string

// Типы действий.
const (
	ActionTypeReply       ActionType = "reply"
	ActionTypeSend        ActionType = "send"
	ActionTypeEmail       ActionType = "email"
	ActionTypeAddGroup    ActionType = "add_group"
	ActionTypeDelGroup    ActionType = "del_group"
	ActionTypeAddLabel    ActionType = "add_label"
	ActionTypeLang        ActionType = "lang"
	ActionTypeChannel     ActionType = "channel"
	ActionTypeStartFlow   ActionType = "flow"
	ActionTypeTriggerFlow ActionType = "trigger-flow"
	ActionTypeSave        ActionType = "save"
	ActionTypeSay         ActionType = "say"
	ActionTypePlay        ActionType = "play"
)

// Action — действие action set'а.
//
// Execute возвращает созданные исходящие сообщения. Побочные эффекты
// (поля контакта, группы, метки) применяются ровно один раз за вызов,
// даже если сообщений нет.
type Action interface {
	Type() ActionType
	ActionUUID() string
	Execute(ctx context.Context, ex *Execution) ([]*domain.Msg, error)
}

// ActionEnv — внешние коллабораторы действий.
type ActionEnv interface {
	// ResolveGroup находит группу по UUID, затем по имени; создаёт при отсутствии.
	ResolveGroup(ctx context.Context, ref Ref) (*domain.Group, error)

	// ResolveLabel находит метку по UUID, затем по имени; создаёт при отсутствии.
	ResolveLabel(ctx context.Context, ref Ref) (*domain.Label, error)

	// LabelMsg вешает метку на сообщение.
	LabelMsg(ctx context.Context, msg *domain.Msg, label *domain.Label) error

	// ResolveRecipients разворачивает контакты, группы и выражения в список контактов.
	ResolveRecipients(ctx context.Context, contacts, groups []Ref, variables []string) ([]*domain.Contact, error)

	// SendEmail отправляет email.
	SendEmail(ctx context.Context, to []string, subject, body string) error

	// StartFlow запускает flow для контактов из действия.
	StartFlow(ctx context.Context, req StartFlowRequest) error
}

// StartFlowRequest — запрос на запуск flow из действия.
type StartFlowRequest struct {
	Flow       Ref
	Parent     *domain.FlowRun
	Contact    *domain.Contact // контакт родителя (действие flow)
	Contacts   []Ref
	Groups     []Ref
	Variables  []string
	Extra      map[string]any
	Trigger    bool // trigger-flow: родитель продолжает выполнение
	StartedMsg *domain.Msg
}

// Execution — контекст выполнения действий одного action set'а.
type Execution struct {
	Run           *domain.FlowRun
	Contact       *domain.Contact
	Org           *domain.Org
	Msg           *domain.Msg // входящее сообщение, если есть
	ActionSetUUID string
	Languages     []string // язык контакта, затем базовый язык flow
	Templates     Templater
	Env           ActionEnv
	Now           time.Time

	// ContactChanged — действие изменило контакт, его нужно сохранить.
	ContactChanged bool
}

// localize разрешает локализованный текст и подставляет шаблоны.
func (ex *Execution) localize(l Localized) string {
	return ex.substitute(l.Resolve(ex.Languages...))
}

// substitute подставляет шаблоны, если задан Templater.
func (ex *Execution) substitute(text string) string {
	if ex.Templates == nil {
		return text
	}
	return ex.Templates.Substitute(text)
}

// newMsg создаёт исходящее сообщение контакту run.
func (ex *Execution) newMsg(contact *domain.Contact, text string) *domain.Msg {
	var runID *uuid.UUID
	if ex.Run != nil {
		id := ex.Run.ID
		runID = &id
	}
	msg := domain.NewOutgoingMsg(contact.ID, runID, text, ex.Now)
	msg.URN = contact.PreferredURN()
	msg.ChannelID = contact.ChannelID
	if ex.Msg != nil && contact.ID == ex.Msg.ContactID {
		respTo := ex.Msg.ID
		msg.ResponseTo = &respTo
		if msg.ChannelID == nil {
			msg.ChannelID = ex.Msg.ChannelID
		}
	}
	return msg
}

// ParseAction разбирает JSON действия.
func ParseAction(data json.RawMessage) (Action, error) {
	var env typeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: action type", ErrMissingField)
	}

	var a Action
	switch ActionType(env.Type) {
	case ActionTypeReply:
		a = &ReplyAction{}
	case ActionTypeSend:
		a = &SendAction{}
	case ActionTypeEmail:
		a = &EmailAction{}
	case ActionTypeAddGroup:
		a = &AddToGroupAction{}
	case ActionTypeDelGroup:
		a = &DeleteFromGroupAction{}
	case ActionTypeAddLabel:
		a = &AddLabelAction{}
	case ActionTypeLang:
		a = &SetLanguageAction{}
	case ActionTypeChannel:
		a = &SetChannelAction{}
	case ActionTypeStartFlow:
		a = &StartFlowAction{}
	case ActionTypeTriggerFlow:
		a = &TriggerFlowAction{}
	case ActionTypeSave:
		a = &SaveToContactAction{}
	case ActionTypeSay:
		a = &SayAction{}
	case ActionTypePlay:
		a = &PlayAction{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, env.Type)
	}

	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("%w: %s action: %v", ErrInvalidJSON, env.Type, err)
	}
	if err := validateStruct(a); err != nil {
		return nil, fmt.Errorf("%w: %s action: %v", ErrMissingField, env.Type, err)
	}
	return a, nil
}

// MarshalAction сериализует действие вместе с его type.
func MarshalAction(a Action) ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(string(a.Type()))
	fields["type"] = typ
	return json.Marshal(fields)
}
