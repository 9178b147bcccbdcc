package flowdef

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/shaiso/Flowline/internal/domain"
)

// Ограничения значений, сохраняемых в контакт.
const (
	MaxContactNameLength = 128
	MaxFieldValueLength  = 640
	MaxContactLangLength = 3
)

// urnSchemes — ключи save действия, которые добавляют URN контакту.
var urnSchemes = map[string]bool{
	"tel":      true,
	"twitter":  true,
	"mailto":   true,
	"facebook": true,
	"telegram": true,
	"whatsapp": true,
	"viber":    true,
	"line":     true,
	"ext":      true,
}

// actionBase — общая часть всех действий.
type actionBase struct {
	UUID string `json:"uuid,omitempty"`
}

// ActionUUID возвращает UUID действия.
func (a actionBase) ActionUUID() string { return a.UUID }

// ReplyAction отвечает контакту run.
type ReplyAction struct {
	actionBase
	Msg          Localized   `json:"msg"`
	Media        *Localized  `json:"media,omitempty"`
	QuickReplies []Localized `json:"quick_replies,omitempty"`
	SendAll      bool        `json:"send_all,omitempty"`
}

func (a *ReplyAction) Type() ActionType { return ActionTypeReply }

func (a *ReplyAction) Execute(ctx context.Context, ex *Execution) ([]*domain.Msg, error) {
	if ex.Contact == nil {
		return nil, nil
	}
	text := ex.localize(a.Msg)
	var attachments []string
	if a.Media != nil {
		if media := ex.Media(*a.Media); media != "" {
			attachments = append(attachments, media)
		}
	}
	if text == "" && len(attachments) == 0 {
		return nil, nil
	}

	msg := ex.newMsg(ex.Contact, text)
	msg.Attachments = attachments
	for _, qr := range a.QuickReplies {
		if s := ex.localize(qr); s != "" {
			msg.QuickReplies = append(msg.QuickReplies, s)
		}
	}
	return []*domain.Msg{msg}, nil
}

// Media разрешает вложение "content-type:url" с подстановкой шаблона в url.
func (ex *Execution) Media(l Localized) string {
	media := l.Resolve(ex.Languages...)
	if media == "" {
		return ""
	}
	contentType, url, ok := strings.Cut(media, ":")
	if !ok || strings.HasPrefix(url, "//") {
		return ex.substitute(media)
	}
	return contentType + ":" + ex.substitute(url)
}

// SendAction отправляет сообщение другим контактам и группам.
type SendAction struct {
	actionBase
	Msg       Localized  `json:"msg"`
	Media     *Localized `json:"media,omitempty"`
	Contacts  []Ref      `json:"contacts"`
	Groups    []Ref      `json:"groups"`
	Variables []Variable `json:"variables"`
}

func (a *SendAction) Type() ActionType { return ActionTypeSend }

func (a *SendAction) Execute(ctx context.Context, ex *Execution) ([]*domain.Msg, error) {
	if ex.Env == nil {
		return nil, nil
	}
	variables := make([]string, 0, len(a.Variables))
	for _, v := range a.Variables {
		if id := strings.TrimSpace(ex.substitute(v.ID)); id != "" {
			variables = append(variables, id)
		}
	}

	recipients, err := ex.Env.ResolveRecipients(ctx, a.Contacts, a.Groups, variables)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}

	var msgs []*domain.Msg
	for _, c := range recipients {
		langs := append([]string{c.Language}, ex.Languages...)
		text := ex.substitute(a.Msg.Resolve(langs...))
		if text == "" {
			continue
		}
		msg := ex.newMsg(c, text)
		if a.Media != nil {
			if media := ex.Media(*a.Media); media != "" {
				msg.Attachments = []string{media}
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// EmailAction отправляет email.
type EmailAction struct {
	actionBase
	Emails  []string `json:"emails" validate:"required,min=1"`
	Subject string   `json:"subject"`
	Msg     string   `json:"msg"`
}

func (a *EmailAction) Type() ActionType { return ActionTypeEmail }

func (a *EmailAction) Execute(ctx context.Context, ex *Execution) ([]*domain.Msg, error) {
	if ex.Env == nil {
		return nil, nil
	}
	to := make([]string, 0, len(a.Emails))
	for _, email := range a.Emails {
		if addr := strings.TrimSpace(ex.substitute(email)); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return nil, nil
	}
	// переводы строк в теме ломают заголовки письма
	subject := strings.Join(strings.Fields(ex.substitute(a.Subject)), " ")
	if err := ex.Env.SendEmail(ctx, to, subject, ex.substitute(a.Msg)); err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	return nil, nil
}

// resolveGroupRef разрешает ссылку на группу, подставляя выражение в имя.
func (ex *Execution) resolveGroupRef(ctx context.Context, ref Ref) (*domain.Group, error) {
	if ref.IsExpression() {
		name := strings.TrimSpace(ex.substitute(ref.Name))
		if name == "" {
			return nil, nil
		}
		ref = Ref{Name: name}
	}
	return ex.Env.ResolveGroup(ctx, ref)
}

// AddToGroupAction добавляет контакт в группы.
type AddToGroupAction struct {
	actionBase
	Groups []Ref `json:"groups" validate:"required"`
}

func (a *AddToGroupAction) Type() ActionType { return ActionTypeAddGroup }

func (a *AddToGroupAction) Execute(ctx context.Context, ex *Execution) ([]*domain.Msg, error) {
	if ex.Contact == nil || ex.Env == nil {
		return nil, nil
	}
	for _, ref := range a.Groups {
		group, err := ex.resolveGroupRef(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve group %q: %w", ref.Name, err)
		}
		if group != nil && ex.Contact.AddGroup(group.ID) {
			ex.ContactChanged = true
		}
	}
	return nil, nil
}

// DeleteFromGroupAction удаляет контакт из групп.
// Пустой список групп означает удаление из всех групп.
type DeleteFromGroupAction struct {
	actionBase
	Groups []Ref `json:"groups"`
}

func (a *DeleteFromGroupAction) Type() ActionType { return ActionTypeDelGroup }

func (a *DeleteFromGroupAction) Execute(ctx context.Context, ex *Execution) ([]*domain.Msg, error) {
	if ex.Contact == nil {
		return nil, nil
	}
	if len(a.Groups) == 0 {
		if len(ex.Contact.Groups) > 0 {
			ex.Contact.Groups = nil
			ex.ContactChanged = true
		}
		return nil, nil
	}
	if ex.Env == nil {
		return nil, nil
	}
	for _, ref := range a.Groups {
		group, err := ex.resolveGroupRef(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve group %q: %w", ref.Name, err)
		}
		if group != nil && ex.Contact.RemoveGroup(group.ID) {
			ex.ContactChanged = true
		}
	}
	return nil, nil
}

// AddLabelAction вешает метки на входящее сообщение.
type AddLabelAction struct {
	actionBase
	Labels []Ref `json:"labels" validate:"required"`
}

func (a *AddLabelAction) Type() ActionType { return ActionTypeAddLabel }

func (a *AddLabelAction) Execute(ctx context.Context, ex *Execution) ([]*domain.Msg, error) {
	if ex.Msg == nil || ex.Env == nil {
		return nil, nil
	}
	for _, ref := range a.Labels {
		if ref.IsExpression() {
			ref = Ref{Name: strings.TrimSpace(ex.substitute(ref.Name))}
			if ref.Name == "" {
				continue
			}
		}
		label, err := ex.Env.ResolveLabel(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve label %q: %w", ref.Name, err)
		}
		if label == nil || !ex.Msg.AddLabel(label.ID) {
			continue
		}
		if err := ex.Env.LabelMsg(ctx, ex.Msg, label); err != nil {
			return nil, fmt.Errorf("label msg: %w", err)
		}
	}
	return nil, nil
}

// SetLanguageAction меняет язык контакта.
type SetLanguageAction struct {
	actionBase
	Lang string `json:"lang"`
	Name string `json:"name,omitempty"`
}

func (a *SetLanguageAction) Type() ActionType { return ActionTypeLang }

func (a *SetLanguageAction) Execute(ctx context.Context, ex *Execution) ([]*domain.Msg, error) {
	if ex.Contact == nil {
		return nil, nil
	}
	lang := a.Lang
	if len(lang) > MaxContactLangLength {
		lang = ""
	}
	if ex.Contact.Language != lang {
		ex.Contact.Language = lang
		ex.ContactChanged = true
	}
	return nil, nil
}

// SetChannelAction меняет предпочитаемый канал контакта.
type SetChannelAction struct {
	actionBase
	Channel string `json:"channel"`
	Name    string `json:"name,omitempty"`
}

func (a *SetChannelAction) Type() ActionType { return ActionTypeChannel }

func (a *SetChannelAction) Execute(ctx context.Context, ex *Execution) ([]*domain.Msg, error) {
	if ex.Contact == nil || a.Channel == "" {
		return nil, nil
	}
	id, err := uuid.Parse(a.Channel)
	if err != nil {
		return nil, fmt.Errorf("parse channel uuid %q: %w", a.Channel, err)
	}
	ex.Contact.ChannelID = &id
	ex.ContactChanged = true
	return nil, nil
}

// StartFlowAction передаёт контакт в другой flow; текущий run завершается.
type StartFlowAction struct {
	actionBase
	Flow Ref `json:"flow"`
}

func (a *StartFlowAction) Type() ActionType { return ActionTypeStartFlow }

func (a *StartFlowAction) Execute(ctx context.Context, ex *Execution) ([]*domain.Msg, error) {
	if ex.Env == nil {
		return nil, nil
	}
	if a.Flow.UUID == "" {
		return nil, fmt.Errorf("%w: flow uuid", ErrMissingField)
	}
	err := ex.Env.StartFlow(ctx, StartFlowRequest{
		Flow:       a.Flow,
		Parent:     ex.Run,
		Contact:    ex.Contact,
		StartedMsg: ex.Msg,
	})
	if err != nil {
		return nil, fmt.Errorf("start flow %s: %w", a.Flow.UUID, err)
	}
	return nil, nil
}

// TriggerFlowAction запускает flow для других контактов; текущий run продолжается.
type TriggerFlowAction struct {
	actionBase
	Flow      Ref        `json:"flow"`
	Contacts  []Ref      `json:"contacts"`
	Groups    []Ref      `json:"groups"`
	Variables []Variable `json:"variables"`
}

func (a *TriggerFlowAction) Type() ActionType { return ActionTypeTriggerFlow }

func (a *TriggerFlowAction) Execute(ctx context.Context, ex *Execution) ([]*domain.Msg, error) {
	if ex.Env == nil {
		return nil, nil
	}
	if a.Flow.UUID == "" {
		return nil, fmt.Errorf("%w: flow uuid", ErrMissingField)
	}
	variables := make([]string, 0, len(a.Variables))
	for _, v := range a.Variables {
		if id := strings.TrimSpace(ex.substitute(v.ID)); id != "" {
			variables = append(variables, id)
		}
	}
	err := ex.Env.StartFlow(ctx, StartFlowRequest{
		Flow:      a.Flow,
		Parent:    ex.Run,
		Contacts:  a.Contacts,
		Groups:    a.Groups,
		Variables: variables,
		Trigger:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("trigger flow %s: %w", a.Flow.UUID, err)
	}
	return nil, nil
}

// SaveToContactAction сохраняет значение в поле, имя или URN контакта.
type SaveToContactAction struct {
	actionBase
	Field string `json:"field" validate:"required"`
	Label string `json:"label,omitempty"`
	Value string `json:"value"`
}

func (a *SaveToContactAction) Type() ActionType { return ActionTypeSave }

func (a *SaveToContactAction) Execute(ctx context.Context, ex *Execution) ([]*domain.Msg, error) {
	if ex.Contact == nil {
		return nil, nil
	}
	value := strings.TrimSpace(ex.substitute(a.Value))
	c := ex.Contact

	field := a.Field
	if field == "tel_e164" {
		field = "tel"
	}

	switch {
	case field == "name":
		c.Name = truncateRunes(value, MaxContactNameLength)

	case field == "first_name":
		parts := strings.Fields(c.Name)
		if len(parts) > 1 {
			value = value + " " + strings.Join(parts[1:], " ")
		}
		c.Name = truncateRunes(value, MaxContactNameLength)

	case urnSchemes[field]:
		if value == "" {
			return nil, nil
		}
		urn := field + ":" + value
		for _, existing := range c.URNs {
			if existing == urn {
				return nil, nil
			}
		}
		c.URNs = append([]string{urn}, c.URNs...)

	default:
		c.SetField(field, truncateRunes(value, MaxFieldValueLength))
	}

	ex.ContactChanged = true
	return nil, nil
}

// SayAction произносит текст или проигрывает запись в IVR.
type SayAction struct {
	actionBase
	Msg       Localized  `json:"msg"`
	Recording *Localized `json:"recording,omitempty"`
}

func (a *SayAction) Type() ActionType { return ActionTypeSay }

func (a *SayAction) Execute(ctx context.Context, ex *Execution) ([]*domain.Msg, error) {
	if ex.Contact == nil {
		return nil, nil
	}
	msg := ex.newMsg(ex.Contact, ex.localize(a.Msg))
	if a.Recording != nil {
		if rec := a.Recording.Resolve(ex.Languages...); rec != "" {
			msg.Attachments = []string{"audio:" + ex.substitute(rec)}
		}
	}
	if msg.Text == "" && len(msg.Attachments) == 0 {
		return nil, nil
	}
	return []*domain.Msg{msg}, nil
}

// PlayAction проигрывает аудио по URL в IVR.
type PlayAction struct {
	actionBase
	URL string `json:"url" validate:"required"`
}

func (a *PlayAction) Type() ActionType { return ActionTypePlay }

func (a *PlayAction) Execute(ctx context.Context, ex *Execution) ([]*domain.Msg, error) {
	if ex.Contact == nil {
		return nil, nil
	}
	url := ex.substitute(a.URL)
	if url == "" {
		return nil, nil
	}
	msg := ex.newMsg(ex.Contact, "")
	msg.Attachments = []string{"audio:" + url}
	return []*domain.Msg{msg}, nil
}
