package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Msg — входящее или исходящее сообщение.
//
// Интерпретатор только создаёт исходящие сообщения;
// доставку выполняет внешний отправитель (см. mq.Publisher).
type Msg struct {
	// ID — UUID сообщения.
	ID uuid.UUID `json:"uuid"`

	// ContactID — контакт-получатель или отправитель.
	ContactID uuid.UUID `json:"contact_uuid"`

	// RunID — run, породивший сообщение.
	RunID *uuid.UUID `json:"run_uuid,omitempty"`

	// ChannelID — канал доставки.
	ChannelID *uuid.UUID `json:"channel_uuid,omitempty"`

	// URN — адрес контакта.
	URN string `json:"urn,omitempty"`

	// Direction — направление (I/O).
	Direction MsgDirection `json:"direction"`

	// Status — статус сообщения.
	Status MsgStatus `json:"status"`

	// Text — текст сообщения.
	Text string `json:"text"`

	// Attachments — вложения в формате "content-type:url".
	Attachments []string `json:"attachments,omitempty"`

	// QuickReplies — варианты быстрого ответа.
	QuickReplies []string `json:"quick_replies,omitempty"`

	// ResponseTo — входящее сообщение, на которое это ответ.
	ResponseTo *uuid.UUID `json:"response_to,omitempty"`

	// Labels — метки сообщения.
	Labels []uuid.UUID `json:"labels,omitempty"`

	// CreatedOn — время создания.
	CreatedOn time.Time `json:"created_on"`
}

// NewIncomingMsg создаёт входящее сообщение.
func NewIncomingMsg(contactID uuid.UUID, text string, now time.Time) *Msg {
	return &Msg{
		ID:        uuid.New(),
		ContactID: contactID,
		Direction: DirectionIncoming,
		Status:    MsgStatusPending,
		Text:      text,
		CreatedOn: now,
	}
}

// NewOutgoingMsg создаёт исходящее сообщение в статусе QUEUED.
func NewOutgoingMsg(contactID uuid.UUID, runID *uuid.UUID, text string, now time.Time) *Msg {
	return &Msg{
		ID:        uuid.New(),
		ContactID: contactID,
		RunID:     runID,
		Direction: DirectionOutgoing,
		Status:    MsgStatusQueued,
		Text:      text,
		CreatedOn: now,
	}
}

// MarkFailed помечает сообщение неотправляемым.
func (m *Msg) MarkFailed() {
	m.Status = MsgStatusFailed
}

// MarkHandled помечает входящее сообщение обработанным.
func (m *Msg) MarkHandled() {
	m.Status = MsgStatusHandled
}

// AddLabel добавляет метку. Возвращает false, если метка уже есть.
func (m *Msg) AddLabel(labelID uuid.UUID) bool {
	if slices.Contains(m.Labels, labelID) {
		return false
	}
	m.Labels = append(m.Labels, labelID)
	return true
}

// SortMsgs упорядочивает сообщения по времени создания.
// Сортировка стабильная: порядок генерации внутри одного времени сохраняется.
func SortMsgs(msgs []*Msg) {
	slices.SortStableFunc(msgs, func(a, b *Msg) int {
		return a.CreatedOn.Compare(b.CreatedOn)
	})
}
