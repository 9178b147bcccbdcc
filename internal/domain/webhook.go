package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookResult — аудит одного вызова webhook.
//
// Запись создаётся на каждый вызов независимо от исхода.
type WebhookResult struct {
	// ID — UUID записи.
	ID uuid.UUID `json:"uuid"`

	// RunID — run, вызвавший webhook.
	RunID *uuid.UUID `json:"run_uuid,omitempty"`

	// ContactID — контакт run.
	ContactID uuid.UUID `json:"contact_uuid"`

	// Resthook — slug resthook, если вызов шёл подписчику.
	Resthook string `json:"resthook,omitempty"`

	// URL — адрес запроса.
	URL string `json:"url"`

	// Method — HTTP метод.
	Method string `json:"method"`

	// Request — тело запроса.
	Request string `json:"request,omitempty"`

	// StatusCode — код ответа, -1 при сетевой ошибке или таймауте.
	StatusCode int `json:"status_code"`

	// Body — тело ответа (или сообщение, если тело пустое).
	Body string `json:"body"`

	// Message — человекочитаемое описание исхода (≤255 символов).
	Message string `json:"message,omitempty"`

	// Data — разобранный JSON ответа (объект или массив), иначе nil.
	Data any `json:"data,omitempty"`

	// RequestTimeMs — длительность запроса в миллисекундах.
	RequestTimeMs int `json:"request_time_ms"`

	// CreatedOn — время вызова.
	CreatedOn time.Time `json:"created_on"`
}

// IsSuccess возвращает true для кодов 2xx.
func (w *WebhookResult) IsSuccess() bool {
	return w.StatusCode >= 200 && w.StatusCode < 300
}

// ResthookSubscriber — подписчик resthook.
type ResthookSubscriber struct {
	ID        uuid.UUID `json:"uuid"`
	OrgID     uuid.UUID `json:"org_uuid"`
	Resthook  string    `json:"resthook"`
	TargetURL string    `json:"target_url"`
	IsActive  bool      `json:"is_active"`
	CreatedOn time.Time `json:"created_on"`
}
