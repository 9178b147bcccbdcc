package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FlowType — тип flow.
type FlowType string

const (
	// FlowTypeMessage — обычный текстовый flow.
	FlowTypeMessage FlowType = "F"

	// FlowTypeVoice — голосовой (IVR) flow.
	FlowTypeVoice FlowType = "V"

	// FlowTypeSurvey — flow для офлайн-опросов.
	FlowTypeSurvey FlowType = "S"

	// FlowTypeUSSD — USSD flow.
	FlowTypeUSSD FlowType = "U"
)

// Flow — сценарий диалога с контактом.
//
// Определение flow хранится отдельно в ревизиях (FlowRevision).
// Каждая правка или миграция схемы создаёт новую ревизию,
// старые ревизии сохраняются для аудита и отката.
type Flow struct {
	// ID — UUID flow.
	ID uuid.UUID `json:"uuid"`

	// OrgID — организация-владелец.
	OrgID uuid.UUID `json:"org_uuid"`

	// Name — имя flow.
	Name string `json:"name"`

	// FlowType — тип flow (F, V, S, U).
	FlowType FlowType `json:"flow_type"`

	// SpecVersion — версия схемы текущей ревизии ("11.12").
	SpecVersion string `json:"version"`

	// Revision — номер текущей ревизии.
	Revision int `json:"revision"`

	// ExpiresAfterMinutes — через сколько минут без ответа run истекает.
	ExpiresAfterMinutes int `json:"expires_after_minutes"`

	// IsSystem — системные flows не прерывают другие runs контакта.
	IsSystem bool `json:"is_system,omitempty"`

	// IsActive — неактивные (архивные) flows не запускаются.
	IsActive bool `json:"is_active"`

	// CreatedOn — время создания.
	CreatedOn time.Time `json:"created_on"`

	// ModifiedOn — время последнего изменения.
	ModifiedOn time.Time `json:"modified_on"`
}

// ExpiresOn вычисляет срок истечения run, стартовавшего в now.
// Возвращает nil, если flow не истекает.
func (f *Flow) ExpiresOn(now time.Time) *time.Time {
	if f.ExpiresAfterMinutes <= 0 {
		return nil
	}
	t := now.Add(time.Duration(f.ExpiresAfterMinutes) * time.Minute)
	return &t
}

// FlowRevision — сохранённое определение flow.
type FlowRevision struct {
	// FlowID — ссылка на flow.
	FlowID uuid.UUID `json:"flow_uuid"`

	// Revision — номер ревизии (1, 2, 3, ...).
	Revision int `json:"revision"`

	// SpecVersion — версия схемы определения.
	SpecVersion string `json:"spec_version"`

	// Definition — JSON определения flow.
	Definition json.RawMessage `json:"definition"`

	// CreatedOn — время создания ревизии.
	CreatedOn time.Time `json:"created_on"`
}

// Org — настройки организации, влияющие на исполнение flow.
type Org struct {
	// ID — UUID организации.
	ID uuid.UUID `json:"uuid"`

	// Name — название организации.
	Name string `json:"name"`

	// Timezone — часовой пояс (IANA), используется датовыми тестами.
	Timezone string `json:"timezone"`

	// DayFirst — формат дат DD-MM-YYYY (иначе MM-DD-YYYY).
	DayFirst bool `json:"day_first"`

	// Languages — языки организации (ISO-639-3).
	Languages []string `json:"languages,omitempty"`
}

// Location возвращает часовой пояс организации, UTC если не задан.
func (o *Org) Location() *time.Location {
	if o == nil || o.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
