package migrate

import (
	"strconv"

	"github.com/google/uuid"
)

// Kind — тип объекта, на который ссылается определение.
type Kind string

const (
	KindFlow     Kind = "flow"
	KindGroup    Kind = "group"
	KindContact  Kind = "contact"
	KindLabel    Kind = "label"
	KindChannel  Kind = "channel"
	KindCampaign Kind = "campaign"
	KindEvent    Kind = "event"
)

// Ref — разрешённая ссылка.
type Ref struct {
	UUID string
	Name string
}

// Resolver — доступ к объектам организации при миграции.
//
// Все методы вызываются синхронно внутри шага. Nil Resolver допустим:
// шаги 9, 11.6 и 11.12 тогда работают без обращения к хранилищу.
type Resolver interface {
	// LookupID ищет объект по старому числовому идентификатору.
	LookupID(kind Kind, id int64) (Ref, bool)

	// ResolveGroup находит группу по UUID, затем по имени; создаёт, если нет.
	ResolveGroup(ref Ref) (Ref, error)

	// ResolveLabel находит метку по UUID, затем по имени; создаёт, если нет.
	ResolveLabel(ref Ref) (Ref, error)

	// ChannelInOrg возвращает true, если канал принадлежит организации.
	ChannelInOrg(uuid string) bool
}

// Meta — метаданные flow, доступные шагам.
type Meta struct {
	FlowUUID string
	Name     string
	FlowType string // "F", "V", "S"

	// SameSite — документ экспортирован из этой же инсталляции,
	// числовые id можно искать через Resolver.
	SameSite bool

	Resolver Resolver

	// Remapped — старый UUID → новый, для перевыпущенных UUID (10.4, 11.8).
	Remapped map[string]string

	ids *IDMap
}

// IsVoice возвращает true для голосового flow.
func (m *Meta) IsVoice() bool {
	return m != nil && m.FlowType == "V"
}

func (m *Meta) remap(old, new string) {
	if m == nil {
		return
	}
	if m.Remapped == nil {
		m.Remapped = make(map[string]string)
	}
	m.Remapped[old] = new
}

func (m *Meta) resolver() Resolver {
	if m == nil {
		return nil
	}
	return m.Resolver
}

func (m *Meta) idMap() *IDMap {
	if m == nil {
		return NewIDMap()
	}
	if m.ids == nil {
		m.ids = NewIDMap()
	}
	return m.ids
}

// IDMap выдаёт стабильные UUID для старых числовых id.
// Одинаковый (kind, id) всегда получает один и тот же UUID.
type IDMap struct {
	uuids map[Kind]map[string]string
}

// NewIDMap создаёт пустую таблицу.
func NewIDMap() *IDMap {
	return &IDMap{uuids: make(map[Kind]map[string]string)}
}

// UUID возвращает UUID для id, выпуская новый при первом обращении.
func (m *IDMap) UUID(kind Kind, id string) string {
	byID, ok := m.uuids[kind]
	if !ok {
		byID = make(map[string]string)
		m.uuids[kind] = byID
	}
	if u, ok := byID[id]; ok {
		return u
	}
	u := uuid.NewString()
	byID[id] = u
	return u
}

// idString приводит id из JSON к строке. Второе значение false, если id нет.
func idString(v any) (string, bool) {
	switch id := v.(type) {
	case float64:
		return strconv.FormatInt(int64(id), 10), true
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case string:
		return id, id != ""
	}
	return "", false
}
