package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Contact — получатель сообщений flow.
type Contact struct {
	// ID — UUID контакта.
	ID uuid.UUID `json:"uuid"`

	// OrgID — организация-владелец.
	OrgID uuid.UUID `json:"org_uuid"`

	// Name — имя контакта.
	Name string `json:"name"`

	// Language — предпочитаемый язык (ISO-639-3).
	Language string `json:"language,omitempty"`

	// URNs — адреса контакта в порядке приоритета ("tel:+250788123123").
	URNs []string `json:"urns,omitempty"`

	// Fields — пользовательские поля по ключу.
	Fields map[string]string `json:"fields,omitempty"`

	// Groups — UUID групп, в которых состоит контакт.
	Groups []uuid.UUID `json:"groups,omitempty"`

	// ChannelID — предпочитаемый канал.
	ChannelID *uuid.UUID `json:"channel_uuid,omitempty"`

	// IsBlocked — заблокированный контакт не участвует во flows.
	IsBlocked bool `json:"is_blocked,omitempty"`

	// IsStopped — контакт отписался.
	IsStopped bool `json:"is_stopped,omitempty"`

	// IsTest — тестовый контакт симулятора.
	IsTest bool `json:"is_test,omitempty"`

	// CreatedOn — время создания.
	CreatedOn time.Time `json:"created_on"`
}

// PreferredURN возвращает первый URN или пустую строку.
func (c *Contact) PreferredURN() string {
	if len(c.URNs) == 0 {
		return ""
	}
	return c.URNs[0]
}

// URNPath возвращает адрес первого URN без схемы.
func (c *Contact) URNPath() string {
	urn := c.PreferredURN()
	if i := strings.Index(urn, ":"); i >= 0 {
		return urn[i+1:]
	}
	return urn
}

// InGroup проверяет членство в группе.
func (c *Contact) InGroup(groupID uuid.UUID) bool {
	return slices.Contains(c.Groups, groupID)
}

// AddGroup добавляет контакт в группу. Возвращает false, если уже состоит.
func (c *Contact) AddGroup(groupID uuid.UUID) bool {
	if c.InGroup(groupID) {
		return false
	}
	c.Groups = append(c.Groups, groupID)
	return true
}

// RemoveGroup удаляет контакт из группы. Возвращает false, если не состоял.
func (c *Contact) RemoveGroup(groupID uuid.UUID) bool {
	i := slices.Index(c.Groups, groupID)
	if i < 0 {
		return false
	}
	c.Groups = slices.Delete(c.Groups, i, i+1)
	return true
}

// Field возвращает значение поля контакта.
func (c *Contact) Field(key string) string {
	if c.Fields == nil {
		return ""
	}
	return c.Fields[key]
}

// SetField устанавливает значение поля контакта.
func (c *Contact) SetField(key, value string) {
	if c.Fields == nil {
		c.Fields = make(map[string]string)
	}
	c.Fields[key] = value
}

// Group — группа контактов.
type Group struct {
	ID    uuid.UUID `json:"uuid"`
	OrgID uuid.UUID `json:"org_uuid"`
	Name  string    `json:"name"`
}

// Label — метка сообщений.
type Label struct {
	ID    uuid.UUID `json:"uuid"`
	OrgID uuid.UUID `json:"org_uuid"`
	Name  string    `json:"name"`
}

// Channel — канал доставки сообщений.
type Channel struct {
	ID      uuid.UUID `json:"uuid"`
	OrgID   uuid.UUID `json:"org_uuid"`
	Name    string    `json:"name"`
	Address string    `json:"address,omitempty"`
	Scheme  string    `json:"scheme,omitempty"`
}
