package flowdef

import (
	"strings"

	"github.com/google/uuid"
)

// InGroupTest совпадает, если контакт состоит в группе.
type InGroupTest struct {
	Test Ref `json:"test"`
}

func (t *InGroupTest) Type() TestType { return TestTypeInGroup }

func (t *InGroupTest) Evaluate(ev *Evaluation) (int, any) {
	if ev.Contact == nil || t.Test.UUID == "" {
		return 0, nil
	}
	id, err := uuid.Parse(t.Test.UUID)
	if err != nil || !ev.Contact.InGroup(id) {
		return 0, nil
	}
	return 1, t.Test.Name
}

// Статусы webhook теста.
const (
	WebhookSuccess = "success"
	WebhookFailure = "failure"
)

// WebhookStatusTest проверяет исход вызова webhook.
// Успех — код 2xx; всё остальное (включая -1) — неудача.
type WebhookStatusTest struct {
	Status string `json:"status" validate:"required,oneof=success failure"`
}

func (t *WebhookStatusTest) Type() TestType { return TestTypeWebhookStatus }

func (t *WebhookStatusTest) Evaluate(ev *Evaluation) (int, any) {
	success := ev.WebhookStatus >= 200 && ev.WebhookStatus < 300
	if (t.Status == WebhookSuccess) != success {
		return 0, nil
	}
	return 1, ev.Text
}

// SubflowTest проверяет, как завершился дочерний run.
type SubflowTest struct {
	ExitType string `json:"exit_type" validate:"required,oneof=completed expired"`
}

func (t *SubflowTest) Type() TestType { return TestTypeSubflow }

func (t *SubflowTest) Evaluate(ev *Evaluation) (int, any) {
	if strings.TrimSpace(ev.Text) != t.ExitType {
		return 0, nil
	}
	return 1, t.ExitType
}

// TimeoutTest срабатывает, когда wait узел покинут по таймауту.
type TimeoutTest struct {
	Minutes int `json:"minutes" validate:"gte=0"`
}

func (t *TimeoutTest) Type() TestType { return TestTypeTimeout }

func (t *TimeoutTest) Evaluate(ev *Evaluation) (int, any) {
	if !ev.TimedOut {
		return 0, nil
	}
	return 1, ""
}

// AirtimeStatusTest проверяет исход перевода airtime.
type AirtimeStatusTest struct {
	ExitStatus string `json:"exit_status" validate:"required,oneof=success failed"`
}

func (t *AirtimeStatusTest) Type() TestType { return TestTypeAirtimeStatus }

func (t *AirtimeStatusTest) Evaluate(ev *Evaluation) (int, any) {
	if strings.TrimSpace(ev.Text) != t.ExitStatus {
		return 0, nil
	}
	return 1, t.ExitStatus
}

// HasStateTest ищет во входе название региона.
type HasStateTest struct{}

func (t *HasStateTest) Type() TestType { return TestTypeHasState }

func (t *HasStateTest) Evaluate(ev *Evaluation) (int, any) {
	if ev.Locations == nil {
		return 0, nil
	}
	if state, ok := ev.Locations.FindState(ev.Text); ok {
		return 1, state
	}
	return 0, nil
}

// HasDistrictTest ищет во входе район указанного региона.
type HasDistrictTest struct {
	Test string `json:"test"`
}

func (t *HasDistrictTest) Type() TestType { return TestTypeHasDistrict }

func (t *HasDistrictTest) Evaluate(ev *Evaluation) (int, any) {
	if ev.Locations == nil {
		return 0, nil
	}
	if district, ok := ev.Locations.FindDistrict(ev.Text, ev.substitute(t.Test)); ok {
		return 1, district
	}
	return 0, nil
}

// HasWardTest ищет во входе участок указанного района.
type HasWardTest struct {
	State    string `json:"state"`
	District string `json:"district"`
}

func (t *HasWardTest) Type() TestType { return TestTypeHasWard }

func (t *HasWardTest) Evaluate(ev *Evaluation) (int, any) {
	if ev.Locations == nil {
		return 0, nil
	}
	if ward, ok := ev.Locations.FindWard(ev.Text, ev.substitute(t.District), ev.substitute(t.State)); ok {
		return 1, ward
	}
	return 0, nil
}
