package flowdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/shaiso/Flowline/internal/domain"
)

// CurrentVersion — финальная версия схемы, которую понимает разбор.
const CurrentVersion = "11.12"

// Типы назначения (destination_type).
const (
	DestinationActionSet = "A"
	DestinationRuleSet   = "R"
)

// RuleSetType — тип rule set'а.
type RuleSetType string

// Типы rule set'ов.
const (
	RuleSetWaitMessage   RuleSetType = "wait_message"
	RuleSetWaitMenu      RuleSetType = "wait_menu"
	RuleSetWaitDigit     RuleSetType = "wait_digit"
	RuleSetWaitDigits    RuleSetType = "wait_digits"
	RuleSetWaitRecording RuleSetType = "wait_recording"
	RuleSetWaitPhoto     RuleSetType = "wait_photo"
	RuleSetWaitVideo     RuleSetType = "wait_video"
	RuleSetWaitAudio     RuleSetType = "wait_audio"
	RuleSetWaitGPS       RuleSetType = "wait_gps"
	RuleSetWebhook       RuleSetType = "webhook"
	RuleSetResthook      RuleSetType = "resthook"
	RuleSetFlowField     RuleSetType = "flow_field"
	RuleSetFormField     RuleSetType = "form_field"
	RuleSetContactField  RuleSetType = "contact_field"
	RuleSetExpression    RuleSetType = "expression"
	RuleSetGroup         RuleSetType = "group"
	RuleSetRandom        RuleSetType = "random"
	RuleSetSubflow       RuleSetType = "subflow"
	RuleSetAirtime       RuleSetType = "airtime"
	RuleSetShortenURL    RuleSetType = "shorten_url"
)

// IsWait возвращает true для rule set'ов, ожидающих ввода.
func (t RuleSetType) IsWait() bool {
	return strings.HasPrefix(string(t), "wait_")
}

// isKnown проверяет, что тип входит в закрытый набор.
func (t RuleSetType) isKnown() bool {
	switch t {
	case RuleSetWaitMessage, RuleSetWaitMenu, RuleSetWaitDigit, RuleSetWaitDigits,
		RuleSetWaitRecording, RuleSetWaitPhoto, RuleSetWaitVideo, RuleSetWaitAudio, RuleSetWaitGPS,
		RuleSetWebhook, RuleSetResthook, RuleSetFlowField, RuleSetFormField, RuleSetContactField,
		RuleSetExpression, RuleSetGroup, RuleSetRandom, RuleSetSubflow, RuleSetAirtime, RuleSetShortenURL:
		return true
	}
	return false
}

// Значения value_type, выводимые из тестов.
const (
	ValueTypeText     = "T"
	ValueTypeNumeric  = "N"
	ValueTypeDatetime = "D"
)

// Node — узел графа: *ActionSet или *RuleSet.
type Node interface {
	NodeUUID() string
}

// Metadata — метаданные определения.
type Metadata struct {
	Name     string `json:"name,omitempty"`
	UUID     string `json:"uuid,omitempty"`
	Revision int    `json:"revision,omitempty"`
	Expires  int    `json:"expires,omitempty"`
	SavedOn  string `json:"saved_on,omitempty"`
	ID       *int   `json:"id,omitempty"`
}

// Definition — определение flow финальной версии схемы.
type Definition struct {
	Entry        string          `json:"entry,omitempty"`
	ActionSets   []*ActionSet    `json:"action_sets"`
	RuleSets     []*RuleSet      `json:"rule_sets"`
	BaseLanguage string          `json:"base_language,omitempty"`
	FlowType     domain.FlowType `json:"flow_type,omitempty"`
	Version      Literal         `json:"version"`
	Metadata     Metadata        `json:"metadata"`

	index map[string]Node
}

// ActionSet — узел с упорядоченным списком действий и одним выходом.
type ActionSet struct {
	UUID            string   `json:"uuid" validate:"required"`
	X               float64  `json:"x"`
	Y               float64  `json:"y"`
	Destination     string   `json:"destination,omitempty"`
	DestinationType string   `json:"destination_type,omitempty"`
	ExitUUID        string   `json:"exit_uuid,omitempty"`
	Actions         []Action `json:"-"`
}

// NodeUUID реализует Node.
func (a *ActionSet) NodeUUID() string { return a.UUID }

// RuleSet — узел, сопоставляющий ввод со списком правил.
type RuleSet struct {
	UUID        string         `json:"uuid" validate:"required"`
	X           float64        `json:"x"`
	Y           float64        `json:"y"`
	Label       string         `json:"label,omitempty"`
	Operand     string         `json:"operand,omitempty"`
	Type        RuleSetType    `json:"ruleset_type" validate:"required"`
	Config      map[string]any `json:"config,omitempty"`
	Rules       []*Rule        `json:"rules"`
	FinishedKey string         `json:"finished_key,omitempty"`
}

// NodeUUID реализует Node.
func (r *RuleSet) NodeUUID() string { return r.UUID }

// IsWait возвращает true, если rule set приостанавливает выполнение.
func (r *RuleSet) IsWait() bool { return r.Type.IsWait() }

// OperandOrDefault возвращает операнд; пустой операнд означает @step.value.
func (r *RuleSet) OperandOrDefault() string {
	if strings.TrimSpace(r.Operand) == "" {
		return "@step.value"
	}
	return r.Operand
}

// ValueType выводит тип значения из тестов правил.
func (r *RuleSet) ValueType() string {
	numeric, dates := 0, 0
	for _, rule := range r.Rules {
		switch {
		case IsNumericTest(rule.Test):
			numeric++
		case IsDateTest(rule.Test):
			dates++
		}
	}
	switch {
	case numeric > 0 && numeric >= dates:
		return ValueTypeNumeric
	case dates > 0:
		return ValueTypeDatetime
	default:
		return ValueTypeText
	}
}

// TimeoutMinutes возвращает таймаут из timeout-правила (0 — нет).
func (r *RuleSet) TimeoutMinutes() int {
	for _, rule := range r.Rules {
		if t, ok := rule.Test.(*TimeoutTest); ok {
			return t.Minutes
		}
	}
	return 0
}

// Rule — правило rule set'а.
type Rule struct {
	UUID            string    `json:"uuid" validate:"required"`
	Category        Localized `json:"category"`
	Destination     string    `json:"destination,omitempty"`
	DestinationType string    `json:"destination_type,omitempty"`
	Test            Test      `json:"-"`
	Label           string    `json:"label,omitempty"`
}

// Header — HTTP заголовок webhook.
type Header struct {
	Name  string `mapstructure:"name" json:"name"`
	Value string `mapstructure:"value" json:"value"`
}

// WebhookConfig — config rule set'а типа webhook.
type WebhookConfig struct {
	Webhook string   `mapstructure:"webhook"`
	Action  string   `mapstructure:"webhook_action"`
	Headers []Header `mapstructure:"webhook_headers"`
}

// ResthookConfig — config rule set'а типа resthook.
type ResthookConfig struct {
	Resthook string `mapstructure:"resthook"`
}

// SubflowConfig — config rule set'а типа subflow.
type SubflowConfig struct {
	Flow struct {
		UUID string `mapstructure:"uuid"`
		Name string `mapstructure:"name"`
	} `mapstructure:"flow"`
}

// AirtimeConfig — config rule set'а типа airtime (суммы по валюте/стране).
type AirtimeConfig map[string]any

// FormFieldConfig — config rule set'а типа form_field.
type FormFieldConfig struct {
	FieldIndex     int    `mapstructure:"field_index"`
	FieldDelimiter string `mapstructure:"field_delimiter"`
}

// DecodeConfig раскладывает config rule set'а в типизированную структуру.
func (r *RuleSet) DecodeConfig(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(r.Config); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// WebhookConfig возвращает настройки webhook rule set'а.
func (r *RuleSet) WebhookConfig() (WebhookConfig, error) {
	var cfg WebhookConfig
	err := r.DecodeConfig(&cfg)
	if cfg.Action == "" {
		cfg.Action = "GET"
	}
	return cfg, err
}

// ResthookConfig возвращает настройки resthook rule set'а.
func (r *RuleSet) ResthookConfig() (ResthookConfig, error) {
	var cfg ResthookConfig
	return cfg, r.DecodeConfig(&cfg)
}

// SubflowConfig возвращает настройки subflow rule set'а.
func (r *RuleSet) SubflowConfig() (SubflowConfig, error) {
	var cfg SubflowConfig
	return cfg, r.DecodeConfig(&cfg)
}

// FormFieldConfig возвращает настройки form_field rule set'а.
func (r *RuleSet) FormFieldConfig() (FormFieldConfig, error) {
	cfg := FormFieldConfig{FieldDelimiter: " "}
	return cfg, r.DecodeConfig(&cfg)
}

// actionSetJSON — JSON представление ActionSet.
type actionSetJSON struct {
	UUID            string            `json:"uuid"`
	X               float64           `json:"x"`
	Y               float64           `json:"y"`
	Destination     *string           `json:"destination"`
	DestinationType string            `json:"destination_type,omitempty"`
	ExitUUID        string            `json:"exit_uuid,omitempty"`
	Actions         []json.RawMessage `json:"actions"`
}

// UnmarshalJSON разбирает action set вместе с действиями.
func (a *ActionSet) UnmarshalJSON(data []byte) error {
	var raw actionSetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.UUID = raw.UUID
	a.X, a.Y = raw.X, raw.Y
	a.Destination = derefString(raw.Destination)
	a.DestinationType = raw.DestinationType
	a.ExitUUID = raw.ExitUUID
	a.Actions = make([]Action, 0, len(raw.Actions))

	for i, rawAction := range raw.Actions {
		action, err := ParseAction(rawAction)
		if err != nil {
			return NewDefinitionError(raw.UUID, fmt.Sprintf("actions[%d]", i), err.Error(), err)
		}
		a.Actions = append(a.Actions, action)
	}
	return nil
}

// MarshalJSON сериализует action set вместе с действиями.
func (a *ActionSet) MarshalJSON() ([]byte, error) {
	raw := actionSetJSON{
		UUID:            a.UUID,
		X:               a.X,
		Y:               a.Y,
		Destination:     nullableString(a.Destination),
		DestinationType: a.DestinationType,
		ExitUUID:        a.ExitUUID,
		Actions:         make([]json.RawMessage, 0, len(a.Actions)),
	}
	for _, action := range a.Actions {
		b, err := MarshalAction(action)
		if err != nil {
			return nil, err
		}
		raw.Actions = append(raw.Actions, b)
	}
	return json.Marshal(raw)
}

// ruleJSON — JSON представление Rule.
type ruleJSON struct {
	UUID            string          `json:"uuid"`
	Category        Localized       `json:"category"`
	Destination     *string         `json:"destination"`
	DestinationType string          `json:"destination_type,omitempty"`
	Test            json.RawMessage `json:"test"`
	Label           string          `json:"label,omitempty"`
}

// UnmarshalJSON разбирает правило вместе с тестом.
// Категория обрезается до MaxCategoryLength символов.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Test) == 0 {
		return NewDefinitionError(raw.UUID, "test", "rule has no test", ErrMissingField)
	}
	test, err := ParseTest(raw.Test)
	if err != nil {
		return NewDefinitionError(raw.UUID, "test", err.Error(), err)
	}

	r.UUID = raw.UUID
	r.Category = raw.Category.Truncate(MaxCategoryLength)
	r.Destination = derefString(raw.Destination)
	r.DestinationType = raw.DestinationType
	r.Test = test
	r.Label = raw.Label
	return nil
}

// MarshalJSON сериализует правило вместе с тестом.
func (r *Rule) MarshalJSON() ([]byte, error) {
	raw := ruleJSON{
		UUID:            r.UUID,
		Category:        r.Category,
		Destination:     nullableString(r.Destination),
		DestinationType: r.DestinationType,
		Label:           r.Label,
	}
	if r.Test != nil {
		b, err := MarshalTest(r.Test)
		if err != nil {
			return nil, err
		}
		raw.Test = b
	}
	return json.Marshal(raw)
}

// Parse разбирает определение финальной версии схемы.
//
// Любой некорректный узел, правило, тест или действие прерывает разбор
// с *DefinitionError.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		var defErr *DefinitionError
		if errors.As(err, &defErr) {
			return nil, defErr
		}
		return nil, NewDefinitionError("", "", err.Error(), ErrInvalidJSON)
	}

	if def.Version != "" && string(def.Version) != CurrentVersion {
		return nil, NewDefinitionError("", "version",
			fmt.Sprintf("expected version %s, got %s", CurrentVersion, def.Version), ErrUnsupportedVersion)
	}

	for _, as := range def.ActionSets {
		if err := validateStruct(as); err != nil {
			return nil, NewDefinitionError(as.UUID, "action_set", err.Error(), ErrMissingField)
		}
	}
	for _, rs := range def.RuleSets {
		if err := validateStruct(rs); err != nil {
			return nil, NewDefinitionError(rs.UUID, "rule_set", err.Error(), ErrMissingField)
		}
		if !rs.Type.isKnown() {
			return nil, NewDefinitionError(rs.UUID, "ruleset_type", string(rs.Type), ErrUnknownRuleSetType)
		}
		for _, rule := range rs.Rules {
			if err := validateStruct(rule); err != nil {
				return nil, NewDefinitionError(rs.UUID, "rules", err.Error(), ErrMissingField)
			}
		}
		if err := checkConfig(rs); err != nil {
			return nil, NewDefinitionError(rs.UUID, "config", err.Error(), err)
		}
	}

	def.buildIndex()
	return &def, nil
}

// checkConfig проверяет config rule set'ов, чей тип его требует.
func checkConfig(rs *RuleSet) error {
	switch rs.Type {
	case RuleSetWebhook:
		_, err := rs.WebhookConfig()
		return err
	case RuleSetResthook:
		_, err := rs.ResthookConfig()
		return err
	case RuleSetSubflow:
		cfg, err := rs.SubflowConfig()
		if err != nil {
			return err
		}
		if cfg.Flow.UUID == "" {
			return fmt.Errorf("%w: config.flow.uuid", ErrMissingField)
		}
	case RuleSetFormField:
		_, err := rs.FormFieldConfig()
		return err
	}
	return nil
}

// buildIndex строит индекс узлов по UUID.
func (d *Definition) buildIndex() {
	d.index = make(map[string]Node, len(d.ActionSets)+len(d.RuleSets))
	for _, as := range d.ActionSets {
		d.index[as.UUID] = as
	}
	for _, rs := range d.RuleSets {
		d.index[rs.UUID] = rs
	}
}

// Node возвращает узел по UUID или nil.
func (d *Definition) Node(uuid string) Node {
	if d.index == nil {
		d.buildIndex()
	}
	return d.index[uuid]
}

// ActionSet возвращает action set по UUID или nil.
func (d *Definition) ActionSet(uuid string) *ActionSet {
	as, _ := d.Node(uuid).(*ActionSet)
	return as
}

// RuleSet возвращает rule set по UUID или nil.
func (d *Definition) RuleSet(uuid string) *RuleSet {
	rs, _ := d.Node(uuid).(*RuleSet)
	return rs
}

// Languages возвращает цепочку языков для контакта.
func (d *Definition) Languages(contactLang string) []string {
	return []string{contactLang, d.BaseLanguage}
}

var nonKeyChars = regexp.MustCompile(`[^a-z0-9]+`)

// ResultKey приводит метку rule set'а к ключу результата:
// "Favorite Color" → "favorite_color".
func ResultKey(label string) string {
	return strings.Trim(nonKeyChars.ReplaceAllString(strings.ToLower(label), "_"), "_")
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
