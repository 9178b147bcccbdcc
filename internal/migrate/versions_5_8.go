package migrate

import (
	"fmt"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// Тесты, текст которых локализуется.
var localizableTests = map[string]bool{
	"contains":             true,
	"contains_any":         true,
	"contains_phrase":      true,
	"contains_only_phrase": true,
	"starts":               true,
	"regex":                true,
}

// requiresStep возвращает true, если операнд читает входящее сообщение.
func requiresStep(operand string) bool {
	if strings.Contains(operand, "@step") {
		return true
	}
	return strings.HasPrefix(operand, "=(") && strings.Contains(operand, "step")
}

// passiveType выбирает тип rule set'а, который не ждёт ввода.
func passiveType(operand string) string {
	switch {
	case strings.HasPrefix(operand, "@contact."):
		return "contact_field"
	case strings.HasPrefix(operand, "@flow."):
		return "flow_field"
	default:
		return "expression"
	}
}

// derivedRuleSet строит новый rule set на основе src с единственным
// catch-all правилом. Позиция берётся при вставке.
func derivedRuleSet(src *gabs.Container, rulesetType, label string) *gabs.Container {
	node := gabs.Wrap(deepCopy(src.Data()))
	node.Set(newUUID(), "uuid")
	node.Set(rulesetType, "ruleset_type")
	node.Set(label, "label")
	node.Set("@step.value", "operand")
	for _, key := range []string{"x", "y", "webhook", "webhook_action", "config", "finished_key"} {
		_ = node.Delete(key)
	}
	removeExtraRules(node)
	return node
}

// toVersion5 вводит явные типы rule set'ов.
//
// Rule set без типа становится ожидающим или пассивным. Если ему нужен
// ввод, а операнд не просто @step.value (или был webhook), перед ним
// вставляется wait_message с единственным правилом "All Responses".
// Webhook выносится в отдельный узел "<label> Webhook".
func toVersion5(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	for _, rs := range ruleSets(doc) {
		responseType := str(rs, "response_type")
		_ = rs.Delete("response_type")
		if str(rs, "ruleset_type") != "" {
			continue
		}

		webhookURL := str(rs, "webhook")
		webhookAction := str(rs, "webhook_action")
		_ = rs.Delete("webhook")
		_ = rs.Delete("webhook_action")

		operand := strings.TrimSpace(str(rs, "operand"))
		if operand == "" {
			operand = "@step.value"
		}
		rs.Set(operand, "operand")
		label := str(rs, "label")

		switch responseType {
		case "K":
			rs.Set("wait_digits", "ruleset_type")
			continue
		case "M":
			rs.Set("wait_digit", "ruleset_type")
			continue
		case "R":
			rs.Set("wait_recording", "ruleset_type")
			continue
		}

		if webhookURL == "" && operand == "@step.value" {
			rs.Set("wait_message", "ruleset_type")
			continue
		}

		// 1. Пассивный тип для исходного узла
		rs.Set(passiveType(operand), "ruleset_type")
		first := rs

		// 2. Webhook перед исходным узлом
		if webhookURL != "" {
			hook := derivedRuleSet(rs, "webhook", label+" Webhook")
			hook.Set(webhookURL, "webhook")
			if webhookAction == "" {
				webhookAction = "GET"
			}
			hook.Set(webhookAction, "webhook_action")
			insertRuleSet(doc, hook, rs)
			first = hook
		}

		// 3. Ожидание ввода перед всей цепочкой
		if requiresStep(operand) {
			wait := derivedRuleSet(rs, "wait_message", label+" Response")
			insertRuleSet(doc, wait, first)
		}
	}
	return doc, nil
}

// toVersion6 переводит локализуемый текст в словари по языкам.
//
// Базовый язык без явного значения — "base". Категория between-правила
// без имени получает имя "{min}-{max}".
func toVersion6(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	if str(doc, "base_language") == "" {
		doc.Set("base", "base_language")
	}
	lang := baseLanguage(doc)

	for _, rs := range ruleSets(doc) {
		for _, rule := range rules(rs) {
			testType := str(rule, "test", "type")
			if testType == "between" && !rule.Exists("category") {
				rule.Set(fmt.Sprintf("%v-%v", rule.S("test", "min").Data(), rule.S("test", "max").Data()), "category")
			}
			if cat, ok := rule.S("category").Data().(string); ok {
				rule.Set(map[string]any{lang: cat}, "category")
			}
			if text, ok := rule.S("test", "test").Data().(string); ok && localizableTests[testType] {
				rule.Set(map[string]any{lang: text}, "test", "test")
			}
		}
	}

	for _, as := range actionSets(doc) {
		for _, action := range actions(as) {
			switch str(action, "type") {
			case "send", "reply", "say":
				if msg, ok := action.S("msg").Data().(string); ok {
					action.Set(map[string]any{lang: msg}, "msg")
				}
			}
			if str(action, "type") == "say" {
				if rec, ok := action.S("recording").Data().(string); ok {
					action.Set(map[string]any{lang: rec}, "recording")
				}
			}
		}
	}
	return doc, nil
}

// toVersion7 снимает конверт: свойства flow уходят в metadata
// определения, корнем документа становится definition.
func toVersion7(doc *gabs.Container, meta *Meta) (*gabs.Container, error) {
	def := doc.S("definition")
	if _, ok := asMap(def); !ok {
		return doc, nil
	}

	if _, ok := asMap(def.S("metadata")); !ok {
		def.Set(map[string]any{}, "metadata")
	}
	envelope := map[string]string{
		"name":       "name",
		"uuid":       "uuid",
		"id":         "id",
		"revision":   "revision",
		"expires":    "expires",
		"last_saved": "saved_on",
	}
	for from, to := range envelope {
		if v := doc.S(from).Data(); v != nil {
			def.Set(v, "metadata", to)
		}
	}

	flowType := str(doc, "flow_type")
	if flowType == "" {
		flowType = "F"
	}
	def.Set(flowType, "flow_type")
	_ = def.Delete("rulesets")

	if meta != nil && meta.FlowType == "" {
		meta.FlowType = flowType
	}
	return def, nil
}

// toVersion8 переводит шаблоны в синтаксис @(...).
func toVersion8(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	rewriteTemplates(doc, MigrateTemplate)
	return doc, nil
}
