package migrate

import (
	"strings"

	"github.com/Jeffail/gabs/v2"

	"github.com/shaiso/Flowline/internal/flowdef"
)

func webhookStatusRule(doc *gabs.Container, ruleUUID, status, category, dest, destType string) map[string]any {
	rule := map[string]any{
		"uuid":     ruleUUID,
		"category": localized(doc, category),
		"test":     map[string]any{"type": "webhook_status", "status": status},
	}
	if dest != "" {
		rule["destination"] = dest
		rule["destination_type"] = destType
	} else {
		rule["destination"] = nil
	}
	return rule
}

// hasStatusRules возвращает true, если правила уже webhook_status.
func hasStatusRules(rs *gabs.Container) bool {
	for _, rule := range rules(rs) {
		if str(rule, "test", "type") != "webhook_status" {
			return false
		}
	}
	return len(rules(rs)) > 0
}

// toVersion10 переводит webhook rule set'ы на правила webhook_status.
//
// URL и метод уходят в config. Единственное catch-all правило становится
// веткой success с тем же UUID, ветка failure получает новый UUID и то же
// назначение. Если у webhook были категоризирующие правила, они уходят в
// новый expression rule set сразу после webhook.
func toVersion10(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	for _, rs := range ruleSets(doc) {
		if str(rs, "ruleset_type") != "webhook" {
			continue
		}

		// 1. Настройки в config
		if rs.Exists("webhook") || rs.Exists("webhook_action") {
			action := str(rs, "webhook_action")
			if action == "" {
				action = "GET"
			}
			rs.Set(str(rs, "webhook"), "config", "webhook")
			rs.Set(action, "config", "webhook_action")
			_ = rs.Delete("webhook")
			_ = rs.Delete("webhook_action")
		}
		if hasStatusRules(rs) {
			continue
		}

		// 2. Ветки success/failure
		var catchAll *gabs.Container
		categorizing := false
		for _, rule := range rules(rs) {
			if str(rule, "test", "type") == "true" {
				if catchAll == nil {
					catchAll = rule
				}
			} else {
				categorizing = true
			}
		}

		successUUID := newUUID()
		dest, destType := "", ""
		switch {
		case categorizing:
			passive := gabs.Wrap(deepCopy(rs.Data()))
			passive.Set(newUUID(), "uuid")
			passive.Set("expression", "ruleset_type")
			_ = passive.Delete("config")

			y := num(rs, "y") + nodeSpacing
			for _, n := range append(actionSets(doc), ruleSets(doc)...) {
				if num(n, "y") >= y {
					n.Set(num(n, "y")+nodeSpacing, "y")
				}
			}
			passive.Set(y, "y")
			_ = doc.ArrayAppend(passive.Data(), "rule_sets")
			dest, destType = str(passive, "uuid"), flowdef.DestinationRuleSet
		case catchAll != nil:
			successUUID = str(catchAll, "uuid")
			dest, destType = str(catchAll, "destination"), str(catchAll, "destination_type")
		}

		rs.Set([]any{
			webhookStatusRule(doc, successUUID, "success", "Success", dest, destType),
			webhookStatusRule(doc, newUUID(), "failure", "Failure", dest, destType),
		}, "rules")
	}
	return doc, nil
}

// toVersion10_1 выдаёт UUID действиям без него.
func toVersion10_1(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	for _, as := range actionSets(doc) {
		for _, action := range actions(as) {
			if str(action, "uuid") == "" {
				action.Set(newUUID(), "uuid")
			}
		}
	}
	return doc, nil
}

// toVersion10_2 локализует строковый msg у reply и send.
func toVersion10_2(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	for _, as := range actionSets(doc) {
		for _, action := range actions(as) {
			switch str(action, "type") {
			case "reply", "send":
				if msg, ok := action.S("msg").Data().(string); ok {
					action.Set(localized(doc, msg), "msg")
				}
			}
		}
	}
	return doc, nil
}

// toVersion10_3 выдаёт exit_uuid action set'ам без него.
func toVersion10_3(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	for _, as := range actionSets(doc) {
		if str(as, "exit_uuid") == "" {
			as.Set(newUUID(), "exit_uuid")
		}
	}
	return doc, nil
}

// toVersion10_4 перевыпускает exit_uuid, совпадающие с UUID правил
// или с выходами других action set'ов.
func toVersion10_4(doc *gabs.Container, meta *Meta) (*gabs.Container, error) {
	seen := make(map[string]bool)
	for _, rs := range ruleSets(doc) {
		for _, rule := range rules(rs) {
			seen[str(rule, "uuid")] = true
		}
	}
	for _, as := range actionSets(doc) {
		exit := strings.TrimSpace(str(as, "exit_uuid"))
		if exit == "" || seen[exit] {
			fresh := newUUID()
			if exit != "" {
				meta.remap(exit, fresh)
			}
			as.Set(fresh, "exit_uuid")
			exit = fresh
		}
		seen[exit] = true
	}
	return doc, nil
}
