package migrate

import (
	"github.com/Jeffail/gabs/v2"
	"github.com/google/uuid"

	"github.com/shaiso/Flowline/internal/flowdef"
)

// nodeSpacing — вертикальный сдвиг узлов при вставке нового узла.
const nodeSpacing = 100

// allResponses — категория catch-all правила.
const allResponses = "All Responses"

func ruleSets(doc *gabs.Container) []*gabs.Container {
	return doc.S("rule_sets").Children()
}

func actionSets(doc *gabs.Container) []*gabs.Container {
	return doc.S("action_sets").Children()
}

func rules(rs *gabs.Container) []*gabs.Container {
	return rs.S("rules").Children()
}

func actions(as *gabs.Container) []*gabs.Container {
	return as.S("actions").Children()
}

func str(c *gabs.Container, path ...string) string {
	s, _ := c.S(path...).Data().(string)
	return s
}

func num(c *gabs.Container, path ...string) float64 {
	switch v := c.S(path...).Data().(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func asMap(c *gabs.Container) (map[string]any, bool) {
	m, ok := c.Data().(map[string]any)
	return m, ok
}

func newUUID() string {
	return uuid.NewString()
}

// baseLanguage возвращает базовый язык документа.
func baseLanguage(doc *gabs.Container) string {
	if lang := str(doc, "base_language"); lang != "" {
		return lang
	}
	return "base"
}

// localized оборачивает строку в словарь по базовому языку.
func localized(doc *gabs.Container, text string) map[string]any {
	return map[string]any{baseLanguage(doc): text}
}

// nodeKind возвращает destination_type для UUID узла или "".
func nodeKind(doc *gabs.Container, nodeUUID string) string {
	if nodeUUID == "" {
		return ""
	}
	for _, as := range actionSets(doc) {
		if str(as, "uuid") == nodeUUID {
			return flowdef.DestinationActionSet
		}
	}
	for _, rs := range ruleSets(doc) {
		if str(rs, "uuid") == nodeUUID {
			return flowdef.DestinationRuleSet
		}
	}
	return ""
}

// setDestination направляет выход на узел; пустой UUID обнуляет выход.
func setDestination(c *gabs.Container, dest, kind string) {
	if dest == "" {
		c.Set(nil, "destination")
		_ = c.Delete("destination_type")
		return
	}
	c.Set(dest, "destination")
	if kind != "" {
		c.Set(kind, "destination_type")
	}
}

// repoint переводит все ссылки с узла from на узел to.
func repoint(doc *gabs.Container, from, to, kind string) {
	for _, as := range actionSets(doc) {
		if str(as, "destination") == from {
			setDestination(as, to, kind)
		}
	}
	for _, rs := range ruleSets(doc) {
		for _, rule := range rules(rs) {
			if str(rule, "destination") == from {
				setDestination(rule, to, kind)
			}
		}
	}
	if str(doc, "entry") == from {
		doc.Set(to, "entry")
	}
}

// insertRuleSet вставляет rule set перед узлом next.
//
// Все узлы с y не меньше позиции нового узла сдвигаются вниз,
// входящие ссылки next переводятся на новый узел, а все правила
// нового узла ведут в next.
func insertRuleSet(doc *gabs.Container, node *gabs.Container, next *gabs.Container) {
	if str(node, "uuid") == "" {
		node.Set(newUUID(), "uuid")
	}
	if !node.Exists("x") {
		node.Set(num(next, "x"), "x")
	}
	if !node.Exists("y") {
		node.Set(num(next, "y"), "y")
	}
	y := num(node, "y")

	for _, n := range append(actionSets(doc), ruleSets(doc)...) {
		if num(n, "y") >= y {
			n.Set(num(n, "y")+nodeSpacing, "y")
		}
	}

	nextUUID := str(next, "uuid")
	nextKind := nodeKind(doc, nextUUID)
	nodeUUID := str(node, "uuid")
	repoint(doc, nextUUID, nodeUUID, flowdef.DestinationRuleSet)

	for _, rule := range rules(node) {
		setDestination(rule, nextUUID, nextKind)
	}
	_ = doc.ArrayAppend(node.Data(), "rule_sets")
}

// removeExtraRules оставляет в rule set'е единственное catch-all правило
// с категорией "All Responses" и новым UUID.
func removeExtraRules(rs *gabs.Container) {
	var kept map[string]any
	for _, rule := range rules(rs) {
		if str(rule, "test", "type") == "true" {
			kept = deepCopy(rule.Data()).(map[string]any)
			break
		}
	}
	if kept == nil {
		kept = map[string]any{"test": map[string]any{"type": "true"}}
	}
	kept["uuid"] = newUUID()
	kept["category"] = allResponses
	rs.Set([]any{kept}, "rules")
}

// deepCopy копирует JSON-значение.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// rewriteStrings применяет fn ко всем строковым листьям значения.
func rewriteStrings(v any, fn func(string) string) any {
	switch t := v.(type) {
	case string:
		return fn(t)
	case map[string]any:
		for k, val := range t {
			t[k] = rewriteStrings(val, fn)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = rewriteStrings(val, fn)
		}
		return t
	default:
		return v
	}
}

// rewriteRuleSet применяет fn к шаблонам rule set'а:
// операнду, webhook, config и тестам правил.
func rewriteRuleSet(rs *gabs.Container, fn func(string) string) {
	for _, key := range []string{"operand", "webhook", "config"} {
		if v := rs.S(key).Data(); v != nil {
			rs.Set(rewriteStrings(v, fn), key)
		}
	}
	for _, rule := range rules(rs) {
		if v := rule.S("test").Data(); v != nil {
			rule.Set(rewriteStrings(v, fn), "test")
		}
	}
}

// rewriteAction применяет fn ко всем полям действия, кроме type и uuid.
func rewriteAction(action *gabs.Container, fn func(string) string) {
	m, ok := asMap(action)
	if !ok {
		return
	}
	for k, v := range m {
		if k == "type" || k == "uuid" {
			continue
		}
		m[k] = rewriteStrings(v, fn)
	}
}

// rewriteTemplates применяет fn ко всем шаблонам документа.
func rewriteTemplates(doc *gabs.Container, fn func(string) string) {
	for _, rs := range ruleSets(doc) {
		rewriteRuleSet(rs, fn)
	}
	for _, as := range actionSets(doc) {
		for _, action := range actions(as) {
			rewriteAction(action, fn)
		}
	}
}

// predecessors строит обратные рёбра графа.
func predecessors(doc *gabs.Container) map[string][]string {
	preds := make(map[string][]string)
	for _, as := range actionSets(doc) {
		if dest := str(as, "destination"); dest != "" {
			preds[dest] = append(preds[dest], str(as, "uuid"))
		}
	}
	for _, rs := range ruleSets(doc) {
		from := str(rs, "uuid")
		for _, rule := range rules(rs) {
			if dest := str(rule, "destination"); dest != "" {
				preds[dest] = append(preds[dest], from)
			}
		}
	}
	return preds
}
