package migrate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"github.com/shaiso/Flowline/internal/flowdef"
)

// Поля контакта, которые не являются пользовательскими полями.
var reservedFields = map[string]bool{
	"name":       true,
	"first_name": true,
	"groups":     true,
	"language":   true,
	"uuid":       true,
	"tel":        true,
	"twitter":    true,
	"mailto":     true,
	"facebook":   true,
	"telegram":   true,
	"whatsapp":   true,
	"viber":      true,
	"line":       true,
	"ext":        true,
}

func templatePaths(fn func(string) string) func(string) string {
	return func(text string) string {
		return rewritePaths(text, fn)
	}
}

// toVersion11_0 заменяет голый @date на @date.now.
func toVersion11_0(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	rewriteTemplates(doc, templatePaths(func(path string) string {
		if path == "date" {
			return "date.now"
		}
		return path
	}))
	return doc, nil
}

// toVersion11_1 добавляет config всем rule set'ам и переносит slug
// resthook в config.resthook.
func toVersion11_1(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	for _, rs := range ruleSets(doc) {
		if _, ok := asMap(rs.S("config")); !ok {
			rs.Set(map[string]any{}, "config")
		}
		if str(rs, "ruleset_type") != "resthook" || str(rs, "config", "resthook") != "" {
			continue
		}
		slug := str(rs, "webhook")
		if slug == "" && !strings.HasPrefix(str(rs, "operand"), "@") {
			slug = str(rs, "operand")
			rs.Set("@step.value", "operand")
		}
		if slug != "" {
			rs.Set(slug, "config", "resthook")
		}
		_ = rs.Delete("webhook")
		_ = rs.Delete("webhook_action")
	}
	return doc, nil
}

// toVersion11_2 заменяет @step.contact на @contact.
func toVersion11_2(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	rewriteTemplates(doc, templatePaths(func(path string) string {
		if path == "step.contact" {
			return "contact"
		}
		if rest, ok := strings.CutPrefix(path, "step.contact."); ok {
			return "contact." + rest
		}
		return path
	}))
	return doc, nil
}

// toVersion11_3 приводит метод webhook к верхнему регистру и заголовки
// к списку {name, value}.
func toVersion11_3(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	for _, rs := range ruleSets(doc) {
		if str(rs, "ruleset_type") != "webhook" {
			continue
		}
		action := strings.ToUpper(strings.TrimSpace(str(rs, "config", "webhook_action")))
		if action == "" {
			action = "GET"
		}
		rs.Set(action, "config", "webhook_action")

		switch headers := rs.S("config", "webhook_headers").Data().(type) {
		case map[string]any:
			names := make([]string, 0, len(headers))
			for name := range headers {
				names = append(names, name)
			}
			sort.Strings(names)
			list := make([]any, 0, len(names))
			for _, name := range names {
				list = append(list, map[string]any{"name": name, "value": fmt.Sprint(headers[name])})
			}
			rs.Set(list, "config", "webhook_headers")
		case nil:
			rs.Set([]any{}, "config", "webhook_headers")
		}
	}
	return doc, nil
}

// toVersion11_4 заменяет @flow.<key>.time на @flow.<key>.created_on.
func toVersion11_4(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	rewriteTemplates(doc, templatePaths(func(path string) string {
		parts := strings.Split(path, ".")
		if len(parts) == 3 && parts[0] == "flow" && parts[2] == "time" {
			return "flow." + parts[1] + ".created_on"
		}
		return path
	}))
	return doc, nil
}

// toVersion11_5 заменяет @extra.<x> на @flow.<key>.json.<x>, где key —
// результат ближайшего предшествующего webhook или resthook.
// Ссылки без webhook выше по графу не меняются.
func toVersion11_5(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	hooks := make(map[string]string)
	for _, rs := range ruleSets(doc) {
		switch str(rs, "ruleset_type") {
		case "webhook", "resthook":
			hooks[str(rs, "uuid")] = flowdef.ResultKey(str(rs, "label"))
		}
	}
	if len(hooks) == 0 {
		return doc, nil
	}
	preds := predecessors(doc)

	// nearest — BFS по обратным рёбрам от предшественников узла
	nearest := func(node string) string {
		visited := map[string]bool{node: true}
		queue := append([]string(nil), preds[node]...)
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			if visited[current] {
				continue
			}
			visited[current] = true
			if key, ok := hooks[current]; ok {
				return key
			}
			queue = append(queue, preds[current]...)
		}
		return ""
	}

	rewriter := func(key string) func(string) string {
		return templatePaths(func(path string) string {
			if rest, ok := strings.CutPrefix(path, "extra."); ok {
				return "flow." + key + ".json." + rest
			}
			return path
		})
	}

	for _, rs := range ruleSets(doc) {
		if key := nearest(str(rs, "uuid")); key != "" {
			rewriteRuleSet(rs, rewriter(key))
		}
	}
	for _, as := range actionSets(doc) {
		key := nearest(str(as, "uuid"))
		if key == "" {
			continue
		}
		for _, action := range actions(as) {
			rewriteAction(action, rewriter(key))
		}
	}
	return doc, nil
}

// toVersion11_6 заново разрешает ссылки на группы и метки: по UUID,
// затем по имени, с созданием недостающих.
func toVersion11_6(doc *gabs.Container, meta *Meta) (*gabs.Container, error) {
	resolver := meta.resolver()
	if resolver == nil {
		return doc, nil
	}

	resolve := func(ref *gabs.Container, fn func(Ref) (Ref, error)) error {
		m, ok := asMap(ref)
		if !ok {
			return nil
		}
		uuid, _ := m["uuid"].(string)
		name, _ := m["name"].(string)
		if uuid == "" && name == "" {
			return nil
		}
		found, err := fn(Ref{UUID: uuid, Name: name})
		if err != nil {
			return err
		}
		m["uuid"] = found.UUID
		m["name"] = found.Name
		return nil
	}

	for _, as := range actionSets(doc) {
		for _, action := range actions(as) {
			switch str(action, "type") {
			case "add_group", "del_group", "send", "trigger-flow":
				for _, group := range action.S("groups").Children() {
					if err := resolve(group, resolver.ResolveGroup); err != nil {
						return nil, fmt.Errorf("resolve group: %w", err)
					}
				}
			case "add_label":
				for _, label := range action.S("labels").Children() {
					if err := resolve(label, resolver.ResolveLabel); err != nil {
						return nil, fmt.Errorf("resolve label: %w", err)
					}
				}
			}
		}
	}
	for _, rs := range ruleSets(doc) {
		for _, rule := range rules(rs) {
			if str(rule, "test", "type") == "in_group" {
				if err := resolve(rule.S("test", "test"), resolver.ResolveGroup); err != nil {
					return nil, fmt.Errorf("resolve group: %w", err)
				}
			}
		}
	}
	return doc, nil
}

// toVersion11_7 заменяет subflow rule set'ы голосовых flow на action set
// с действием trigger-flow. Назначение ветки completed сохраняется.
func toVersion11_7(doc *gabs.Container, meta *Meta) (*gabs.Container, error) {
	if !meta.IsVoice() && str(doc, "flow_type") != "V" {
		return doc, nil
	}

	var kept []any
	for _, rs := range ruleSets(doc) {
		if str(rs, "ruleset_type") != "subflow" {
			kept = append(kept, rs.Data())
			continue
		}

		dest, destType := "", ""
		for _, rule := range rules(rs) {
			if str(rule, "test", "exit_type") == "completed" || dest == "" {
				dest, destType = str(rule, "destination"), str(rule, "destination_type")
			}
			if str(rule, "test", "exit_type") == "completed" {
				break
			}
		}

		flowRef := rs.S("config", "flow").Data()
		if flowRef == nil {
			flowRef = map[string]any{}
		}
		as := gabs.Wrap(map[string]any{
			"uuid":      newUUID(),
			"x":         num(rs, "x"),
			"y":         num(rs, "y"),
			"exit_uuid": newUUID(),
			"actions": []any{map[string]any{
				"type":      "trigger-flow",
				"uuid":      newUUID(),
				"flow":      deepCopy(flowRef),
				"contacts":  []any{},
				"groups":    []any{},
				"variables": []any{map[string]any{"id": "@contact.uuid"}},
			}},
		})
		setDestination(as, dest, destType)
		_ = doc.ArrayAppend(as.Data(), "action_sets")
		repoint(doc, str(rs, "uuid"), str(as, "uuid"), flowdef.DestinationActionSet)
	}
	if kept == nil {
		kept = []any{}
	}
	doc.Set(kept, "rule_sets")
	return doc, nil
}

// toVersion11_8 перевыпускает UUID правил, повторяющиеся между rule set'ами.
func toVersion11_8(doc *gabs.Container, meta *Meta) (*gabs.Container, error) {
	seen := make(map[string]bool)
	for _, rs := range ruleSets(doc) {
		for _, rule := range rules(rs) {
			id := str(rule, "uuid")
			if id == "" || seen[id] {
				fresh := newUUID()
				if id != "" {
					meta.remap(id, fresh)
				}
				rule.Set(fresh, "uuid")
				id = fresh
			}
			seen[id] = true
		}
	}
	return doc, nil
}

// normalizeFieldKey приводит ключ поля save к допустимому виду.
func normalizeFieldKey(field string) string {
	field = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(field)), "contact.")
	if field == "tel_e164" {
		return "tel"
	}
	if reservedFields[field] {
		return field
	}
	return flowdef.ResultKey(field)
}

// toVersion11_9 исправляет ключи полей в действиях save.
func toVersion11_9(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	for _, as := range actionSets(doc) {
		for _, action := range actions(as) {
			if str(action, "type") != "save" {
				continue
			}
			field := str(action, "field")
			if field == "" {
				field = str(action, "label")
			}
			if key := normalizeFieldKey(field); key != "" {
				action.Set(key, "field")
			}
		}
	}
	return doc, nil
}

// toVersion11_10 локализует строковые recording у say и media у reply/send.
func toVersion11_10(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	for _, as := range actionSets(doc) {
		for _, action := range actions(as) {
			key := ""
			switch str(action, "type") {
			case "say":
				key = "recording"
			case "reply", "send":
				key = "media"
			}
			if key == "" {
				continue
			}
			if text, ok := action.S(key).Data().(string); ok {
				if text == "" {
					_ = action.Delete(key)
					continue
				}
				action.Set(localized(doc, text), key)
			}
		}
	}
	return doc, nil
}

// toVersion11_11 обнуляет назначения на несуществующие узлы и
// пересчитывает destination_type.
func toVersion11_11(doc *gabs.Container, _ *Meta) (*gabs.Container, error) {
	kinds := make(map[string]string)
	for _, as := range actionSets(doc) {
		kinds[str(as, "uuid")] = flowdef.DestinationActionSet
	}
	for _, rs := range ruleSets(doc) {
		kinds[str(rs, "uuid")] = flowdef.DestinationRuleSet
	}

	fix := func(exit *gabs.Container) {
		dest := str(exit, "destination")
		if dest == "" {
			if exit.Exists("destination_type") {
				_ = exit.Delete("destination_type")
			}
			return
		}
		if kinds[dest] == "" {
			setDestination(exit, "", "")
			return
		}
		setDestination(exit, dest, kinds[dest])
	}

	for _, as := range actionSets(doc) {
		fix(as)
	}
	for _, rs := range ruleSets(doc) {
		for _, rule := range rules(rs) {
			fix(rule)
		}
	}
	return doc, nil
}

// toVersion11_12 убирает действия channel с каналами чужой организации.
func toVersion11_12(doc *gabs.Container, meta *Meta) (*gabs.Container, error) {
	resolver := meta.resolver()
	if resolver == nil {
		return doc, nil
	}
	for _, as := range actionSets(doc) {
		kept := make([]any, 0)
		for _, action := range actions(as) {
			if str(action, "type") == "channel" && !resolver.ChannelInOrg(str(action, "channel")) {
				continue
			}
			kept = append(kept, action.Data())
		}
		as.Set(kept, "actions")
	}
	return doc, nil
}
