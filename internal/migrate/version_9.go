package migrate

import (
	"fmt"
	"regexp"

	"github.com/Jeffail/gabs/v2"
)

// extraRewrite — замена ссылок @extra.flow/@extra.contact на @parent.
type extraRewrite struct {
	pattern *regexp.Regexp
	replace string
}

var extraRewrites = []extraRewrite{
	{regexp.MustCompile(`@extra\.flow\b`), "@parent"},
	{regexp.MustCompile(`(@\(.*?)extra\.flow\b(.*\))`), "${1}parent${2}"},
	{regexp.MustCompile(`@extra\.contact\b`), "@parent.contact"},
	{regexp.MustCompile(`(@\(.*?)extra\.contact\b(.*\))`), "${1}parent.contact${2}"},
}

// rewriteParentRefs применяет замены до неподвижной точки.
func rewriteParentRefs(text string) string {
	for _, rw := range extraRewrites {
		for {
			next := rw.pattern.ReplaceAllString(text, rw.replace)
			if next == text {
				break
			}
			text = next
		}
	}
	return text
}

// remapper переводит ссылки {id, name} в {uuid, name}.
type remapper struct {
	ids      *IDMap
	resolver Resolver
	sameSite bool
}

// remap заменяет id на uuid. Ссылка с uuid не меняется.
// Строковые ссылки (имена и выражения) пропускаются.
func (r *remapper) remap(ref *gabs.Container, kind Kind) {
	m, ok := asMap(ref)
	if !ok {
		return
	}
	if u, _ := m["uuid"].(string); u != "" {
		delete(m, "id")
		return
	}
	id, ok := idString(m["id"])
	if !ok {
		return
	}

	if r.sameSite && r.resolver != nil {
		if num, isNum := m["id"].(float64); isNum {
			if found, ok := r.resolver.LookupID(kind, int64(num)); ok {
				m["uuid"] = found.UUID
				if found.Name != "" {
					m["name"] = found.Name
				}
				delete(m, "id")
				return
			}
		}
	}
	m["uuid"] = r.ids.UUID(kind, id)
	delete(m, "id")
}

// remapID переводит голый id в объект {uuid}.
func (r *remapper) remapID(parent *gabs.Container, key string, kind Kind) {
	v := parent.S(key).Data()
	if v == nil {
		return
	}
	if _, isMap := v.(map[string]any); !isMap {
		parent.Set(map[string]any{"id": v}, key)
	}
	r.remap(parent.S(key), kind)
}

// remapDefinition переводит все ссылки одного определения.
func (r *remapper) remapDefinition(def *gabs.Container) {
	if def.Exists("metadata", "id") && !def.Exists("metadata", "uuid") {
		id, _ := idString(def.S("metadata", "id").Data())
		def.Set(r.ids.UUID(KindFlow, id), "metadata", "uuid")
	}

	for _, as := range actionSets(def) {
		for _, action := range actions(as) {
			if action.Exists("group") {
				r.remap(action.S("group"), KindGroup)
			}
			for _, group := range action.S("groups").Children() {
				r.remap(group, KindGroup)
			}
			for _, contact := range action.S("contacts").Children() {
				r.remap(contact, KindContact)
			}
			for _, label := range action.S("labels").Children() {
				r.remap(label, KindLabel)
			}
			if action.Exists("flow") {
				r.remap(action.S("flow"), KindFlow)
			}
			if id, ok := action.S("channel").Data().(float64); ok && r.sameSite && r.resolver != nil {
				if found, ok := r.resolver.LookupID(KindChannel, int64(id)); ok {
					action.Set(found.UUID, "channel")
					action.Set(found.Name, "name")
				}
			}
		}
	}

	for _, rs := range ruleSets(def) {
		for _, rule := range rules(rs) {
			if str(rule, "test", "type") == "in_group" {
				r.remap(rule.S("test", "test"), KindGroup)
			}
		}
		if rs.Exists("config", "flow") {
			r.remap(rs.S("config", "flow"), KindFlow)
		}
	}
}

// toVersion9 заменяет числовые id ссылок на UUID, а @extra.flow и
// @extra.contact на @parent.
func toVersion9(doc *gabs.Container, meta *Meta) (*gabs.Container, error) {
	rewritten, err := gabs.ParseJSON([]byte(rewriteParentRefs(doc.String())))
	if err != nil {
		return nil, fmt.Errorf("rewrite parent references: %w", err)
	}

	r := &remapper{
		ids:      meta.idMap(),
		resolver: meta.resolver(),
		sameSite: meta != nil && meta.SameSite,
	}
	r.remapDefinition(rewritten)
	return rewritten, nil
}

// MigrateExportToVersion9 переводит экспорт целиком (flows, campaigns,
// triggers) на UUID-ссылки.
//
// Один и тот же старый id получает один и тот же UUID во всём экспорте.
// При sameSite ссылки сначала ищутся в организации через resolver.
func MigrateExportToVersion9(export *gabs.Container, resolver Resolver, sameSite bool) (*gabs.Container, error) {
	rewritten, err := gabs.ParseJSON([]byte(rewriteParentRefs(export.String())))
	if err != nil {
		return nil, fmt.Errorf("rewrite parent references: %w", err)
	}

	r := &remapper{ids: NewIDMap(), resolver: resolver, sameSite: sameSite}

	for _, flow := range rewritten.S("flows").Children() {
		def := flow
		if _, ok := asMap(flow.S("definition")); ok {
			def = flow.S("definition")
		}
		if id, ok := idString(flow.S("id").Data()); ok && !flow.Exists("uuid") {
			flow.Set(r.ids.UUID(KindFlow, id), "uuid")
			_ = flow.Delete("id")
		}
		r.remapDefinition(def)
	}

	for _, campaign := range rewritten.S("campaigns").Children() {
		if id, ok := idString(campaign.S("id").Data()); ok {
			campaign.Set(r.ids.UUID(KindCampaign, id), "uuid")
			_ = campaign.Delete("id")
		}
		r.remapID(campaign, "group", KindGroup)
		for _, event := range campaign.S("events").Children() {
			if id, ok := idString(event.S("id").Data()); ok {
				event.Set(r.ids.UUID(KindEvent, id), "uuid")
				_ = event.Delete("id")
			}
			if event.Exists("flow") {
				r.remapID(event, "flow", KindFlow)
			}
		}
	}

	for _, trigger := range rewritten.S("triggers").Children() {
		if trigger.Exists("flow") {
			r.remapID(trigger, "flow", KindFlow)
		}
		for _, group := range trigger.S("groups").Children() {
			r.remap(group, KindGroup)
		}
	}

	rewritten.Set("9", "version")
	return rewritten, nil
}
