package engine

import (
	"fmt"

	"github.com/shaiso/Flowline/internal/flowdef"
)

// Validate выполняет структурную валидацию определения.
//
// Проверяет:
// - наличие UUID у узлов
// - уникальность UUID узлов и правил
// - что entry указывает на существующий узел
// - висячие destination (не фатальны: flow на них заканчивается)
//
// Фатальные нарушения возвращаются как error, висячие ссылки — как
// предупреждения.
func Validate(def *flowdef.Definition) (warnings []*ValidationError, err error) {
	nodes := make(map[string]bool, len(def.ActionSets)+len(def.RuleSets))

	addNode := func(uuid string) error {
		if uuid == "" {
			return NewValidationError("", "uuid", "node has empty uuid", ErrEmptyNodeUUID)
		}
		if nodes[uuid] {
			return NewValidationError(uuid, "uuid",
				fmt.Sprintf("duplicate node uuid: %s", uuid), ErrDuplicateNodeUUID)
		}
		nodes[uuid] = true
		return nil
	}

	for _, as := range def.ActionSets {
		if err := addNode(as.UUID); err != nil {
			return nil, err
		}
	}
	for _, rs := range def.RuleSets {
		if err := addNode(rs.UUID); err != nil {
			return nil, err
		}
	}

	rules := make(map[string]string)
	for _, rs := range def.RuleSets {
		for _, rule := range rs.Rules {
			if owner, dup := rules[rule.UUID]; dup {
				return nil, NewValidationError(rs.UUID, "rules",
					fmt.Sprintf("rule %s already used by %s", rule.UUID, owner), ErrDuplicateRuleUUID)
			}
			rules[rule.UUID] = rs.UUID
		}
	}

	if def.Entry != "" && !nodes[def.Entry] {
		return nil, NewValidationError("", "entry",
			fmt.Sprintf("entry references unknown node: %s", def.Entry), ErrMissingEntry)
	}

	for _, as := range def.ActionSets {
		if as.Destination != "" && !nodes[as.Destination] {
			warnings = append(warnings, NewValidationError(as.UUID, "destination",
				fmt.Sprintf("destination references unknown node: %s", as.Destination), ErrDanglingDestination))
		}
	}
	for _, rs := range def.RuleSets {
		for _, rule := range rs.Rules {
			if rule.Destination != "" && !nodes[rule.Destination] {
				warnings = append(warnings, NewValidationError(rs.UUID, "rules",
					fmt.Sprintf("rule %s destination references unknown node: %s", rule.UUID, rule.Destination),
					ErrDanglingDestination))
			}
		}
	}
	return warnings, nil
}

// Load разбирает определение финальной версии, проверяет структуру и циклы.
func Load(data []byte) (*flowdef.Definition, []*ValidationError, error) {
	def, err := flowdef.Parse(data)
	if err != nil {
		return nil, nil, err
	}
	warnings, err := Validate(def)
	if err != nil {
		return nil, nil, err
	}
	if err := CheckCycles(def); err != nil {
		return nil, warnings, err
	}
	return def, warnings, nil
}
