// Package flowdef описывает модель определения flow.
//
// Определение — граф из action set'ов и rule set'ов:
//   - definition.go — Definition, ActionSet, RuleSet, Rule и разбор JSON
//   - localized.go — локализуемый текст (строка или словарь по языкам)
//   - test.go, tests_*.go — тесты правил (закрытый набор типов)
//   - action.go — действия action set'ов (закрытый набор типов)
//
// Разбор поддерживает только финальную версию схемы; старые определения
// сначала проводятся через пакет migrate.
package flowdef
