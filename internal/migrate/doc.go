// Package migrate проводит сохранённые определения flow по цепочке версий
// схемы от 5 до 11.12.
//
// Каждый шаг переводит документ ровно на одну версию и проставляет её.
// Документы обрабатываются как JSON-деревья (gabs), без промежуточных
// типизированных структур: старые версии содержат поля, которых нет
// в финальной схеме.
//
// Включает:
//   - registry.go  — реестр шагов и драйвер Migrate
//   - template.go  — перевод старого синтаксиса шаблонов в @(...)
//   - version_9.go — переход на UUID-ссылки, в том числе для экспорта
//   - versions_*.go — остальные шаги
package migrate
