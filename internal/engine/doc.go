// Package engine содержит механику выполнения определений flow.
//
// Включает:
//   - template.go, functions.go — подстановка @переменных и вычисление @(выражений)
//   - dag.go    — статический граф переходов, поиск недопустимых циклов, runtime трекер пути
//   - parser.go — структурная валидация и загрузка определения
//
// Интерпретатор (orchestrator) использует engine, чтобы вычислять
// операнды и тексты сообщений и не зациклиться за один ход.
package engine
