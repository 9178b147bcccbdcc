package engine

import (
	"errors"
	"strings"
)

// Ошибки валидации графа.
var (
	// ErrDuplicateNodeUUID — несколько узлов с одинаковым UUID.
	ErrDuplicateNodeUUID = errors.New("duplicate node uuid")

	// ErrDuplicateRuleUUID — несколько правил с одинаковым UUID.
	ErrDuplicateRuleUUID = errors.New("duplicate rule uuid")

	// ErrEmptyNodeUUID — узел без UUID.
	ErrEmptyNodeUUID = errors.New("node has empty uuid")

	// ErrMissingEntry — entry ссылается на несуществующий узел.
	ErrMissingEntry = errors.New("entry references unknown node")

	// ErrDanglingDestination — destination ссылается на несуществующий узел.
	ErrDanglingDestination = errors.New("destination references unknown node")
)

// Ошибки циклов.
var (
	// ErrInvalidCycle — цикл в статическом графе, не проходящий через wait узел.
	ErrInvalidCycle = errors.New("invalid cycle")

	// ErrRuntimeCycle — узел повторно посещён за один проход интерпретатора.
	ErrRuntimeCycle = errors.New("runtime cycle")
)

// Ошибки шаблонов.
var (
	// ErrExpression — выражение @(...) не удалось разобрать или вычислить.
	ErrExpression = errors.New("expression evaluation failed")

	// ErrUndefinedVariable — переменная не найдена в контексте.
	ErrUndefinedVariable = errors.New("undefined variable")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	NodeUUID string // UUID узла, где произошла ошибка
	Field    string // поле, вызвавшее ошибку
	Message  string // описание ошибки
	Err      error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.NodeUUID != "" {
		return "node " + e.NodeUUID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(nodeUUID, field, message string, err error) *ValidationError {
	return &ValidationError{
		NodeUUID: nodeUUID,
		Field:    field,
		Message:  message,
		Err:      err,
	}
}

// CycleError — найденный цикл: путь начинается и заканчивается одним узлом.
type CycleError struct {
	Path    []string
	Runtime bool
}

// Error реализует интерфейс error.
func (e *CycleError) Error() string {
	kind := "invalid cycle"
	if e.Runtime {
		kind = "runtime cycle"
	}
	return kind + ": " + strings.Join(e.Path, " -> ")
}

// Unwrap возвращает ErrRuntimeCycle или ErrInvalidCycle.
func (e *CycleError) Unwrap() error {
	if e.Runtime {
		return ErrRuntimeCycle
	}
	return ErrInvalidCycle
}
