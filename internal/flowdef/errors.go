package flowdef

import "errors"

// Ошибки разбора определения.
var (
	// ErrInvalidJSON — определение не является корректным JSON.
	ErrInvalidJSON = errors.New("invalid definition json")

	// ErrMissingField — отсутствует обязательное поле.
	ErrMissingField = errors.New("missing required field")

	// ErrUnknownTestType — неизвестный тип теста.
	ErrUnknownTestType = errors.New("unknown test type")

	// ErrUnknownActionType — неизвестный тип действия.
	ErrUnknownActionType = errors.New("unknown action type")

	// ErrUnknownRuleSetType — неизвестный тип rule set'а.
	ErrUnknownRuleSetType = errors.New("unknown ruleset type")

	// ErrInvalidLocalized — локализуемый текст не строка и не словарь.
	ErrInvalidLocalized = errors.New("invalid localized text")

	// ErrInvalidConfig — config rule set'а не соответствует его типу.
	ErrInvalidConfig = errors.New("invalid ruleset config")

	// ErrUnsupportedVersion — версия схемы не поддерживается разбором.
	ErrUnsupportedVersion = errors.New("unsupported definition version")
)

// DefinitionError — ошибка разбора определения с контекстом.
//
// Такая ошибка прерывает загрузку или миграцию flow целиком:
// некорректный узел никогда не отбрасывается молча.
type DefinitionError struct {
	NodeUUID string // UUID узла, где произошла ошибка
	Field    string // поле, вызвавшее ошибку
	Message  string // описание ошибки
	Err      error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *DefinitionError) Error() string {
	if e.NodeUUID != "" {
		return "node " + e.NodeUUID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// NewDefinitionError создаёт новую ошибку определения.
func NewDefinitionError(nodeUUID, field, message string, err error) *DefinitionError {
	return &DefinitionError{
		NodeUUID: nodeUUID,
		Field:    field,
		Message:  message,
		Err:      err,
	}
}
