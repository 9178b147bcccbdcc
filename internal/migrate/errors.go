package migrate

import (
	"errors"
	"fmt"
)

// Ошибки миграции.
var (
	// ErrVersionConflict — версия документа не совпадает с ожидаемой
	// или цепочка миграций имеет разрыв.
	ErrVersionConflict = errors.New("version conflict")

	// ErrMissingMigration — для промежуточной версии нет функции миграции.
	ErrMissingMigration = errors.New("missing migration")

	// ErrUnknownVersion — версия не входит в цепочку.
	ErrUnknownVersion = errors.New("unknown version")

	// ErrDowngrade — целевая версия ниже текущей.
	ErrDowngrade = errors.New("cannot migrate to an older version")

	// ErrInvalidDocument — документ не является объектом определения flow.
	ErrInvalidDocument = errors.New("invalid flow document")

	// ErrUnsortedRegistry — версии в реестре не возрастают строго.
	ErrUnsortedRegistry = errors.New("registry versions are not strictly increasing")
)

// VersionConflictError — документ нельзя провести по цепочке.
//
// Expected — версия, которую ожидал вызывающий (или для которой нет функции
// миграции), Current — версия документа. Ошибка не разрешается автоматически:
// вызывающий должен перечитать актуальную ревизию и повторить.
type VersionConflictError struct {
	Current  string
	Expected string
	Err      error
}

// Error реализует интерфейс error.
func (e *VersionConflictError) Error() string {
	msg := fmt.Sprintf("version conflict: document at %s, expected %s", e.Current, e.Expected)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap возвращает ErrVersionConflict и причину.
func (e *VersionConflictError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrVersionConflict, e.Err}
	}
	return []error{ErrVersionConflict}
}

// StepError — ошибка конкретного шага миграции.
// Документ остаётся на последней успешно проставленной версии.
type StepError struct {
	Version string
	Err     error
}

// Error реализует интерфейс error.
func (e *StepError) Error() string {
	return "migrate to " + e.Version + ": " + e.Err.Error()
}

// Unwrap возвращает причину.
func (e *StepError) Unwrap() error {
	return e.Err
}
