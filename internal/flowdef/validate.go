package flowdef

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

// structValidator создаётся один раз при первом разборе.
var structValidator = sync.OnceValue(func() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
})

// validateStruct проверяет теги validate у узлов, правил, тестов и действий.
func validateStruct(v any) error {
	return structValidator().Struct(v)
}
