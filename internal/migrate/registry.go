package migrate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Jeffail/gabs/v2"

	"github.com/shaiso/Flowline/internal/flowdef"
	"github.com/shaiso/Flowline/internal/telemetry"
)

// Func — шаг миграции: переводит документ с предыдущей версии на свою.
// Может вернуть новый корень документа (шаг 7 снимает конверт).
type Func func(doc *gabs.Container, meta *Meta) (*gabs.Container, error)

// Migration — шаг цепочки.
type Migration struct {
	Version Version
	Apply   Func
}

// Chain — все версии схемы по возрастанию.
var Chain = []string{
	"5", "6", "7", "8", "9",
	"10", "10.1", "10.2", "10.3", "10.4",
	"11.0", "11.1", "11.2", "11.3", "11.4", "11.5", "11.6",
	"11.7", "11.8", "11.9", "11.10", "11.11", "11.12",
}

// Registry — упорядоченный набор шагов миграции.
type Registry struct {
	steps  []Migration
	byVer  map[Version]Func
	logger *slog.Logger
}

// NewRegistry создаёт реестр. Версии шагов должны строго возрастать.
func NewRegistry(logger *slog.Logger, steps ...Migration) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		steps:  steps,
		byVer:  make(map[Version]Func, len(steps)),
		logger: logger,
	}
	for i, step := range steps {
		if i > 0 && !steps[i-1].Version.Less(step.Version) {
			return nil, fmt.Errorf("%w: %s after %s", ErrUnsortedRegistry, step.Version, steps[i-1].Version)
		}
		r.byVer[step.Version] = step.Apply
	}
	return r, nil
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	funcs := map[string]Func{
		"5":     toVersion5,
		"6":     toVersion6,
		"7":     toVersion7,
		"8":     toVersion8,
		"9":     toVersion9,
		"10":    toVersion10,
		"10.1":  toVersion10_1,
		"10.2":  toVersion10_2,
		"10.3":  toVersion10_3,
		"10.4":  toVersion10_4,
		"11.0":  toVersion11_0,
		"11.1":  toVersion11_1,
		"11.2":  toVersion11_2,
		"11.3":  toVersion11_3,
		"11.4":  toVersion11_4,
		"11.5":  toVersion11_5,
		"11.6":  toVersion11_6,
		"11.7":  toVersion11_7,
		"11.8":  toVersion11_8,
		"11.9":  toVersion11_9,
		"11.10": toVersion11_10,
		"11.11": toVersion11_11,
		"11.12": toVersion11_12,
	}
	steps := make([]Migration, 0, len(Chain))
	for _, v := range Chain {
		steps = append(steps, Migration{Version: MustParseVersion(v), Apply: funcs[v]})
	}
	r, err := NewRegistry(nil, steps...)
	if err != nil {
		panic(err)
	}
	return r
})

// DefaultRegistry возвращает реестр со всеми шагами цепочки.
// Реестр строится один раз и дальше только читается.
func DefaultRegistry() *Registry {
	return defaultRegistry()
}

// Versions возвращает версии реестра по возрастанию.
func (r *Registry) Versions() []string {
	out := make([]string, len(r.steps))
	for i, step := range r.steps {
		out[i] = step.Version.String()
	}
	return out
}

// Migrate проводит документ по цепочке до версии to.
//
// Пустой to означает последнюю версию цепочки. Перед применением
// проверяется, что для каждой промежуточной версии есть шаг: разрыв
// возвращает *VersionConflictError, документ не меняется. После каждого
// шага в документ проставляется его версия. Ошибка шага возвращает
// *StepError вместе с документом на последней успешной версии.
func (r *Registry) Migrate(doc *gabs.Container, meta *Meta, to string) (*gabs.Container, error) {
	if _, ok := doc.Data().(map[string]any); !ok {
		return nil, ErrInvalidDocument
	}

	// 1. Текущая и целевая версии
	current, err := DocumentVersion(doc)
	if err != nil {
		return nil, err
	}
	if to == "" {
		to = Chain[len(Chain)-1]
	}
	target, err := ParseVersion(to)
	if err != nil {
		return nil, err
	}
	if !inChain(target) {
		return nil, fmt.Errorf("%w: target %s", ErrUnknownVersion, target)
	}
	if !current.Less(MustParseVersion(Chain[0])) && !inChain(current) {
		return nil, fmt.Errorf("%w: document at %s", ErrUnknownVersion, current)
	}
	if target.Less(current) {
		return nil, fmt.Errorf("%w: %s to %s", ErrDowngrade, current, target)
	}

	// 2. План шагов без разрывов
	var plan []Migration
	for _, v := range Chain {
		version := MustParseVersion(v)
		if !current.Less(version) || target.Less(version) {
			continue
		}
		apply, ok := r.byVer[version]
		if !ok || apply == nil {
			return nil, &VersionConflictError{
				Current:  current.String(),
				Expected: version.String(),
				Err:      ErrMissingMigration,
			}
		}
		plan = append(plan, Migration{Version: version, Apply: apply})
	}

	// 3. Применение. Шаг работает с копией: при ошибке документ
	// остаётся на предыдущей версии без частичных изменений.
	for _, step := range plan {
		work := gabs.Wrap(deepCopy(doc.Data()))
		next, err := step.Apply(work, meta)
		if err != nil {
			return doc, &StepError{Version: step.Version.String(), Err: err}
		}
		if next == nil {
			next = work
		}
		doc = next
		doc.Set(step.Version.String(), "version")
		telemetry.MigrationsTotal.WithLabelValues(step.Version.String()).Inc()

		r.logger.Debug("migration applied",
			"version", step.Version.String(),
			"flow_uuid", flowUUID(meta),
		)
	}

	return doc, nil
}

// Migrate разбирает JSON и проводит его по цепочке реестром по умолчанию.
func Migrate(data []byte, meta *Meta, to string) ([]byte, error) {
	doc, err := gabs.ParseJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	doc, err = DefaultRegistry().Migrate(doc, meta, to)
	if err != nil {
		return nil, err
	}
	return doc.Bytes(), nil
}

// ExpectVersion проверяет, что документ на ожидаемой версии.
func ExpectVersion(doc *gabs.Container, expected string) error {
	current, err := DocumentVersion(doc)
	if err != nil {
		return err
	}
	want, err := ParseVersion(expected)
	if err != nil {
		return err
	}
	if current.Compare(want) != 0 {
		return &VersionConflictError{Current: current.String(), Expected: want.String()}
	}
	return nil
}

// IsCurrent возвращает true, если документ уже на последней версии.
func IsCurrent(doc *gabs.Container) bool {
	return ExpectVersion(doc, flowdef.CurrentVersion) == nil
}

// IsConflict возвращает true для ошибок конфликта версий.
func IsConflict(err error) bool {
	var conflict *VersionConflictError
	return errors.As(err, &conflict)
}

func inChain(v Version) bool {
	for _, c := range Chain {
		if MustParseVersion(c) == v {
			return true
		}
	}
	return false
}

func flowUUID(meta *Meta) string {
	if meta == nil {
		return ""
	}
	return meta.FlowUUID
}
