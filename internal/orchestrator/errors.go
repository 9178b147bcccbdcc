package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrFlowNotFound — flow или его ревизия не найдены.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrFlowInactive — flow архивирован и не запускается.
	ErrFlowInactive = errors.New("flow is not active")

	// ErrRunNotFound — run не найден.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotActive — run уже завершён.
	ErrRunNotActive = errors.New("run is not active")

	// ErrNoActiveRun — у контакта нет run, ожидающего ввода.
	ErrNoActiveRun = errors.New("no active run for contact")

	// ErrNodeNotFound — текущий узел run отсутствует в определении.
	ErrNodeNotFound = errors.New("node not found in definition")

	// ErrContactNotFound — контакт не найден.
	ErrContactNotFound = errors.New("contact not found")

	// ErrTurnFailed — ход контакта завершился ошибкой, его runs прерваны
	// и сохранены, сообщения помечены failed. Повтор хода не нужен.
	ErrTurnFailed = errors.New("contact turn failed")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
