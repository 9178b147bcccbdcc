package domain

// ExitType — причина завершения run.
//
// Жизненный цикл run:
//
//	ACTIVE → WAITING → ACTIVE → ... → completed
//	                              ↘ interrupted
//	                              ↘ expired
//	                              ↘ failed
//
// Пустое значение означает, что run ещё активен.
type ExitType string

const (
	// ExitCompleted — граф пройден до узла без destination.
	ExitCompleted ExitType = "completed"

	// ExitInterrupted — run прерван внешним сигналом или ошибкой.
	ExitInterrupted ExitType = "interrupted"

	// ExitExpired — истёк срок ожидания ответа.
	ExitExpired ExitType = "expired"

	// ExitFailed — run завершился с ошибкой исполнения.
	ExitFailed ExitType = "failed"
)

// String возвращает строковое представление ExitType.
func (e ExitType) String() string {
	if e == "" {
		return "active"
	}
	return string(e)
}

// ParseExitType парсит строку в ExitType.
// Неизвестные значения считаются активным run.
func ParseExitType(s string) ExitType {
	switch s {
	case "completed", "C":
		return ExitCompleted
	case "interrupted", "I":
		return ExitInterrupted
	case "expired", "E":
		return ExitExpired
	case "failed", "F":
		return ExitFailed
	default:
		return ""
	}
}

// MsgStatus — статус сообщения.
//
// Жизненный цикл исходящего сообщения:
//
//	QUEUED → SENT
//	       ↘ FAILED
type MsgStatus string

const (
	// MsgStatusPending — входящее сообщение ещё не обработано.
	MsgStatusPending MsgStatus = "P"

	// MsgStatusHandled — входящее сообщение обработано flow.
	MsgStatusHandled MsgStatus = "H"

	// MsgStatusQueued — исходящее сообщение ожидает отправки.
	MsgStatusQueued MsgStatus = "Q"

	// MsgStatusSent — исходящее сообщение передано каналу.
	MsgStatusSent MsgStatus = "S"

	// MsgStatusFailed — отправка невозможна (в т.ч. run прерван).
	MsgStatusFailed MsgStatus = "F"
)

// IsTerminal возвращает true, если статус финальный.
func (s MsgStatus) IsTerminal() bool {
	switch s {
	case MsgStatusSent, MsgStatusFailed, MsgStatusHandled:
		return true
	default:
		return false
	}
}

// MsgDirection — направление сообщения.
type MsgDirection string

const (
	// DirectionIncoming — сообщение от контакта.
	DirectionIncoming MsgDirection = "I"

	// DirectionOutgoing — сообщение контакту.
	DirectionOutgoing MsgDirection = "O"
)
