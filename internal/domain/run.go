package domain

import (
	"time"

	"github.com/google/uuid"
)

// PathMaxSteps — максимальная длина пути run.
// При превышении самые старые шаги отбрасываются.
const PathMaxSteps = 100

// FlowRun — прохождение flow одним контактом.
//
// Run создаётся когда:
// - flow запускается для группы или списка контактов
// - другой flow запускает этот через subflow или trigger-flow
//
// Run мутирует интерпретатор на каждом шаге и завершается,
// когда граф пройден до конца, прерван или истёк.
type FlowRun struct {
	// ID — UUID run.
	ID uuid.UUID `json:"uuid"`

	// FlowID — UUID flow, который выполняется.
	FlowID uuid.UUID `json:"flow_uuid"`

	// ContactID — UUID контакта.
	ContactID uuid.UUID `json:"contact_uuid"`

	// Path — пройденные узлы (не более PathMaxSteps последних).
	Path []PathStep `json:"path"`

	// Results — сохранённые результаты rule set'ов по ключу (slug метки).
	Results map[string]*Result `json:"results"`

	// Extra — произвольные данные (ответы webhook, группы regex, параметры запуска).
	Extra map[string]any `json:"extra,omitempty"`

	// CurrentNodeUUID — узел, на котором run остановился.
	CurrentNodeUUID string `json:"current_node_uuid,omitempty"`

	// IsActive — run не завершён.
	IsActive bool `json:"is_active"`

	// ExitType — причина завершения; пусто, пока run активен.
	ExitType ExitType `json:"exit_type,omitempty"`

	// ParentID — run, запустивший этот через subflow (слабая ссылка).
	ParentID *uuid.UUID `json:"parent_uuid,omitempty"`

	// ContinueParent — по завершении вернуть управление родителю.
	ContinueParent bool `json:"continue_parent,omitempty"`

	// Responded — контакт ответил хотя бы раз.
	Responded bool `json:"responded"`

	// ExpiresOn — срок истечения ожидания.
	ExpiresOn *time.Time `json:"expires_on,omitempty"`

	// TimeoutOn — срок срабатывания timeout-правила текущего wait узла.
	TimeoutOn *time.Time `json:"timeout_on,omitempty"`

	// CreatedOn — время создания.
	CreatedOn time.Time `json:"created_on"`

	// ModifiedOn — время последнего изменения.
	ModifiedOn time.Time `json:"modified_on"`

	// ExitedOn — время завершения.
	ExitedOn *time.Time `json:"exited_on,omitempty"`
}

// PathStep — посещение узла графа.
type PathStep struct {
	// UUID — идентификатор шага.
	UUID uuid.UUID `json:"uuid"`

	// NodeUUID — узел графа (action set или rule set).
	NodeUUID string `json:"node_uuid"`

	// ArrivedOn — время входа в узел.
	ArrivedOn time.Time `json:"arrived_on"`

	// ExitUUID — выход, по которому покинули узел.
	ExitUUID string `json:"exit_uuid,omitempty"`
}

// Result — результат rule set'а.
type Result struct {
	Name              string    `json:"name"`
	NodeUUID          string    `json:"node_uuid"`
	Category          string    `json:"category"`
	CategoryLocalized string    `json:"category_localized,omitempty"`
	Value             string    `json:"value"`
	Input             string    `json:"input,omitempty"`
	CreatedOn         time.Time `json:"created_on"`
}

// NewFlowRun создаёт активный run.
func NewFlowRun(flowID, contactID uuid.UUID, now time.Time) *FlowRun {
	return &FlowRun{
		ID:         uuid.New(),
		FlowID:     flowID,
		ContactID:  contactID,
		Results:    make(map[string]*Result),
		Extra:      make(map[string]any),
		IsActive:   true,
		CreatedOn:  now,
		ModifiedOn: now,
	}
}

// AddPathStep добавляет шаг в путь и обрезает путь до maxSteps.
// Выход предыдущего шага заполняется exitUUID.
func (r *FlowRun) AddPathStep(nodeUUID, prevExitUUID string, now time.Time, maxSteps int) {
	if maxSteps <= 0 {
		maxSteps = PathMaxSteps
	}
	if n := len(r.Path); n > 0 && prevExitUUID != "" && r.Path[n-1].ExitUUID == "" {
		r.Path[n-1].ExitUUID = prevExitUUID
	}

	r.Path = append(r.Path, PathStep{
		UUID:      uuid.New(),
		NodeUUID:  nodeUUID,
		ArrivedOn: now,
	})
	if over := len(r.Path) - maxSteps; over > 0 {
		r.Path = append([]PathStep(nil), r.Path[over:]...)
	}
	r.CurrentNodeUUID = nodeUUID
	r.ModifiedOn = now
}

// SetLastExit проставляет выход последнего шага пути.
func (r *FlowRun) SetLastExit(exitUUID string) {
	if n := len(r.Path); n > 0 {
		r.Path[n-1].ExitUUID = exitUUID
	}
}

// SaveResult сохраняет результат rule set'а.
func (r *FlowRun) SaveResult(key string, res *Result) {
	if r.Results == nil {
		r.Results = make(map[string]*Result)
	}
	r.Results[key] = res
}

// UpdateExtra объединяет значения с Extra.
func (r *FlowRun) UpdateExtra(values map[string]any) {
	if r.Extra == nil {
		r.Extra = make(map[string]any)
	}
	for k, v := range values {
		r.Extra[k] = v
	}
}

// IsFinished возвращает true, если run завершён.
func (r *FlowRun) IsFinished() bool {
	return !r.IsActive
}

// Exit завершает run с указанной причиной.
func (r *FlowRun) Exit(exitType ExitType, now time.Time) {
	r.IsActive = false
	r.ExitType = exitType
	r.ExitedOn = &now
	r.ModifiedOn = now
	r.TimeoutOn = nil
}

// MarkCompleted завершает run как пройденный.
func (r *FlowRun) MarkCompleted(now time.Time) {
	r.Exit(ExitCompleted, now)
}

// MarkInterrupted прерывает run.
func (r *FlowRun) MarkInterrupted(now time.Time) {
	r.Exit(ExitInterrupted, now)
}

// MarkExpired завершает run по истечении срока.
func (r *FlowRun) MarkExpired(now time.Time) {
	r.Exit(ExitExpired, now)
}
