package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowline/internal/domain"
	"github.com/shaiso/Flowline/internal/engine"
	"github.com/shaiso/Flowline/internal/flowdef"
	"github.com/shaiso/Flowline/internal/telemetry"
	"github.com/shaiso/Flowline/internal/webhook"
)

// Исходы airtime rule set'а.
const (
	airtimeSuccess = "success"
	airtimeFailed  = "failed"
)

// resume — ввод, которым продолжается run.
type resume struct {
	// msg — входящее сообщение для wait узла.
	msg *domain.Msg

	// timedOut — wait узел покидается по таймауту.
	timedOut bool

	// child — завершённый run subflow.
	child *domain.FlowRun
}

// handleDestination ведёт run от узла nodeUUID до ожидания ввода или завершения.
//
// in — ввод для первого узла; дальше по графу run идёт без ввода.
// Повторный вход в узел за один проход — runtime цикл; после
// удовлетворённого ожидания проход начинается заново.
func (o *Orchestrator) handleDestination(ctx context.Context, t *turn, run *domain.FlowRun, lf *loadedFlow, nodeUUID string, in *resume) error {
	t.track(run)
	t.driving[run.ID] = true
	defer delete(t.driving, run.ID)

	tracker := engine.NewPathTracker()

	for nodeUUID != "" {
		if !run.IsActive {
			return nil
		}

		node := lf.def.Node(nodeUUID)
		if node == nil {
			t.logger.Warn("destination not found, run completes",
				"flow_uuid", lf.flow.ID,
				"run_uuid", run.ID,
				"node_uuid", nodeUUID,
			)
			break
		}
		if err := tracker.Visit(nodeUUID); err != nil {
			return err
		}
		o.arrive(t, run, nodeUUID)

		switch n := node.(type) {
		case *flowdef.ActionSet:
			stop, err := o.handleActionset(ctx, t, run, lf, n)
			if err != nil {
				return err
			}
			run.SetLastExit(n.ExitUUID)
			if stop {
				if !run.IsActive {
					return nil
				}
				return o.completeRun(ctx, t, run)
			}
			nodeUUID = n.Destination

		case *flowdef.RuleSet:
			next, wait, err := o.enterRuleset(ctx, t, run, lf, n, in)
			if err != nil {
				return err
			}
			if wait {
				o.pause(t, run, lf, n)
				return nil
			}
			if n.IsWait() {
				tracker.Reset()
			}
			nodeUUID = next
		}
		in = nil
	}

	if !run.IsActive {
		return nil
	}
	return o.completeRun(ctx, t, run)
}

// arrive добавляет шаг пути, если run не продолжается с текущего узла.
func (o *Orchestrator) arrive(t *turn, run *domain.FlowRun, nodeUUID string) {
	if n := len(run.Path); n > 0 && run.Path[n-1].NodeUUID == nodeUUID && run.Path[n-1].ExitUUID == "" {
		return
	}
	run.AddPathStep(nodeUUID, "", t.now, o.pathMaxSteps)
}

// enterRuleset обрабатывает rule set и возвращает следующий узел.
// wait = true — run ждёт ввода или завершения subflow.
func (o *Orchestrator) enterRuleset(ctx context.Context, t *turn, run *domain.FlowRun, lf *loadedFlow, rs *flowdef.RuleSet, in *resume) (next string, wait bool, err error) {
	switch {
	case rs.IsWait() && (in == nil || (in.msg == nil && !in.timedOut)):
		return "", true, nil

	case rs.Type == flowdef.RuleSetSubflow && (in == nil || in.child == nil):
		child, err := o.startSubflow(ctx, t, run, rs)
		if err != nil {
			return "", false, err
		}
		if child.IsActive {
			return "", true, nil
		}
		t.children[run.ID] = child
		in = &resume{child: child}
	}

	rule, err := o.handleRuleset(ctx, t, run, lf, rs, in)
	if err != nil {
		return "", false, err
	}
	if rule == nil {
		// wait узел без совпадения продолжает ждать, пассивный завершает run
		return "", rs.IsWait(), nil
	}
	run.SetLastExit(rule.UUID)
	return rule.Destination, false, nil
}

// pause оставляет run ждать на rule set'е.
func (o *Orchestrator) pause(t *turn, run *domain.FlowRun, lf *loadedFlow, rs *flowdef.RuleSet) {
	run.CurrentNodeUUID = rs.UUID
	run.ModifiedOn = t.now
	run.TimeoutOn = nil

	if rs.Type == flowdef.RuleSetSubflow {
		// срок ожидания определяет дочерний run
		run.ExpiresOn = nil
		return
	}
	run.ExpiresOn = lf.flow.ExpiresOn(t.now)
	if m := rs.TimeoutMinutes(); m > 0 {
		timeout := t.now.Add(time.Duration(m) * time.Minute)
		run.TimeoutOn = &timeout
	}
}

// handleRuleset вычисляет операнд rule set'а и выбирает правило.
//
// Первое совпавшее правило побеждает; его категория и значение
// сохраняются в результаты run под ключом метки rule set'а.
// Возвращает nil, если ни одно правило не совпало.
func (o *Orchestrator) handleRuleset(ctx context.Context, t *turn, run *domain.FlowRun, lf *loadedFlow, rs *flowdef.RuleSet, in *resume) (*flowdef.Rule, error) {
	tmpl := &runTemplates{ctx: ctx, o: o, t: t, run: run}
	langs := lf.def.Languages(t.contact.Language)

	ev := &flowdef.Evaluation{
		Run:       run,
		Contact:   t.contact,
		Org:       t.org,
		Msg:       t.msg,
		Languages: langs,
		Templates: tmpl,
		Now:       t.now,
	}
	if in != nil {
		ev.TimedOut = in.timedOut
	}

	switch rs.Type {
	case flowdef.RuleSetWebhook, flowdef.RuleSetResthook:
		result, err := o.callWebhook(ctx, t, run, lf, rs, tmpl)
		if err != nil {
			return nil, err
		}
		ev.WebhookStatus = result.StatusCode
		ev.Text = result.Body
		if data, ok := result.Data.(map[string]any); ok {
			run.UpdateExtra(data)
		}

	case flowdef.RuleSetSubflow:
		if in != nil && in.child != nil {
			ev.Text = string(in.child.ExitType)
		}

	case flowdef.RuleSetAirtime:
		ev.Text = o.transferAirtime(ctx, t, rs)

	case flowdef.RuleSetShortenURL:
		ev.Text = o.shortenURL(ctx, t, rs, tmpl)

	case flowdef.RuleSetFormField:
		cfg, err := rs.FormFieldConfig()
		if err != nil {
			return nil, err
		}
		ev.Text = formField(tmpl.Substitute(rs.OperandOrDefault()), cfg)

	default:
		ev.Text = tmpl.Substitute(rs.OperandOrDefault())
	}

	rule, value := o.findMatchingRule(rs, ev)
	if rule == nil {
		t.logger.Debug("no rule matched", "run_uuid", run.ID, "node_uuid", rs.UUID)
		return nil, nil
	}

	if in != nil && in.msg != nil && rs.IsWait() {
		run.Responded = true
	}
	if rs.Label != "" {
		run.SaveResult(flowdef.ResultKey(rs.Label), &domain.Result{
			Name:              rs.Label,
			NodeUUID:          rs.UUID,
			Category:          rule.Category.Resolve(lf.def.BaseLanguage),
			CategoryLocalized: rule.Category.Resolve(langs...),
			Value:             flowdef.FormatValue(value, t.org.Location()),
			Input:             ev.Text,
			CreatedOn:         t.now,
		})
	}
	run.ModifiedOn = t.now
	return rule, nil
}

// findMatchingRule возвращает первое совпавшее правило и захваченное значение.
func (o *Orchestrator) findMatchingRule(rs *flowdef.RuleSet, ev *flowdef.Evaluation) (*flowdef.Rule, any) {
	if ev.TimedOut {
		for _, rule := range rs.Rules {
			if _, ok := rule.Test.(*flowdef.TimeoutTest); ok {
				return rule, ""
			}
		}
		return nil, nil
	}

	if rs.Type == flowdef.RuleSetRandom {
		if len(rs.Rules) == 0 {
			return nil, nil
		}
		return rs.Rules[o.random(len(rs.Rules))], ev.Text
	}

	for _, rule := range rs.Rules {
		if rule.Test == nil {
			continue
		}
		if strength, value := rule.Test.Evaluate(ev); strength > 0 {
			return rule, value
		}
	}
	return nil, nil
}

// handleActionset выполняет действия action set'а по порядку.
//
// stop = true — действие передало контакт в другой flow, текущий run
// дальше не идёт.
func (o *Orchestrator) handleActionset(ctx context.Context, t *turn, run *domain.FlowRun, lf *loadedFlow, as *flowdef.ActionSet) (stop bool, err error) {
	ex := &flowdef.Execution{
		Run:           run,
		Contact:       t.contact,
		Org:           t.org,
		Msg:           t.msg,
		ActionSetUUID: as.UUID,
		Languages:     lf.def.Languages(t.contact.Language),
		Templates:     &runTemplates{ctx: ctx, o: o, t: t, run: run},
		Env:           &actionEnv{o: o, t: t},
		Now:           t.now,
	}

	for _, action := range as.Actions {
		msgs, err := action.Execute(ctx, ex)
		t.addMsgs(msgs...)
		if ex.ContactChanged {
			t.contactChanged = true
		}
		if err != nil {
			return false, fmt.Errorf("action %s (%s): %w", action.ActionUUID(), action.Type(), err)
		}
		if action.Type() == flowdef.ActionTypeStartFlow {
			return true, nil
		}
	}
	run.ModifiedOn = t.now
	return false, nil
}

// callWebhook вызывает webhook или подписчиков resthook и возвращает
// результат, по которому сопоставляются правила.
func (o *Orchestrator) callWebhook(ctx context.Context, t *turn, run *domain.FlowRun, lf *loadedFlow, rs *flowdef.RuleSet, tmpl flowdef.Templater) (*domain.WebhookResult, error) {
	req := webhook.Request{
		Flow:    lf.flow,
		Run:     run,
		Contact: t.contact,
		Input:   t.msg,
		Channel: o.channel(ctx, t),
	}
	ctx = telemetry.WithLogger(ctx, telemetry.WithRunID(t.logger, run.ID.String()))

	if rs.Type == flowdef.RuleSetResthook {
		cfg, err := rs.ResthookConfig()
		if err != nil {
			return nil, err
		}
		req.Resthook = cfg.Resthook
		req.Method = http.MethodPost
		return webhook.Representative(o.webhooks.CallResthook(ctx, req)), nil
	}

	cfg, err := rs.WebhookConfig()
	if err != nil {
		return nil, err
	}
	req.URL = strings.TrimSpace(tmpl.Substitute(cfg.Webhook))
	req.Method = cfg.Action
	for _, h := range cfg.Headers {
		req.Headers = append(req.Headers, flowdef.Header{Name: h.Name, Value: tmpl.Substitute(h.Value)})
	}
	return o.webhooks.Call(ctx, req), nil
}

// transferAirtime выполняет перевод airtime и возвращает исход.
func (o *Orchestrator) transferAirtime(ctx context.Context, t *turn, rs *flowdef.RuleSet) string {
	if o.airtime == nil {
		t.logger.Warn("no airtime transferer configured", "node_uuid", rs.UUID)
		return airtimeFailed
	}
	if err := o.airtime.Transfer(ctx, t.contact, rs.Config); err != nil {
		t.logger.Warn("airtime transfer failed", "node_uuid", rs.UUID, "error", err)
		return airtimeFailed
	}
	return airtimeSuccess
}

// shortenURL сокращает ссылку из операнда; при ошибке возвращает исходную.
func (o *Orchestrator) shortenURL(ctx context.Context, t *turn, rs *flowdef.RuleSet, tmpl flowdef.Templater) string {
	url := rs.OperandOrDefault()
	if v, ok := rs.Config["url"].(string); ok && v != "" {
		url = v
	}
	url = strings.TrimSpace(tmpl.Substitute(url))
	if o.shortener == nil || url == "" {
		return url
	}
	short, err := o.shortener.Shorten(ctx, url)
	if err != nil {
		t.logger.Warn("url shortening failed", "node_uuid", rs.UUID, "error", err)
		return url
	}
	return short
}

// formField возвращает поле с индексом cfg.FieldIndex из текста.
func formField(text string, cfg flowdef.FormFieldConfig) string {
	delim := cfg.FieldDelimiter
	if delim == "" {
		delim = " "
	}
	var fields []string
	for _, f := range strings.Split(text, delim) {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	if cfg.FieldIndex < 0 || cfg.FieldIndex >= len(fields) {
		return ""
	}
	return fields[cfg.FieldIndex]
}

// startSubflow запускает дочерний run subflow rule set'а.
func (o *Orchestrator) startSubflow(ctx context.Context, t *turn, run *domain.FlowRun, rs *flowdef.RuleSet) (*domain.FlowRun, error) {
	cfg, err := rs.SubflowConfig()
	if err != nil {
		return nil, err
	}
	flowID, err := uuid.Parse(cfg.Flow.UUID)
	if err != nil {
		return nil, fmt.Errorf("subflow %s: parse flow uuid: %w", rs.UUID, err)
	}

	// вход в flow, уже идущий на стеке хода, зациклил бы ход
	if o.isDriving(t, flowID) {
		return nil, &engine.CycleError{Path: []string{run.FlowID.String(), flowID.String()}, Runtime: true}
	}

	lf, err := o.loadFlow(ctx, t, flowID)
	if err != nil {
		return nil, fmt.Errorf("subflow %s: %w", rs.UUID, err)
	}
	if !lf.flow.IsActive {
		return nil, fmt.Errorf("subflow %s: %w: %s", rs.UUID, ErrFlowInactive, flowID)
	}

	extra := make(map[string]any, len(run.Extra))
	for k, v := range run.Extra {
		extra[k] = v
	}
	return o.startRun(ctx, t, lf, runOptions{
		parent:         run,
		continueParent: true,
		interrupt:      true,
		extra:          extra,
	})
}

// isDriving проверяет, идёт ли на стеке хода run flow.
func (o *Orchestrator) isDriving(t *turn, flowID uuid.UUID) bool {
	for id := range t.driving {
		if run, ok := t.runs[id]; ok && run.FlowID == flowID {
			return true
		}
	}
	return false
}

// completeRun завершает run и возвращает управление родителю subflow.
func (o *Orchestrator) completeRun(ctx context.Context, t *turn, run *domain.FlowRun) error {
	run.MarkCompleted(t.now)
	t.track(run)
	telemetry.RunsExited.WithLabelValues(string(domain.ExitCompleted)).Inc()
	t.logger.Debug("run completed", "run_uuid", run.ID, "flow_uuid", run.FlowID)
	return o.resumeParent(ctx, t, run)
}

// resumeParent продолжает родителя, ждущего на subflow rule set'е.
//
// Если родитель сам ведёт дочерний run на стеке хода, он продолжит
// обход без повторного входа.
func (o *Orchestrator) resumeParent(ctx context.Context, t *turn, child *domain.FlowRun) error {
	if !child.ContinueParent || child.ParentID == nil {
		return nil
	}
	parent, err := o.getRun(ctx, t, *child.ParentID)
	if errors.Is(err, ErrRunNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if parent.ContactID != t.contact.ID || !parent.IsActive || t.driving[parent.ID] {
		return nil
	}

	lf, err := o.loadFlow(ctx, t, parent.FlowID)
	if err != nil {
		return err
	}
	rs := lf.def.RuleSet(parent.CurrentNodeUUID)
	if rs == nil || rs.Type != flowdef.RuleSetSubflow {
		t.logger.Warn("parent run is not waiting on a subflow",
			"run_uuid", parent.ID,
			"node_uuid", parent.CurrentNodeUUID,
		)
		return nil
	}

	t.children[parent.ID] = child
	return o.handleDestination(ctx, t, parent, lf, rs.UUID, &resume{child: child})
}
