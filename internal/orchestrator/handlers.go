package orchestrator

import (
	"context"
	"errors"

	"github.com/shaiso/Flowline/internal/mq"
)

// handleIncomingMsg обрабатывает входящее сообщение контакта.
func (o *Orchestrator) handleIncomingMsg(ctx context.Context, delivery *mq.Delivery) error {
	// Парсим payload
	payload, err := mq.ParsePayload[mq.MsgReceivedPayload](delivery)
	if err != nil {
		o.logger.Error("failed to parse msg.received payload", "error", err)
		return err
	}

	msg := payload.Msg
	o.logger.Debug("received msg.received event",
		"msg_uuid", msg.ID,
		"contact_uuid", msg.ContactID,
	)

	handled, err := o.HandleMessage(ctx, &msg)
	if err != nil {
		// Run прерван, сообщение не повторяется
		if errors.Is(err, ErrTurnFailed) {
			o.logger.Warn("msg turn failed, run interrupted",
				"msg_uuid", msg.ID,
				"contact_uuid", msg.ContactID,
				"error", err,
			)
			return nil
		}
		o.logger.Error("failed to handle msg",
			"msg_uuid", msg.ID,
			"contact_uuid", msg.ContactID,
			"error", err,
		)
		return err
	}
	if !handled {
		o.logger.Debug("msg not handled by any run", "msg_uuid", msg.ID)
	}

	return nil
}

// handleFlowStart обрабатывает запрос запуска flow.
func (o *Orchestrator) handleFlowStart(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.FlowStartPayload](delivery)
	if err != nil {
		o.logger.Error("failed to parse flow.start payload", "error", err)
		return err
	}

	o.logger.Debug("received flow.start event",
		"flow_uuid", payload.FlowID,
		"groups", len(payload.Groups),
		"contacts", len(payload.Contacts),
	)

	_, err = o.FlowStart(ctx, StartRequest{
		FlowID:              payload.FlowID,
		Groups:              payload.Groups,
		Contacts:            payload.Contacts,
		RestartParticipants: payload.RestartParticipants,
		IncludeActive:       payload.IncludeActive,
		Interrupt:           true,
		Extra:               payload.Extra,
	})
	if err != nil {
		// Архивный или удалённый flow повтор не исправит
		if errors.Is(err, ErrFlowInactive) || errors.Is(err, ErrFlowNotFound) {
			o.logger.Warn("flow start skipped", "flow_uuid", payload.FlowID, "reason", err)
			return nil
		}
		o.logger.Error("failed to start flow", "flow_uuid", payload.FlowID, "error", err)
		return err
	}

	return nil
}

// handleRunInterrupt обрабатывает запрос прерывания run.
func (o *Orchestrator) handleRunInterrupt(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunInterruptPayload](delivery)
	if err != nil {
		o.logger.Error("failed to parse run.interrupt payload", "error", err)
		return err
	}

	o.logger.Debug("received run.interrupt event", "run_uuid", payload.RunID)

	if err := o.Interrupt(ctx, payload.RunID); err != nil {
		if errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrRunNotActive) {
			o.logger.Debug("run not interrupted", "run_uuid", payload.RunID, "reason", err)
			return nil
		}
		if errors.Is(err, ErrTurnFailed) {
			o.logger.Warn("interrupt turn failed, run interrupted", "run_uuid", payload.RunID, "error", err)
			return nil
		}
		o.logger.Error("failed to interrupt run", "run_uuid", payload.RunID, "error", err)
		return err
	}

	return nil
}
