package webhook

import (
	"context"
	"net/http"

	"github.com/shaiso/Flowline/internal/domain"
	"github.com/shaiso/Flowline/internal/telemetry"
)

// CallResthook вызывает всех подписчиков resthook по очереди.
//
// Возвращает результаты в порядке вызова; без подписчиков — пустой список.
func (c *Caller) CallResthook(ctx context.Context, req Request) []*domain.WebhookResult {
	if c.subscribers == nil || req.Flow == nil {
		telemetry.FromContext(ctx, c.logger).Warn("resthook skipped", "resthook", req.Resthook, "error", ErrNoSubscribers)
		return nil
	}

	subs, err := c.subscribers.ListSubscribers(ctx, req.Flow.OrgID, req.Resthook)
	if err != nil {
		telemetry.FromContext(ctx, c.logger).Error("failed to list resthook subscribers", "resthook", req.Resthook, "error", err)
		return nil
	}

	results := make([]*domain.WebhookResult, 0, len(subs))
	for _, sub := range subs {
		if !sub.IsActive {
			continue
		}
		call := req
		call.URL = sub.TargetURL
		results = append(results, c.Call(ctx, call))
	}
	if len(results) == 0 {
		telemetry.FromContext(ctx, c.logger).Debug("resthook has no active subscribers", "resthook", req.Resthook)
	}
	return results
}

// Representative выбирает результат, по которому сопоставляются правила.
//
// Последний неуспешный вызов, иначе последний успешный, иначе
// синтетический 200 (вызовов не было).
func Representative(results []*domain.WebhookResult) *domain.WebhookResult {
	var lastSuccess *domain.WebhookResult
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if !r.IsSuccess() {
			return r
		}
		if lastSuccess == nil {
			lastSuccess = r
		}
	}
	if lastSuccess != nil {
		return lastSuccess
	}
	return &domain.WebhookResult{
		StatusCode: http.StatusOK,
		Message:    "No subscribers for this event",
		Body:       "No subscribers for this event",
	}
}
