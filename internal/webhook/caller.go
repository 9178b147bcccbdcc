package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/shaiso/Flowline/internal/domain"
	"github.com/shaiso/Flowline/internal/flowdef"
	"github.com/shaiso/Flowline/internal/telemetry"
)

// Значения по умолчанию.
const (
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "Flowline/1.0"

	// maxMessageLength — максимальная длина сообщения результата (в символах).
	maxMessageLength = 255
)

// Статус вызова, который не дошёл до ответа сервера.
const statusTransportError = -1

// Исходы вызова для метрик.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeError   = "error"
	outcomeSkipped = "skipped"
)

// ResultStore сохраняет записи аудита вызовов.
type ResultStore interface {
	SaveWebhookResult(ctx context.Context, result *domain.WebhookResult) error
}

// SubscriberStore — подписчики resthook.
type SubscriberStore interface {
	ListSubscribers(ctx context.Context, orgID uuid.UUID, resthook string) ([]*domain.ResthookSubscriber, error)
	RemoveSubscriber(ctx context.Context, id uuid.UUID) error
}

// Config — конфигурация Caller.
type Config struct {
	// Timeout — таймаут одного вызова. Default: 10s
	Timeout time.Duration

	// UserAgent — заголовок User-Agent.
	UserAgent string

	// SendWebhooks — false отключает реальные вызовы (симулятор, тесты).
	SendWebhooks bool

	// Results — хранилище аудита (может быть nil).
	Results ResultStore

	// Subscribers — подписчики resthook (нужны для CallResthook).
	Subscribers SubscriberStore

	// Logger — логгер.
	Logger *slog.Logger
}

// Caller выполняет вызовы webhook.
type Caller struct {
	client      *resty.Client
	send        bool
	results     ResultStore
	subscribers SubscriberStore
	logger      *slog.Logger
	now         func() time.Time
}

// New создаёт Caller.
func New(cfg Config) *Caller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent)

	return &Caller{
		client:      client,
		send:        cfg.SendWebhooks,
		results:     cfg.Results,
		subscribers: cfg.Subscribers,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// Request — параметры одного вызова.
type Request struct {
	// URL — адрес (шаблоны уже подставлены).
	URL string

	// Method — HTTP метод. Default: GET
	Method string

	// Headers — заголовки из config rule set'а.
	Headers []flowdef.Header

	// Resthook — slug resthook, если вызов идёт подписчику.
	Resthook string

	// Flow, Run, Contact — контекст вызова для тела запроса.
	Flow    *domain.Flow
	Run     *domain.FlowRun
	Contact *domain.Contact

	// Input — входящее сообщение, если есть.
	Input *domain.Msg

	// Channel — канал входящего сообщения, если есть.
	Channel *domain.Channel
}

// Call выполняет вызов и возвращает его результат.
//
// Ошибка никогда не возвращается: транспортные сбои дают статус -1.
func (c *Caller) Call(ctx context.Context, req Request) *domain.WebhookResult {
	result := c.newResult(req)

	// 1. Без URL вызывать нечего
	if strings.TrimSpace(req.URL) == "" {
		result.StatusCode = statusTransportError
		c.finish(ctx, result, "No webhook_url specified", outcomeError, 0)
		telemetry.FromContext(ctx, c.logger).Warn("webhook skipped", "error", ErrNoURL)
		return result
	}

	// 2. Тело запроса
	var body []byte
	if result.Method != http.MethodGet {
		var err error
		body, err = json.Marshal(buildPayload(req))
		if err != nil {
			result.StatusCode = statusTransportError
			c.finish(ctx, result, fmt.Sprintf("Error encoding webhook payload: %v", err), outcomeError, 0)
			return result
		}
		result.Request = string(body)
	}

	// 3. Симуляция без реального вызова
	if !c.send {
		result.StatusCode = http.StatusOK
		c.finish(ctx, result, "Skipped actual send", outcomeSkipped, 0)
		return result
	}

	// 4. Вызов
	started := c.now()
	r := c.client.R().SetContext(ctx)
	for _, h := range req.Headers {
		if h.Name != "" {
			r.SetHeader(h.Name, h.Value)
		}
	}
	if body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := r.Execute(result.Method, req.URL)
	elapsed := c.now().Sub(started)

	if err != nil {
		result.StatusCode = statusTransportError
		c.finish(ctx, result, fmt.Sprintf("Error calling webhook: %v", err), outcomeError, elapsed)
		return result
	}

	// 5. Разбор ответа
	result.StatusCode = resp.StatusCode()
	result.Body = string(resp.Body())
	message, outcome := c.interpret(ctx, req, result)
	if data, ok := parseData(resp.Body()); ok {
		result.Data = data
	} else if result.Body != "" {
		message += ", response is not a JSON object or array"
	}
	c.finish(ctx, result, message, outcome, elapsed)
	return result
}

// interpret выбирает сообщение и исход по коду ответа.
// 410 от подписчика resthook удаляет подписку и считается успехом.
func (c *Caller) interpret(ctx context.Context, req Request, result *domain.WebhookResult) (string, string) {
	switch {
	case result.StatusCode == http.StatusGone && req.Resthook != "":
		c.unsubscribe(ctx, req)
		result.StatusCode = http.StatusOK
		return "Resthook subscriber removed (410 Gone)", outcomeSuccess
	case result.IsSuccess():
		return fmt.Sprintf("Webhook called successfully (%d)", result.StatusCode), outcomeSuccess
	default:
		return fmt.Sprintf("Webhook returned non-success status %d", result.StatusCode), outcomeFailure
	}
}

// unsubscribe удаляет подписчика с URL вызова.
func (c *Caller) unsubscribe(ctx context.Context, req Request) {
	if c.subscribers == nil || req.Flow == nil {
		return
	}
	subs, err := c.subscribers.ListSubscribers(ctx, req.Flow.OrgID, req.Resthook)
	if err != nil {
		telemetry.FromContext(ctx, c.logger).Error("failed to list resthook subscribers", "resthook", req.Resthook, "error", err)
		return
	}
	for _, sub := range subs {
		if sub.TargetURL != req.URL {
			continue
		}
		if err := c.subscribers.RemoveSubscriber(ctx, sub.ID); err != nil {
			telemetry.FromContext(ctx, c.logger).Error("failed to remove resthook subscriber",
				"resthook", req.Resthook,
				"subscriber_id", sub.ID,
				"error", err,
			)
			continue
		}
		telemetry.FromContext(ctx, c.logger).Info("resthook subscriber removed", "resthook", req.Resthook, "url", req.URL)
	}
}

// newResult создаёт запись аудита для запроса.
func (c *Caller) newResult(req Request) *domain.WebhookResult {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	result := &domain.WebhookResult{
		ID:        uuid.New(),
		Resthook:  req.Resthook,
		URL:       req.URL,
		Method:    method,
		CreatedOn: c.now(),
	}
	if req.Run != nil {
		id := req.Run.ID
		result.RunID = &id
		result.ContactID = req.Run.ContactID
	}
	if req.Contact != nil {
		result.ContactID = req.Contact.ID
	}
	return result
}

// finish заполняет сообщение, пишет аудит и метрики.
func (c *Caller) finish(ctx context.Context, result *domain.WebhookResult, message, outcome string, elapsed time.Duration) {
	result.Message = truncate(message, maxMessageLength)
	if result.Body == "" {
		result.Body = result.Message
	}
	result.RequestTimeMs = int(elapsed.Milliseconds())

	telemetry.WebhookCalls.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		telemetry.WebhookDuration.Observe(elapsed.Seconds())
	}

	telemetry.FromContext(ctx, c.logger).Debug("webhook called",
		"url", result.URL,
		"method", result.Method,
		"status_code", result.StatusCode,
		"request_time_ms", result.RequestTimeMs,
	)

	if c.results == nil {
		return
	}
	if err := c.results.SaveWebhookResult(ctx, result); err != nil {
		telemetry.FromContext(ctx, c.logger).Error("failed to save webhook result", "url", result.URL, "error", err)
	}
}

// parseData разбирает тело ответа, если это JSON объект или массив.
func parseData(body []byte) (any, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	var data any
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return nil, false
	}
	return data, true
}

// truncate обрезает строку до max символов.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
