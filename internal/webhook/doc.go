// Package webhook вызывает внешние HTTP endpoint'ы из webhook и resthook
// rule set'ов.
//
// Вызов никогда не возвращает ошибку интерпретатору: сетевые ошибки,
// таймауты и коды не 2xx превращаются в WebhookResult, по которому
// затем сопоставляются правила webhook_status. На каждый вызов пишется
// одна запись аудита.
//
// Включает:
//   - caller.go  — Caller (resty), тело запроса, разбор ответа
//   - resthook.go — рассылка подписчикам resthook и выбор представительного результата
package webhook
