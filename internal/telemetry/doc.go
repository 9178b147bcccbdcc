// Package telemetry обеспечивает наблюдаемость движка.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики runs, webhook и миграций
//
// Все сервисы используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
