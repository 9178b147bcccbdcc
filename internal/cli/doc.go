// Package cli реализует инструмент командной строки Flowline.
//
// # Обзор
//
// CLI работает с файлами определений локально, без сервера и базы:
// мигрирует, проверяет и прогоняет flows в памяти.
//
// # Команды
//
//   - migrate FILE [--to V] [--export] [--same-site] — миграция по цепочке версий
//   - validate FILE — структурная проверка (мигрирует в памяти при необходимости)
//   - cycles FILE — поиск цикла без ожидания ввода
//   - simulate FILE --input TEXT... — диалог с одним контактом (repo.MemoryStore)
//
// # Output
//
// Форматирование вывода. Поддерживает три режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//   - YAML (gopkg.in/yaml.v3) — с флагом --yaml
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: flowline migrate old.json > new.json
//
// Каждая команда создаётся фабричной функцией (NewMigrateCmd и т.д.),
// принимающей outputFn — замыкание для ленивого создания Output
// после парсинга PersistentFlags.
package cli
