// Package orchestrator исполняет runs по определениям flows.
//
// Orchestrator отвечает за:
//   - Загрузку определения с миграцией до текущей версии схемы (FlowLoader)
//   - Массовый запуск flow для групп и контактов (FlowStart)
//   - Обход графа: HandleDestination, HandleRuleset, HandleActionset
//   - Возобновление run входящим сообщением, таймаутом или завершением subflow
//   - Прерывание и истечение runs
//   - Потребление входящих событий из RabbitMQ
//
// Каждый ход контакта выполняется под его блокировкой (locks.ContactKey).
// Состояние runs сохраняется до снятия блокировки, исходящие сообщения
// передаются Sender после.
//
// Ошибка хода не выходит за границу контакта: run прерывается,
// его сообщения помечаются FAILED, остальные контакты продолжают.
package orchestrator
