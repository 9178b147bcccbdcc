// Package locks предоставляет блокировки контакта и flow.
//
// Ход интерпретатора для одного контакта выполняется под блокировкой
// контакта; миграция и обновление определения flow выполняются под
// эксклюзивной блокировкой flow.
//
// Включает:
//   - redis.go — распределённые блокировки (SET NX PX + снятие по токену)
//   - local.go — блокировки внутри процесса (тесты, симулятор)
package locks
