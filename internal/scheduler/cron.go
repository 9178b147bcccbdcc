package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule — проверка раз в минуту.
const DefaultSchedule = "*/1 * * * *"

// cronParser — парсер cron-выражений (5 полей, плюс дескрипторы @every, @hourly).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule проверяет валидность cron-выражения.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextSweep возвращает время следующего прохода после from, в UTC.
func NextSweep(expr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(from).UTC(), nil
}
