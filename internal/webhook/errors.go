package webhook

import "errors"

// Ошибки webhook.
var (
	// ErrNoURL — у вызова не задан URL.
	ErrNoURL = errors.New("no webhook url specified")

	// ErrNoSubscribers — у resthook нет активных подписчиков.
	ErrNoSubscribers = errors.New("resthook has no subscribers")
)
