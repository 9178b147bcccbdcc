package flowdef

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MaxCategoryLength — максимальная длина категории правила (в символах).
const MaxCategoryLength = 36

// Localized — текст, который в JSON бывает либо строкой,
// либо словарём {язык: перевод}.
//
// Исходная форма сохраняется при сериализации.
type Localized struct {
	// Text — значение "голой" строки.
	Text string

	// Translations — переводы по языкам; nil для голой строки.
	Translations map[string]string
}

// NewLocalized создаёт словарь с одним переводом.
func NewLocalized(lang, text string) Localized {
	return Localized{Translations: map[string]string{lang: text}}
}

// Bare создаёт голую строку.
func Bare(text string) Localized {
	return Localized{Text: text}
}

// IsLocalized возвращает true, если текст хранится словарём.
func (l Localized) IsLocalized() bool {
	return l.Translations != nil
}

// IsEmpty возвращает true, если нет ни одного непустого значения.
func (l Localized) IsEmpty() bool {
	if l.Translations == nil {
		return l.Text == ""
	}
	for _, v := range l.Translations {
		if v != "" {
			return false
		}
	}
	return true
}

// Resolve возвращает перевод по цепочке языков.
//
// Порядок: переданные языки по очереди (обычно язык контакта, затем
// базовый язык flow), затем первый доступный перевод по алфавиту ключей.
func (l Localized) Resolve(langs ...string) string {
	if l.Translations == nil {
		return l.Text
	}
	for _, lang := range langs {
		if lang == "" {
			continue
		}
		if v, ok := l.Translations[lang]; ok && v != "" {
			return v
		}
	}
	keys := make([]string, 0, len(l.Translations))
	for k := range l.Translations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := l.Translations[k]; v != "" {
			return v
		}
	}
	return ""
}

// Truncate обрезает каждое значение до max символов.
func (l Localized) Truncate(max int) Localized {
	if l.Translations == nil {
		return Localized{Text: truncateRunes(l.Text, max)}
	}
	out := make(map[string]string, len(l.Translations))
	for k, v := range l.Translations {
		out[k] = truncateRunes(v, max)
	}
	return Localized{Translations: out}
}

// MarshalJSON сохраняет исходную форму значения.
func (l Localized) MarshalJSON() ([]byte, error) {
	if l.Translations == nil {
		return json.Marshal(l.Text)
	}
	return json.Marshal(l.Translations)
}

// UnmarshalJSON принимает строку, словарь или null.
func (l *Localized) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = Localized{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidLocalized, err)
		}
		*l = Localized{Text: s}
		return nil

	case '{':
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidLocalized, err)
		}
		m := make(map[string]string, len(raw))
		for k, v := range raw {
			switch tv := v.(type) {
			case string:
				m[k] = tv
			case nil:
				m[k] = ""
			default:
				m[k] = fmt.Sprint(tv)
			}
		}
		*l = Localized{Translations: m}
		return nil

	default:
		// числа и bool встречаются в старых определениях как категории
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidLocalized, err)
		}
		if _, ok := v.([]any); ok {
			return fmt.Errorf("%w: unexpected array", ErrInvalidLocalized)
		}
		*l = Localized{Text: fmt.Sprint(v)}
		return nil
	}
}

// truncateRunes обрезает строку до max символов.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
