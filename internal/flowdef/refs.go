package flowdef

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Ref — ссылка на объект организации (группу, метку, flow, контакт).
//
// В старых определениях ссылка бывает строкой: тогда это имя
// или выражение (например "@step.value"), UUID пустой.
type Ref struct {
	UUID string `json:"uuid,omitempty"`
	Name string `json:"name,omitempty"`

	// bare — ссылка была строкой в исходном JSON.
	bare bool
}

// IsExpression возвращает true, если ссылка задана выражением.
func (r Ref) IsExpression() bool {
	return r.UUID == "" && strings.HasPrefix(r.Name, "@")
}

// MarshalJSON сохраняет исходную форму ссылки.
func (r Ref) MarshalJSON() ([]byte, error) {
	if r.bare {
		return json.Marshal(r.Name)
	}
	type plain Ref
	return json.Marshal(plain(r))
}

// UnmarshalJSON принимает строку или объект {uuid, name}.
func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = Ref{Name: s, bare: true}
		return nil
	}
	type plain Ref
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Ref(p)
	return nil
}

// Variable — получатель, заданный выражением ({"id": "@step.contact"}).
type Variable struct {
	ID string `json:"id"`
}
