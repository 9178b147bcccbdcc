package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/shaiso/Flowline/internal/domain"
	"github.com/shaiso/Flowline/internal/flowdef"
)

// defaultKey — ключ значения по умолчанию у вложенных объектов контекста.
// @contact выводит имя контакта, @flow.color — значение результата.
const defaultKey = "__default__"

// Context — контекст подстановки шаблонов.
//
// Шаблоны используют старый синтаксис:
//   - @contact.name, @step.value, @flow.color.category — переменные
//   - @(UPPER(contact.first_name) & "!") — выражения
//   - @@ — литерал @
//
// Context реализует flowdef.Templater.
type Context struct {
	vars     map[string]any
	location *time.Location
	dayFirst bool
	now      time.Time
}

// NewContext создаёт контекст с датами, вычисленными на момент now.
func NewContext(org *domain.Org, now time.Time) *Context {
	c := &Context{
		vars:     make(map[string]any),
		location: org.Location(),
		dayFirst: org != nil && org.DayFirst,
		now:      now,
	}
	c.vars["date"] = c.dateVars()
	return c
}

// Set устанавливает переменную верхнего уровня.
func (c *Context) Set(key string, value any) {
	c.vars[key] = value
}

// Vars возвращает переменные контекста.
func (c *Context) Vars() map[string]any {
	return c.vars
}

// SetContact добавляет @contact.
func (c *Context) SetContact(contact *domain.Contact, groups []string) {
	c.vars["contact"] = c.contactVars(contact, groups)
}

// SetStep добавляет @step — текущий ввод контакта.
func (c *Context) SetStep(text string, msg *domain.Msg, contact *domain.Contact) {
	step := map[string]any{
		defaultKey: text,
		"value":    text,
		"text":     text,
	}
	if msg != nil {
		step["time"] = c.formatDate(msg.CreatedOn)
		step["attachments"] = strings.Join(msg.Attachments, ", ")
	} else {
		step["time"] = c.formatDate(c.now)
	}
	if contact != nil {
		step["contact"] = c.contactVars(contact, nil)
	}
	c.vars["step"] = step
}

// SetRun добавляет @flow (результаты) и @extra.
func (c *Context) SetRun(run *domain.FlowRun) {
	c.vars["flow"] = c.runVars(run)
	extra := make(map[string]any, len(run.Extra))
	for k, v := range run.Extra {
		extra[k] = v
	}
	c.vars["extra"] = extra
}

// SetParent добавляет @parent — run и контакт родительского flow.
func (c *Context) SetParent(run *domain.FlowRun, contact *domain.Contact) {
	c.vars["parent"] = c.relatedVars(run, contact)
}

// SetChild добавляет @child — run последнего subflow.
func (c *Context) SetChild(run *domain.FlowRun, contact *domain.Contact) {
	c.vars["child"] = c.relatedVars(run, contact)
}

// SetChannel добавляет @channel.
func (c *Context) SetChannel(ch *domain.Channel) {
	if ch == nil {
		return
	}
	c.vars["channel"] = map[string]any{
		defaultKey: ch.Address,
		"name":     ch.Name,
		"address":  ch.Address,
		"tel":      ch.Address,
		"uuid":     ch.ID.String(),
	}
}

func (c *Context) relatedVars(run *domain.FlowRun, contact *domain.Contact) map[string]any {
	vars := c.runVars(run)
	if contact != nil {
		vars["contact"] = c.contactVars(contact, nil)
	}
	return vars
}

func (c *Context) dateVars() map[string]any {
	now := c.now.In(c.location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.location)
	return map[string]any{
		defaultKey:  c.formatDate(now),
		"now":       c.formatDate(now),
		"today":     c.formatDay(today),
		"tomorrow":  c.formatDay(today.AddDate(0, 0, 1)),
		"yesterday": c.formatDay(today.AddDate(0, 0, -1)),
	}
}

func (c *Context) contactVars(contact *domain.Contact, groups []string) map[string]any {
	if contact == nil {
		return map[string]any{defaultKey: ""}
	}
	first := ""
	if parts := strings.Fields(contact.Name); len(parts) > 0 {
		first = parts[0]
	}
	display := contact.Name
	if display == "" {
		display = contact.URNPath()
	}
	vars := map[string]any{
		defaultKey:   display,
		"uuid":       contact.ID.String(),
		"name":       contact.Name,
		"first_name": first,
		"language":   contact.Language,
		"groups":     strings.Join(groups, ","),
	}
	for _, urn := range contact.URNs {
		scheme, path, ok := strings.Cut(urn, ":")
		if !ok {
			continue
		}
		if _, seen := vars[scheme]; seen {
			continue
		}
		vars[scheme] = path
		if scheme == "tel" {
			vars["tel_e164"] = path
		}
	}
	for k, v := range contact.Fields {
		if _, reserved := vars[k]; !reserved {
			vars[k] = v
		}
	}
	return vars
}

func (c *Context) runVars(run *domain.FlowRun) map[string]any {
	vars := make(map[string]any)
	if run == nil {
		vars[defaultKey] = ""
		return vars
	}
	keys := make([]string, 0, len(run.Results))
	for k := range run.Results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		res := run.Results[key]
		created := c.formatDate(res.CreatedOn)
		vars[key] = map[string]any{
			defaultKey:   res.Value,
			"value":      res.Value,
			"category":   res.Category,
			"text":       res.Input,
			"time":       created,
			"created_on": created,
			"json":       run.Extra,
		}
		lines = append(lines, res.Name+": "+res.Value)
	}
	vars[defaultKey] = strings.Join(lines, "\n")
	vars["uuid"] = run.ID.String()
	return vars
}

func (c *Context) formatDate(t time.Time) string {
	if c.dayFirst {
		return t.In(c.location).Format("02-01-2006 15:04")
	}
	return t.In(c.location).Format("01-02-2006 15:04")
}

func (c *Context) formatDay(t time.Time) string {
	if c.dayFirst {
		return t.Format("02-01-2006")
	}
	return t.Format("01-02-2006")
}

// variableRe — имя переменной после @: сегменты через точку.
var variableRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z0-9_]+)*`)

// Substitute подставляет значения, игнорируя ошибки.
func (c *Context) Substitute(text string) string {
	out, _ := c.Evaluate(text)
	return out
}

// Evaluate подставляет значения в шаблон.
//
// Переменная с неизвестным корнем (например, @example в адресе почты)
// остаётся как есть. Выражение, которое не удалось вычислить, тоже
// остаётся как есть, а ошибка попадает в результат.
func (c *Context) Evaluate(text string) (string, []error) {
	if !strings.Contains(text, "@") {
		return text, nil
	}

	var (
		out  strings.Builder
		errs []error
	)
	for i := 0; i < len(text); {
		ch := text[i]
		if ch != '@' || i+1 >= len(text) {
			out.WriteByte(ch)
			i++
			continue
		}

		next := text[i+1]
		switch {
		case next == '@':
			out.WriteByte('@')
			i += 2

		case next == '(':
			end := matchParen(text, i+1)
			if end < 0 {
				out.WriteString(text[i:])
				return out.String(), append(errs, fmt.Errorf("%w: unclosed expression", ErrExpression))
			}
			source := text[i+2 : end]
			value, err := c.EvaluateExpression(source)
			if err != nil {
				errs = append(errs, err)
				out.WriteString(text[i : end+1])
			} else {
				out.WriteString(c.format(value))
			}
			i = end + 1

		default:
			name := variableRe.FindString(text[i+1:])
			if name == "" {
				out.WriteByte(ch)
				i++
				continue
			}
			value, known, err := c.lookup(name)
			switch {
			case !known:
				out.WriteString("@" + name)
			case err != nil:
				errs = append(errs, err)
			default:
				out.WriteString(c.format(value))
			}
			i += 1 + len(name)
		}
	}
	return out.String(), errs
}

// lookup разрешает путь переменной. known = false, если корень неизвестен.
func (c *Context) lookup(path string) (any, bool, error) {
	parts := strings.Split(path, ".")
	value, ok := fetch(c.vars, parts[0])
	if !ok {
		return nil, false, nil
	}
	for _, part := range parts[1:] {
		m, isMap := value.(map[string]any)
		if !isMap {
			return nil, true, fmt.Errorf("%w: @%s", ErrUndefinedVariable, path)
		}
		if value, ok = fetch(m, part); !ok {
			return nil, true, fmt.Errorf("%w: @%s", ErrUndefinedVariable, path)
		}
	}
	return value, true, nil
}

// fetch ищет ключ сначала точно, затем без учёта регистра.
func fetch(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// EvaluateExpression вычисляет выражение внутри @(...).
func (c *Context) EvaluateExpression(source string) (any, error) {
	translated := translateExpression(source)

	opts := []expr.Option{
		expr.Env(c.vars),
		expr.AllowUndefinedVariables(),
		expr.Patch(&operatorPatcher{}),
	}
	opts = append(opts, c.functions()...)

	program, err := expr.Compile(translated, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExpression, source, err)
	}
	value, err := expr.Run(program, c.vars)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExpression, source, err)
	}
	return value, nil
}

// format приводит значение к строке для подстановки в текст.
func (c *Context) format(v any) string {
	switch tv := v.(type) {
	case map[string]any:
		if d, ok := tv[defaultKey]; ok {
			return c.format(d)
		}
		b, _ := json.Marshal(tv)
		return string(b)
	case []any:
		parts := make([]string, len(tv))
		for i, item := range tv {
			parts[i] = c.format(item)
		}
		return strings.Join(parts, ", ")
	case bool:
		if tv {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return c.formatDate(tv)
	case float64:
		return toDecimal(tv).String()
	default:
		return flowdef.FormatValue(v, c.location)
	}
}

// matchParen возвращает индекс закрывающей скобки для открывающей в open.
// Скобки внутри строковых литералов не учитываются.
func matchParen(text string, open int) int {
	depth := 0
	inString := false
	for i := open; i < len(text); i++ {
		switch ch := text[i]; {
		case inString:
			if ch == '"' {
				inString = false
			}
		case ch == '"':
			inString = true
		case ch == '(':
			depth++
		case ch == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// translateExpression переводит выражение старого синтаксиса в синтаксис expr:
// = → ==, <> → !=, & → конкатенация, имена функций в верхний регистр,
// TRUE/FALSE → true/false, "" внутри строк → \".
func translateExpression(source string) string {
	var out strings.Builder
	runes := []rune(source)
	n := len(runes)

	for i := 0; i < n; i++ {
		ch := runes[i]
		switch {
		case ch == '"':
			out.WriteRune('"')
			for i++; i < n; i++ {
				if runes[i] == '"' {
					if i+1 < n && runes[i+1] == '"' {
						out.WriteString(`\"`)
						i++
						continue
					}
					break
				}
				if runes[i] == '\\' {
					out.WriteString(`\\`)
					continue
				}
				out.WriteRune(runes[i])
			}
			out.WriteRune('"')

		case ch == '@':
			// внутри выражения переменные пишутся без @

		case ch == '<' && i+1 < n && runes[i+1] == '>':
			out.WriteString("!=")
			i++

		case ch == '=':
			prev := rune(0)
			if i > 0 {
				prev = runes[i-1]
			}
			if i+1 < n && runes[i+1] == '=' {
				out.WriteString("==")
				i++
			} else if prev == '<' || prev == '>' || prev == '!' {
				out.WriteRune('=')
			} else {
				out.WriteString("==")
			}

		case ch == '&':
			if i+1 < n && runes[i+1] == '&' {
				out.WriteString("&&")
				i++
			} else {
				out.WriteString(" .. ")
			}

		case isIdentStart(ch):
			j := i
			for j < n && isIdentPart(runes[j]) {
				j++
			}
			word := string(runes[i:j])
			k := j
			for k < n && runes[k] == ' ' {
				k++
			}
			switch {
			case k < n && runes[k] == '(':
				out.WriteString(strings.ToUpper(word))
			case strings.EqualFold(word, "true"):
				out.WriteString("true")
			case strings.EqualFold(word, "false"):
				out.WriteString("false")
			default:
				out.WriteString(word)
			}
			i = j - 1

		default:
			out.WriteRune(ch)
		}
	}
	return out.String()
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9') || r == '.'
}

// Render подставляет значения в шаблон и возвращает все ошибки одной.
func Render(tmpl string, ctx *Context) (string, error) {
	out, errs := ctx.Evaluate(tmpl)
	return out, errors.Join(errs...)
}

// RenderValue рекурсивно подставляет значения в строки map и slice.
func RenderValue(value any, ctx *Context) any {
	switch v := value.(type) {
	case string:
		return ctx.Substitute(v)
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			result[key] = RenderValue(val, ctx)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			result[i] = RenderValue(val, ctx)
		}
		return result
	case map[string]string:
		result := make(map[string]string, len(v))
		for key, val := range v {
			result[key] = ctx.Substitute(val)
		}
		return result
	case []string:
		result := make([]string, len(v))
		for i, val := range v {
			result[i] = ctx.Substitute(val)
		}
		return result
	default:
		return value
	}
}
