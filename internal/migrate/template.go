package migrate

import (
	"strings"
)

// filterFunctions — старые фильтры шаблонов и функции, которые их заменяют.
var filterFunctions = map[string]string{
	"lower_case":        "LOWER",
	"upper_case":        "UPPER",
	"capitalize":        "PROPER",
	"title_case":        "PROPER",
	"first_word":        "FIRST_WORD",
	"remove_first_word": "REMOVE_FIRST_WORD",
	"read_digits":       "READ_DIGITS",
	"time_delta":        "",
}

type filter struct {
	name string
	arg  string
}

// MigrateTemplate переводит шаблон старого синтаксиса в @(...) выражения.
//
//	@contact.name|upper_case  → @(UPPER(contact.name))
//	@date.now|time_delta:'1'  → @(date.now + 1)
//	=(contact.age + 1)        → @(contact.age + 1)
//
// Уже переведённые выражения и текст без фильтров не меняются,
// поэтому повторное применение ничего не делает.
func MigrateTemplate(text string) string {
	if !strings.ContainsAny(text, "@=") {
		return text
	}

	var b strings.Builder
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == '@' && i+1 < len(text) && text[i+1] == '@':
			b.WriteString("@@")
			i += 2

		case c == '@' && i+1 < len(text) && text[i+1] == '(':
			end := matchParen(text, i+1)
			if end < 0 {
				b.WriteString(text[i:])
				return b.String()
			}
			b.WriteString(text[i : end+1])
			i = end + 1

		case c == '@' && i+1 < len(text) && isIdentStart(text[i+1]):
			end := scanPath(text, i+1)
			filters, filtersEnd := scanFilters(text, end)
			if len(filters) == 0 {
				b.WriteString(text[i:end])
				i = end
				continue
			}
			b.WriteString("@(")
			b.WriteString(applyFilters(text[i+1:end], filters))
			b.WriteByte(')')
			i = filtersEnd

		case c == '=' && (i == 0 || isSpace(text[i-1])) && i+1 < len(text) &&
			(text[i+1] == '(' || isIdentStart(text[i+1])):
			end := scanOldExpression(text, i+1)
			if end < 0 {
				b.WriteString(text[i:])
				return b.String()
			}
			inner := text[i+1 : end]
			if inner[0] == '(' {
				inner = inner[1 : len(inner)-1]
			}
			b.WriteString("@(")
			b.WriteString(stripAt(inner))
			b.WriteByte(')')
			i = end

		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// scanFilters читает цепочку |filter или |filter:'arg' начиная с pos.
// Неизвестный фильтр обрывает цепочку.
func scanFilters(text string, pos int) ([]filter, int) {
	var filters []filter
	for pos < len(text) && text[pos] == '|' {
		start := pos + 1
		end := start
		for end < len(text) && isIdentChar(text[end]) {
			end++
		}
		name := text[start:end]
		if _, ok := filterFunctions[name]; !ok {
			break
		}
		f := filter{name: name}

		if end+1 < len(text) && text[end] == ':' && (text[end+1] == '\'' || text[end+1] == '"') {
			quote := text[end+1]
			closing := strings.IndexByte(text[end+2:], quote)
			if closing < 0 {
				break
			}
			f.arg = text[end+2 : end+2+closing]
			end = end + 2 + closing + 1
		}
		filters = append(filters, f)
		pos = end
	}
	return filters, pos
}

// applyFilters строит выражение из пути и цепочки фильтров.
func applyFilters(path string, filters []filter) string {
	expr := path
	for _, f := range filters {
		if f.name == "time_delta" {
			delta := strings.TrimSpace(f.arg)
			if rest, ok := strings.CutPrefix(delta, "-"); ok {
				expr = expr + " - " + rest
			} else {
				expr = expr + " + " + delta
			}
			continue
		}
		expr = filterFunctions[f.name] + "(" + expr + ")"
	}
	return expr
}

// scanOldExpression возвращает конец выражения в старом синтаксисе =expr.
func scanOldExpression(text string, start int) int {
	if text[start] == '(' {
		end := matchParen(text, start)
		if end < 0 {
			return -1
		}
		return end + 1
	}
	end := start
	for end < len(text) && (isIdentChar(text[end]) || text[end] == '.') {
		end++
	}
	end = start + len(strings.TrimRight(text[start:end], "."))
	if end < len(text) && text[end] == '(' {
		closing := matchParen(text, end)
		if closing < 0 {
			return -1
		}
		return closing + 1
	}
	return end
}

// stripAt убирает @ вне строковых литералов.
func stripAt(expr string) string {
	var b strings.Builder
	inString := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if c == '"' {
			inString = !inString
		}
		if c == '@' && !inString {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
