package migrate

import (
	"strings"
)

// rewritePaths переписывает пути переменных в шаблоне.
//
// Обрабатываются пути вида @contact.name и идентификаторы внутри
// выражений @(...). Имена функций и строковые литералы не трогаются.
// fn получает путь без @ и возвращает новый путь.
func rewritePaths(text string, fn func(string) string) string {
	if !strings.Contains(text, "@") {
		return text
	}

	var b strings.Builder
	for i := 0; i < len(text); {
		c := text[i]
		if c != '@' || i+1 >= len(text) {
			b.WriteByte(c)
			i++
			continue
		}

		next := text[i+1]
		switch {
		case next == '@':
			b.WriteString("@@")
			i += 2
		case next == '(':
			end := matchParen(text, i+1)
			if end < 0 {
				b.WriteString(text[i:])
				return b.String()
			}
			b.WriteString("@(")
			b.WriteString(rewriteExpressionPaths(text[i+2:end], fn))
			b.WriteByte(')')
			i = end + 1
		case isIdentStart(next):
			end := scanPath(text, i+1)
			b.WriteByte('@')
			b.WriteString(fn(text[i+1 : end]))
			i = end
		default:
			b.WriteByte('@')
			i++
		}
	}
	return b.String()
}

// rewriteExpressionPaths переписывает идентификаторы внутри выражения.
func rewriteExpressionPaths(expr string, fn func(string) string) string {
	var b strings.Builder
	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == '"':
			end := i + 1
			for end < len(expr) {
				if expr[end] == '"' {
					if end+1 < len(expr) && expr[end+1] == '"' {
						end += 2
						continue
					}
					break
				}
				end++
			}
			if end >= len(expr) {
				b.WriteString(expr[i:])
				return b.String()
			}
			b.WriteString(expr[i : end+1])
			i = end + 1
		case c >= '0' && c <= '9':
			end := i
			for end < len(expr) && (isIdentChar(expr[end]) || expr[end] == '.') {
				end++
			}
			b.WriteString(expr[i:end])
			i = end
		case isIdentStart(c):
			end := i
			for end < len(expr) && (isIdentChar(expr[end]) || expr[end] == '.') {
				end++
			}
			ident := expr[i:end]
			if isFunctionCall(expr, end) {
				b.WriteString(ident)
			} else {
				b.WriteString(fn(strings.TrimSuffix(ident, ".")))
				if strings.HasSuffix(ident, ".") {
					b.WriteByte('.')
				}
			}
			i = end
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// scanPath возвращает конец пути, начинающегося с позиции start.
// Точка входит в путь, только если за ней следует буква или цифра.
func scanPath(text string, start int) int {
	end := start
	for end < len(text) {
		c := text[end]
		if isIdentChar(c) {
			end++
			continue
		}
		if c == '.' && end+1 < len(text) && isIdentChar(text[end+1]) {
			end++
			continue
		}
		break
	}
	return end
}

// matchParen возвращает индекс закрывающей скобки для открывающей
// в позиции open, учитывая строковые литералы. -1, если скобка не закрыта.
func matchParen(text string, open int) int {
	depth := 0
	inString := false
	for i := open; i < len(text); i++ {
		switch c := text[i]; {
		case c == '"':
			inString = !inString
		case inString:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isFunctionCall(expr string, end int) bool {
	for end < len(expr) && expr[end] == ' ' {
		end++
	}
	return end < len(expr) && expr[end] == '('
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
