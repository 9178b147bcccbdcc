package flowdef

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// wordSplitter делит текст на слова по пробелам и пунктуации (Unicode).
var wordSplitter = regexp.MustCompile(`[^\p{L}\p{N}_]+`)

// Tokenize делит текст на слова.
func Tokenize(text string) []string {
	parts := wordSplitter.Split(text, -1)
	words := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			words = append(words, p)
		}
	}
	return words
}

// matchWord ищет позиции слов, совпадающих с test.
// Длинные слова (>4 символов) с той же первой буквой допускают одну опечатку.
func matchWord(test string, words []string) []int {
	var matches []int
	for i, word := range words {
		if word == test {
			matches = append(matches, i)
			continue
		}
		if utf8.RuneCountInString(word) > 4 && utf8.RuneCountInString(test) > 4 {
			wr, _ := utf8.DecodeRuneInString(word)
			tr, _ := utf8.DecodeRuneInString(test)
			if wr == tr && levenshtein.ComputeDistance(word, test) <= 1 {
				matches = append(matches, i)
			}
		}
	}
	return matches
}

// textWords возвращает слова входа в нижнем регистре и в исходном виде.
func textWords(text string) (lower, raw []string) {
	raw = Tokenize(text)
	lower = make([]string, len(raw))
	for i, w := range raw {
		lower[i] = strings.ToLower(w)
	}
	return lower, raw
}

// joinMatched объединяет исходные слова по найденным позициям.
func joinMatched(raw []string, indexes map[int]bool) string {
	ordered := make([]int, 0, len(indexes))
	for i := range indexes {
		ordered = append(ordered, i)
	}
	sort.Ints(ordered)
	out := make([]string, len(ordered))
	for i, idx := range ordered {
		out[i] = raw[idx]
	}
	return strings.Join(out, " ")
}

// ContainsTest совпадает, если во входе есть все слова теста.
type ContainsTest struct {
	Test Localized `json:"test"`
}

func (t *ContainsTest) Type() TestType { return TestTypeContains }

func (t *ContainsTest) Evaluate(ev *Evaluation) (int, any) {
	tests := Tokenize(strings.ToLower(ev.localize(t.Test)))
	if len(tests) == 0 {
		return 0, nil
	}
	words, raw := textWords(ev.Text)

	found := make(map[int]bool)
	for _, test := range tests {
		matches := matchWord(test, words)
		if len(matches) == 0 {
			return 0, nil
		}
		for _, m := range matches {
			found[m] = true
		}
	}
	return len(tests), joinMatched(raw, found)
}

// ContainsAnyTest совпадает, если во входе есть хотя бы одно слово теста.
type ContainsAnyTest struct {
	Test Localized `json:"test"`
}

func (t *ContainsAnyTest) Type() TestType { return TestTypeContainsAny }

func (t *ContainsAnyTest) Evaluate(ev *Evaluation) (int, any) {
	tests := Tokenize(strings.ToLower(ev.localize(t.Test)))
	words, raw := textWords(ev.Text)

	found := make(map[int]bool)
	matched := 0
	for _, test := range tests {
		matches := matchWord(test, words)
		if len(matches) > 0 {
			matched++
		}
		for _, m := range matches {
			found[m] = true
		}
	}
	if matched == 0 {
		return 0, nil
	}
	return matched, joinMatched(raw, found)
}

// ContainsPhraseTest совпадает, если слова теста идут во входе подряд.
type ContainsPhraseTest struct {
	Test Localized `json:"test"`
}

func (t *ContainsPhraseTest) Type() TestType { return TestTypeContainsPhrase }

func (t *ContainsPhraseTest) Evaluate(ev *Evaluation) (int, any) {
	tests := Tokenize(strings.ToLower(ev.localize(t.Test)))
	if len(tests) == 0 {
		return 1, ""
	}
	words, raw := textWords(ev.Text)

	for start := 0; start+len(tests) <= len(words); start++ {
		ok := true
		for i, test := range tests {
			if words[start+i] != test {
				ok = false
				break
			}
		}
		if ok {
			return 1, strings.Join(raw[start:start+len(tests)], " ")
		}
	}
	return 0, nil
}

// ContainsOnlyPhraseTest совпадает, если вход состоит ровно из фразы теста.
type ContainsOnlyPhraseTest struct {
	Test Localized `json:"test"`
}

func (t *ContainsOnlyPhraseTest) Type() TestType { return TestTypeContainsOnlyPhrase }

func (t *ContainsOnlyPhraseTest) Evaluate(ev *Evaluation) (int, any) {
	tests := Tokenize(strings.ToLower(ev.localize(t.Test)))
	words, raw := textWords(ev.Text)
	if len(tests) != len(words) {
		return 0, nil
	}
	for i := range tests {
		if tests[i] != words[i] {
			return 0, nil
		}
	}
	return 1, strings.Join(raw, " ")
}

// StartsWithTest совпадает, если вход начинается с текста теста.
type StartsWithTest struct {
	Test Localized `json:"test"`
}

func (t *StartsWithTest) Type() TestType { return TestTypeStartsWith }

func (t *StartsWithTest) Evaluate(ev *Evaluation) (int, any) {
	test := strings.TrimSpace(ev.localize(t.Test))
	text := strings.TrimSpace(ev.Text)
	if test == "" {
		return 0, nil
	}
	if !strings.HasPrefix(strings.ToLower(text), strings.ToLower(test)) {
		return 0, nil
	}
	return 1, string([]rune(text)[:utf8.RuneCountInString(test)])
}

// RegexTest совпадает по регулярному выражению (без учёта регистра).
// Группы совпадения сохраняются в Run.Extra под номерами и именами.
type RegexTest struct {
	Test Localized `json:"test"`
}

func (t *RegexTest) Type() TestType { return TestTypeRegex }

func (t *RegexTest) Evaluate(ev *Evaluation) (int, any) {
	pattern := t.Test.Resolve(ev.Languages...)
	if pattern == "" {
		return 0, nil
	}
	re, err := regexp.Compile("(?im)" + pattern)
	if err != nil {
		return 0, nil
	}

	groups := re.FindStringSubmatch(ev.Text)
	if groups == nil {
		return 0, nil
	}

	if ev.Run != nil {
		extra := make(map[string]any, len(groups))
		for i, g := range groups {
			extra[strconv.Itoa(i)] = g
		}
		for i, name := range re.SubexpNames() {
			if name != "" && i < len(groups) {
				extra[name] = groups[i]
			}
		}
		ev.Run.UpdateExtra(extra)
	}
	return 1, groups[0]
}

// emailPattern — упрощённая проверка адреса.
var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// HasEmailTest совпадает, если во входе есть email.
type HasEmailTest struct{}

func (t *HasEmailTest) Type() TestType { return TestTypeHasEmail }

func (t *HasEmailTest) Evaluate(ev *Evaluation) (int, any) {
	for _, word := range strings.Fields(ev.Text) {
		word = strings.Trim(word, ",.;:|()[]\"'<>?&*/\\")
		if emailPattern.MatchString(word) {
			return 1, word
		}
	}
	return 0, nil
}

// phoneCandidate — последовательность, похожая на телефон.
var phoneCandidate = regexp.MustCompile(`\+?[\d][\d\s\-().]{5,}\d`)

// PhoneTest совпадает, если во входе есть телефонный номер (7–15 цифр).
type PhoneTest struct {
	Test string `json:"test,omitempty"`
}

func (t *PhoneTest) Type() TestType { return TestTypePhone }

func (t *PhoneTest) Evaluate(ev *Evaluation) (int, any) {
	for _, candidate := range phoneCandidate.FindAllString(ev.Text, -1) {
		var digits strings.Builder
		for _, r := range candidate {
			if r >= '0' && r <= '9' {
				digits.WriteRune(r)
			}
		}
		n := digits.Len()
		if n < 7 || n > 15 {
			continue
		}
		if strings.HasPrefix(candidate, "+") {
			return 1, "+" + digits.String()
		}
		return 1, digits.String()
	}
	return 0, nil
}
