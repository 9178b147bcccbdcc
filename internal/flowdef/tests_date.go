package flowdef

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/araddon/dateparse"
)

var (
	datePattern = regexp.MustCompile(`(\d{1,4})[-/. ](\d{1,2})[-/. ](\d{1,4})`)
	timePattern = regexp.MustCompile(`(\d{1,2}):(\d{2})(?::(\d{2}))?`)
	yearFirst   = regexp.MustCompile(`^\d{4}[-/.]`)
)

// wholeDate разбирает вход целиком: ISO даты шаблонов (@date.now и т.п.)
// и даты с названием месяца ("15 March 2024", RFC 1123).
// Голые числа и текст без года в начале или букв сюда не попадают.
func wholeDate(text string, dayFirst bool, loc *time.Location) (time.Time, bool) {
	if !yearFirst.MatchString(text) && !strings.ContainsFunc(text, unicode.IsLetter) {
		return time.Time{}, false
	}
	t, err := dateparse.ParseIn(text, loc, dateparse.PreferMonthFirst(!dayFirst))
	if err != nil || t.Year() < 1 {
		return time.Time{}, false
	}
	return t, true
}

// ParseDate ищет дату во входе.
//
// Сначала вход разбирается целиком, затем дата ищется внутри текста.
// Год из четырёх цифр в начале означает YYYY-MM-DD; иначе порядок дня
// и месяца определяется настройкой организации dayFirst.
// Двузначный год < 50 относится к 2000-м.
func ParseDate(text string, dayFirst bool, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	text = strings.TrimSpace(text)

	if t, ok := wholeDate(text, dayFirst, loc); ok {
		return t, true
	}

	m := datePattern.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}

	a, _ := strconv.Atoi(m[1])
	b, _ := strconv.Atoi(m[2])
	c, _ := strconv.Atoi(m[3])

	var year, month, day int
	switch {
	case len(m[1]) == 4:
		year, month, day = a, b, c
	case dayFirst:
		day, month, year = a, b, c
		if len(m[3]) <= 2 {
			year = expandYear(c)
		}
	default:
		month, day, year = a, b, c
		if len(m[3]) <= 2 {
			year = expandYear(c)
		}
	}

	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}

	hour, minute, second := 0, 0, 0
	if tm := timePattern.FindStringSubmatch(text[strings.Index(text, m[0])+len(m[0]):]); tm != nil {
		hour, _ = strconv.Atoi(tm[1])
		minute, _ = strconv.Atoi(tm[2])
		if tm[3] != "" {
			second, _ = strconv.Atoi(tm[3])
		}
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
	if t.Day() != day {
		// 31 февраля и т.п.
		return time.Time{}, false
	}
	return t, true
}

// expandYear переводит двузначный год в четырёхзначный.
func expandYear(y int) int {
	if y < 50 {
		return 2000 + y
	}
	return 1900 + y
}

// sameDay сравнивает даты без учёта времени.
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}

// truncateDay отбрасывает время.
func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DateTest совпадает с любой датой во входе.
type DateTest struct{}

func (t *DateTest) Type() TestType { return TestTypeDate }

func (t *DateTest) Evaluate(ev *Evaluation) (int, any) {
	d, ok := ParseDate(ev.Text, ev.dayFirst(), ev.location())
	if !ok {
		return 0, nil
	}
	return 1, d
}

// DateCompareTest сравнивает дату входа с датой теста (date_before, date_equal, date_after).
type DateCompareTest struct {
	Op   TestType `json:"-"`
	Test string   `json:"test" validate:"required"`
}

func (t *DateCompareTest) Type() TestType { return t.Op }

func (t *DateCompareTest) Evaluate(ev *Evaluation) (int, any) {
	d, ok := ParseDate(ev.Text, ev.dayFirst(), ev.location())
	if !ok {
		return 0, nil
	}
	test, ok := ParseDate(ev.substitute(t.Test), ev.dayFirst(), ev.location())
	if !ok {
		return 0, nil
	}

	var matched bool
	switch t.Op {
	case TestTypeDateBefore:
		matched = !truncateDay(d).After(truncateDay(test.In(d.Location())))
	case TestTypeDateAfter:
		matched = !truncateDay(d).Before(truncateDay(test.In(d.Location())))
	default:
		matched = sameDay(d, test)
	}
	if !matched {
		return 0, nil
	}
	return 1, d
}
