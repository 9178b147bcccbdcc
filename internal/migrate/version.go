package migrate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// Version — версия схемы определения ("5", "10.4", "11.12").
//
// Компоненты сравниваются как числа: 11.12 > 11.2.
type Version struct {
	Major int
	Minor int
}

// BaseVersion — версия документа без явного номера.
var BaseVersion = Version{Major: 4}

// ParseVersion разбирает версию. Принимает "11.12", "5", "5.0".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, fmt.Errorf("%w: empty", ErrUnknownVersion)
	}
	majorStr, minorStr, hasMinor := strings.Cut(s, ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil || major < 0 {
		return Version{}, fmt.Errorf("%w: %q", ErrUnknownVersion, s)
	}
	v := Version{Major: major}
	if hasMinor {
		minor, err := strconv.Atoi(minorStr)
		if err != nil || minor < 0 {
			return Version{}, fmt.Errorf("%w: %q", ErrUnknownVersion, s)
		}
		v.Minor = minor
	}
	return v, nil
}

// MustParseVersion разбирает версию и паникует при ошибке.
// Используется только для констант реестра.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String возвращает версию в форме, которая проставляется в документ.
// Версии до 10 включительно с нулевой минорной частью записываются
// одним числом, начиная с 11 минорная часть пишется всегда ("11.0").
func (v Version) String() string {
	if v.Minor == 0 && v.Major <= 10 {
		return strconv.Itoa(v.Major)
	}
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Compare возвращает -1, 0 или 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		if v.Major < o.Major {
			return -1
		}
		return 1
	case v.Minor != o.Minor:
		if v.Minor < o.Minor {
			return -1
		}
		return 1
	}
	return 0
}

// Less возвращает true, если v < o.
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

// DocumentVersion читает версию документа.
//
// Ищет version, затем spec_version в корне, затем version внутри
// конверта definition. Числовое значение тоже принимается.
// Документ без версии считается версией 4.
func DocumentVersion(doc *gabs.Container) (Version, error) {
	candidates := []*gabs.Container{
		doc.S("version"),
		doc.S("spec_version"),
		doc.S("definition", "version"),
	}
	for _, c := range candidates {
		switch v := c.Data().(type) {
		case nil:
			continue
		case string:
			if v == "" {
				continue
			}
			return ParseVersion(v)
		case float64:
			return ParseVersion(strconv.FormatFloat(v, 'f', -1, 64))
		case json.Number:
			return ParseVersion(v.String())
		default:
			return Version{}, fmt.Errorf("%w: version of type %T", ErrUnknownVersion, v)
		}
	}
	return BaseVersion, nil
}
