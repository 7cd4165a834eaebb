package terminal

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotUTF8 is returned when the effective locale does not use UTF-8.
var ErrNotUTF8 = errors.New("terminal: locale is not UTF-8")

// CheckUTF8Locale applies the POSIX precedence LC_ALL, LC_CTYPE, LANG to
// the environment lookup and requires the winning value to name a UTF-8
// codeset.
func CheckUTF8Locale(getenv func(string) string) error {
	locale := ""
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		if v := getenv(key); v != "" {
			locale = v
			break
		}
	}
	if !isUTF8Locale(locale) {
		if locale == "" {
			locale = "C"
		}
		return fmt.Errorf("%w: %q", ErrNotUTF8, locale)
	}
	return nil
}

func isUTF8Locale(locale string) bool {
	dot := strings.IndexByte(locale, '.')
	if dot < 0 {
		return false
	}
	codeset := locale[dot+1:]
	if at := strings.IndexByte(codeset, '@'); at >= 0 {
		codeset = codeset[:at]
	}
	codeset = strings.ToLower(strings.ReplaceAll(codeset, "-", ""))
	return codeset == "utf8"
}
