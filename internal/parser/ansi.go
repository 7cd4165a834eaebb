// Package parser turns recorded terminal output into plain text.
package parser

import (
	"regexp"
	"unicode/utf8"
)

var (
	ansiCSI      = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)
	ansiOSC      = regexp.MustCompile(`\x1b\].*?(?:\x07|\x1b\\)`)
	ansiDCS      = regexp.MustCompile(`\x1bP.*?\x1b\\`)
	ansiPM       = regexp.MustCompile(`\x1b\^.*?\x1b\\`)
	ansiAPC      = regexp.MustCompile(`\x1b_.*?\x1b\\`)
	ansiOldTitle = regexp.MustCompile(`\x1bk.*?\x1b\\`)
	ansiCharset  = regexp.MustCompile(`\x1b[()][0-9A-Za-z]`)
	ansiKeypad   = regexp.MustCompile(`\x1b[=>]`)
	ansiSingle   = regexp.MustCompile(`\x1b.`)

	strippers = []*regexp.Regexp{
		ansiCSI, ansiOSC, ansiDCS, ansiPM, ansiAPC,
		ansiOldTitle, ansiCharset, ansiKeypad, ansiSingle,
	}
)

// StripANSI removes escape sequences and control bytes from terminal
// output. Carriage returns are dropped and backspace erases the previous
// character.
func StripANSI(s string) string {
	return string(stripANSI([]byte(s)))
}

func stripANSI(b []byte) []byte {
	for _, re := range strippers {
		b = re.ReplaceAllLiteral(b, nil)
	}

	result := make([]byte, 0, len(b))
	for _, ch := range b {
		if ch == '\r' {
			continue
		}
		if ch == '\b' {
			if len(result) > 0 {
				_, size := utf8.DecodeLastRune(result)
				result = result[:len(result)-size]
			}
			continue
		}
		// Remove remaining control bytes except line breaks and tabs.
		if (ch < 0x20 || ch == 0x7f) && ch != '\n' && ch != '\t' {
			continue
		}
		result = append(result, ch)
	}
	return result
}

// incompleteEscape reports whether b, which starts with ESC, could still
// become one of the sequences above once more bytes arrive.
func incompleteEscape(b []byte) bool {
	if len(b) < 2 {
		return true
	}
	var re *regexp.Regexp
	switch b[1] {
	case '[':
		re = ansiCSI
	case ']':
		re = ansiOSC
	case 'P':
		re = ansiDCS
	case '^':
		re = ansiPM
	case '_':
		re = ansiAPC
	case 'k':
		re = ansiOldTitle
	case '(', ')':
		return len(b) < 3
	default:
		return false
	}
	loc := re.FindIndex(b)
	return loc == nil || loc[0] != 0
}
