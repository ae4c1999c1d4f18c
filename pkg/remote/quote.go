package remote

import (
	"strings"
)

// Quote escapes s for a POSIX shell. Strings made only of characters that the
// shell never interprets are returned as-is; everything else is wrapped in
// single quotes, each embedded single quote closing and reopening the quoting.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if isSafe(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	b.WriteByte('\'')
	for _, r := range s {
		if r == '\'' {
			b.WriteString(`'\''`)
			continue
		}
		b.WriteRune(r)
	}
	b.WriteByte('\'')
	return b.String()
}

// Join quotes each argument and joins them with spaces
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// EnvValue escapes a value that the caller places inside single quotes,
// as in export KEY='value'
func EnvValue(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}

func isSafe(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '-', c == '.', c == '/', c == ':', c == '=', c == ',', c == '@', c == '+':
		default:
			return false
		}
	}
	return true
}
