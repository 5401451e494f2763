package filter

import "strings"

// normalize accepts the short statement forms operators tend to type:
// a leading "return", a trailing ';', strict (in)equality operators and
// single-quoted strings, and rewrites them into a plain CUE expression.
func normalize(src string) string {
	s := strings.TrimSpace(src)
	if rest, ok := strings.CutPrefix(s, "return "); ok {
		s = strings.TrimSpace(rest)
	}
	s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	return rewrite(s)
}

func rewrite(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '"':
			j := skipQuoted(s, i, '"')
			b.WriteString(s[i:j])
			i = j
		case c == '\'':
			j := skipQuoted(s, i, '\'')
			b.WriteString(requote(s[i:j]))
			i = j
		case strings.HasPrefix(s[i:], "==="):
			b.WriteString("==")
			i += 3
		case strings.HasPrefix(s[i:], "!=="):
			b.WriteString("!=")
			i += 3
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// skipQuoted returns the index just past the string literal starting at i.
// An unterminated literal runs to the end of s.
func skipQuoted(s string, i int, q byte) int {
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case q:
			return j + 1
		}
	}
	return len(s)
}

// requote turns 'abc' into "abc".
func requote(lit string) string {
	body := strings.TrimPrefix(lit, "'")
	body = strings.TrimSuffix(body, "'")
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\' && i+1 < len(body) && body[i+1] == '\'':
			b.WriteByte('\'')
			i++
		case c == '\\' && i+1 < len(body):
			b.WriteByte(c)
			b.WriteByte(body[i+1])
			i++
		case c == '"':
			b.WriteString(`\"`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
