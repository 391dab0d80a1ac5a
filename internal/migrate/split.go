package migrate

import "strings"

// splitStatements cuts a SQL script on top-level semicolons. Quoted strings,
// dollar-quoted bodies and line comments are not split.
func splitStatements(src string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '-' && strings.HasPrefix(src[i:], "--"):
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				i = len(src)
			} else {
				i += end
			}
		case c == '\'':
			end := closingQuote(src, i+1)
			cur.WriteString(src[i:end])
			i = end
		case c == '$':
			tag, ok := dollarTag(src[i:])
			if !ok {
				cur.WriteByte(c)
				i++
				continue
			}
			body := i + len(tag)
			end := strings.Index(src[body:], tag)
			if end < 0 {
				cur.WriteString(src[i:])
				i = len(src)
				continue
			}
			stop := body + end + len(tag)
			cur.WriteString(src[i:stop])
			i = stop
		case c == ';':
			flush()
			i++
		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	return stmts
}

// closingQuote returns the index just past the quote that ends a literal
// starting at from. Doubled quotes are escapes.
func closingQuote(src string, from int) int {
	for j := from; j < len(src); j++ {
		if src[j] != '\'' {
			continue
		}
		if j+1 < len(src) && src[j+1] == '\'' {
			j++
			continue
		}
		return j + 1
	}
	return len(src)
}

// dollarTag recognizes $$ and $tag$ openers. Positional parameters like $1 are not tags.
func dollarTag(s string) (string, bool) {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return "", false
	}
	tag := s[1 : end+1]
	for k, r := range tag {
		letter := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !letter && (k == 0 || r < '0' || r > '9') {
			return "", false
		}
	}
	return s[:end+2], true
}
