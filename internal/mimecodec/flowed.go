package mimecodec

import "strings"

// unflow reverses RFC 3676 format=flowed wrapping: a line ending in a
// trailing space is a soft break and joins with the next line; when delSp
// is true that trailing space is dropped, otherwise it is kept. Leading
// ">" characters set the quote depth, and the output writes that many ">"
// with no space after them; lines are not rejoined across depth changes.
// The space after the quote markers and a space-stuffing space are
// removed whatever delSp is.
func unflow(body string, delSp bool) string {
	lines := strings.Split(body, "\n")
	var out []string
	var cur string
	curDepth := -1

	flush := func() {
		if cur != "" || curDepth >= 0 {
			out = append(out, strings.Repeat(">", curDepth)+cur)
		}
		cur = ""
		curDepth = -1
	}

	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")

		depth := 0
		rest := line
		for strings.HasPrefix(rest, ">") {
			depth++
			rest = rest[1:]
		}
		rest = strings.TrimPrefix(rest, " ")

		stuffed := strings.HasPrefix(rest, " ")
		if stuffed {
			rest = rest[1:]
		}

		soft := strings.HasSuffix(rest, " ") && rest != ""

		if depth != curDepth {
			flush()
			curDepth = depth
		}

		if soft && delSp {
			cur += strings.TrimSuffix(rest, " ")
		} else {
			cur += rest
		}

		if !soft {
			flush()
		}
	}
	flush()

	return strings.Join(out, "\n")
}
