// Package normalize cleans extracted text before chunking. It removes NUL
// and byte-order marks, unifies line endings, collapses horizontal
// whitespace, trims every line and limits blank lines to one paragraph
// break. Normalize is idempotent.
package normalize

import (
	"strings"
	"unicode"
)

const bom = '\uFEFF'

// Normalize returns the cleaned form of text.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var out strings.Builder
	out.Grow(len(text))
	newlines := 0
	for _, line := range strings.Split(text, "\n") {
		line = collapseLine(line)
		if line == "" {
			newlines++
			continue
		}
		if out.Len() > 0 {
			if newlines > 1 {
				out.WriteString("\n\n")
			} else {
				out.WriteByte('\n')
			}
		}
		out.WriteString(line)
		newlines = 1
	}
	return out.String()
}

// collapseLine drops NUL and BOM, squeezes whitespace runs to one space and
// trims both ends.
func collapseLine(line string) string {
	var b strings.Builder
	b.Grow(len(line))
	pendingSpace := false
	for _, r := range line {
		switch {
		case r == 0 || r == bom:
			continue
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
