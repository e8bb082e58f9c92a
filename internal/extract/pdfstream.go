package extract

import (
	"strconv"
	"strings"
	"unicode/utf16"
)

// TJ adjustments at or below this many thousandths of an em are read as a
// word gap.
const tjSpaceThreshold = -200

// ScanContentText returns the text shown by a decoded page content stream.
// It understands the Tj, TJ, ' and " show-text operators and starts a new
// line on vertical moves (Td, TD, T*, Tm) and at the end of text objects.
// Glyphs are read as PDFDocEncoding, or UTF-16BE when the string carries
// a byte-order mark; fonts with custom encodings come out garbled.
func ScanContentText(content []byte) string {
	s := &streamScanner{data: content}
	s.run()
	return s.out.String()
}

type streamScanner struct {
	data []byte
	pos  int

	out      strings.Builder
	lineText bool

	strs    []string
	nums    []float64
	inArray bool
}

func (s *streamScanner) run() {
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		switch {
		case isPDFSpace(c):
			s.pos++
		case c == '%':
			s.skipComment()
		case c == '(':
			s.strs = append(s.strs, decodePDFString(s.readLiteral()))
		case c == '<':
			if s.peek(1) == '<' {
				s.skipDict()
			} else {
				s.strs = append(s.strs, decodePDFString(s.readHex()))
			}
		case c == '[':
			s.inArray = true
			s.pos++
		case c == ']':
			s.inArray = false
			s.pos++
		case c == '/':
			s.pos++
			s.readWord()
		case c == '{' || c == '}' || c == '>' || c == ')':
			s.pos++
		default:
			word := s.readWord()
			if word == "" {
				s.pos++
				continue
			}
			if n, err := strconv.ParseFloat(word, 64); err == nil {
				s.nums = append(s.nums, n)
				if s.inArray && n <= tjSpaceThreshold {
					s.strs = append(s.strs, " ")
				}
				continue
			}
			s.operator(word)
		}
	}
}

func (s *streamScanner) operator(op string) {
	switch op {
	case "Tj", "TJ":
		s.show()
	case "'", "\"":
		s.newline()
		s.show()
	case "Td", "TD":
		if len(s.nums) >= 2 && s.nums[len(s.nums)-1] != 0 {
			s.newline()
		} else if s.lineText {
			s.out.WriteByte(' ')
		}
	case "T*", "Tm", "ET":
		s.newline()
	case "BI":
		s.skipInlineImage()
	}
	s.strs = s.strs[:0]
	s.nums = s.nums[:0]
}

func (s *streamScanner) show() {
	for _, str := range s.strs {
		if str == "" {
			continue
		}
		s.out.WriteString(str)
		s.lineText = true
	}
}

func (s *streamScanner) newline() {
	if s.lineText {
		s.out.WriteByte('\n')
		s.lineText = false
	}
}

func (s *streamScanner) peek(offset int) byte {
	if s.pos+offset < len(s.data) {
		return s.data[s.pos+offset]
	}
	return 0
}

func (s *streamScanner) readWord() string {
	start := s.pos
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		if isPDFSpace(c) || isPDFDelimiter(c) {
			break
		}
		s.pos++
	}
	return string(s.data[start:s.pos])
}

func (s *streamScanner) skipComment() {
	for s.pos < len(s.data) && s.data[s.pos] != '\n' && s.data[s.pos] != '\r' {
		s.pos++
	}
}

func (s *streamScanner) skipDict() {
	depth := 0
	for s.pos < len(s.data) {
		switch {
		case s.data[s.pos] == '<' && s.peek(1) == '<':
			depth++
			s.pos += 2
		case s.data[s.pos] == '>' && s.peek(1) == '>':
			depth--
			s.pos += 2
			if depth == 0 {
				return
			}
		case s.data[s.pos] == '(':
			s.readLiteral()
		default:
			s.pos++
		}
	}
}

// skipInlineImage jumps past the binary data of a BI ... ID ... EI block.
func (s *streamScanner) skipInlineImage() {
	for s.pos+2 < len(s.data) {
		if isPDFSpace(s.data[s.pos]) && s.data[s.pos+1] == 'E' && s.data[s.pos+2] == 'I' &&
			(s.pos+3 == len(s.data) || isPDFSpace(s.data[s.pos+3])) {
			s.pos += 3
			return
		}
		s.pos++
	}
	s.pos = len(s.data)
}

// readLiteral reads a balanced (...) string starting at the opening
// parenthesis and resolves its escapes.
func (s *streamScanner) readLiteral() []byte {
	s.pos++
	var out []byte
	depth := 1
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		s.pos++
		switch c {
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return out
			}
			out = append(out, c)
		case '\\':
			out = s.readEscape(out)
		default:
			out = append(out, c)
		}
	}
	return out
}

func (s *streamScanner) readEscape(out []byte) []byte {
	if s.pos >= len(s.data) {
		return out
	}
	c := s.data[s.pos]
	s.pos++
	switch c {
	case 'n':
		return append(out, '\n')
	case 'r':
		return append(out, '\r')
	case 't':
		return append(out, '\t')
	case 'b':
		return append(out, '\b')
	case 'f':
		return append(out, '\f')
	case '\r':
		if s.pos < len(s.data) && s.data[s.pos] == '\n' {
			s.pos++
		}
		return out
	case '\n':
		return out
	}
	if c >= '0' && c <= '7' {
		v := int(c - '0')
		for i := 0; i < 2 && s.pos < len(s.data); i++ {
			d := s.data[s.pos]
			if d < '0' || d > '7' {
				break
			}
			v = v*8 + int(d-'0')
			s.pos++
		}
		return append(out, byte(v))
	}
	return append(out, c)
}

func (s *streamScanner) readHex() []byte {
	s.pos++
	var out []byte
	var hi byte
	half := false
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		s.pos++
		if c == '>' {
			break
		}
		v, ok := hexValue(c)
		if !ok {
			continue
		}
		if half {
			out = append(out, hi<<4|v)
		} else {
			hi = v
		}
		half = !half
	}
	if half {
		out = append(out, hi<<4)
	}
	return out
}

func decodePDFString(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		units := make([]uint16, 0, (len(b)-2)/2)
		for i := 2; i+1 < len(b); i += 2 {
			units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
		}
		return string(utf16.Decode(units))
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		switch {
		case c == '\n' || c == '\r' || c == '\t':
			sb.WriteByte(' ')
		case c < 0x20 || c == 0x7F:
		default:
			sb.WriteRune(rune(c))
		}
	}
	return sb.String()
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func isPDFSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', 0:
		return true
	}
	return false
}

func isPDFDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}
