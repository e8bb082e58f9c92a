package extract

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type candidate struct {
	name string
	enc  encoding.Encoding
}

// Tried after strict UTF-8, in order. UTF-16 only accepts input that
// starts with a byte-order mark. Windows-1252 is preferred over Latin-1 for
// its printable 0x80-0x9F range.
var textEncodings = []candidate{
	{"utf-16", unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM)},
	{"cp1252", charmap.Windows1252},
	{"latin-1", charmap.ISO8859_1},
}

// PlainText decodes text files by trying a fixed list of encodings.
type PlainText struct{}

func (PlainText) Extract(_ context.Context, doc document.Document, data []byte) (string, error) {
	text, _, ok := DecodeText(data)
	if !ok {
		return "", failf("document %s: no encoding produced text", doc.ID)
	}
	return text, nil
}

// DecodeText returns the first decoding of data that succeeds and is not
// blank, along with the encoding name.
func DecodeText(data []byte) (string, string, bool) {
	if utf8.Valid(data) {
		text := string(bytes.TrimPrefix(data, utf8BOM))
		if strings.TrimSpace(text) != "" {
			return text, "utf-8", true
		}
	}
	for _, c := range textEncodings {
		out, err := c.enc.NewDecoder().Bytes(data)
		if err != nil || bytes.ContainsRune(out, utf8.RuneError) {
			continue
		}
		text := string(out)
		if strings.TrimSpace(text) != "" {
			return text, c.name, true
		}
	}
	return "", "", false
}
