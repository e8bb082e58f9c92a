package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
)

const docxBodyPart = "word/document.xml"

// DOCX reads the main document part of a Word file. Body paragraphs come
// first in document order, then every table row with its cells joined by
// " | ".
type DOCX struct{}

func (DOCX) Extract(ctx context.Context, doc document.Document, data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", failf("document %s: not a docx archive: %v", doc.ID, err)
	}
	var part *zip.File
	for _, f := range zr.File {
		if f.Name == docxBodyPart {
			part = f
			break
		}
	}
	if part == nil {
		return "", failf("document %s: missing %s", doc.ID, docxBodyPart)
	}
	rc, err := part.Open()
	if err != nil {
		return "", failf("document %s: open %s: %v", doc.ID, docxBodyPart, err)
	}
	defer rc.Close()

	paragraphs, rows, err := parseDocumentXML(ctx, rc)
	if err != nil {
		return "", failf("document %s: parse %s: %v", doc.ID, docxBodyPart, err)
	}
	lines := append(paragraphs, rows...)
	if len(lines) == 0 {
		return "", failf("document %s: no paragraph yields text", doc.ID)
	}
	return strings.Join(lines, "\n"), nil
}

// docxWalker tracks where in the WordprocessingML tree the decoder is.
type docxWalker struct {
	paragraphs []string
	rows       []string

	tableDepth int
	inText     bool
	para       strings.Builder
	cell       []string
	row        []string
}

func parseDocumentXML(ctx context.Context, r io.Reader) ([]string, []string, error) {
	dec := xml.NewDecoder(r)
	w := &docxWalker{}
	for n := 0; ; n++ {
		if n%4096 == 0 && ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			w.start(t.Name.Local)
		case xml.EndElement:
			w.end(t.Name.Local)
		case xml.CharData:
			if w.inText {
				w.para.Write(t)
			}
		}
	}
	return w.paragraphs, w.rows, nil
}

func (w *docxWalker) start(name string) {
	switch name {
	case "tbl":
		w.tableDepth++
	case "tr":
		if w.tableDepth == 1 {
			w.row = w.row[:0]
		}
	case "tc":
		if w.tableDepth == 1 {
			w.cell = w.cell[:0]
		}
	case "t":
		w.inText = true
	case "tab":
		w.para.WriteByte('\t')
	case "br", "cr":
		w.para.WriteByte(' ')
	}
}

func (w *docxWalker) end(name string) {
	switch name {
	case "t":
		w.inText = false
	case "p":
		text := strings.TrimSpace(w.para.String())
		w.para.Reset()
		if text == "" {
			return
		}
		if w.tableDepth == 0 {
			w.paragraphs = append(w.paragraphs, text)
		} else {
			w.cell = append(w.cell, text)
		}
	case "tc":
		if w.tableDepth == 1 {
			w.row = append(w.row, strings.Join(w.cell, " "))
		}
	case "tr":
		if w.tableDepth == 1 && hasText(w.row) {
			w.rows = append(w.rows, strings.Join(w.row, " | "))
		}
	case "tbl":
		w.tableDepth--
	}
}

func hasText(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return true
		}
	}
	return false
}
