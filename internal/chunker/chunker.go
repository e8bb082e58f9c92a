// Package chunker splits normalized text into overlapping passages. Cuts
// prefer sentence ends, then whitespace, then the raw window edge, so
// passages rarely end mid-word.
package chunker

import (
	"iter"
	"net/http"
	"strings"
	"unicode"

	apperrors "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/errors"
)

const (
	DefaultMinSize = 100
	DefaultMaxSize = 5000

	// sentenceSearchFraction is where, within the window, the backward
	// search for a sentence end starts.
	sentenceSearchFraction = 0.8
	// whitespaceLookback bounds the backward search for a word break.
	whitespaceLookback = 100
)

// Bounds is the accepted chunk size range.
type Bounds struct {
	MinSize int
	MaxSize int
}

// Chunk is one passage of text. Start and End are rune offsets of the
// trimmed text within the chunked input.
type Chunk struct {
	Text  string
	Start int
	End   int
}

// Chunker validates parameters against its bounds and produces chunk
// sequences.
type Chunker struct {
	bounds Bounds
}

// New returns a Chunker. Zero bounds fall back to the defaults.
func New(b Bounds) *Chunker {
	if b.MinSize <= 0 {
		b.MinSize = DefaultMinSize
	}
	if b.MaxSize <= 0 {
		b.MaxSize = DefaultMaxSize
	}
	return &Chunker{bounds: b}
}

// Bounds returns the accepted size range.
func (c *Chunker) Bounds() Bounds {
	return c.bounds
}

// Validate checks size and overlap against the bounds.
func (c *Chunker) Validate(size, overlap int) error {
	if size < c.bounds.MinSize || size > c.bounds.MaxSize {
		return apperrors.Newf(apperrors.ErrChunking, http.StatusBadRequest,
			"chunk size %d outside [%d, %d]", size, c.bounds.MinSize, c.bounds.MaxSize)
	}
	if overlap < 0 || overlap >= size {
		return apperrors.Newf(apperrors.ErrChunking, http.StatusBadRequest,
			"chunk overlap %d must be in [0, %d)", overlap, size)
	}
	return nil
}

// Chunks validates the parameters and returns a lazy sequence over the
// chunks of text. The sequence can be ranged over any number of times.
func (c *Chunker) Chunks(text string, size, overlap int) (iter.Seq[Chunk], error) {
	if err := c.Validate(size, overlap); err != nil {
		return nil, err
	}
	return func(yield func(Chunk) bool) {
		runes := []rune(text)
		n := len(runes)
		start, lastEnd := 0, 0
		for start < n {
			end := min(start+size, n)
			cut := end
			if end < n {
				cut = findCut(runes, start, end, size)
			}
			// a chunk inside the previous one adds nothing
			if ch, ok := trimmed(runes, start, cut); ok && ch.End > lastEnd {
				if !yield(ch) {
					return
				}
				lastEnd = ch.End
			}
			if cut >= n {
				return
			}
			start = nextStart(runes, start, cut, overlap)
		}
	}, nil
}

// Collect drains seq into a slice.
func Collect(seq iter.Seq[Chunk]) []Chunk {
	var out []Chunk
	for ch := range seq {
		out = append(out, ch)
	}
	return out
}

// Texts returns the text of each chunk.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, ch := range chunks {
		out[i] = ch.Text
	}
	return out
}

// Reconstruct stitches chunks of text back together by offset, dropping
// overlapping runes and restoring the whitespace trimmed between chunks.
// The result equals text with its outer whitespace trimmed.
func Reconstruct(text string, chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	runes := []rune(text)
	var b strings.Builder
	b.Grow(len(text))
	pos := chunks[0].Start
	for _, ch := range chunks {
		if ch.End <= pos {
			continue
		}
		b.WriteString(string(runes[pos:ch.End]))
		pos = ch.End
	}
	return b.String()
}

// findCut picks the end of the window [start, end) for a window that does
// not reach the end of the text.
func findCut(r []rune, start, end, size int) int {
	pivot := start + int(float64(size)*sentenceSearchFraction)
	// r[i+1] must exist and sit inside the window
	if pivot > end-2 {
		pivot = end - 2
	}
	for i := pivot; i > start; i-- {
		if isTerminator(r[i]) && (r[i+1] == ' ' || r[i+1] == '\n') {
			return i + 2
		}
	}
	floor := max(start+1, end-whitespaceLookback)
	for j := end; j >= floor; j-- {
		if unicode.IsSpace(r[j]) {
			return j
		}
	}
	return end
}

// nextStart steps back by overlap from cut, then forward to the next word
// start when that lands inside a word. The result always advances.
func nextStart(r []rune, start, cut, overlap int) int {
	next := cut - overlap
	if next > 0 && next < cut && !unicode.IsSpace(r[next-1]) && !unicode.IsSpace(r[next]) {
		for k := next; k < cut; k++ {
			if unicode.IsSpace(r[k]) {
				next = k + 1
				break
			}
		}
	}
	if next <= start {
		next = start + 1
	}
	return next
}

func trimmed(r []rune, start, end int) (Chunk, bool) {
	for start < end && unicode.IsSpace(r[start]) {
		start++
	}
	for end > start && unicode.IsSpace(r[end-1]) {
		end--
	}
	if start == end {
		return Chunk{}, false
	}
	return Chunk{Text: string(r[start:end]), Start: start, End: end}, true
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
