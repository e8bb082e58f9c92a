package chunker

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/errors"
)

func chunkAll(t *testing.T, c *Chunker, text string, size, overlap int) []Chunk {
	t.Helper()
	seq, err := c.Chunks(text, size, overlap)
	require.NoError(t, err)
	return Collect(seq)
}

func TestChunks_SentenceBoundaries(t *testing.T) {
	c := New(Bounds{MinSize: 10, MaxSize: 5000})
	got := chunkAll(t, c, "Climate risk. Water usage. Governance policy.", 20, 5)

	assert.Equal(t, []string{"Climate risk.", "Water usage.", "Governance policy."}, Texts(got))
	assert.Equal(t, Chunk{Text: "Climate risk.", Start: 0, End: 13}, got[0])
	assert.Equal(t, 14, got[1].Start)
	assert.Equal(t, 27, got[2].Start)
	assert.Equal(t, 45, got[2].End)
	assert.Equal(t, "Climate risk. Water usage. Governance policy.", Reconstruct("Climate risk. Water usage. Governance policy.", got))
}

func TestChunks_Validation(t *testing.T) {
	c := New(Bounds{})
	tests := []struct {
		name          string
		size, overlap int
	}{
		{"size below min", 99, 0},
		{"size above max", 5001, 0},
		{"negative overlap", 500, -1},
		{"overlap equals size", 500, 500},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Chunks("text", tc.size, tc.overlap)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrChunking))
		})
	}

	_, err := c.Chunks("text", 100, 99)
	assert.NoError(t, err)
}

func TestChunks_Empty(t *testing.T) {
	c := New(Bounds{})
	assert.Empty(t, chunkAll(t, c, "", 100, 10))
	assert.Empty(t, chunkAll(t, c, "   \n\n  ", 100, 10))
}

func TestChunks_ShortTextIsOneChunk(t *testing.T) {
	c := New(Bounds{})
	got := chunkAll(t, c, "  A single short paragraph.  ", 100, 20)
	require.Len(t, got, 1)
	assert.Equal(t, "A single short paragraph.", got[0].Text)
}

func TestChunks_WhitespaceFallback(t *testing.T) {
	c := New(Bounds{MinSize: 10, MaxSize: 100})
	got := chunkAll(t, c, "alpha beta gamma delta epsilon zeta", 12, 0)
	assert.Equal(t, []string{"alpha beta", "gamma delta", "epsilon", "zeta"}, Texts(got))
}

func TestChunks_RawEdgeWhenNoBreak(t *testing.T) {
	c := New(Bounds{MinSize: 10, MaxSize: 100})
	got := chunkAll(t, c, strings.Repeat("x", 35), 10, 0)
	assert.Equal(t, []string{"xxxxxxxxxx", "xxxxxxxxxx", "xxxxxxxxxx", "xxxxx"}, Texts(got))
}

func TestChunks_Restartable(t *testing.T) {
	c := New(Bounds{})
	text := strings.Repeat("Sentence number one is here. ", 40)
	seq, err := c.Chunks(text, 200, 40)
	require.NoError(t, err)

	first := Collect(seq)
	second := Collect(seq)
	assert.Equal(t, first, second)

	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestChunks_Multibyte(t *testing.T) {
	c := New(Bounds{MinSize: 10, MaxSize: 100})
	text := "Über Wasser. Größe der Flüsse. Naïve café au lait."
	got := chunkAll(t, c, text, 16, 4)
	runes := []rune(text)
	for _, ch := range got {
		assert.Equal(t, ch.Text, string(runes[ch.Start:ch.End]))
		assert.LessOrEqual(t, len([]rune(ch.Text)), 16)
	}
}

// Every chunk respects the size limit and the chunks stitched by offset
// cover the input up to whitespace between them.
func TestChunks_Properties(t *testing.T) {
	c := New(Bounds{MinSize: 10, MaxSize: 5000})
	rng := rand.New(rand.NewPCG(1, 2))
	words := []string{"water", "risk.", "governance", "policy!", "a", "emissions?", "supply", "chain\n\n", "x"}

	for round := 0; round < 200; round++ {
		var b strings.Builder
		n := rng.IntN(300)
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(words[rng.IntN(len(words))])
		}
		text := b.String()
		size := 10 + rng.IntN(200)
		overlap := rng.IntN(size)

		got := chunkAll(t, c, text, size, overlap)
		assertCovers(t, text, got, size)
		assert.Equal(t, strings.TrimSpace(text), Reconstruct(text, got))
	}
}

func assertCovers(t *testing.T, text string, chunks []Chunk, size int) {
	t.Helper()
	runes := []rune(text)
	covered := 0
	for i, ch := range chunks {
		require.NotEmpty(t, ch.Text)
		require.LessOrEqual(t, len([]rune(ch.Text)), size)
		require.Equal(t, ch.Text, string(runes[ch.Start:ch.End]))
		if i > 0 {
			require.GreaterOrEqual(t, ch.Start, chunks[i-1].Start)
			require.Greater(t, ch.End, chunks[i-1].End, "chunks must advance")
		}
		if ch.Start > covered {
			gap := string(runes[covered:ch.Start])
			require.Empty(t, strings.TrimFunc(gap, unicode.IsSpace), "uncovered text %q", gap)
		}
		covered = max(covered, ch.End)
	}
	tail := string(runes[covered:])
	require.Empty(t, strings.TrimFunc(tail, unicode.IsSpace), "uncovered tail %q", tail)
}

func BenchmarkChunks(b *testing.B) {
	c := New(Bounds{})
	text := strings.Repeat("Distributed retrieval systems split documents into passages. ", 2000)
	b.ReportAllocs()
	b.SetBytes(int64(len(text)))
	for b.Loop() {
		seq, _ := c.Chunks(text, 1000, 200)
		for range seq {
		}
	}
}
