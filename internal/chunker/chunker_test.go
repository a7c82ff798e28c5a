package chunker_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-ai/lodestone/internal/chunker"
)

func TestSplit_Empty(t *testing.T) {
	assert.Nil(t, chunker.Split("", 100, 10))
	assert.Nil(t, chunker.Split("hello", 0, 0))
}

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	chunks := chunker.Split("short text", 100, 10)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short text", chunks[0])
}

func TestSplit_RespectsMaxSize(t *testing.T) {
	text := strings.Repeat("one sentence here. ", 200)
	chunks := chunker.Split(text, 100, 20)
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 100, "chunk %d exceeds max size", i)
		assert.NotEmpty(t, c)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	text := strings.Repeat("paragraph one.\n\nparagraph two with more words.\n", 50)
	a := chunker.Split(text, 200, 50)
	b := chunker.Split(text, 200, 50)
	assert.Equal(t, a, b)
}

func TestSplit_NoOverlapReconstructsInput(t *testing.T) {
	text := "first paragraph.\n\nsecond paragraph with a longer body of text. " +
		strings.Repeat("filler sentence. ", 30) + "\nfinal line"
	chunks := chunker.Split(text, 80, 0)
	require.NotEmpty(t, chunks)
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestSplit_OverlapCarriesTrailingContext(t *testing.T) {
	const maxSize, overlap = 100, 20
	text := strings.Repeat("alpha beta gamma delta epsilon. ", 40)

	// With overlap o, each chunk is the previous segment's tail plus a
	// fresh segment budgeted at maxSize-o. The fresh segments are
	// exactly what an overlap-free split at that budget produces.
	segments := chunker.Split(text, maxSize-overlap, 0)
	chunks := chunker.Split(text, maxSize, overlap)
	require.Equal(t, len(segments), len(chunks))
	require.Equal(t, segments[0], chunks[0])

	for i := 1; i < len(chunks); i++ {
		require.True(t, strings.HasSuffix(chunks[i], segments[i]),
			"chunk %d does not end with its fresh segment", i)
		prefix := chunks[i][:len(chunks[i])-len(segments[i])]
		assert.LessOrEqual(t, len(prefix), overlap)
		assert.True(t, strings.HasSuffix(segments[i-1], prefix),
			"chunk %d overlap is not a suffix of the previous segment", i)
	}
}

func TestSplit_PrefersParagraphBoundaries(t *testing.T) {
	text := "short one.\n\nshort two.\n\nshort three."
	chunks := chunker.Split(text, 15, 0)
	require.Len(t, chunks, 3)
	assert.Equal(t, "short one.\n\n", chunks[0])
	assert.Equal(t, "short two.\n\n", chunks[1])
	assert.Equal(t, "short three.", chunks[2])
}

func TestSplit_HardSplitKeepsRunesIntact(t *testing.T) {
	text := strings.Repeat("é", 500) // no separators at all
	chunks := chunker.Split(text, 7, 2)
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.True(t, utf8.ValidString(c), "chunk %d contains a torn rune", i)
		assert.LessOrEqual(t, len(c), 7)
	}
}

func TestSplit_InvalidOverlapTreatedAsZero(t *testing.T) {
	text := strings.Repeat("word ", 100)
	assert.Equal(t, chunker.Split(text, 50, 0), chunker.Split(text, 50, -1))
	assert.Equal(t, chunker.Split(text, 50, 0), chunker.Split(text, 50, 50))
}

func TestCap(t *testing.T) {
	chunks := []string{"a", "b", "c", "d"}
	assert.Len(t, chunker.Cap(chunks, 2), 2)
	assert.Equal(t, []string{"a", "b"}, chunker.Cap(chunks, 2))
	assert.Len(t, chunker.Cap(chunks, 10), 4)
	assert.Len(t, chunker.Cap(chunks, 0), 4)
	assert.Nil(t, chunker.Cap(nil, 5))
}
