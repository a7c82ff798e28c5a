// Package chunker splits raw text into overlapping bounded-size segments
// for embedding.
//
// Splitting is hierarchical: the coarsest separator that keeps each piece
// within the size budget wins, falling back from paragraphs to lines to
// sentences to words, and finally to a hard character split. The function
// is pure and deterministic: identical input and parameters always yield
// identical chunks, which is what keeps re-chunking idempotent across
// pipeline retries.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators orders split candidates from coarsest to finest.
var DefaultSeparators = []string{"\n\n", "\n", ".", " "}

// Split divides text into chunks of at most maxSize bytes. Adjacent
// chunks share up to overlap bytes of trailing context from the previous
// chunk. Empty input yields no chunks. An overlap outside [0, maxSize)
// is treated as zero.
//
// Concatenating the chunks with each chunk's leading overlap removed
// reconstructs the input exactly.
func Split(text string, maxSize, overlap int) []string {
	if text == "" || maxSize <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= maxSize {
		overlap = 0
	}

	// Each chunk carries overlap bytes of context plus fresh text, so
	// fresh segments are budgeted at maxSize-overlap.
	budget := maxSize - overlap
	segments := split(text, budget, DefaultSeparators)

	chunks := make([]string, 0, len(segments))
	for i, seg := range segments {
		if i == 0 || overlap == 0 {
			chunks = append(chunks, seg)
			continue
		}
		chunks = append(chunks, tail(segments[i-1], overlap)+seg)
	}
	return chunks
}

// Cap bounds the number of chunks, deterministically dropping the tail.
// The truncation is documented data loss, not an error: it bounds the
// embedding and indexing cost of a single oversized document.
func Cap(chunks []string, max int) []string {
	if max <= 0 || len(chunks) <= max {
		return chunks
	}
	return chunks[:max]
}

// split recursively divides text into segments of at most budget bytes,
// preferring the earliest (coarsest) separator that appears in the text.
// The concatenation of the returned segments is exactly text.
func split(text string, budget int, separators []string) []string {
	if len(text) <= budget {
		return []string{text}
	}
	if len(separators) == 0 {
		return hardSplit(text, budget)
	}

	sep := separators[0]
	if !strings.Contains(text, sep) {
		return split(text, budget, separators[1:])
	}

	parts := strings.SplitAfter(text, sep)
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, part := range parts {
		if part == "" {
			continue
		}
		if len(part) > budget {
			flush()
			out = append(out, split(part, budget, separators[1:])...)
			continue
		}
		if cur.Len()+len(part) > budget {
			flush()
		}
		cur.WriteString(part)
	}
	flush()
	return out
}

// hardSplit slices text into budget-sized pieces on rune boundaries.
// Last resort when no separator can keep a piece within budget.
func hardSplit(text string, budget int) []string {
	var out []string
	start := 0
	for i, r := range text {
		if i-start+utf8.RuneLen(r) > budget && i > start {
			out = append(out, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// tail returns the last n bytes of s, extended left to a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
