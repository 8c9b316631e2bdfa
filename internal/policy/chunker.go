package policy

import (
	"strings"
	"unicode/utf8"
)

// Chunker splits policy text into overlapping windows. A window is cut at the
// last newline or sentence end in its second half when one exists.
type Chunker struct {
	Size    int
	Overlap int
}

// DefaultChunker returns 500 character windows with 100 characters of overlap.
func DefaultChunker() Chunker {
	return Chunker{Size: 500, Overlap: 100}
}

// Split returns the non-empty trimmed chunks of text in order.
func (c Chunker) Split(text string) []string {
	size, overlap := c.Size, c.Overlap
	if size <= 0 {
		size = DefaultChunker().Size
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			end = len(text)
		} else {
			window := text[start:end]
			cut := strings.LastIndex(window, "\n")
			if dot := strings.LastIndex(window, ". "); dot > cut {
				cut = dot
			}
			if cut > size/2 {
				end = start + cut + 1
			}
			for end > start+1 && !utf8.RuneStart(text[end]) {
				end--
			}
		}

		if chunk := strings.TrimSpace(text[start:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(text) {
			break
		}

		next := end - overlap
		for next > start && next < len(text) && !utf8.RuneStart(text[next]) {
			next--
		}
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}
