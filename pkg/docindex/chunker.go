package docindex

import "strings"

// Chunker splits document content into overlapping line-aligned chunks. The
// same content always yields the same chunk sequence, which keeps chunk
// indexes stable across re-syncs of unchanged files.
type Chunker struct {
	MaxSize int // chunk boundary in bytes
	MinSize int // a trailing chunk below this folds into the previous one
	Overlap int // bytes carried from the end of one chunk into the next
}

// DefaultChunker matches typical markdown note size.
func DefaultChunker() Chunker {
	return Chunker{MaxSize: 1000, MinSize: 500, Overlap: 50}
}

// chunk is one contiguous slice of a document.
type chunk struct {
	text        string
	startOffset int
	endOffset   int
}

// Split chunks content line by line. A line is never cut in half; the overlap
// window is a raw byte suffix of the previous chunk.
func (c Chunker) Split(content string) []chunk {
	maxSize := c.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultChunker().MaxSize
	}
	minSize := c.MinSize
	overlap := c.Overlap

	var chunks []chunk
	lines := strings.Split(content, "\n")

	var current strings.Builder
	startOffset := 0
	offset := 0
	seeded := 0 // bytes of current carried over from the previous chunk

	for _, line := range lines {
		lineLen := len(line) + 1

		if current.Len() > 0 && current.Len()+lineLen > maxSize {
			chunks = append(chunks, chunk{
				text:        strings.TrimSpace(current.String()),
				startOffset: startOffset,
				endOffset:   offset,
			})

			text := current.String()
			if overlap > 0 && len(text) > overlap {
				tail := text[len(text)-overlap:]
				current.Reset()
				current.WriteString(tail)
				startOffset = offset - overlap
				seeded = len(tail)
			} else {
				current.Reset()
				startOffset = offset
				seeded = 0
			}
		}

		current.WriteString(line)
		current.WriteString("\n")
		offset += lineLen
	}

	// The trailer becomes its own chunk when it carries enough content or is
	// all there is; a short trailer folds into the previous chunk instead so
	// trailing lines are never dropped from the index.
	trailer := strings.TrimSpace(current.String())
	switch {
	case trailer == "":
	case current.Len() >= minSize || len(chunks) == 0:
		chunks = append(chunks, chunk{
			text:        trailer,
			startOffset: startOffset,
			endOffset:   offset,
		})
	default:
		fresh := strings.TrimSpace(current.String()[seeded:])
		if fresh != "" {
			last := &chunks[len(chunks)-1]
			last.text = last.text + "\n" + fresh
			last.endOffset = offset
		}
	}

	return chunks
}

// titleOf extracts a title from markdown content: the first heading line, or
// empty when none exists.
func titleOf(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	return ""
}
