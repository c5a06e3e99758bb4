// Package ingest turns raw documents into indexed chunks: split, embed,
// upsert. Upload bytes are charged against the tenant's quota before any
// work happens, through the same reserve/commit path queries use.
package ingest

import (
	"strings"
	"unicode/utf8"
)

// SplitterConfig configures the text splitter.
type SplitterConfig struct {
	ChunkSize int    // target chunk size in runes (default 512)
	Overlap   int    // rune overlap between consecutive chunks (default 50)
	Separator string // preferred separator, tried before the built-in cascade
	// Passthrough returns the whole text as a single chunk.
	Passthrough bool
}

// DefaultSplitterConfig returns the defaults for recursive splitting.
func DefaultSplitterConfig() SplitterConfig {
	return SplitterConfig{ChunkSize: 512, Overlap: 50, Separator: "\n\n"}
}

// Split breaks text into overlapping pieces. Separators are tried from
// coarsest to finest; a rune-level split is the fallback so no single piece
// ever exceeds the chunk size.
func Split(text string, cfg SplitterConfig) []string {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 512
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}

	if cfg.Passthrough || utf8.RuneCountInString(text) <= cfg.ChunkSize {
		return []string{text}
	}

	separators := []string{"\n\n", "\n", ". ", " ", ""}
	if cfg.Separator != "" {
		separators = append([]string{cfg.Separator}, separators...)
	}
	return recursiveSplit(text, separators, cfg.ChunkSize, cfg.Overlap)
}

func recursiveSplit(text string, separators []string, chunkSize, overlap int) []string {
	if utf8.RuneCountInString(text) <= chunkSize {
		return []string{text}
	}

	var segments []string
	var usedSep string
	for _, sep := range separators {
		if sep == "" {
			segments = splitByRunes(text, chunkSize)
			break
		}
		if parts := strings.Split(text, sep); len(parts) > 1 {
			segments = parts
			usedSep = sep
			break
		}
	}
	if len(segments) == 0 {
		return []string{text}
	}

	// Merge segments up to the target size, carrying the overlap tail
	// forward into the next chunk.
	var chunks []string
	var current strings.Builder
	for _, seg := range segments {
		candidate := current.String()
		if candidate != "" {
			candidate += usedSep
		}
		candidate += seg

		if utf8.RuneCountInString(candidate) > chunkSize && current.Len() > 0 {
			chunks = append(chunks, current.String())

			tail := overlapTail(current.String(), overlap)
			current.Reset()
			if tail != "" {
				current.WriteString(tail)
				current.WriteString(usedSep)
			}
			current.WriteString(seg)
		} else {
			if current.Len() > 0 {
				current.WriteString(usedSep)
			}
			current.WriteString(seg)
		}
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// overlapTail returns the last n runes of s.
func overlapTail(s string, n int) string {
	runes := []rune(s)
	if n >= len(runes) {
		return s
	}
	return string(runes[len(runes)-n:])
}

func splitByRunes(text string, n int) []string {
	runes := []rune(text)
	var segments []string
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		segments = append(segments, string(runes[i:end]))
	}
	return segments
}
