package ingest

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplit_ShortTextIsOneChunk(t *testing.T) {
	chunks := Split("short text", DefaultSplitterConfig())
	if len(chunks) != 1 || chunks[0] != "short text" {
		t.Errorf("Split() = %v, want the input as a single chunk", chunks)
	}
}

func TestSplit_Passthrough(t *testing.T) {
	long := strings.Repeat("word ", 1000)
	chunks := Split(long, SplitterConfig{ChunkSize: 100, Passthrough: true})
	if len(chunks) != 1 {
		t.Errorf("Split() with Passthrough = %d chunks, want 1", len(chunks))
	}
}

func TestSplit_RespectsParagraphs(t *testing.T) {
	text := strings.Repeat("a", 80) + "\n\n" + strings.Repeat("b", 80) + "\n\n" + strings.Repeat("c", 80)
	chunks := Split(text, SplitterConfig{ChunkSize: 100, Overlap: 0})

	if len(chunks) < 2 {
		t.Fatalf("Split() = %d chunks, want the paragraphs distributed", len(chunks))
	}
	for i, c := range chunks {
		if utf8.RuneCountInString(c) > 100+80 {
			t.Errorf("chunk %d has %d runes, far over target", i, utf8.RuneCountInString(c))
		}
	}
}

func TestSplit_OverlapCarriesTail(t *testing.T) {
	text := strings.Repeat("a", 90) + "\n\n" + strings.Repeat("b", 90)
	chunks := Split(text, SplitterConfig{ChunkSize: 100, Overlap: 10})
	if len(chunks) != 2 {
		t.Fatalf("Split() = %d chunks, want 2", len(chunks))
	}
	// The second chunk starts with the tail of the first.
	tail := strings.Repeat("a", 10)
	if !strings.HasPrefix(chunks[1], tail) {
		t.Errorf("chunk 2 = %q..., want prefix %q", chunks[1][:20], tail)
	}
}

func TestSplit_RuneFallbackNeverExceedsChunkSize(t *testing.T) {
	// No separators at all: the rune-level fallback must bound every piece.
	text := strings.Repeat("x", 1000)
	chunks := Split(text, SplitterConfig{ChunkSize: 128, Overlap: 0})
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 128 {
			t.Errorf("chunk %d has %d runes, want <= 128", i, n)
		}
	}
	if joined := strings.Join(chunks, ""); joined != text {
		t.Error("rune fallback lost content")
	}
}

func TestSplit_MultibyteRunesSurviveSplitting(t *testing.T) {
	text := strings.Repeat("héllo wörld ", 200)
	chunks := Split(text, SplitterConfig{ChunkSize: 64, Overlap: 8})
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
	}
}

func TestOverlapTail(t *testing.T) {
	if got := overlapTail("abcdef", 3); got != "def" {
		t.Errorf("overlapTail() = %q, want %q", got, "def")
	}
	if got := overlapTail("ab", 10); got != "ab" {
		t.Errorf("overlapTail() with short input = %q, want %q", got, "ab")
	}
}
