package retrieval

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTextEmpty(t *testing.T) {
	assert.Nil(t, SplitText("  \n\n ", DefaultChunkConfig()))
}

func TestSplitTextPacksParagraphs(t *testing.T) {
	text := "第一段。\r\n\r\n第二段。"
	chunks := SplitText(text, ChunkConfig{MaxSize: 500})
	require.Len(t, chunks, 1)
	assert.Equal(t, "第一段。\n\n第二段。", chunks[0])
}

func TestSplitTextBreaksBetweenParagraphs(t *testing.T) {
	text := "alpha beta gamma delta\n\nepsilon zeta eta theta"
	chunks := SplitText(text, ChunkConfig{MaxSize: 25})
	assert.Equal(t, []string{"alpha beta gamma delta", "epsilon zeta eta theta"}, chunks)
}

func TestSplitTextSentenceSplit(t *testing.T) {
	sentence := "一二三四五六七八九。"
	text := strings.Repeat(sentence, 3)
	chunks := SplitText(text, ChunkConfig{MaxSize: 15})
	assert.Equal(t, []string{sentence, sentence, sentence}, chunks)
}

func TestSplitTextHardSplit(t *testing.T) {
	text := strings.Repeat("字", 40)
	chunks := SplitText(text, ChunkConfig{MaxSize: 15})
	require.Len(t, chunks, 3)
	assert.Equal(t, 15, utf8.RuneCountInString(chunks[0]))
	assert.Equal(t, 15, utf8.RuneCountInString(chunks[1]))
	assert.Equal(t, 10, utf8.RuneCountInString(chunks[2]))
}

func TestSplitTextOverlap(t *testing.T) {
	text := "alpha beta gamma delta\n\nepsilon zeta eta theta"
	chunks := SplitText(text, ChunkConfig{MaxSize: 25, Overlap: 10})
	require.Len(t, chunks, 2)
	assert.Equal(t, "alpha beta gamma delta", chunks[0])
	assert.Equal(t, "delta epsilon zeta eta theta", chunks[1])
}

func TestSplitSentencesASCII(t *testing.T) {
	got := splitSentences("Version 1.5 ships today. Really!")
	assert.Equal(t, []string{"Version 1.5 ships today.", " Really!"}, got)
}
