package retrieval

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ChunkConfig defines chunking parameters. Sizes count runes so Chinese and
// Latin text are measured alike.
type ChunkConfig struct {
	// MaxSize: paragraphs are packed into chunks of at most this size
	MaxSize int
	// Overlap: runes carried over from the previous chunk
	Overlap int
}

// DefaultChunkConfig returns the sizes used for the knowledge base.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{MaxSize: 500, Overlap: 50}
}

// SplitText splits text into retrieval units. Paragraph boundaries are preferred,
// oversized paragraphs are split at sentence ends and oversized sentences at
// MaxSize.
func SplitText(text string, cfg ChunkConfig) []string {
	if cfg.MaxSize <= 0 {
		cfg = DefaultChunkConfig()
	}
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return nil
	}

	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}
	runeLen := func() int { return utf8.RuneCountInString(current.String()) }

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		paraLen := utf8.RuneCountInString(para)

		if paraLen > cfg.MaxSize {
			flush()
			chunks = append(chunks, packSentences(para, cfg.MaxSize)...)
			continue
		}
		if current.Len() > 0 && runeLen()+paraLen+2 > cfg.MaxSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return applyOverlap(chunks, cfg.Overlap)
}

func packSentences(text string, maxSize int) []string {
	var (
		out     []string
		current []rune
	)
	for _, sentence := range splitSentences(text) {
		s := []rune(strings.TrimSpace(sentence))
		if len(s) == 0 {
			continue
		}
		for len(s) > maxSize {
			if len(current) > 0 {
				out = append(out, string(current))
				current = nil
			}
			out = append(out, string(s[:maxSize]))
			s = s[maxSize:]
		}
		if len(current) > 0 && len(current)+len(s)+1 > maxSize {
			out = append(out, string(current))
			current = nil
		}
		if len(current) > 0 && !isCJK(current[len(current)-1]) {
			current = append(current, ' ')
		}
		current = append(current, s...)
	}
	if len(current) > 0 {
		out = append(out, string(current))
	}
	return out
}

// splitSentences cuts after sentence terminators. Full-width terminators end
// a sentence immediately; ASCII ones only before whitespace or end of text.
func splitSentences(text string) []string {
	var (
		sentences []string
		current   strings.Builder
	)
	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		switch r {
		case '。', '！', '？', '；', '\n':
			sentences = append(sentences, current.String())
			current.Reset()
		case '.', '!', '?':
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				sentences = append(sentences, current.String())
				current.Reset()
			}
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, current.String())
	}
	return sentences
}

func applyOverlap(chunks []string, overlap int) []string {
	if overlap <= 0 || len(chunks) <= 1 {
		return chunks
	}
	out := make([]string, len(chunks))
	out[0] = chunks[0]
	for i := 1; i < len(chunks); i++ {
		prev := []rune(chunks[i-1])
		if len(prev) <= overlap {
			out[i] = chunks[i]
			continue
		}
		tail := string(prev[len(prev)-overlap:])
		if idx := strings.IndexAny(tail, " \n"); idx >= 0 && idx < len(tail)-1 {
			tail = tail[idx+1:]
		}
		out[i] = strings.TrimSpace(tail) + " " + chunks[i]
	}
	return out
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.In(r, unicode.Hiragana, unicode.Katakana) ||
		(r >= 0x3000 && r <= 0x303f) || (r >= 0xff00 && r <= 0xffef)
}
