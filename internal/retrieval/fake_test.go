package retrieval

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"unicode"
)

const fakeDim = 64

// wordEmbedder hashes lower-cased words into a fixed-size count vector.
type wordEmbedder struct {
	err error
}

func (e wordEmbedder) vector(text string) []float32 {
	vec := make([]float32, fakeDim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%fakeDim]++
	}
	return vec
}

func (e wordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e wordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vector(text), nil
}

// blockingEmbedder waits for the context to end.
type blockingEmbedder struct{}

func (blockingEmbedder) EmbedDocuments(ctx context.Context, _ []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingEmbedder) EmbedQuery(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

var errEmbedDown = errors.New("ollama down")

var testDocs = []Document{
	{Source: "about.md", Content: "Ruitong builds machine vision cameras for factories."},
	{Source: "canteen.txt", Content: "The canteen serves noodles every Friday."},
	{Source: "hr.md", Content: "Holiday requests go to the people team."},
}
