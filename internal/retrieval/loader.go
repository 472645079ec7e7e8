package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
)

// CorpusExtensions lists the file types read from the corpus directory.
var CorpusExtensions = []string{".txt", ".md", ".markdown"}

// Document is one corpus file.
type Document struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// LoadCorpus reads every corpus file under dir, in path order.
func LoadCorpus(ctx context.Context, dir string) ([]Document, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init corpus parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init corpus loader: %w", err)
	}

	var paths []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsCorpusFile(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan corpus %s: %w", dir, err)
	}
	sort.Strings(paths)

	docs := make([]Document, 0, len(paths))
	for _, path := range paths {
		loaded, err := loader.Load(ctx, document.Source{URI: path})
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		var b strings.Builder
		for _, d := range loaded {
			content := strings.TrimSpace(d.Content)
			if content == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(content)
		}
		if b.Len() == 0 {
			continue
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		docs = append(docs, Document{Source: filepath.ToSlash(rel), Content: b.String()})
	}
	return docs, nil
}

// IsCorpusFile reports whether path has a corpus extension.
func IsCorpusFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range CorpusExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
