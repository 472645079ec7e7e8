package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCorpus(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	write("b.md", "# 产品\n\n锐瞳相机")
	write("a.txt", "公司简介")
	write("sub/c.markdown", "  联系方式  ")
	write("empty.txt", "   ")
	write("image.png", "not text")

	docs, err := LoadCorpus(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []Document{
		{Source: "a.txt", Content: "公司简介"},
		{Source: "b.md", Content: "# 产品\n\n锐瞳相机"},
		{Source: "sub/c.markdown", Content: "联系方式"},
	}, docs)
}

func TestLoadCorpusMissingDir(t *testing.T) {
	_, err := LoadCorpus(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestIsCorpusFile(t *testing.T) {
	assert.True(t, IsCorpusFile("x/README.MD"))
	assert.True(t, IsCorpusFile("notes.txt"))
	assert.False(t, IsCorpusFile("index.db"))
}
