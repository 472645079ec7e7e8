package retrieval

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta   = []byte("meta")
	bucketDocs   = []byte("docs")
	bucketChunks = []byte("chunks")
	keyMeta      = []byte("index")
)

// ErrIndexMissing is returned by OpenIndex when no index file exists.
var ErrIndexMissing = errors.New("knowledge index not found")

// Meta describes a built index.
type Meta struct {
	EmbeddingModel string    `json:"embedding_model"`
	Dimension      int       `json:"dimension"`
	Documents      int       `json:"documents"`
	Chunks         int       `json:"chunks"`
	BuiltAt        time.Time `json:"built_at"`
}

// Chunk is an embedded slice of a corpus document.
type Chunk struct {
	Source    string    `json:"source"`
	Position  int       `json:"position"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
}

// Hit is a search result.
type Hit struct {
	Chunk
	Score float64
}

// Index is an immutable in-memory copy of a bbolt index file.
type Index struct {
	Meta   Meta
	docs   []Document
	chunks []Chunk
}

// BuildIndex chunks and embeds docs and writes a new index at path. The file
// is written to a unique temp file next to path and renamed into place, so
// readers never observe a partial index and concurrent builds do not clobber
// each other's temp files.
func BuildIndex(ctx context.Context, path string, docs []Document, emb Embedder, modelName string, cfg ChunkConfig) (*Index, error) {
	var chunks []Chunk
	for _, d := range docs {
		for pos, c := range SplitText(d.Content, cfg) {
			chunks = append(chunks, Chunk{Source: d.Source, Position: pos, Content: c})
		}
	}

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vectors, err := emb.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed corpus: %w", err)
		}
		if len(vectors) != len(chunks) {
			return nil, fmt.Errorf("embed corpus: got %d vectors for %d chunks", len(vectors), len(chunks))
		}
		for i := range chunks {
			chunks[i].Embedding = vectors[i]
		}
	}

	idx := &Index{
		Meta: Meta{
			EmbeddingModel: modelName,
			Documents:      len(docs),
			Chunks:         len(chunks),
			BuiltAt:        time.Now().UTC(),
		},
		docs:   docs,
		chunks: chunks,
	}
	if len(chunks) > 0 {
		idx.Meta.Dimension = len(chunks[0].Embedding)
	}
	if err := idx.write(path); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create index temp file: %w", err)
	}
	tmp := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("create index temp file: %w", err)
	}

	db, err := bolt.Open(tmp, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("open index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(idx.Meta)
		if err != nil {
			return err
		}
		if err := meta.Put(keyMeta, raw); err != nil {
			return err
		}

		docs, err := tx.CreateBucket(bucketDocs)
		if err != nil {
			return err
		}
		for _, d := range idx.docs {
			if err := putSeq(docs, d); err != nil {
				return err
			}
		}

		chunks, err := tx.CreateBucket(bucketChunks)
		if err != nil {
			return err
		}
		for _, c := range idx.chunks {
			if err := putSeq(chunks, c); err != nil {
				return err
			}
		}
		return nil
	})
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("install index: %w", err)
	}
	return nil
}

// putSeq stores v under the bucket's next sequence so iteration order is
// insertion order.
func putSeq(b *bolt.Bucket, v any) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return b.Put(key, raw)
}

// OpenIndex loads the index file at path into memory and closes it.
func OpenIndex(path string) (*Index, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexMissing, path)
		}
		return nil, fmt.Errorf("stat index: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer db.Close()

	idx := &Index{}
	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return errors.New("index has no meta bucket")
		}
		if err := json.Unmarshal(meta.Get(keyMeta), &idx.Meta); err != nil {
			return fmt.Errorf("decode meta: %w", err)
		}
		if b := tx.Bucket(bucketDocs); b != nil {
			if err := b.ForEach(func(_, v []byte) error {
				var d Document
				if err := json.Unmarshal(v, &d); err != nil {
					return fmt.Errorf("decode document: %w", err)
				}
				idx.docs = append(idx.docs, d)
				return nil
			}); err != nil {
				return err
			}
		}
		if b := tx.Bucket(bucketChunks); b != nil {
			return b.ForEach(func(_, v []byte) error {
				var c Chunk
				if err := json.Unmarshal(v, &c); err != nil {
					return fmt.Errorf("decode chunk: %w", err)
				}
				idx.chunks = append(idx.chunks, c)
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return idx, nil
}

// Search returns the k chunks most similar to query by cosine similarity.
func (idx *Index) Search(query []float32, k int) []Hit {
	if idx == nil || k <= 0 || len(query) == 0 {
		return nil
	}
	hits := make([]Hit, 0, len(idx.chunks))
	for _, c := range idx.chunks {
		if len(c.Embedding) != len(query) {
			continue
		}
		hits = append(hits, Hit{Chunk: c, Score: cosineSimilarity(query, c.Embedding)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Snapshot joins the corpus text and truncates it to limit runes.
func (idx *Index) Snapshot(limit int) string {
	if idx == nil {
		return ""
	}
	parts := make([]string, 0, len(idx.docs))
	for _, d := range idx.docs {
		parts = append(parts, d.Content)
	}
	text := strings.Join(parts, " ")
	if limit > 0 {
		if runes := []rune(text); len(runes) > limit {
			text = string(runes[:limit])
		}
	}
	return text
}

// Documents lists the sources in the index.
func (idx *Index) Documents() []Document {
	if idx == nil {
		return nil
	}
	return append([]Document(nil), idx.docs...)
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
