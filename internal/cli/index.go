package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"xiaorui/internal/retrieval"
)

var (
	buildWatch bool
	showLimit  int
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the knowledge index",
}

var indexBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the knowledge index from the corpus directory",
	Long: `Reads every .txt, .md and .markdown file under knowledge.corpus_dir,
chunks and embeds it with the configured Ollama model and writes the index to
knowledge.index_path.

Examples:
  xiaorui index build
  xiaorui index build --watch`,
	RunE: runIndexBuild,
}

var indexShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print index metadata and the corpus snapshot",
	RunE:  runIndexShow,
}

func init() {
	indexBuildCmd.Flags().BoolVarP(&buildWatch, "watch", "w", false, "rebuild when corpus files change")
	indexShowCmd.Flags().IntVarP(&showLimit, "limit", "n", 0, "snapshot length in characters (default knowledge.snapshot_runes)")

	indexCmd.AddCommand(indexBuildCmd)
	indexCmd.AddCommand(indexShowCmd)
}

func runIndexBuild(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	emb, err := newEmbedder(cfg.Knowledge)
	if err != nil {
		return err
	}
	build := func() error {
		docs, err := retrieval.LoadCorpus(ctx, cfg.Knowledge.CorpusDir)
		if err != nil {
			return err
		}
		idx, err := retrieval.BuildIndex(ctx, cfg.Knowledge.IndexPath, docs, emb, cfg.Knowledge.EmbeddingModel, retrieval.DefaultChunkConfig())
		if err != nil {
			return err
		}
		logger.Info("knowledge index built",
			"index", cfg.Knowledge.IndexPath,
			"documents", idx.Meta.Documents,
			"chunks", idx.Meta.Chunks,
		)
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d documents into %d chunks: %s\n",
			idx.Meta.Documents, idx.Meta.Chunks, cfg.Knowledge.IndexPath)
		return nil
	}

	if err := build(); err != nil {
		return err
	}
	if !buildWatch {
		return nil
	}

	w, err := retrieval.NewWatcher(cfg.Knowledge.CorpusDir, true, retrieval.IsCorpusFile, time.Second, logger)
	if err != nil {
		return err
	}
	logger.Info("watching corpus", "dir", cfg.Knowledge.CorpusDir)
	err = w.Run(ctx, func() {
		if err := build(); err != nil {
			logger.Error("rebuild knowledge index failed", "error", err)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runIndexShow(cmd *cobra.Command, _ []string) error {
	idx, err := retrieval.OpenIndex(cfg.Knowledge.IndexPath)
	if err != nil {
		return err
	}
	limit := showLimit
	if limit <= 0 {
		limit = cfg.Knowledge.SnapshotRunes
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "index:      %s\n", cfg.Knowledge.IndexPath)
	fmt.Fprintf(out, "model:      %s\n", idx.Meta.EmbeddingModel)
	fmt.Fprintf(out, "dimension:  %d\n", idx.Meta.Dimension)
	fmt.Fprintf(out, "documents:  %d\n", idx.Meta.Documents)
	fmt.Fprintf(out, "chunks:     %d\n", idx.Meta.Chunks)
	fmt.Fprintf(out, "built:      %s\n", idx.Meta.BuiltAt.Format(time.RFC3339))
	for _, d := range idx.Documents() {
		fmt.Fprintf(out, "  - %s (%d chars)\n", d.Source, utf8.RuneCountInString(d.Content))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "snapshot:")
	fmt.Fprintln(out, idx.Snapshot(limit))
	return nil
}
