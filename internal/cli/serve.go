package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"xiaorui/internal/api"
	"xiaorui/internal/auth"
	"xiaorui/internal/chat"
	"xiaorui/internal/config"
	"xiaorui/internal/conversation"
	"xiaorui/internal/redis"
	"xiaorui/internal/retrieval"
	"xiaorui/internal/service/ai"
	"xiaorui/internal/service/assistant"
	"xiaorui/internal/storage"
	"xiaorui/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retriever, err := openRetriever()
	if err != nil {
		logger.Error("knowledge base unavailable", "error", err, "index", cfg.Knowledge.IndexPath)
		return err
	}

	db, err := storage.Open(cfg.BasicConfig.DBType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer rdb.Close()

	aiService, err := ai.NewService(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init completion: %w", err)
	}

	fileStore, err := conversation.NewFileStore(cfg.BasicConfig.ConversationsDir, logger)
	if err != nil {
		return err
	}
	store := conversation.NewCachedStore(fileStore, rdb, cfg.CacheTTL(), logger)

	var titler chat.Titler
	if cfg.Assistant.AutoTitle {
		titler = aiService
	}
	controller := chat.NewController(store, retriever, aiService, titler, chat.OptionsFromConfig(cfg), logger)

	lanes := worker.NewManager(controller, rdb, worker.Options{
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: cfg.LaneIdle(),
	}, logger)
	defer lanes.Shutdown()
	if err := lanes.Listen(ctx); err != nil {
		logger.Warn("cross-instance invalidation disabled", "error", err)
	}

	go watchIndex(ctx, retriever)

	authService := auth.NewService(db, rdb, cfg.TokenTTL(), logger)
	handler := api.NewHandler(assistant.NewService(db), authService, controller, lanes, logger)

	if config.ParseLevel(cfg.Log.Level) > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           handler.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("server listening",
		"addr", cfg.BasicConfig.ServerAddress,
		"provider", cfg.Completion.Provider,
		"db", cfg.BasicConfig.DBType,
		"redis", rdb.Enabled(),
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openRetriever loads the knowledge index. A missing index is fatal only when
// the knowledge base is required.
func openRetriever() (*retrieval.Client, error) {
	emb, err := newEmbedder(cfg.Knowledge)
	if err != nil {
		return nil, err
	}
	client := retrieval.NewClient(nil, emb, cfg.Knowledge, logger)
	if err := client.Reload(cfg.Knowledge.IndexPath); err != nil {
		if cfg.Knowledge.Required || !errors.Is(err, retrieval.ErrIndexMissing) {
			return nil, fmt.Errorf("%w (run `xiaorui index build`)", err)
		}
		logger.Warn("knowledge index missing, answering without retrieval", "index", cfg.Knowledge.IndexPath)
	}
	return client, nil
}

// watchIndex reloads the index whenever `index build` replaces the file.
func watchIndex(ctx context.Context, client *retrieval.Client) {
	path := filepath.Clean(cfg.Knowledge.IndexPath)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("index watch disabled", "error", err)
		return
	}
	w, err := retrieval.NewWatcher(dir, false, func(p string) bool {
		return filepath.Clean(p) == path
	}, time.Second, logger)
	if err != nil {
		logger.Warn("index watch disabled", "error", err)
		return
	}
	_ = w.Run(ctx, func() {
		if err := client.Reload(path); err != nil {
			logger.Warn("reload knowledge index failed", "error", err)
		}
	})
}
