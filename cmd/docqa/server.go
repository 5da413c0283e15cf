package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/docqa/internal/api"
	"github.com/kalambet/docqa/internal/chunker"
	"github.com/kalambet/docqa/internal/composer"
	"github.com/kalambet/docqa/internal/config"
	"github.com/kalambet/docqa/internal/conversation"
	"github.com/kalambet/docqa/internal/document"
	"github.com/kalambet/docqa/internal/engine"
	"github.com/kalambet/docqa/internal/expansion"
	"github.com/kalambet/docqa/internal/index"
	"github.com/kalambet/docqa/internal/ingest"
	"github.com/kalambet/docqa/internal/pipeline"
	"github.com/kalambet/docqa/internal/reranking"
	"github.com/kalambet/docqa/internal/retrieval"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the docqa server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running docqa server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docqa server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the document tools over MCP on stdin/stdout",
	Long: `Serve ask_documents, search_documents, add_document and clear_index
as MCP tools on stdin/stdout. The process loads the persisted index and
writes every change back to it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(cfg config.Config) string {
	return filepath.Join(filepath.Dir(filepath.Clean(cfg.Storage.IndexDir)), "docqa.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(cfg config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))
}

// service is the assembled core plus what the server needs around it.
type service struct {
	orch     *pipeline.Orchestrator
	registry *document.Registry
}

func buildService(ctx context.Context, cfg config.Config) (*service, error) {
	if cfg.LLM.Provider == engine.ProviderOllama || cfg.Embed.Provider == engine.ProviderOllama {
		if err := ensureOllama(ctx, cfg); err != nil {
			return nil, err
		}
	}

	chatEng, err := engine.New(ctx, engine.Config{
		Provider:          cfg.LLM.Provider,
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		ChatModel:         cfg.LLM.ChatModel,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("creating chat engine: %w", err)
	}
	embedEng, err := engine.New(ctx, engine.Config{
		Provider:          cfg.Embed.Provider,
		BaseURL:           cfg.Embed.BaseURL,
		APIKey:            cfg.Embed.APIKey,
		EmbedModel:        cfg.Embed.Model,
		Timeout:           cfg.Embed.Timeout,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding engine: %w", err)
	}
	eng := engine.Combine(chatEng, embedEng)

	metric, err := index.ParseMetric(cfg.Index.Metric)
	if err != nil {
		return nil, err
	}
	idx := index.New(metric)
	embedder := retrieval.NewEmbedder(eng)
	registry := document.DefaultRegistry()

	orch := pipeline.New(pipeline.Deps{
		Registry:  registry,
		Chunker:   chunker.New(cfg.Chunker.Size, cfg.Chunker.Overlap),
		Embedder:  embedder,
		Index:     idx,
		Retriever: retrieval.NewRetriever(embedder, idx, cfg.Retrieval.CandidatesPerVariant),
		Expander: expansion.New(eng, expansion.Config{
			Enabled:  cfg.Expansion.Enabled,
			Variants: cfg.Expansion.Variants,
			Timeout:  cfg.Expansion.Timeout,
		}),
		Reranker: reranking.New(eng, reranking.Config{
			Enabled:     cfg.Reranking.Enabled,
			Timeout:     cfg.Reranking.Timeout,
			Concurrency: cfg.Reranking.Concurrency,
		}),
		Conversations: conversation.NewStore(cfg.Conversation.MaxTurns),
		Composer:      composer.New(cfg.Composer.MaxContextTokens),
		Chat:          eng,
		IndexDir:      cfg.Storage.IndexDir,
		UploadDir:     cfg.Storage.UploadDir,
		TopK:          cfg.Retrieval.TopK,
	})
	if err := orch.LoadIndex(); err != nil {
		return nil, err
	}
	return &service{orch: orch, registry: registry}, nil
}

// ensureOllama checks the local server and pulls the configured models.
func ensureOllama(ctx context.Context, cfg config.Config) error {
	oc := engine.Config{Timeout: cfg.LLM.Timeout}
	if cfg.LLM.Provider == engine.ProviderOllama {
		oc.BaseURL = cfg.LLM.BaseURL
		oc.ChatModel = cfg.LLM.ChatModel
	}
	if cfg.Embed.Provider == engine.ProviderOllama {
		if oc.BaseURL == "" {
			oc.BaseURL = cfg.Embed.BaseURL
		}
		oc.EmbedModel = cfg.Embed.Model
	}
	return engine.NewOllamaEngine(oc).EnsureReady(ctx, os.Stderr)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "docqa version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	pidPath := pidFilePath(cfg)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("docqa is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("docqa is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.Ingest.WatchDir != "" {
		worker := ingest.NewWorker(cfg.Ingest.WatchDir, svc.orch, svc.registry.Extensions(), 0)
		go func() {
			if err := worker.Run(ctx); err != nil {
				slog.Error("ingest worker stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewRouter(svc.orch),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("docqa listening", "addr", srv.Addr, "indexed_chunks", svc.orch.IndexedChunks())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}

	slog.Info("MCP server started (stdio transport)", "indexed_chunks", svc.orch.IndexedChunks())
	stdio := server.NewStdioServer(api.NewMCPServer(svc.orch, version))
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("docqa is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop docqa (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to docqa (PID %d)", pid)
	return nil
}

func showStatus(cmd *cobra.Command) error {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL, _ := cmd.Flags().GetString("server")
	client, err := newAPIClient(serverURL)
	if err != nil {
		return err
	}

	var health struct {
		Status        string `json:"status"`
		IndexedChunks int    `json:"indexed_chunks"`
	}
	resp, err := client.get(cmd.Context(), "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else if err := decodeJSON(resp, &health); err != nil {
		printStatus("Server", "error (%v)", err)
	} else {
		printStatus("Server", "running at %s", client.baseURL)
		printStatus("Indexed chunks", "%d", health.IndexedChunks)

		var docs documentsResponse
		if resp, err := client.get(cmd.Context(), "/documents"); err == nil && decodeJSON(resp, &docs) == nil {
			printStatus("Documents", "%d", len(docs.Documents))
		}
	}

	printStatus("Chat model", "%s (%s)", cfg.LLM.ChatModel, cfg.LLM.Provider)
	printStatus("Embed model", "%s (%s)", cfg.Embed.Model, cfg.Embed.Provider)
	if cfg.LLM.Provider == engine.ProviderOllama {
		oe := engine.NewOllamaEngine(engine.Config{BaseURL: cfg.LLM.BaseURL})
		if oe.IsRunning(cmd.Context()) {
			printStatus("Ollama", "running at %s", cfg.LLM.BaseURL)
		} else {
			printStatus("Ollama", "not running")
		}
	}
	printStatus("Index dir", "%s", cfg.Storage.IndexDir)
	if cfg.Ingest.WatchDir != "" {
		printStatus("Watch dir", "%s", cfg.Ingest.WatchDir)
	}
	return nil
}
