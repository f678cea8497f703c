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
	"golang.org/x/net/netutil"

	"github.com/kalambet/strongbuy/internal/api"
	"github.com/kalambet/strongbuy/internal/cache"
	"github.com/kalambet/strongbuy/internal/catalog"
	"github.com/kalambet/strongbuy/internal/config"
	"github.com/kalambet/strongbuy/internal/engine"
	"github.com/kalambet/strongbuy/internal/index"
	"github.com/kalambet/strongbuy/internal/ingest"
	"github.com/kalambet/strongbuy/internal/intent"
	"github.com/kalambet/strongbuy/internal/persona"
	"github.com/kalambet/strongbuy/internal/pipeline"
	"github.com/kalambet/strongbuy/internal/retrieval"
	"github.com/kalambet/strongbuy/internal/search"
	"github.com/kalambet/strongbuy/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the strongbuy server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running strongbuy server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show strongbuy system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "strongbuy.pid")
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

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// models returns the chat and embedding model names for the configured
// provider.
func models(cfg config.Config) (chat, embed string) {
	if cfg.Engine.Provider == "openai" {
		return cfg.OpenAI.ChatModel, cfg.OpenAI.EmbedModel
	}
	return cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel
}

// openIndex opens the configured document index. The returned close
// function releases backend resources that storage does not own.
func openIndex(ctx context.Context, cfg config.Config, store *storage.Store) (index.DocumentIndex, func() error, error) {
	switch cfg.Index.Backend {
	case "postgres":
		pg, err := index.OpenPostgres(ctx, cfg.Index.PostgresDSN, cfg.Index.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres index: %w", err)
		}
		return pg, pg.Close, nil
	default:
		idx, err := index.NewSQLiteIndex(store.DB(), cfg.Index.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite index: %w", err)
		}
		return idx, func() error { return nil }, nil
	}
}

// ensureIndex creates the configured index when it does not exist yet and
// reports whether it did.
func ensureIndex(ctx context.Context, idx index.DocumentIndex, cfg config.Config) (bool, error) {
	exists, err := idx.IndexExists(ctx, cfg.Index.Name)
	if err != nil {
		return false, fmt.Errorf("checking index %s: %w", cfg.Index.Name, err)
	}
	if exists {
		return false, nil
	}
	if err := idx.CreateIndex(ctx, index.Schema{Name: cfg.Index.Name, Dimensions: cfg.Index.Dimensions}); err != nil {
		return false, fmt.Errorf("creating index %s: %w", cfg.Index.Name, err)
	}
	return true, nil
}

// loadPersonas returns the persona catalog from catalog.personas_path, or the
// embedded defaults when unset.
func loadPersonas(cfg config.Config) (persona.Catalog, error) {
	if cfg.Catalog.PersonasPath == "" {
		return persona.DefaultCatalog()
	}
	return persona.LoadCatalogFile(cfg.Catalog.PersonasPath)
}

// embeddingOptions configures rate limiting and, when Redis is reachable,
// the shared embedding cache. The returned close function is never nil.
func embeddingOptions(ctx context.Context, cfg config.Config) ([]retrieval.Option, func() error) {
	opts := []retrieval.Option{retrieval.WithRateLimit(cfg.Embedding.RatePerSec)}
	if cfg.Cache.RedisAddr == "" {
		return opts, func() error { return nil }
	}
	rc, err := cache.NewRedisClient(ctx, cache.RedisConfig{Addr: cfg.Cache.RedisAddr})
	if err != nil {
		slog.Warn("embedding cache disabled", "addr", cfg.Cache.RedisAddr, "error", err)
		return opts, func() error { return nil }
	}
	slog.Info("embedding cache enabled", "addr", cfg.Cache.RedisAddr, "ttl", cfg.Cache.CacheTTL())
	opts = append(opts, retrieval.WithCache(cache.NewVectorCache(rc, cfg.Cache.CacheTTL())))
	return opts, rc.Close
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "strongbuy version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("strongbuy is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("strongbuy is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Detect(engine.DetectConfig{
		Provider:      cfg.Engine.Provider,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
		OpenAIAPIKey:  cfg.OpenAI.APIKey,
	})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	chatModel, embedModel := models(cfg)
	if cfg.Engine.Provider == "ollama" {
		required := ""
		if cfg.Agent.Enabled {
			required = chatModel
		}
		if err := engine.EnsureReady(ctx, eng, os.Stderr, required, embedModel); err != nil {
			return err
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	opts, closeCache := embeddingOptions(ctx, cfg)
	defer closeCache()
	embedder := retrieval.NewEmbedder(eng, embedModel, opts...)

	idx, closeIndex, err := openIndex(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer closeIndex()
	if created, err := ensureIndex(ctx, idx, cfg); err != nil {
		return err
	} else if created {
		slog.Info("index created", "name", cfg.Index.Name, "backend", cfg.Index.Backend, "dimensions", cfg.Index.Dimensions)
	}

	inventory := catalog.NewLoader(cfg.Catalog.InventoryPath)
	personaCatalog, err := loadPersonas(cfg)
	if err != nil {
		return fmt.Errorf("loading personas: %w", err)
	}
	personas := persona.NewStore(personaCatalog, store)

	// A nil agent leaves intent analysis to the deterministic matcher.
	var agent intent.Agent
	if cfg.Agent.Enabled {
		agent = engine.NewAgent(eng, chatModel)
	}
	analyzer := intent.NewAnalyzer(agent, inventory, personas, cfg.Agent.AgentTimeout())
	vectors := retrieval.NewVectorBuilder(embedder, personas)
	pipe := pipeline.New(analyzer, vectors, search.NewEngine(idx),
		pipeline.WithSearchLog(store),
		pipeline.WithDefaults(cfg.Search.DefaultTop, cfg.Search.IncludeFacets),
	)

	worker, err := ingest.NewWorker(store, embedder, idx, cfg.Ingest.Workers, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("starting ingest worker: %w", err)
	}
	defer worker.Release()
	go worker.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Search:    pipe,
		Analyzer:  analyzer,
		Personas:  personas,
		Catalog:   inventory,
		Jobs:      store,
		Index:     idx,
		History:   store,
		IndexName: cfg.Index.Name,
		Token:     apiToken,
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Search:   pipe,
			Analyzer: analyzer,
			Personas: personas,
			Catalog:  inventory,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "strongbuy listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("strongbuy is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop strongbuy (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to strongbuy (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	chatModel, embedModel := models(cfg)
	printStatus("Engine", "%s", cfg.Engine.Provider)
	if cfg.Engine.Provider == "ollama" {
		ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
	}
	printStatus("Chat model", "%s (agent %s)", chatModel, enabledLabel(cfg.Agent.Enabled))
	printStatus("Embed model", "%s", embedModel)

	if running {
		if c, err := newAPIClient(); err == nil {
			if stats, err := fetchIndexStats(context.Background(), c); err == nil {
				printStatus("Index", "%s", indexLabel(stats))
			}
		}
	} else {
		printStatus("Index", "%s (%s)", cfg.Index.Name, cfg.Index.Backend)
	}

	// Job counts come straight from the database.
	if store, err := storage.Open(cfg.Storage.DataDir); err == nil {
		if counts, err := store.JobCounts(); err == nil {
			printStatus("Ingest jobs", "%d pending, %d running, %d completed, %d failed",
				counts.Pending, counts.Running, counts.Completed, counts.Failed)
		}
		store.Close()
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func enabledLabel(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
