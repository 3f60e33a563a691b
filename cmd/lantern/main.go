// Lantern is a documentation Q&A chat bot.
//
// It bridges a chat gateway to two answer backends: a managed
// assistant with per-chat conversation threads, and a generative
// search API for one-shot documentation queries. Chat-to-thread
// bindings and an interaction audit log persist in SQLite.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	lantern serve            Start the bot
//	lantern index [dir]      Rebuild the documentation search index
//	lantern init [dir]       Initialize a working directory with defaults
//	lantern version          Print version and build information
//	lantern -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lanterndocs/lantern/internal/assistant"
	"github.com/lanterndocs/lantern/internal/bridge"
	"github.com/lanterndocs/lantern/internal/buildinfo"
	"github.com/lanterndocs/lantern/internal/config"
	"github.com/lanterndocs/lantern/internal/connwatch"
	"github.com/lanterndocs/lantern/internal/dispatch"
	"github.com/lanterndocs/lantern/internal/gensearch"
	"github.com/lanterndocs/lantern/internal/ingest"
	"github.com/lanterndocs/lantern/internal/objstore"
	"github.com/lanterndocs/lantern/internal/presence"
	"github.com/lanterndocs/lantern/internal/store"
	"github.com/lanterndocs/lantern/internal/thread"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the lantern command. All OS-level
// dependencies are injected as parameters: ctx controls the process
// lifetime, stdout/stderr receive all output, and args is os.Args[1:].
// Arguments are parsed by hand because the flag package relies on
// package-level globals, which makes it impossible to call run()
// concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "index":
		srcDir := ""
		if len(cmdArgs) > 0 {
			srcDir = cmdArgs[0]
		}
		return runIndex(ctx, stdout, configPath, srcDir)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Lantern - Documentation Q&A Chat Bot")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: lantern [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bot")
	fmt.Fprintln(w, "  index [dir]  Rebuild the search index from object storage or a local directory")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./lantern.yaml, ~/.config/lantern/lantern.yaml, /etc/lantern/lantern.yaml")
	return nil
}

// loadConfig locates and loads the configuration file, returning the
// config and the path it was loaded from.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// indexFile is the JSON document `lantern index` writes and
// `lantern serve` reads to find the current search index.
type indexFile struct {
	SearchIndexID string    `json:"search_index_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// readIndexID loads the search index ID written by `lantern index`.
// An absent file is not an error: the bot can run without an index,
// the assistant just answers from the model alone.
func readIndexID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("parse index file %s: %w", path, err)
	}
	return f.SearchIndexID, nil
}

// runIndex handles the "lantern index" subcommand. It assembles the
// documentation corpus from object storage (or a local directory, when
// given), uploads it to the assistant service, builds a search index
// from it, and records the new index ID for `lantern serve`.
func runIndex(ctx context.Context, stdout io.Writer, configPath string, srcDir string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	var docs ingest.Source
	var origin string
	if srcDir != "" {
		docs = ingest.NewDirSource(srcDir)
		origin = srcDir
		logger.Info("indexing from local directory", "dir", srcDir)
	} else {
		store, err := objstore.New(ctx, cfg.Storage, logger)
		if err != nil {
			return fmt.Errorf("open object storage: %w", err)
		}
		docs = store
		origin = "bucket " + cfg.Storage.Bucket
	}

	var corpus strings.Builder
	count, err := ingest.NewBuilder(docs, logger).Build(ctx, &corpus)
	if err != nil {
		return fmt.Errorf("build corpus: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("no documentation files found in %s", origin)
	}

	client := assistant.New(cfg.Assistant, logger)

	fileID, err := client.UploadFile(ctx,
		"lantern-corpus.md",
		"Documentation corpus assembled by lantern index",
		corpus.String(),
		cfg.Assistant.AssistantTTLDays,
	)
	if err != nil {
		return fmt.Errorf("upload corpus: %w", err)
	}
	logger.Info("corpus uploaded", "file_id", fileID, "files", count, "bytes", corpus.Len())

	indexID, err := client.CreateSearchIndex(ctx,
		"lantern-docs",
		"Documentation search index",
		[]string{fileID},
		cfg.Assistant.AssistantTTLDays,
	)
	if err != nil {
		return fmt.Errorf("create search index: %w", err)
	}

	out, err := json.MarshalIndent(indexFile{
		SearchIndexID: indexID,
		CreatedAt:     time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfg.Assistant.IndexFile, append(out, '\n'), 0644); err != nil {
		return fmt.Errorf("write index file: %w", err)
	}

	logger.Info("search index created", "index_id", indexID, "index_file", cfg.Assistant.IndexFile)
	fmt.Fprintf(stdout, "Indexed %d files into search index %s\n", count, indexID)
	return nil
}

// runServe handles the "lantern serve" subcommand. It is the primary
// operating mode: loads config, opens the state database, prepares the
// assistant, connects to the chat gateway, and blocks until a shutdown
// signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The bridge drains in-flight message handlers
//  3. The presence publisher flips availability to offline
//  4. The gateway connection and database are closed via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Lantern",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	slog.SetDefault(logger)

	logger.Info("config loaded", "path", cfgPath, "gateway", cfg.Gateway.URL)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- State database ---
	// Chat-to-thread bindings and the interaction log live here.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := cfg.DataDir + "/lantern.db"
	st, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer st.Close()
	chats, err := st.AllChats()
	if err != nil {
		return fmt.Errorf("read state database: %w", err)
	}
	logger.Info("state database opened", "path", dbPath, "bound_chats", len(chats))

	// --- Assistant backend ---
	// The assistant is resolved (or created) up front so every chat
	// thread attaches to the same resource. The search index ID comes
	// from the file written by `lantern index`; without it the
	// assistant answers from the model alone.
	indexID, err := readIndexID(cfg.Assistant.IndexFile)
	if err != nil {
		return err
	}
	if indexID == "" {
		logger.Warn("no search index configured, run `lantern index` to build one",
			"index_file", cfg.Assistant.IndexFile,
		)
	}

	asst := assistant.New(cfg.Assistant, logger)
	assistantID, err := asst.EnsureAssistant(ctx, assistant.EnsureOptions{
		Name:        cfg.Bot.Name,
		Instruction: cfg.Assistant.Instruction,
		IndexID:     indexID,
		TTLDays:     cfg.Assistant.AssistantTTLDays,
	})
	if err != nil {
		return fmt.Errorf("prepare assistant: %w", err)
	}
	logger.Info("assistant ready", "assistant_id", assistantID, "index_id", indexID)

	// --- Search backend ---
	search := gensearch.New(cfg.Search, logger)

	// --- Dispatcher ---
	binder := thread.NewBinder(st, asst, cfg.Assistant.ThreadTTLDays, logger)
	dispatcher := dispatch.New(dispatch.Config{
		BotName:   cfg.Bot.Name,
		Binder:    binder,
		Assistant: asst,
		Search:    search,
		Audit:     st,
		Logger:    logger,
	})

	// --- Chat gateway ---
	// One eager connect for fast startup; afterwards the watcher owns
	// reconnection. Its probe checks gateway health and re-dials the
	// WebSocket whenever it finds the connection down.
	gateway := bridge.NewGateway(cfg.Gateway.URL, cfg.Gateway.Token, logger)
	if err := gateway.Connect(ctx); err != nil {
		logger.Warn("initial gateway connect failed, retrying in background", "error", err)
	}
	defer gateway.Close()

	watcher := connwatch.Watch(ctx, connwatch.Config{
		Name:   "gateway",
		Logger: logger,
		Probe: func(pCtx context.Context) error {
			if err := gateway.Ping(pCtx); err == nil {
				return nil
			}
			return gateway.Reconnect(pCtx)
		},
	})
	defer watcher.Stop()

	br := bridge.New(bridge.Config{
		Transport:    gateway,
		Handler:      dispatcher,
		Logger:       logger,
		RateLimit:    cfg.Bot.RateLimit,
		PlainReplies: !cfg.Gateway.HTMLReplies,
	})

	// --- Presence publisher (optional) ---
	var pub *presence.Publisher
	if cfg.MQTT.Configured() {
		pub = presence.New(cfg.MQTT, buildinfo.Version, dispatcher, logger)
		go func() {
			if err := pub.Start(ctx); err != nil {
				logger.Error("presence publisher failed", "error", err)
			}
		}()
	}

	// Blocks until ctx is cancelled and in-flight handlers finish.
	br.Run(ctx)

	// Bounded graceful shutdown for the externally visible pieces.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Bot.StopTimeout())
	defer stopCancel()
	if pub != nil {
		if err := pub.Stop(stopCtx); err != nil {
			logger.Warn("presence shutdown failed", "error", err)
		}
	}

	logger.Info("lantern stopped")
	return nil
}
