// lgrep is a semantic code search MCP server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lgrep/lgrep/internal/config"
	"github.com/lgrep/lgrep/internal/mcp"
	"github.com/lgrep/lgrep/internal/registry"
)

var (
	version   = "0.2.0"
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lgrep",
	Short: "Semantic code search MCP server",
	Long: `lgrep is an MCP server for semantic code search across multiple projects.

Code is chunked along syntax boundaries, embedded with Voyage AI, and
stored per project in SQLite (sqlite-vec + FTS5). Searches combine vector
similarity with keyword matching. Running lgrep with no command starts
the MCP server on stdio.`,
	Version: version,
	Args:    cobra.NoArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	Run: func(cmd *cobra.Command, args []string) {
		transport, _ := cmd.Flags().GetString("transport")
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		runServe(transport, host, port)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		transport, _ := cmd.Flags().GetString("transport")
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		runServe(transport, host, port)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query> [path]",
	Short: "Search a project from the command line",
	Long:  `Search a project semantically without a running server. The project is indexed first when no cache exists.`,
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		path := "."
		if len(args) > 1 {
			path = args[1]
		}
		limit, _ := cmd.Flags().GetInt("max-results")
		noHybrid, _ := cmd.Flags().GetBool("no-hybrid")
		runSearch(args[0], path, limit, noHybrid)
	},
}

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index a project",
	Long:  `Index a project for semantic search. If no path is provided, indexes the current directory.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := "."
		if len(args) > 0 {
			path = args[0]
		}
		chunkSize, _ := cmd.Flags().GetInt("chunk-size")
		runIndex(path, chunkSize)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <path>",
	Short: "Delete a project's index cache",
	Long:  `Delete the on-disk index cache for a project. A running server keeps its in-memory copy until restarted.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runRemove(args[0])
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install lgrep into MCP clients",
}

var installOpencodeCmd = &cobra.Command{
	Use:   "opencode",
	Short: "Register lgrep in OpenCode's MCP config",
	Long: `Add lgrep as a remote MCP server in OpenCode's configuration,
preserving everything else in the file. Start the server separately with
"lgrep serve --transport streamable-http".`,
	Run: func(cmd *cobra.Command, args []string) {
		global, _ := cmd.Flags().GetBool("global")
		runInstallOpencode(global)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lgrep %s\n", version)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")

	addServeFlags(rootCmd)
	addServeFlags(serveCmd)

	searchCmd.Flags().IntP("max-results", "m", 10, "maximum results")
	searchCmd.Flags().Bool("no-hybrid", false, "vector similarity only, no keyword matching")

	indexCmd.Flags().Int("chunk-size", 0, "target chunk size in tokens (default from config)")

	installOpencodeCmd.Flags().BoolP("global", "g", false, "write to ~/.config/opencode instead of the current directory")
	installCmd.AddCommand(installOpencodeCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(versionCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("transport", "stdio", "transport protocol (stdio, streamable-http)")
	cmd.Flags().String("host", "", "bind host for HTTP transport (default from config: 127.0.0.1)")
	cmd.Flags().Int("port", 0, "port for HTTP transport (default from config: 6285)")
}

// setupLogging installs the default slog handler on stderr. stdout must
// stay clean: it carries the MCP protocol or command JSON output.
func setupLogging() {
	level := logLevel
	format := logFormat
	if level == "" || format == "" {
		if cfg, err := config.Load(); err == nil {
			if level == "" {
				level = cfg.Logging.Level
			}
			if format == "" {
				format = cfg.Logging.Format
			}
		}
	}

	opts := &slog.HandlerOptions{Level: config.ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, err := range errs {
			slog.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}
	return cfg
}

// printJSON writes v to stdout the way tool envelopes are rendered.
func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("failed to marshal output", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

// fail prints an error envelope and exits non-zero. One-shot commands keep
// stdout parseable even on failure.
func fail(msg string) {
	printJSON(map[string]string{"error": msg})
	os.Exit(1)
}

func runServe(transport, host string, port int) {
	if transport != "stdio" && transport != "streamable-http" {
		fmt.Fprintf(os.Stderr, "Invalid transport: %s. Use 'stdio' or 'streamable-http'.\n", transport)
		os.Exit(1)
	}

	cfg := loadConfig()
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	reg := registry.New(cfg)
	srv := mcp.New(cfg, reg, version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		sig := <-sigChan
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	reg.Warm(ctx)
	slog.Info("starting MCP server", "transport", transport, "version", version)

	var err error
	switch transport {
	case "stdio":
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ServeStdio() }()
		select {
		case err = <-errCh:
		case <-ctx.Done():
		}
	case "streamable-http":
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
		err = srv.ServeHTTP(ctx, addr)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	reg.Close()
	if err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// runSearch is the one-shot search: an in-process registry indexes the
// project when no cache exists, searches, and prints the result envelope.
func runSearch(query, path string, limit int, noHybrid bool) {
	cfg := loadConfig()
	ctx := context.Background()

	resolved, err := config.ResolvePath(path)
	if err != nil {
		fail(fmt.Sprintf("Path does not exist or is not a directory: %s", path))
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		fail(fmt.Sprintf("Path does not exist or is not a directory: %s", path))
	}

	reg := registry.New(cfg)
	defer reg.Close()

	var project *registry.Project
	if cfg.HasDiskCache(resolved) {
		project, err = reg.Ensure(ctx, resolved)
	} else {
		project, err = reg.AutoIndex(ctx, resolved)
	}
	if err != nil {
		slog.Error("failed to load project", "path", resolved, "error", err)
		fail(err.Error())
	}

	if limit <= 0 {
		limit = cfg.Search.DefaultLimit
	}
	results, err := project.Search(ctx, query, limit, !noHybrid)
	if err != nil {
		slog.Error("search failed", "path", resolved, "error", err)
		fail("Search failed. Check server logs for details.")
	}
	printJSON(results)
}

func runIndex(path string, chunkSize int) {
	cfg := loadConfig()
	if chunkSize > 0 {
		cfg.Chunking.ChunkSize = chunkSize
	}
	ctx := context.Background()

	resolved, err := config.ResolvePath(path)
	if err != nil {
		fail(fmt.Sprintf("Path does not exist or is not a directory: %s", path))
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		fail(fmt.Sprintf("Path does not exist or is not a directory: %s", path))
	}

	reg := registry.New(cfg)
	defer reg.Close()

	project, err := reg.Ensure(ctx, resolved)
	if err != nil {
		slog.Error("failed to load project", "path", resolved, "error", err)
		fail(err.Error())
	}

	stats, err := project.Indexer.IndexAll(ctx)
	if err != nil {
		slog.Error("indexing failed", "path", resolved, "error", err)
		fail("Indexing failed. Check server logs for details.")
	}
	stats.DurationMS = math.Round(stats.DurationMS*100) / 100
	printJSON(stats)
}

// runRemove deletes the on-disk cache. Nothing talks to a running server;
// its in-memory registry entry survives until restart.
func runRemove(path string) {
	cfg := loadConfig()

	resolved, err := config.ResolvePath(path)
	if err != nil {
		fail(fmt.Sprintf("Path does not exist or is not a directory: %s", path))
	}
	cacheDir := cfg.ProjectCacheDir(resolved)

	if !cfg.HasDiskCache(resolved) {
		printJSON(map[string]any{
			"project":   resolved,
			"cache_dir": cacheDir,
			"removed":   false,
			"message":   "No index found for this project.",
		})
		return
	}

	if err := os.RemoveAll(cacheDir); err != nil {
		slog.Error("failed to delete cache", "path", cacheDir, "error", err)
		fail("Failed to delete index cache. Check server logs for details.")
	}
	printJSON(map[string]any{
		"project":   resolved,
		"cache_dir": cacheDir,
		"removed":   true,
		"message":   "Index cache deleted. A running server keeps its in-memory copy until restart.",
	})
}

// runInstallOpencode adds lgrep to OpenCode's MCP config, creating the file
// when absent and preserving every existing key.
func runInstallOpencode(global bool) {
	cfg := loadConfig()
	configPath := opencodeConfigPath(global)

	oc, err := loadOrCreateJSONConfig(configPath)
	if err != nil {
		slog.Error("failed to load OpenCode config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if len(oc) == 0 {
		oc["$schema"] = "https://opencode.ai/config.json"
	}

	servers, ok := oc["mcp"].(map[string]any)
	if !ok {
		servers = make(map[string]any)
	}
	servers["lgrep"] = map[string]any{
		"type":    "remote",
		"url":     fmt.Sprintf("http://%s/mcp", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))),
		"enabled": true,
	}
	oc["mcp"] = servers

	if err := saveJSONConfig(configPath, oc); err != nil {
		slog.Error("failed to save OpenCode config", "path", configPath, "error", err)
		os.Exit(1)
	}

	fmt.Printf("Registered lgrep with OpenCode\n")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("\nStart the server with:\n  lgrep serve --transport streamable-http\n")
}

func opencodeConfigPath(global bool) string {
	if global {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "opencode", "opencode.json")
	}
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, "opencode.json")
}

func loadOrCreateJSONConfig(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]any), nil
		}
		return nil, err
	}

	var config map[string]any
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return config, nil
}

func saveJSONConfig(path string, config map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
