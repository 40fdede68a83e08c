// Package mcp exposes the project registry over the Model Context
// Protocol: five tools, stdio or streamable-HTTP transport. Domain
// failures are returned as {"error": ...} JSON payloads, never as
// protocol errors, so callers always get something they can parse.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lgrep/lgrep/internal/config"
	"github.com/lgrep/lgrep/internal/registry"
	"github.com/lgrep/lgrep/pkg/types"
)

// ServerName identifies this server during the MCP handshake.
const ServerName = "lgrep"

// internalErrorMsg is the envelope text for failures the caller cannot act
// on; the real cause goes to the log.
const internalErrorMsg = "Internal error. Check server logs."

// Server dispatches tool calls onto a shared project registry.
type Server struct {
	mcpServer *server.MCPServer
	registry  *registry.Registry
	cfg       *config.Config
}

// New creates the MCP server and registers the tool set.
func New(cfg *config.Config, reg *registry.Registry, version string) *Server {
	s := &Server{registry: reg, cfg: cfg}

	mcpServer := server.NewMCPServer(
		ServerName,
		version,
		server.WithLogging(),
	)
	s.registerTools(mcpServer)
	s.mcpServer = mcpServer
	return s
}

func (s *Server) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Search code semantically using natural language"),
		mcp.WithString("query", mcp.Required(),
			mcp.Description("Natural language search query (e.g. \"authentication flow\", \"error handling\")")),
		mcp.WithString("path", mcp.Required(),
			mcp.Description("Absolute path to the project directory")),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default 10)")),
		mcp.WithBoolean("hybrid",
			mcp.Description("Combine vector similarity with keyword matching (default true)")),
	), s.handleSearch)

	mcpServer.AddTool(mcp.NewTool("index",
		mcp.WithDescription("Index a directory for semantic search"),
		mcp.WithString("path", mcp.Required(),
			mcp.Description("Absolute path to the directory to index")),
	), s.handleIndex)

	mcpServer.AddTool(mcp.NewTool("status",
		mcp.WithDescription("Get index status and statistics"),
		mcp.WithString("path",
			mcp.Description("Project directory; omit for all loaded projects")),
	), s.handleStatus)

	mcpServer.AddTool(mcp.NewTool("watch_start",
		mcp.WithDescription("Start watching a directory for changes and re-index incrementally"),
		mcp.WithString("path", mcp.Required(),
			mcp.Description("Absolute path to the directory to watch")),
	), s.handleWatchStart)

	mcpServer.AddTool(mcp.NewTool("watch_stop",
		mcp.WithDescription("Stop watching for file changes"),
		mcp.WithString("path",
			mcp.Description("Project directory; omit to stop all watchers")),
	), s.handleWatchStop)
}

// jsonResult marshals v into the tool's text payload.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("failed to marshal tool result", "error", err)
		return mcp.NewToolResultText(`{"error": "` + internalErrorMsg + `"}`)
	}
	return mcp.NewToolResultText(string(data))
}

// errorResult wraps a user-facing message in the error envelope.
func errorResult(msg string) *mcp.CallToolResult {
	return jsonResult(map[string]string{"error": msg})
}

func pathError(path string) string {
	return fmt.Sprintf("Path does not exist or is not a directory: %s", path)
}

// registryError maps registry failures to envelope text. The sentinels are
// already user-facing sentences; anything else is internal.
func registryError(err error) string {
	switch {
	case errors.Is(err, types.ErrProjectLimit),
		errors.Is(err, types.ErrMissingAPIKey),
		errors.Is(err, types.ErrAutoIndexFailed):
		return err.Error()
	}
	slog.Error("registry operation failed", "error", err)
	return internalErrorMsg
}

// resolveDir validates that path names an existing directory and returns
// its resolved form.
func resolveDir(path string) (string, bool) {
	resolved, err := config.ResolvePath(path)
	if err != nil {
		return "", false
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return resolved, true
}

// admit runs search admission in order: live project, then disk cache via
// Ensure, then cold auto-index, then a path error. The returned message is
// empty on success.
func (s *Server) admit(ctx context.Context, path string) (*registry.Project, string) {
	if p, ok := s.registry.Get(path); ok {
		return p, ""
	}

	resolved, err := config.ResolvePath(path)
	if err != nil {
		return nil, pathError(path)
	}

	if s.cfg.HasDiskCache(resolved) {
		p, err := s.registry.Ensure(ctx, resolved)
		if err != nil {
			return nil, registryError(err)
		}
		return p, ""
	}

	if _, ok := resolveDir(resolved); !ok {
		return nil, pathError(path)
	}

	p, err := s.registry.AutoIndex(ctx, resolved)
	if err != nil {
		return nil, registryError(err)
	}
	return p, ""
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := strings.TrimSpace(req.GetString("query", ""))
	path := req.GetString("path", "")
	limit := req.GetInt("limit", s.cfg.Search.DefaultLimit)
	hybrid := req.GetBool("hybrid", true)

	slog.Info("search requested", "query", query, "path", path, "limit", limit, "hybrid", hybrid)

	if query == "" {
		return errorResult("query is required"), nil
	}
	if path == "" {
		return errorResult("path is required"), nil
	}
	if limit <= 0 {
		limit = s.cfg.Search.DefaultLimit
	}

	project, errMsg := s.admit(ctx, path)
	if errMsg != "" {
		return errorResult(errMsg), nil
	}

	results, err := project.Search(ctx, query, limit, hybrid)
	if err != nil {
		slog.Error("search failed", "path", project.Path, "error", err)
		return errorResult("Search failed. Check server logs for details."), nil
	}
	return jsonResult(results), nil
}

func (s *Server) handleIndex(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")

	slog.Info("index requested", "path", path)

	if path == "" {
		return errorResult("path is required"), nil
	}
	resolved, ok := resolveDir(path)
	if !ok {
		return errorResult(pathError(path)), nil
	}

	project, err := s.registry.Ensure(ctx, resolved)
	if err != nil {
		return errorResult(registryError(err)), nil
	}

	stats, err := project.Indexer.IndexAll(ctx)
	if err != nil {
		slog.Error("indexing failed", "path", resolved, "error", err)
		return errorResult("Indexing failed. Check server logs for details."), nil
	}
	stats.DurationMS = math.Round(stats.DurationMS*100) / 100
	return jsonResult(stats), nil
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")

	slog.Info("status requested", "path", path)

	if path == "" {
		return jsonResult(map[string]any{"projects": s.registry.StatusAll(ctx)}), nil
	}

	status, err := s.registry.Status(ctx, path)
	if err != nil {
		slog.Error("status failed", "path", path, "error", err)
		return errorResult("Failed to get status. Check server logs for details."), nil
	}
	return jsonResult(status), nil
}

func (s *Server) handleWatchStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")

	slog.Info("watch start requested", "path", path)

	if path == "" {
		return errorResult("path is required"), nil
	}
	resolved, ok := resolveDir(path)
	if !ok {
		return errorResult(pathError(path)), nil
	}

	project, err := s.registry.Ensure(ctx, resolved)
	if err != nil {
		return errorResult(registryError(err)), nil
	}

	if project.Watcher.Running() {
		return jsonResult(map[string]any{
			"path":     project.Path,
			"watching": true,
			"message":  "Already watching",
		}), nil
	}

	if err := project.Watcher.Start(); err != nil {
		slog.Error("failed to start watcher", "path", project.Path, "error", err)
		return errorResult("Failed to start watcher. Check server logs for details."), nil
	}
	return jsonResult(map[string]any{"path": project.Path, "watching": true}), nil
}

func (s *Server) handleWatchStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")

	slog.Info("watch stop requested", "path", path)

	if path == "" {
		stopped := s.registry.StopAllWatchers()
		if stopped == nil {
			stopped = []string{}
		}
		return jsonResult(map[string]any{"stopped": true, "projects_stopped": stopped}), nil
	}

	project, ok := s.registry.Get(path)
	if !ok || !project.Watcher.Running() {
		resolved, err := config.ResolvePath(path)
		if err != nil {
			resolved = path
		}
		return jsonResult(map[string]any{
			"stopped": true,
			"project": resolved,
			"message": "Not watching",
		}), nil
	}

	project.Watcher.Stop()
	return jsonResult(map[string]any{"stopped": true, "project": project.Path}), nil
}

// ServeStdio serves MCP over stdin/stdout and blocks until the stream
// closes. Logs must stay on stderr: stdout carries the protocol.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP serves MCP over streamable HTTP on addr until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.mcpServer)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start(addr)
	}()

	slog.Info("streamable HTTP transport listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
