// Package mcp exposes the task host as Model Context Protocol tools, over
// stdio or streamable HTTP.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"taskhub/internal/hub"

	"github.com/mark3labs/mcp-go/server"
)

// ServerName is announced to MCP clients.
const ServerName = "taskhub"

// Server wraps the mcp-go server and its tool set.
type Server struct {
	host      *hub.Host
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates the MCP server and registers every tool.
func NewServer(host *hub.Host, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		host:   host,
		logger: logger,
		mcpServer: server.NewMCPServer(
			ServerName,
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
	}
	tools := s.tools()
	s.mcpServer.AddTools(tools...)
	s.logger.Info("MCP tools registered", "count", len(tools))
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves the protocol on stdin/stdout until ctx is done or stdin
// closes. Nothing else may write to stdout meanwhile.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("MCP server starting on stdio")
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler serves the streamable HTTP transport, for mounting at /mcp.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer, server.WithStateLess(true))
}
