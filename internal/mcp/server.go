package mcp

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewServer builds an MCP server exposing the memory tools backed by b.
func NewServer(b *Bridge, version string) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{
		Name:    "valora-memory",
		Version: version,
	}, nil)
	registerTools(s, b)
	return s
}

// Run serves MCP over stdin/stdout until the client disconnects or ctx is
// cancelled. Logs must go to stderr since stdout carries the protocol.
func Run(ctx context.Context, b *Bridge, version string, logger *slog.Logger) error {
	logger.Info("mcp bridge starting", "server", b.serverURL)
	if err := NewServer(b, version).Run(ctx, &mcp.StdioTransport{}); err != nil {
		return goerr.Wrap(err, "mcp stdio session")
	}
	return nil
}
