// Package mcpadapter exposes the gateway as MCP tools so a chat client can
// drive tasks remotely. It is registered on the bus under the "mcp" tag;
// task updates go out as MCP notifications.
package mcpadapter

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/kolapsis/remotewiz/internal/gateway"
)

// AdapterTag identifies tasks created through this surface.
const AdapterTag = "mcp"

// NewServer creates the MCP server with all tools registered.
func NewServer(gw *gateway.Gateway, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"RemoteWiz",
		version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	registerTools(s, gw)

	return s
}
