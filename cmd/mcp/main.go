// nftescrow MCP server - exposes deal lookup and negotiation as MCP tools
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/nftescrow/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:     envOrDefault("NFTESCROW_API_URL", "http://localhost:8080"),
		PrivateKey: os.Getenv("NFTESCROW_WALLET_KEY"),
	}
	if cfg.PrivateKey == "" {
		fmt.Fprintln(os.Stderr, "NFTESCROW_WALLET_KEY not set; write tools will fail")
	}

	s, err := mcpserver.NewMCPServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MCP server setup: %v\n", err)
		os.Exit(1)
	}
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
