// Escrowd MCP Server - exposes escrow and wallet operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/satsafe/escrowd/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:    envOrDefault("ESCROWD_API_URL", "http://localhost:8080"),
		Token:     os.Getenv("ESCROWD_TOKEN"),
		Principal: os.Getenv("ESCROWD_PRINCIPAL"),
	}

	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "ESCROWD_TOKEN is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
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
