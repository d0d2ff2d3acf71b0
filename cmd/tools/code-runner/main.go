// Command code-runner is an MCP server exposing a code_run tool that executes
// snippets in runbox sandboxes.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/logging"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "code-runner: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("RUNBOX_CONFIG"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// stdout carries the MCP protocol; zap writes to stderr.
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	registry, err := language.Load(cfg.LanguagesFile)
	if err != nil {
		return fmt.Errorf("loading languages: %w", err)
	}

	docker, err := sandbox.NewDocker(cfg.DockerRuntime(), log)
	if err != nil {
		return fmt.Errorf("connecting to docker: %w", err)
	}
	defer docker.Close()

	sessions := session.NewManager(context.Background(), registry, docker, session.Options{Logger: log})
	defer sessions.CloseAll()

	r := &runner{sessions: sessions, timeout: cfg.Limits.MaxRunTime}

	log.Info("code-runner ready", zap.Strings("languages", registry.IDs()))
	return server.ServeStdio(newMCPServer(registry, r))
}

func newMCPServer(registry *language.Registry, r *runner) *server.MCPServer {
	s := server.NewMCPServer("runbox-code-runner", "0.1.0")
	s.AddTool(codeRunTool(registry), r.handleCodeRun)
	return s
}

func codeRunTool(registry *language.Registry) mcp.Tool {
	langs := strings.Join(registry.IDs(), ", ")
	return mcp.Tool{
		Name:        "code_run",
		Description: fmt.Sprintf("Execute code in an isolated container. Supported languages: %s.", langs),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": fmt.Sprintf("Programming language (%s)", langs),
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input to provide to the program, one line per input (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
