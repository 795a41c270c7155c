package cmd

import (
	"context"
	"fmt"
	"strings"
)

const usage = `chat-relay relays chat requests to OpenAI-compatible and Gemini providers.

Usage:
  chat-relay serve [--config <path>] [--port <port>]

Commands:
  serve    Start the HTTP server (POST /api/openai, POST /api/gemini, GET /health, GET /metrics)

Serve flags:
  --config string   Path to YAML configuration file (defaults apply when omitted)
  --port   int      Override server port from configuration

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}
