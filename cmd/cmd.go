// Package cmd provides CLI commands for Docent.
//
// Commands:
//   - serve: HTTP API server with SSE streaming
//   - ask: one-shot query from the command line
//
// Signal handling and graceful shutdown are implemented for the serve
// command via context cancellation.
package cmd

import (
	"fmt"
	"os"
)

// Execute is the main entry point for the Docent CLI application.
func Execute() error {
	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "ask":
		return runAsk(os.Args[2:])
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("Docent - Turn a knowledge base and tools into an answer service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  docent serve           Start the HTTP API server")
	fmt.Println("  docent ask <question>  Run a one-shot query")
	fmt.Println("  docent --version       Show version information")
	fmt.Println("  docent --help          Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  ANTHROPIC_API_KEY      Required: Anthropic API key")
	fmt.Println("  DOCENT_MODEL           Optional: override the configured model")
	fmt.Println("  DOCENT_PORT            Optional: override the server port")
	fmt.Println("  DOCENT_LOG_LEVEL       Optional: debug, info, warn, error")
	fmt.Println()
	fmt.Println("Configuration file: ~/.docent/config.yaml or ./config.yaml")
}
