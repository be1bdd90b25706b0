// Package cli implements the tether command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tetherdev/tether/internal/config"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}

	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "login":
		return runLogin(args[1:])
	case "exec":
		return runExec(ctx, args[1:])
	case "shell":
		return runShell(ctx, args[1:])
	case "sync":
		return runSync(ctx, args[1:])
	case "forward":
		return runForward(ctx, args[1:])
	case "stats":
		return runStats(ctx, args[1:])
	case "devices":
		return runDevices(ctx, args[1:])
	case "sessions":
		return runSessions(ctx, args[1:])
	case "apikey":
		return runAPIKeyAdmin(ctx, args[1:])
	case "server":
		return runServer(ctx, args[1:])
	case "agent":
		return runAgent(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}
}
