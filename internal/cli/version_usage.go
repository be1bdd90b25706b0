package cli

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/tetherdev/tether/internal/frame"
	"github.com/tetherdev/tether/internal/versionutil"
)

func printUsage() {
	fmt.Println(`tether - reach your edge devices through your own relay

Devices run an outbound agent; operators open shells, copy files,
forward ports and watch health through the relay.

Usage:
  tether exec [-i|-t] <device> -- <cmd> [args]   Run a command on a device
  tether shell <device>                          Interactive login shell
  tether sync [--delete] [--watch] [--checksum] <src> <dst>
                                                 Sync files; device paths are device:/path
  tether forward <device> <local-port> <host:port>
                                                 Forward a local port through the device
  tether stats <device>                          Stream device health
  tether devices [list|approve|revoke] [id]      Manage the device registry
  tether login                                   Save relay URL and API key
  tether server                                  Start the relay
  tether apikey create --name NAME --role ROLE   Create an API key (admin|operator|viewer)
  tether apikey list | revoke --id=ID            List or revoke API keys
  tether sessions [--device ID]                  Show the session audit log
  tether agent --relay URL                       Run the device agent
  tether version                                 Print version
  tether help                                    Show this help

Quick Start:
  1. tether server --domain relay.example.com       # start the relay
  2. tether apikey create --name me --role admin    # create an API key
  3. tether agent --relay https://relay.example.com # on each device
  4. tether devices approve <device-id>             # admit the device
  5. tether shell <device-id>

Environment Variables:
  TETHER_SERVER           Relay URL for client commands
  TETHER_API_KEY          API key for client commands
  TETHER_RELAY            Relay URL for the agent
  TETHER_DOMAIN           Relay public domain (enables automatic TLS)
  TETHER_TLS_MODE         TLS mode: off|static|auto
  TETHER_DB_PATH          SQLite database path (default: ./tether.db)
  TETHER_AUTO_APPROVE     Admit new devices without approval (true|1|yes)
  TETHER_LOG_LEVEL        Log level: debug|info|warn|error (default: info)

Variables may also be set in ./.env; values already in the environment win.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" {
		Version = versionutil.EnsureVPrefix(Version)
	}
}

func printVersion() {
	fmt.Printf("tether %s (protocol %d, %s/%s)\n", Version, frame.Version, runtime.GOOS, runtime.GOARCH)
}
