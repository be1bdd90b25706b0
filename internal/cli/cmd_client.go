package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tetherdev/tether/internal/client"
	"github.com/tetherdev/tether/internal/config"
	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/handler"
	ilog "github.com/tetherdev/tether/internal/log"
	"github.com/tetherdev/tether/internal/settings"
)

// clientCommand wires the shared client flags into a per-command FlagSet.
type clientCommand struct {
	name     string
	fs       *flag.FlagSet
	cfg      *config.ClientConfig
	logLevel string
}

func newClientCommand(name string) *clientCommand {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd := &clientCommand{name: name, fs: fs, cfg: config.ClientFlags(fs)}
	fs.StringVar(&cmd.logLevel, "log-level", envOr("TETHER_LOG_LEVEL", "warn"), "Log level: debug|info|warn|error")
	return cmd
}

// client fills missing credentials from the saved settings and builds a
// Client. It prints its own errors.
func (c *clientCommand) client() (*client.Client, bool) {
	if err := mergeClientSettings(c.cfg, settings.CredentialsPath()); err != nil {
		fmt.Fprintf(os.Stderr, "%s config error: %v\n", c.name, err)
		return nil, false
	}
	if err := c.cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%s config error: %v\n", c.name, err)
		return nil, false
	}
	return client.New(*c.cfg, ilog.New(os.Stderr, c.logLevel)), true
}

func mergeClientSettings(cfg *config.ClientConfig, path string) error {
	if strings.TrimSpace(cfg.ServerURL) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		stored, err := settings.LoadCredentials(path)
		if err != nil {
			return fmt.Errorf("missing client credentials. run `tether login --server https://relay.example.com --api-key <key>` or provide --server/--api-key: %w", err)
		}
		if strings.TrimSpace(cfg.ServerURL) == "" {
			cfg.ServerURL = stored.ServerURL
		}
		if strings.TrimSpace(cfg.APIKey) == "" {
			cfg.APIKey = stored.APIKey
		}
	}
	normalized, err := normalizeServerURL(cfg.ServerURL)
	if err != nil {
		return err
	}
	cfg.ServerURL = normalized
	return nil
}

// reportError prints err with its reason code, when it has one, and a hint.
func reportError(command string, err error) {
	if code := domain.CodeOf(err); errors.Is(err, domain.ErrorFromCode(code)) {
		fmt.Fprintf(os.Stderr, "%s error [%s]: %v\n", command, code, err)
	} else {
		fmt.Fprintf(os.Stderr, "%s error: %v\n", command, err)
	}
	if hint := client.Hint(err); hint != "" {
		fmt.Fprintln(os.Stderr, "hint:", hint)
	}
}

func runLogin(args []string) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	cfg := config.ClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	canPrompt := isInteractiveInput()
	reader := bufio.NewReader(os.Stdin)

	serverURL, missing, err := resolveRequiredValue(reader, cfg.ServerURL, canPrompt, "Relay host or URL: ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "login error:", err)
		return 1
	}
	if missing {
		fmt.Fprintln(os.Stderr, "login error: missing --server (or TETHER_SERVER)")
		return 2
	}
	apiKey, missing, err := resolveRequiredValue(reader, cfg.APIKey, canPrompt, "API key: ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "login error:", err)
		return 1
	}
	if missing {
		fmt.Fprintln(os.Stderr, "login error: missing --api-key (or TETHER_API_KEY)")
		return 2
	}
	normalized, err := normalizeServerURL(serverURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "login error:", err)
		return 2
	}
	cfg.ServerURL, cfg.APIKey = normalized, apiKey

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	devices, err := client.New(*cfg, nil).Devices(ctx)
	if err != nil {
		reportError("login", err)
		return 1
	}
	path := settings.CredentialsPath()
	if err := settings.SaveCredentials(path, settings.Credentials{ServerURL: normalized, APIKey: apiKey}); err != nil {
		fmt.Fprintln(os.Stderr, "login error:", err)
		return 1
	}
	fmt.Printf("saved: %s (%d devices visible)\n", path, len(devices))
	return 0
}

// splitCommand turns "<device> [--] cmd args..." into its parts. A single
// word after the device is run through the device's shell.
func splitCommand(rest []string) (device, command string, args []string, err error) {
	if len(rest) == 0 {
		return "", "", nil, errors.New("missing device")
	}
	device, rest = rest[0], rest[1:]
	if len(rest) > 0 && rest[0] == "--" {
		rest = rest[1:]
	}
	switch len(rest) {
	case 0:
		return "", "", nil, errors.New("missing command")
	case 1:
		return device, rest[0], nil, nil
	}
	return device, rest[0], rest[1:], nil
}

func runExec(ctx context.Context, args []string) int {
	cmd := newClientCommand("exec")
	var interactive, tty bool
	var env stringList
	cmd.fs.BoolVar(&interactive, "i", false, "Forward stdin")
	cmd.fs.BoolVar(&tty, "t", false, "Allocate a pseudo-terminal (implies -i)")
	cmd.fs.Var(&env, "e", "Set a remote environment variable KEY=VALUE (repeatable)")
	if err := cmd.fs.Parse(args); err != nil {
		return 2
	}
	device, command, cmdArgs, err := splitCommand(cmd.fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: tether exec [-i|-t] <device> -- <cmd> [args]:", err)
		return 2
	}
	c, ok := cmd.client()
	if !ok {
		return 2
	}
	return exitStatus("exec", func() (int, error) {
		return c.Exec(ctx, client.ExecOptions{
			Device:      device,
			Command:     command,
			Args:        cmdArgs,
			TTY:         tty,
			Interactive: interactive,
			Env:         env,
		}, os.Stdin, os.Stdout)
	})
}

func runShell(ctx context.Context, args []string) int {
	cmd := newClientCommand("shell")
	if err := cmd.fs.Parse(args); err != nil {
		return 2
	}
	if cmd.fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tether shell <device>")
		return 2
	}
	c, ok := cmd.client()
	if !ok {
		return 2
	}
	return exitStatus("shell", func() (int, error) {
		return c.Exec(ctx, client.ExecOptions{Device: cmd.fs.Arg(0), TTY: true}, os.Stdin, os.Stdout)
	})
}

// exitStatus runs a remote command and maps its result to a process exit
// code: the remote status, or 1 when the session itself failed.
func exitStatus(command string, run func() (int, error)) int {
	code, err := run()
	if err != nil {
		reportError(command, err)
		if code == 0 {
			return 1
		}
	}
	return code
}

func runSync(ctx context.Context, args []string) int {
	cmd := newClientCommand("sync")
	var del, watch, checksum bool
	cmd.fs.BoolVar(&del, "delete", false, "Delete destination files missing from the source")
	cmd.fs.BoolVar(&watch, "watch", false, "Keep syncing changes until interrupted")
	cmd.fs.BoolVar(&checksum, "checksum", false, "Compare content hashes instead of size and mtime")
	if err := cmd.fs.Parse(args); err != nil {
		return 2
	}
	if cmd.fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: tether sync [--delete] [--watch] [--checksum] <src> <dst>")
		return 2
	}
	src, err := client.ParseLocation(cmd.fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "sync error:", err)
		return 2
	}
	dst, err := client.ParseLocation(cmd.fs.Arg(1))
	if err != nil {
		fmt.Fprintln(os.Stderr, "sync error:", err)
		return 2
	}
	c, ok := cmd.client()
	if !ok {
		return 2
	}
	if _, err := c.Sync(ctx, client.SyncOptions{
		Src:      src,
		Dst:      dst,
		Delete:   del,
		Watch:    watch,
		Checksum: checksum,
		Out:      os.Stdout,
	}); err != nil {
		reportError("sync", err)
		return 1
	}
	return 0
}

func runForward(ctx context.Context, args []string) int {
	cmd := newClientCommand("forward")
	if err := cmd.fs.Parse(args); err != nil {
		return 2
	}
	if cmd.fs.NArg() != 3 {
		fmt.Fprintln(os.Stderr, "usage: tether forward <device> <local-port> <host:port>")
		return 2
	}
	listen, err := listenAddr(cmd.fs.Arg(1))
	if err != nil {
		fmt.Fprintln(os.Stderr, "forward error:", err)
		return 2
	}
	host, port, err := client.ParseTarget(cmd.fs.Arg(2))
	if err != nil {
		fmt.Fprintln(os.Stderr, "forward error:", err)
		return 2
	}
	c, ok := cmd.client()
	if !ok {
		return 2
	}
	device := cmd.fs.Arg(0)
	target := net.JoinHostPort(host, strconv.Itoa(port))
	err = c.Forward(ctx, client.ForwardOptions{
		Device:     device,
		ListenAddr: listen,
		Host:       host,
		Port:       port,
		OnConn: func(remote net.Addr, err error) {
			if err != nil {
				reportError("forward", err)
			}
		},
	}, func(addr net.Addr) {
		fmt.Println(client.Banner("Forwarding", addr.String()+" -> "+device+" -> "+target))
	})
	if err != nil {
		reportError("forward", err)
		return 1
	}
	return 0
}

// listenAddr accepts a bare port (bound to loopback) or host:port.
func listenAddr(v string) (string, error) {
	if p, err := strconv.Atoi(v); err == nil {
		if p < 0 || p > 65535 {
			return "", errors.New("local port must be in 0..65535")
		}
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(p)), nil
	}
	if _, _, err := net.SplitHostPort(v); err != nil {
		return "", fmt.Errorf("invalid local address %q", v)
	}
	return v, nil
}

func runStats(ctx context.Context, args []string) int {
	cmd := newClientCommand("stats")
	var interval time.Duration
	var once bool
	cmd.fs.DurationVar(&interval, "interval", 0, "Sampling interval (default: device default)")
	cmd.fs.BoolVar(&once, "once", false, "Print one sample and exit")
	if err := cmd.fs.Parse(args); err != nil {
		return 2
	}
	if cmd.fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tether stats [--interval 2s] [--once] <device>")
		return 2
	}
	c, ok := cmd.client()
	if !ok {
		return 2
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	err := c.Stats(ctx, cmd.fs.Arg(0), interval, func(s handler.Sample) {
		fmt.Println(client.FormatSample(s))
		if once {
			cancel()
		}
	})
	if err != nil {
		reportError("stats", err)
		return 1
	}
	return 0
}

func runDevices(ctx context.Context, args []string) int {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}
	cmd := newClientCommand("devices " + sub)
	if err := cmd.fs.Parse(args); err != nil {
		return 2
	}
	switch sub {
	case "list", "approve", "revoke":
	default:
		fmt.Fprintln(os.Stderr, "usage: tether devices [list|approve <id>|revoke <id>]")
		return 2
	}
	if sub != "list" && cmd.fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: tether devices %s <id>\n", sub)
		return 2
	}
	c, ok := cmd.client()
	if !ok {
		return 2
	}
	return devicesAction(ctx, c, sub, cmd.fs.Arg(0), os.Stdout)
}

func devicesAction(ctx context.Context, c *client.Client, sub, id string, out io.Writer) int {
	var err error
	switch sub {
	case "approve":
		if err = c.ApproveDevice(ctx, id); err == nil {
			fmt.Fprintln(out, "approved:", id)
		}
	case "revoke":
		if err = c.RevokeDevice(ctx, id); err == nil {
			fmt.Fprintln(out, "revoked:", id)
		}
	default:
		var devices []domain.DeviceView
		if devices, err = c.Devices(ctx); err == nil {
			fmt.Fprint(out, client.FormatDevices(devices, time.Now()))
		}
	}
	if err != nil {
		reportError("devices "+sub, err)
		return 1
	}
	return 0
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	if !strings.Contains(v, "=") {
		return errors.New("expected KEY=VALUE")
	}
	*s = append(*s, v)
	return nil
}
