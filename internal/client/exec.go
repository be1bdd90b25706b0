package client

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/mux"
)

// ExitInterrupted is returned for an interactive session ended by the
// operator's interrupt or a lost link.
const ExitInterrupted = 130

// ExecOptions describes a remote command. An empty Command with TTY set
// starts the device's login shell.
type ExecOptions struct {
	Device      string
	Command     string
	Args        []string
	TTY         bool
	Interactive bool
	Env         []string
}

// Exec runs a command on a device, streaming stdin and stdout, and returns
// the remote exit status.
func (c *Client) Exec(ctx context.Context, opts ExecOptions, stdin io.Reader, stdout io.Writer) (int, error) {
	interactive := opts.Interactive || opts.TTY
	params := &mux.ExecParams{
		Command: opts.Command,
		Args:    opts.Args,
		TTY:     opts.TTY,
		Stdin:   interactive,
		Env:     opts.Env,
	}
	typ := mux.TypeExec
	var tty *terminal
	if opts.TTY {
		typ = mux.TypePTY
		if tty = openTerminal(stdin); tty != nil {
			params.Cols, params.Rows = tty.size()
		}
		params.Env = append(params.Env, "TERM="+termName())
	}

	m, s, err := c.session(ctx, opts.Device, mux.OpenParams{Type: typ, Exec: params})
	if err != nil {
		return 0, err
	}
	defer func() { _ = m.Close() }()

	if tty != nil {
		if err := tty.makeRaw(); err == nil {
			defer tty.restore()
		}
		stop := watchResize(tty.fd, s)
		defer stop()
	}

	if interactive {
		go func() {
			if _, err := io.Copy(s, stdin); err == nil {
				_ = s.CloseWrite()
			}
		}()
	} else {
		_ = s.CloseWrite()
	}

	copied := make(chan error, 1)
	go func() {
		_, err := io.Copy(stdout, s)
		copied <- err
	}()

	select {
	case <-ctx.Done():
		s.Abort(domain.CodeAborted, "interrupted")
		return ExitInterrupted, nil
	case err := <-copied:
		if err != nil {
			if interactive && !errors.Is(err, domain.ErrHandlerFailure) {
				return ExitInterrupted, err
			}
			return 1, err
		}
	}
	code, _ := s.Exit()
	return code, nil
}

// terminal is the operator's controlling terminal.
type terminal struct {
	fd    int
	state *term.State
}

func openTerminal(r io.Reader) *terminal {
	f, ok := r.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	return &terminal{fd: int(f.Fd())}
}

func (t *terminal) size() (cols, rows uint16) {
	w, h, err := term.GetSize(t.fd)
	if err != nil || w <= 0 || h <= 0 {
		return 80, 24
	}
	return uint16(w), uint16(h)
}

func (t *terminal) makeRaw() error {
	state, err := term.MakeRaw(t.fd)
	if err != nil {
		return err
	}
	t.state = state
	return nil
}

func (t *terminal) restore() {
	if t.state != nil {
		_ = term.Restore(t.fd, t.state)
	}
}

func termName() string {
	if v := os.Getenv("TERM"); v != "" {
		return v
	}
	return "xterm-256color"
}
