//go:build !windows

package handler

import (
	"context"
	"io"
	"os/exec"
	"slices"
	"strings"

	"github.com/creack/pty"

	"github.com/tetherdev/tether/internal/mux"
)

const defaultTerm = "xterm-256color"

func (d *Dispatcher) servePTY(s *mux.Session) {
	p := s.Params().Exec
	log := d.log.With("channel", s.ID(), "command", s.Params().Describe())

	var cmd *exec.Cmd
	if strings.TrimSpace(p.Command) == "" {
		sh := d.shell()
		cmd = exec.CommandContext(s.Context(), sh, loginArgs(sh)...)
		cmd.Env = buildEnv(p.Env)
		cmd.WaitDelay = d.policy.WaitDelay
	} else {
		cmd = d.command(s, p)
	}
	if !slices.ContainsFunc(cmd.Env, func(kv string) bool { return strings.HasPrefix(kv, "TERM=") }) {
		cmd.Env = append(cmd.Env, "TERM="+defaultTerm)
	}

	ws := &pty.Winsize{Cols: p.Cols, Rows: p.Rows}
	if ws.Cols == 0 || ws.Rows == 0 {
		ws.Cols, ws.Rows = 80, 24
	}
	// StartWithSize makes the child a session leader, so its pid is also
	// the group every descendant on this terminal inherits.
	killGroupOnCancel(cmd)
	tty, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		d.fail(s, "start pty", err)
		return
	}
	defer tty.Close()
	// A descendant that escaped the group kill still holds the slave open;
	// closing the master unblocks the copy below.
	stop := context.AfterFunc(s.Context(), func() { _ = tty.Close() })
	defer stop()
	log.Debug("pty started", "pid", cmd.Process.Pid, "cols", ws.Cols, "rows", ws.Rows)

	go func() {
		for {
			select {
			case <-s.Done():
				return
			case sz := <-s.Resizes():
				if err := pty.Setsize(tty, &pty.Winsize{Cols: sz.Cols, Rows: sz.Rows}); err != nil {
					log.Debug("resize failed", "err", err)
				}
			}
		}
	}()
	// Keystrokes, including ^C, go to the terminal as raw bytes; the line
	// discipline turns them into signals.
	go func() {
		_, _ = io.Copy(tty, s)
	}()

	// Reading the master fails once the child and its descendants have
	// closed the slave side.
	_, _ = io.Copy(s, tty)
	err = cmd.Wait()
	if s.Context().Err() != nil {
		log.Debug("pty process killed with its session")
		return
	}
	code := exitCode(err)
	log.Debug("pty process exited", "code", code)
	_ = s.CloseWithExit(code)
	_ = s.Close()
}
