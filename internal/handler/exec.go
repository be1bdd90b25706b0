package handler

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/tetherdev/tether/internal/mux"
)

// Candidate shells probed when $SHELL is unset or missing. ash covers
// BusyBox images.
var shellCandidates = []string{
	"/bin/bash",
	"/usr/bin/bash",
	"/bin/zsh",
	"/usr/bin/zsh",
	"/usr/bin/fish",
	"/bin/ash",
	"/bin/sh",
}

var minimalPath = []string{
	"/usr/local/sbin",
	"/usr/local/bin",
	"/usr/sbin",
	"/usr/bin",
	"/sbin",
	"/bin",
}

func (d *Dispatcher) shell() string {
	if d.policy.Shell != "" {
		return d.policy.Shell
	}
	return detectShell()
}

func detectShell() string {
	if sh := os.Getenv("SHELL"); sh != "" && fileExists(sh) {
		return sh
	}
	for _, candidate := range shellCandidates {
		if fileExists(candidate) {
			return candidate
		}
	}
	return "/bin/sh"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// loginArgs returns the arguments that start shell as an interactive login
// shell. Shells without -l are started plain.
func loginArgs(shell string) []string {
	switch filepath.Base(shell) {
	case "bash", "zsh", "fish", "sh", "ash", "dash", "ksh":
		return []string{"-l"}
	}
	return nil
}

// buildEnv returns the process environment with a usable PATH and the
// caller's overrides applied.
func buildEnv(extra []string) []string {
	env := os.Environ()
	path := os.Getenv("PATH")
	parts := filepath.SplitList(path)
	for _, dir := range minimalPath {
		if !slices.Contains(parts, dir) {
			parts = append(parts, dir)
		}
	}
	env = setEnv(env, "PATH", strings.Join(parts, string(filepath.ListSeparator)))
	for _, kv := range extra {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env = setEnv(env, k, v)
		}
	}
	return env
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := slices.DeleteFunc(env, func(kv string) bool { return strings.HasPrefix(kv, prefix) })
	return append(out, prefix+value)
}

func (d *Dispatcher) command(s *mux.Session, p *mux.ExecParams) *exec.Cmd {
	var cmd *exec.Cmd
	if len(p.Args) == 0 {
		cmd = exec.CommandContext(s.Context(), d.shell(), "-c", p.Command)
	} else {
		cmd = exec.CommandContext(s.Context(), p.Command, p.Args...)
	}
	cmd.Env = buildEnv(p.Env)
	cmd.WaitDelay = d.policy.WaitDelay
	return cmd
}

func (d *Dispatcher) serveExec(s *mux.Session) {
	p := s.Params().Exec
	log := d.log.With("channel", s.ID(), "command", s.Params().Describe())

	cmd := d.command(s, p)
	detach(cmd)
	cmd.Stdout = s
	cmd.Stderr = s

	var stdin io.WriteCloser
	if p.Stdin {
		var err error
		if stdin, err = cmd.StdinPipe(); err != nil {
			d.fail(s, "stdin pipe", err)
			return
		}
	}
	if err := cmd.Start(); err != nil {
		d.fail(s, "start", err)
		return
	}
	log.Debug("process started", "pid", cmd.Process.Pid)

	go func() {
		if stdin == nil {
			// Keep the window open so a chatty peer cannot stall the link.
			_, _ = io.Copy(io.Discard, s)
			return
		}
		_, _ = io.Copy(stdin, s)
		_ = stdin.Close()
	}()

	err := cmd.Wait()
	if s.Context().Err() != nil {
		log.Debug("process killed with its session")
		return
	}
	code := exitCode(err)
	log.Debug("process exited", "code", code)
	_ = s.CloseWithExit(code)
	_ = s.Close()
}

// exitCode converts a Wait error into a shell-style status. A process
// killed by a signal reports 128 plus the signal number.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return 0
	}
	return -1
}
