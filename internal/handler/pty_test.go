//go:build !windows

package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/mux"
)

// terminalOutput collects everything a pty session writes back.
type terminalOutput struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	done chan struct{}
	err  error
}

func readTerminal(s *mux.Session) *terminalOutput {
	out := &terminalOutput{done: make(chan struct{})}
	go func() {
		defer close(out.done)
		p := make([]byte, 4096)
		for {
			n, err := s.Read(p)
			out.mu.Lock()
			out.buf.Write(p[:n])
			out.mu.Unlock()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					out.err = err
				}
				return
			}
		}
	}()
	return out
}

func (o *terminalOutput) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

func (o *terminalOutput) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(o.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("terminal never showed %q; got %q", want, o.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (o *terminalOutput) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-o.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("pty session did not finish; output %q", o.String())
	}
	if o.err != nil {
		t.Fatalf("read: %v", o.err)
	}
}

func openPTY(t *testing.T, command string) *mux.Session {
	t.Helper()
	client := newLink(t, DefaultPolicy())
	s, err := client.Open(context.Background(), mux.OpenParams{
		Type: mux.TypePTY,
		Exec: &mux.ExecParams{Command: command, TTY: true, Cols: 80, Rows: 24},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPTYOutputAndExitCode(t *testing.T) {
	t.Parallel()

	s := openPTY(t, "printf hi; exit 4")
	out := readTerminal(s)
	out.waitClosed(t)
	if !strings.Contains(out.String(), "hi") {
		t.Fatalf("output = %q", out.String())
	}
	if code, ok := s.Exit(); !ok || code != 4 {
		t.Fatalf("exit = %d, %v; want 4, true", code, ok)
	}
}

func TestPTYResizeReachesTerminal(t *testing.T) {
	t.Parallel()

	s := openPTY(t, "sleep 0.5; stty size")
	out := readTerminal(s)
	if err := s.Resize(100, 40); err != nil {
		t.Fatal(err)
	}
	out.waitClosed(t)
	if !strings.Contains(out.String(), "40 100") {
		t.Fatalf("stty size after resize = %q, want 40 100", out.String())
	}
}

func TestPTYInterruptKeystrokeSignalsProcess(t *testing.T) {
	t.Parallel()

	s := openPTY(t, "trap 'echo caught; exit 7' INT; echo ready; while :; do sleep 0.1; done")
	out := readTerminal(s)
	out.waitFor(t, "ready")
	if _, err := s.Write([]byte{0x03}); err != nil {
		t.Fatal(err)
	}
	out.waitClosed(t)
	if !strings.Contains(out.String(), "caught") {
		t.Fatalf("output = %q, want the INT trap to run", out.String())
	}
	if code, ok := s.Exit(); !ok || code != 7 {
		t.Fatalf("exit = %d, %v; want 7, true", code, ok)
	}
}

func TestPTYAbortKillsBackgroundChildren(t *testing.T) {
	t.Parallel()

	marker := filepath.Join(t.TempDir(), "survived")
	s := openPTY(t, "(trap '' HUP; sleep 1; touch "+marker+") & sleep 30")
	time.Sleep(200 * time.Millisecond)
	s.Abort(domain.CodeAborted, "interrupt")
	time.Sleep(2 * time.Second)
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("background child outlived its pty session")
	}
}
