//go:build !windows

package client

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/tetherdev/tether/internal/mux"
)

// watchResize forwards SIGWINCH as resize frames until stop is called.
func watchResize(fd int, s *mux.Session) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-s.Done():
				return
			case <-ch:
				if w, h, err := term.GetSize(fd); err == nil {
					_ = s.Resize(uint16(w), uint16(h))
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
