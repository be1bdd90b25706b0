//go:build windows

package client

import (
	"time"

	"golang.org/x/term"

	"github.com/tetherdev/tether/internal/mux"
)

// watchResize polls the console size; Windows has no SIGWINCH.
func watchResize(fd int, s *mux.Session) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		lastW, lastH, _ := term.GetSize(fd)
		for {
			select {
			case <-done:
				return
			case <-s.Done():
				return
			case <-ticker.C:
				w, h, err := term.GetSize(fd)
				if err != nil || (w == lastW && h == lastH) {
					continue
				}
				lastW, lastH = w, h
				_ = s.Resize(uint16(w), uint16(h))
			}
		}
	}()
	return func() { close(done) }
}
