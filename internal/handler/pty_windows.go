//go:build windows

package handler

import (
	"errors"

	"github.com/tetherdev/tether/internal/mux"
)

func (d *Dispatcher) servePTY(s *mux.Session) {
	d.fail(s, "start pty", errors.New("pseudo-terminals are not supported on windows"))
}
