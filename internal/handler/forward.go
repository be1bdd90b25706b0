package handler

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/tetherdev/tether/internal/mux"
)

const forwardDialTimeout = 5 * time.Second

func (d *Dispatcher) serveForward(s *mux.Session) {
	p := s.Params().Forward
	host := p.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(p.Port))

	ctx, cancel := context.WithTimeout(s.Context(), forwardDialTimeout)
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	cancel()
	if err != nil {
		d.fail(s, "dial "+addr, err)
		return
	}
	defer conn.Close()
	d.log.Debug("forward connected", "channel", s.ID(), "addr", addr)

	Splice(s, conn)
}

// halfCloser is implemented by streams that can signal EOF while still
// reading, such as *net.TCPConn and *mux.Session.
type halfCloser interface {
	CloseWrite() error
}

// Splice copies between a and b in both directions until both sides have
// finished. EOF on one side half-closes the other.
func Splice(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	pipe := func(dst, src io.ReadWriteCloser) {
		_, err := io.Copy(dst, src)
		if hc, ok := dst.(halfCloser); ok && err == nil {
			_ = hc.CloseWrite()
		} else {
			_ = dst.Close()
		}
		done <- struct{}{}
	}
	go pipe(a, b)
	go pipe(b, a)
	<-done
	<-done
	_ = a.Close()
	_ = b.Close()
}
