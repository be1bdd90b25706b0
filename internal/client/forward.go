package client

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/tetherdev/tether/internal/handler"
	"github.com/tetherdev/tether/internal/mux"
)

// ForwardOptions maps a local listener to host:port as seen from Device.
type ForwardOptions struct {
	Device     string
	ListenAddr string
	Host       string
	Port       int
	// OnConn is called for every accepted local connection with the
	// session open error, if any.
	OnConn func(remote net.Addr, err error)
}

// ParseTarget splits "host:port". A bare port means localhost on the device.
func ParseTarget(s string) (string, int, error) {
	host, portText, err := net.SplitHostPort(s)
	if err != nil {
		host, portText = "127.0.0.1", s
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, errors.New("target must be host:port with a port in 1..65535")
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return host, port, nil
}

// Forward listens on opts.ListenAddr and tunnels every accepted connection
// over its own session until ctx is done. ready, when non-nil, receives the
// bound address.
func (c *Client) Forward(ctx context.Context, opts ForwardOptions, ready func(net.Addr)) error {
	m, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", opts.ListenAddr)
	if err != nil {
		return err
	}
	defer func() { _ = ln.Close() }()
	if ready != nil {
		ready(ln.Addr())
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-m.Done():
		}
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case <-m.Done():
				return m.Err()
			default:
			}
			return err
		}
		go c.forwardConn(ctx, m, opts, conn)
	}
}

func (c *Client) forwardConn(ctx context.Context, m *mux.Mux, opts ForwardOptions, conn net.Conn) {
	s, err := c.open(ctx, m, opts.Device, mux.OpenParams{
		Type:    mux.TypeForward,
		Forward: &mux.ForwardParams{Host: opts.Host, Port: opts.Port},
	})
	if opts.OnConn != nil {
		opts.OnConn(conn.RemoteAddr(), err)
	}
	if err != nil {
		c.log.Warn("forward open failed", "device", opts.Device, "target", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)), "err", err)
		_ = conn.Close()
		return
	}
	handler.Splice(conn, s)
}
