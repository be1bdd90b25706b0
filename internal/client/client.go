// Package client is the operator side of tether: it connects to the relay,
// opens sessions on devices and drives them from the local terminal,
// filesystem and sockets.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tetherdev/tether/internal/config"
	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/mux"
	"github.com/tetherdev/tether/internal/transport"
)

const (
	ConnectPath = "/v1/client/connect"
	devicesPath = "/v1/devices"
)

// Client talks to one relay with one API key.
type Client struct {
	cfg  config.ClientConfig
	log  *slog.Logger
	tls  *tls.Config
	http *http.Client

	// Mux tunes the client link.
	Mux mux.Config
}

func New(cfg config.ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.InsecureTLS {
		tlsConfig.InsecureSkipVerify = true //nolint:gosec // opt-in for test relays
	}
	return &Client{
		cfg: cfg,
		log: logger,
		tls: tlsConfig,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig, Proxy: http.ProxyFromEnvironment},
		},
	}
}

// Connect opens the client link to the relay.
func (c *Client) Connect(ctx context.Context) (*mux.Mux, error) {
	endpoint, err := transport.EndpointURL(c.cfg.ServerURL, ConnectPath)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	conn, err := transport.DialWebsocket(dialCtx, endpoint, c.header(), c.tls)
	if err != nil {
		var he *transport.HandshakeError
		if errors.As(err, &he) && (he.StatusCode == http.StatusUnauthorized || he.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: relay refused the API key", domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("%w: connect relay: %s", domain.ErrTransport, shortenError(err))
	}
	cfg := c.Mux
	cfg.Initiator = true
	cfg.Accept = nil
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	return mux.New(conn, nil, cfg), nil
}

// open opens a session on device over m within the client timeout.
func (c *Client) open(ctx context.Context, m *mux.Mux, device string, params mux.OpenParams) (*mux.Session, error) {
	params.Device = device
	openCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return m.Open(openCtx, params)
}

// session connects and opens a single session. Closing the returned mux
// releases everything.
func (c *Client) session(ctx context.Context, device string, params mux.OpenParams) (*mux.Mux, *mux.Session, error) {
	m, err := c.Connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	s, err := c.open(ctx, m, device, params)
	if err != nil {
		_ = m.Close()
		return nil, nil, err
	}
	return m, s, nil
}

// Devices lists the relay's device registry.
func (c *Client) Devices(ctx context.Context) ([]domain.DeviceView, error) {
	var resp domain.DeviceListResponse
	if err := c.do(ctx, http.MethodGet, devicesPath, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

func (c *Client) ApproveDevice(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, devicesPath+"/"+url.PathEscape(id)+"/approve", nil)
}

func (c *Client) RevokeDevice(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, devicesPath+"/"+url.PathEscape(id)+"/revoke", nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	base := strings.TrimRight(strings.TrimSpace(c.cfg.ServerURL), "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		return err
	}
	for k, v := range c.header() {
		req.Header[k] = v
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrTransport, shortenError(err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out)
}

func (c *Client) header() http.Header {
	return http.Header{
		"Authorization": {"Bearer " + strings.TrimSpace(c.cfg.APIKey)},
		"User-Agent":    {"tether-client"},
	}
}
