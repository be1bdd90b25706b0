// Package server implements the tether relay: agents and operator clients
// connect over websocket (agents optionally over QUIC) and the relay routes
// session opens from clients to the live connection of the target device.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tetherdev/tether/internal/config"
	"github.com/tetherdev/tether/internal/debughttp"
	"github.com/tetherdev/tether/internal/metrics"
	"github.com/tetherdev/tether/internal/mux"
	"github.com/tetherdev/tether/internal/rendezvous"
	"github.com/tetherdev/tether/internal/store/sqlite"
	"github.com/tetherdev/tether/internal/transport"
)

const (
	AgentConnectPath  = "/v1/agent/connect"
	ClientConnectPath = "/v1/client/connect"

	agentHelloTimeout = 15 * time.Second
	shutdownTimeout   = 5 * time.Second
)

type Server struct {
	cfg     config.ServerConfig
	store   *sqlite.Store
	log     *slog.Logger
	router  *rendezvous.Router
	version string

	// agentMux and clientMux tune the links the relay runs. Tests shorten
	// heartbeats through them.
	agentMux  mux.Config
	clientMux mux.Config

	initOnce sync.Once
	initErr  error
	pepper   string
}

func New(cfg config.ServerConfig, store *sqlite.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		log:     logger,
		version: "dev",
	}
	s.router = rendezvous.New(rendezvous.AuthorizerFunc(s.authorize), rendezvous.Options{
		OpenRate:  cfg.OpenRate,
		OpenBurst: cfg.OpenBurst,
		Logger:    logger,
		OnChange: func(online int) {
			metrics.DevicesOnline.Set(float64(online))
		},
	})
	return s
}

// SetVersion sets the version reported to agents in the handshake.
func (s *Server) SetVersion(v string) {
	if v = strings.TrimSpace(v); v != "" {
		s.version = v
	}
}

// Router exposes the relay's rendezvous router.
func (s *Server) Router() *rendezvous.Router { return s.router }

func (s *Server) init(ctx context.Context) error {
	s.initOnce.Do(func() {
		pepper, err := s.store.ResolveServerPepper(ctx, s.cfg.APIKeyPepper)
		if err != nil {
			s.initErr = fmt.Errorf("resolve api key pepper: %w", err)
			return
		}
		s.pepper = pepper
	})
	return s.initErr
}

// Handler returns the relay's HTTP surface.
func (s *Server) Handler(ctx context.Context) (http.Handler, error) {
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	routes := http.NewServeMux()
	routes.HandleFunc("GET "+AgentConnectPath, s.handleAgentConnect)
	routes.HandleFunc("GET "+ClientConnectPath, s.handleClientConnect)
	routes.HandleFunc("GET /v1/devices", s.handleListDevices)
	routes.HandleFunc("POST /v1/devices/{id}/approve", s.handleApproveDevice)
	routes.HandleFunc("POST /v1/devices/{id}/revoke", s.handleRevokeDevice)
	routes.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	routes.Handle("GET /metrics", metrics.Handler())
	return routes, nil
}

func (s *Server) Run(ctx context.Context) error {
	handler, err := s.Handler(ctx)
	if err != nil {
		return err
	}
	if err := debughttp.Start(ctx, s.cfg.ListenDebug, s.log, "relay", debughttp.Route{Pattern: "/debug/links", Handler: debughttp.JSON(s.linkSnapshot)}); err != nil {
		return fmt.Errorf("debug listener: %w", err)
	}

	tlsConfig, manager, err := s.tlsSetup()
	if err != nil {
		return err
	}

	go s.runJanitor(ctx)

	mainServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsConfig,
	}
	if tlsConfig != nil {
		mainServer.ErrorLog = log.New(newHTTPSErrorLogWriter(s.log, manager != nil), "", 0)
	}

	errCh := make(chan error, 3)

	var challengeServer *http.Server
	if manager != nil {
		challengeServer = &http.Server{
			Addr:              s.cfg.ListenHTTP,
			Handler:           manager.HTTPHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.log.Info("starting ACME challenge server", "addr", s.cfg.ListenHTTP)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		}()
	}

	var quicListener *transport.QUICListener
	if s.cfg.ListenQUIC != "" {
		quicListener, err = transport.ListenQUIC(s.cfg.ListenQUIC, tlsConfig)
		if err != nil {
			return fmt.Errorf("quic listener: %w", err)
		}
		s.log.Info("starting QUIC agent listener", "addr", quicListener.Addr().String())
		go func() {
			if err := s.serveQUIC(ctx, quicListener); err != nil {
				errCh <- fmt.Errorf("quic listener: %w", err)
			}
		}()
	}

	go func() {
		var err error
		if tlsConfig != nil {
			s.log.Info("starting HTTPS server", "addr", s.cfg.Listen, "tls_mode", s.cfg.TLSMode)
			err = mainServer.ListenAndServeTLS("", "")
		} else {
			s.log.Warn("starting plain HTTP server; use TLS for anything but local testing", "addr", s.cfg.Listen)
			err = mainServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	if err := shutdownServer(mainServer, shutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if challengeServer != nil {
		if err := shutdownServer(challengeServer, shutdownTimeout); err != nil && runErr == nil {
			runErr = err
		}
	}
	if quicListener != nil {
		_ = quicListener.Close()
	}
	s.router.CloseAll()
	return runErr
}

func (s *Server) serveQUIC(ctx context.Context, ln *transport.QUICListener) error {
	for {
		pending, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			conn, err := pending.Stream(ctx)
			if err != nil {
				s.log.Debug("quic peer opened no stream", "remote_addr", pending.RemoteAddr().String(), "err", err)
				return
			}
			s.serveAgent(ctx, conn, conn.RemoteAddr().String(), "quic")
		}()
	}
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
