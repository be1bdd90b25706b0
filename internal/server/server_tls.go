package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/acme/autocert"

	"github.com/tetherdev/tether/internal/config"
	"github.com/tetherdev/tether/internal/netutil"
)

type staticCertificate struct {
	cert     tls.Certificate
	leaf     *x509.Certificate
	certFile string
	keyFile  string
}

// tlsSetup builds the TLS config shared by the HTTPS and QUIC listeners. It
// returns a nil config in off mode and a non-nil manager in auto mode.
func (s *Server) tlsSetup() (*tls.Config, *autocert.Manager, error) {
	switch s.cfg.TLSMode {
	case config.TLSModeOff:
		return nil, nil, nil
	case config.TLSModeStatic:
		staticCert, err := s.loadStaticCertificate()
		if err != nil {
			return nil, nil, err
		}
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		cfg.GetCertificate = s.selectCertificate(nil, staticCert)
		return cfg, nil, nil
	case config.TLSModeAuto:
		domain := netutil.NormalizeHost(s.cfg.Domain)
		manager := &autocert.Manager{
			Cache:  autocert.DirCache(s.cfg.CertCacheDir),
			Prompt: autocert.AcceptTOS,
			HostPolicy: func(_ context.Context, host string) error {
				if netutil.NormalizeHost(host) == domain {
					return nil
				}
				return errors.New("host not allowed")
			},
		}
		cfg := manager.TLSConfig()
		cfg.MinVersion = tls.VersionTLS12
		cfg.GetCertificate = s.selectCertificate(manager, nil)
		return cfg, manager, nil
	}
	return nil, nil, fmt.Errorf("unknown tls mode %q", s.cfg.TLSMode)
}

func (s *Server) loadStaticCertificate() (*staticCertificate, error) {
	certFile := strings.TrimSpace(s.cfg.TLSCertFile)
	keyFile := strings.TrimSpace(s.cfg.TLSKeyFile)
	if certFile == "" || keyFile == "" {
		return nil, errors.New("static TLS requires TETHER_TLS_CERT_FILE and TETHER_TLS_KEY_FILE")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load static TLS certificate: %w", err)
	}
	var leaf *x509.Certificate
	if len(cert.Certificate) > 0 {
		leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}
	if domain := netutil.NormalizeHost(s.cfg.Domain); leaf != nil && domain != "" {
		if err := leaf.VerifyHostname(domain); err != nil {
			return nil, fmt.Errorf("static TLS certificate must include %s: %w", domain, err)
		}
	}
	subject := ""
	if leaf != nil {
		subject = leaf.Subject.String()
	}
	s.log.Info("static TLS certificate loaded", "cert_file", certFile, "key_file", keyFile, "subject", subject)
	return &staticCertificate{
		cert:     cert,
		leaf:     leaf,
		certFile: certFile,
		keyFile:  keyFile,
	}, nil
}

func (s *Server) selectCertificate(manager *autocert.Manager, staticCert *staticCertificate) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		host := netutil.NormalizeHost(hello.ServerName)
		if staticCert != nil && staticCert.supportsHost(host) {
			return &staticCert.cert, nil
		}
		if manager == nil {
			return nil, fmt.Errorf("static TLS certificate does not cover host %q", host)
		}
		return manager.GetCertificate(hello)
	}
}

func (c *staticCertificate) supportsHost(host string) bool {
	if c == nil {
		return false
	}
	if host == "" || c.leaf == nil {
		return true
	}
	return c.leaf.VerifyHostname(host) == nil
}

// httpsServerErrorLogWriter routes net/http's error log into slog and
// demotes the handshake noise every public listener sees.
type httpsServerErrorLogWriter struct {
	log                  *slog.Logger
	dynamicACME          bool
	provisioningHintOnce sync.Once
}

func newHTTPSErrorLogWriter(logger *slog.Logger, dynamicACME bool) *httpsServerErrorLogWriter {
	return &httpsServerErrorLogWriter{log: logger, dynamicACME: dynamicACME}
}

func (w *httpsServerErrorLogWriter) Write(p []byte) (n int, err error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	if w.logTLSHandshakeLine(line) {
		return len(p), nil
	}
	w.log.Warn("https server error", "err", line)
	return len(p), nil
}

func (w *httpsServerErrorLogWriter) logTLSHandshakeLine(line string) bool {
	const marker = "TLS handshake error from "
	idx := strings.Index(line, marker)
	if idx < 0 {
		return false
	}
	payload := line[idx+len(marker):]
	addr, reason, ok := strings.Cut(payload, ": ")
	if !ok {
		w.log.Debug("tls handshake dropped", "detail", payload)
		return true
	}
	reason = strings.TrimSpace(reason)
	if isLikelyScannerTLSReason(reason) {
		w.log.Debug("tls handshake rejected", "remote_addr", strings.TrimSpace(addr), "reason", reason)
		return true
	}
	if w.dynamicACME && isLikelyTLSProvisioningReason(reason) {
		w.provisioningHintOnce.Do(func() {
			w.log.Info("TLS certificate provisioning in progress; initial agent handshakes may be retried")
		})
		w.log.Info("tls handshake retried during certificate provisioning", "remote_addr", strings.TrimSpace(addr), "reason", reason)
		return true
	}
	w.log.Warn("tls handshake failed", "remote_addr", strings.TrimSpace(addr), "reason", reason)
	return true
}

func isLikelyTLSProvisioningReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	return strings.Contains(reason, "bad certificate") ||
		strings.Contains(reason, "failed to verify certificate") ||
		strings.Contains(reason, "x509:")
}

func isLikelyScannerTLSReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	return reason == "eof" ||
		strings.Contains(reason, "missing server name") ||
		strings.Contains(reason, "unsupported application protocols") ||
		strings.Contains(reason, "offered only unsupported versions") ||
		strings.Contains(reason, "no cipher suite supported by both client and server") ||
		strings.Contains(reason, "host not allowed") ||
		strings.Contains(reason, "connection reset by peer") ||
		strings.Contains(reason, "i/o timeout") ||
		strings.Contains(reason, "first record does not look like a tls handshake") ||
		strings.Contains(reason, "http request to an https server")
}
