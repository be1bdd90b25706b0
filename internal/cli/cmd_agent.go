package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/tetherdev/tether/internal/agent"
	"github.com/tetherdev/tether/internal/config"
	"github.com/tetherdev/tether/internal/debughttp"
	"github.com/tetherdev/tether/internal/handler"
	ilog "github.com/tetherdev/tether/internal/log"
	"github.com/tetherdev/tether/internal/settings"
)

func runAgent(ctx context.Context, args []string) int {
	cfg, err := config.ParseAgentFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent config error:", err)
		return 2
	}
	logger := ilog.New(os.Stderr, cfg.LogLevel)

	identityPath := cfg.IdentityPath
	if identityPath == "" {
		identityPath = settings.IdentityPath()
	}
	id, created, err := settings.EnsureIdentity(identityPath, cfg.DeviceID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent identity error:", err)
		return 1
	}
	if created {
		logger.Info("device identity created", "device_id", id.DeviceID, "path", identityPath)
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.InsecureTLS {
		tlsConfig.InsecureSkipVerify = true //nolint:gosec // explicit --insecure
	}

	hostname, platform := deviceFacts()
	a, err := agent.New(agent.Options{
		RelayURL:   cfg.RelayURL,
		Transport:  cfg.Transport,
		QUICAddr:   cfg.QUICAddr,
		TLSConfig:  tlsConfig,
		DeviceID:   id.DeviceID,
		Credential: id.Credential,
		Hostname:   hostname,
		Platform:   platform,
		Version:    Version,
		Accept:     handler.NewDispatcher(agentPolicy(cfg), logger).Accept,
		OnState: func(s agent.State) {
			if s == agent.StatePending {
				logger.Info("waiting for an admin to approve this device", "device_id", id.DeviceID)
			}
		},
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent error:", err)
		return 2
	}

	if err := debughttp.Start(ctx, cfg.ListenDebug, logger, "agent", debughttp.Route{
		Pattern: "/debug/agent",
		Handler: debughttp.JSON(func() any {
			out := map[string]any{"device_id": id.DeviceID, "state": a.State().String(), "version": Version}
			if m := a.Mux(); m != nil {
				out["link"] = m.Stats()
			}
			return out
		}),
	}); err != nil {
		fmt.Fprintln(os.Stderr, "debug listener error:", err)
		return 1
	}

	logger.Info("agent starting", "device_id", id.DeviceID, "transport", cfg.Transport, "version", Version)
	if err := a.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agent error:", err)
		return 1
	}
	return 0
}

func agentPolicy(cfg config.AgentConfig) handler.Policy {
	p := handler.DefaultPolicy()
	p.AllowExec = !cfg.DisableExec
	p.AllowForward = !cfg.DisableForward
	p.AllowSync = !cfg.DisableSync
	p.SyncRoot = strings.TrimSpace(cfg.SyncRoot)
	p.Shell = strings.TrimSpace(cfg.Shell)
	return p
}

// deviceFacts reports the hostname and a platform string such as
// "ubuntu 24.04 linux/arm64" for the hello.
func deviceFacts() (hostname, platform string) {
	hostname, _ = os.Hostname()
	platform = runtime.GOOS + "/" + runtime.GOARCH
	if info, err := host.Info(); err == nil {
		if info.Hostname != "" {
			hostname = info.Hostname
		}
		if info.Platform != "" {
			platform = strings.TrimSpace(info.Platform+" "+info.PlatformVersion) + " " + platform
		}
	}
	return hostname, platform
}
