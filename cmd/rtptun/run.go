package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shadowmesh/rtptun/internal/config"
	"github.com/shadowmesh/rtptun/internal/logging"
	"github.com/shadowmesh/rtptun/internal/supervisor"
)

// loadConfig builds a Config from -config (if given) with defaults applied,
// ready for the caller to layer its own flags on top of.
func loadConfig() (*config.Config, error) {
	if flagConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(flagConfigPath)
}

// applyLoggingFlags layers --log-level/--log-file/--verbose over whatever a
// config file set, CLI flags taking precedence since they were specified
// last. --verbose wins over --log-level if both are given.
func applyLoggingFlags(cfg *config.Config) {
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFile != "" {
		cfg.Logging.OutputFile = flagLogFile
	}
	if flagVerbose {
		cfg.Logging.Level = "debug"
	}
}

func newLogger(component string, cfg *config.Config) (*logging.Logger, error) {
	return logging.New(component, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.OutputFile)
}

// splitHostPort parses "host:port", returning an error message useful on a
// CLI rather than the raw net.SplitHostPort wording.
func splitHostPort(hostport, flagName string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, fmt.Errorf("--%s must be host:port: %w", flagName, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("--%s has a non-numeric port: %w", flagName, err)
	}
	return host, port, nil
}

// runSupervisor builds and runs a Supervisor for mode until SIGINT/SIGTERM,
// then shuts it down gracefully.
func runSupervisor(mode supervisor.Mode, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(string(mode), cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Close()

	sup, err := supervisor.New(mode, cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", logging.Fields{"signal": sig.String()})
		cancel()
	}()

	log.Info("rtptun starting", logging.Fields{
		"mode":           string(mode),
		"inbound":        net.JoinHostPort(cfg.Tunnel.InboundHost, itoa(cfg.Tunnel.InboundPort)),
		"outbound":       net.JoinHostPort(cfg.Tunnel.OutboundHost, itoa(cfg.Tunnel.OutboundPort)),
		"idle_timeout":   cfg.Tunnel.IdleTimeout.String(),
		"sweep_interval": cfg.Tunnel.SweepInterval.String(),
	})

	start := time.Now()
	err = sup.Run(ctx)
	log.Info("rtptun stopped", logging.Fields{"uptime": time.Since(start).String()})
	return err
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
