package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/shadowmesh/rtptun/internal/supervisor"
)

func newServerCmd() *cobra.Command {
	var (
		key         string
		listenAddr  string
		listenPort  int
		destAddr    string
		destPort    int
		idleTimeout time.Duration
		monitorAddr string
		monitorOn   bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the server half: accept the disguised tunnel and forward each flow to a real destination",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applyLoggingFlags(cfg)

			if key != "" {
				cfg.Tunnel.Key = key
			}
			if listenAddr != "" {
				cfg.Tunnel.InboundHost = listenAddr
			}
			if listenPort != 0 {
				cfg.Tunnel.InboundPort = listenPort
			}
			if destAddr != "" {
				cfg.Tunnel.OutboundHost = destAddr
			}
			if destPort != 0 {
				cfg.Tunnel.OutboundPort = destPort
			}
			if idleTimeout != 0 {
				cfg.Tunnel.IdleTimeout = idleTimeout
				cfg.Tunnel.SweepInterval = idleTimeout / 2
			}
			if monitorAddr != "" {
				host, port, err := splitHostPort(monitorAddr, "monitor-addr")
				if err != nil {
					return err
				}
				cfg.Monitor.Host, cfg.Monitor.Port = host, port
			}
			if monitorOn {
				cfg.Monitor.Enabled = true
			}
			if cfg.Tunnel.InboundHost == "" {
				cfg.Tunnel.InboundHost = "::"
			}
			if cfg.Tunnel.OutboundHost == "" {
				cfg.Tunnel.OutboundHost = "127.0.0.1"
			}

			return runSupervisor(supervisor.ModeServer, cfg)
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "base64 tunnel key (from rtptun genkey)")
	cmd.Flags().StringVarP(&listenAddr, "listen-addr", "i", "", "address the disguised tunnel arrives on")
	cmd.Flags().IntVarP(&listenPort, "listen-port", "l", 0, "port the disguised tunnel arrives on")
	cmd.Flags().StringVarP(&destAddr, "dest-addr", "d", "", "real destination address every flow relays to")
	cmd.Flags().IntVarP(&destPort, "dest-port", "p", 0, "real destination port every flow relays to")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "evict a flow after this much inactivity")
	cmd.Flags().StringVar(&monitorAddr, "monitor-addr", "", "host:port for the read-only introspection endpoint")
	cmd.Flags().BoolVar(&monitorOn, "monitor", false, "enable the introspection endpoint")

	return cmd
}
