// Package supervisor wires together the tunnel's data-plane components —
// the event loop, RTP socket(s), flow tables, and the monitor endpoint —
// into a single client or server process, and owns its startup and
// graceful-shutdown sequencing.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/shadowmesh/rtptun/internal/aead"
	"github.com/shadowmesh/rtptun/internal/config"
	"github.com/shadowmesh/rtptun/internal/eventloop"
	"github.com/shadowmesh/rtptun/internal/flowmux"
	"github.com/shadowmesh/rtptun/internal/logging"
	"github.com/shadowmesh/rtptun/internal/monitor"
	"github.com/shadowmesh/rtptun/internal/rtp"
	"github.com/shadowmesh/rtptun/internal/udpsock"
)

// Mode selects which half of the tunnel a Supervisor runs.
type Mode string

const (
	ModeClient Mode = "client"
	ModeServer Mode = "server"
)

// Supervisor owns every long-lived component of one tunnel endpoint and
// sequences its startup and shutdown.
type Supervisor struct {
	mode Mode
	cfg  *config.Config
	log  *logging.Logger
	loop *eventloop.Loop

	monitor   *monitor.Server
	stopSweep func()

	// client-mode state
	clientLocal *udpsock.Endpoint
	clientTun   *rtp.Socket
	clientFlows *flowmux.ClientTable

	// server-mode state
	serverTun   *rtp.Socket
	serverFlows *flowmux.ServerTable
}

// InboundAddr returns the bound local address of the endpoint that accepts
// this Supervisor's inbound traffic: the local app-facing listener in
// client mode, or the tunnel-facing listener in server mode. It is mainly
// useful in tests, where ports are bound ephemeral (0) and the actual port
// must be discovered after construction.
func (s *Supervisor) InboundAddr() net.Addr {
	switch s.mode {
	case ModeClient:
		return s.clientLocal.LocalAddr()
	case ModeServer:
		return s.serverTun.LocalAddr()
	default:
		return nil
	}
}

// ActiveFlowCount returns the current number of live flows. Since the flow
// tables are only safe to touch from the dispatcher goroutine, this posts a
// closure onto the loop and waits for its result rather than reading the
// tables directly.
func (s *Supervisor) ActiveFlowCount() int {
	result := make(chan int, 1)
	s.loop.Post(func() {
		switch s.mode {
		case ModeClient:
			result <- s.clientFlows.Len()
		case ModeServer:
			result <- s.serverFlows.Len()
		default:
			result <- 0
		}
	})
	return <-result
}

// New builds a Supervisor for mode, wiring its sockets and flow tables but
// not yet starting anything — call Run to start it.
func New(mode Mode, cfg *config.Config, log *logging.Logger) (*Supervisor, error) {
	cipher, err := aead.New(cfg.Tunnel.Key)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	s := &Supervisor{
		mode: mode,
		cfg:  cfg,
		log:  log,
		loop: eventloop.New(),
	}

	if cfg.Monitor.Enabled {
		s.monitor = monitor.New(net.JoinHostPort(cfg.Monitor.Host, itoa(cfg.Monitor.Port)), log.With("monitor"))
	}

	switch mode {
	case ModeClient:
		if err := s.initClient(cipher); err != nil {
			return nil, err
		}
	case ModeServer:
		if err := s.initServer(cipher); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("supervisor: unknown mode %q", mode)
	}

	return s, nil
}

func (s *Supervisor) initClient(cipher *aead.Cipher) error {
	s.clientFlows = flowmux.NewClientTable()

	tun, err := rtp.Connect(s.loop, s.log.With("rtp"), cipher, s.cfg.Tunnel.OutboundHost, s.cfg.Tunnel.OutboundPort, s.onTunnelRecvClient)
	if err != nil {
		return fmt.Errorf("supervisor: connect tunnel: %w", err)
	}
	s.clientTun = tun

	local, err := udpsock.Listen(s.loop, s.log.With("local"), s.cfg.Tunnel.InboundHost, s.cfg.Tunnel.InboundPort, s.onLocalRecv, nil)
	if err != nil {
		tun.Destroy()
		return fmt.Errorf("supervisor: listen local: %w", err)
	}
	s.clientLocal = local

	return nil
}

func (s *Supervisor) initServer(cipher *aead.Cipher) error {
	s.serverFlows = flowmux.NewServerTable()

	tun, err := rtp.Listen(s.loop, s.log.With("rtp"), cipher, s.cfg.Tunnel.InboundHost, s.cfg.Tunnel.InboundPort, s.onTunnelRecvServer)
	if err != nil {
		return fmt.Errorf("supervisor: listen tunnel: %w", err)
	}
	s.serverTun = tun

	return nil
}

// onLocalRecv handles a datagram from a local application peer (client mode):
// find or assign that peer's SSRC and forward it over the tunnel.
func (s *Supervisor) onLocalRecv(data []byte, from *net.UDPAddr) {
	ssrc, err := s.clientFlows.LookupOrCreate(from, s.clientTun.RandomSSRC)
	if err != nil {
		s.log.Error("assign ssrc", logging.Fields{"error": err.Error(), "from": from.String()})
		return
	}
	if err := s.clientTun.Send(ssrc, data); err != nil {
		s.log.Warn("send over tunnel", logging.Fields{"error": err.Error(), "ssrc": ssrc})
	}
}

// onTunnelRecvClient handles a decrypted tunnel packet (client mode): look up
// which local peer owns this SSRC and relay the payload to it.
func (s *Supervisor) onTunnelRecvClient(ssrc uint32, payload []byte, from *net.UDPAddr) {
	addr, ok := s.clientFlows.FindBySSRC(ssrc)
	if !ok {
		s.log.Debug("dropping reply for unknown ssrc", logging.Fields{"ssrc": ssrc})
		return
	}
	if err := s.clientLocal.SendTo(payload, addr); err != nil {
		s.log.Warn("relay to local peer", logging.Fields{"error": err.Error(), "ssrc": ssrc})
	}
}

// onTunnelRecvServer handles a decrypted tunnel packet (server mode): find or
// create this SSRC's dedicated outbound endpoint to the real destination and
// relay the payload there.
func (s *Supervisor) onTunnelRecvServer(ssrc uint32, payload []byte, from *net.UDPAddr) {
	ep, ok := s.serverFlows.Find(ssrc)
	if !ok {
		var err error
		ep, err = s.newOutboundEndpoint(ssrc)
		if err != nil {
			s.log.Error("open outbound endpoint", logging.Fields{"error": err.Error(), "ssrc": ssrc})
			return
		}
		s.serverFlows.Set(ssrc, ep)
	}

	if err := ep.Send(payload); err != nil {
		s.log.Warn("relay to real destination", logging.Fields{"error": err.Error(), "ssrc": ssrc})
	}
}

// newOutboundEndpoint opens a fresh connected UDP endpoint to the real
// destination for one SSRC's flow. The closure captures the endpoint
// variable itself rather than ssrc, reading it back from Endpoint.UserData —
// safe because Connect's own receive goroutine can only post to this
// endpoint's onRecv via the loop, and nothing dequeues that post until this
// function (already running on the dispatcher) returns.
func (s *Supervisor) newOutboundEndpoint(ssrc uint32) (*udpsock.Endpoint, error) {
	var ep *udpsock.Endpoint

	onRecv := func(data []byte, from *net.UDPAddr) {
		owner := ep.UserData.(uint32)
		s.serverFlows.Touch(owner)
		if err := s.serverTun.Send(owner, data); err != nil {
			s.log.Warn("send reply over tunnel", logging.Fields{"error": err.Error(), "ssrc": owner})
		}
	}

	newEp, err := udpsock.Connect(s.loop, s.log.With("outbound"), s.cfg.Tunnel.OutboundHost, s.cfg.Tunnel.OutboundPort, onRecv, nil)
	if err != nil {
		return nil, err
	}
	ep = newEp
	return ep, nil
}

// Run starts the monitor endpoint (if enabled), runs the idle-sweep ticker,
// and blocks running the event loop until ctx is canceled, then tears
// everything down in reverse order.
func (s *Supervisor) Run(ctx context.Context) error {
	monitorErr := make(chan error, 1)
	if s.monitor != nil {
		go func() {
			if err := s.monitor.Serve(); err != nil {
				monitorErr <- err
			}
		}()
	}

	s.stopSweep = s.loop.Every(s.cfg.Tunnel.SweepInterval, s.sweep)

	runDone := make(chan struct{})
	go func() {
		s.loop.Run(ctx)
		close(runDone)
	}()

	var runErr error
	select {
	case <-runDone:
	case err := <-monitorErr:
		runErr = err
	}
	<-runDone

	s.shutdown()
	return runErr
}

func (s *Supervisor) shutdown() {
	if s.stopSweep != nil {
		s.stopSweep()
	}

	if s.monitor != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.monitor.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("monitor shutdown", logging.Fields{"error": err.Error()})
		}
	}

	switch s.mode {
	case ModeClient:
		s.clientLocal.Destroy()
		s.clientTun.Destroy()
	case ModeServer:
		for _, ep := range s.serverFlows.Evacuate() {
			ep.Destroy()
		}
		s.serverTun.Destroy()
	}
}

func (s *Supervisor) sweep() {
	var active int

	switch s.mode {
	case ModeClient:
		for _, ssrc := range s.clientFlows.Sweep() {
			s.clientTun.CloseStream(ssrc)
		}
		active = s.clientFlows.Len()
	case ModeServer:
		for _, ep := range s.serverFlows.Sweep() {
			ep.Destroy()
		}
		active = s.serverFlows.Len()
	}

	if s.monitor != nil {
		s.monitor.Publish(monitor.Snapshot{
			Mode:        string(s.mode),
			ActiveFlows: active,
			GeneratedAt: time.Now(),
		})
	}
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
