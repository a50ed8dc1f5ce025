// Package udpsock implements the non-blocking UDP endpoint rtptun's RTP
// socket is built on: a listener (unconnected, multi-peer) or a connected
// endpoint (single remembered remote, foreign-source datagrams dropped),
// both wired to an internal/eventloop.Loop so every delivered datagram and
// every completed send is handed to the caller from the single dispatcher
// goroutine.
package udpsock

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shadowmesh/rtptun/internal/eventloop"
	"github.com/shadowmesh/rtptun/internal/logging"
)

// MaxDatagramSize is the largest UDP datagram this endpoint will send.
const MaxDatagramSize = 65536

// ErrTooLarge is returned by Send/SendTo when data exceeds MaxDatagramSize.
var ErrTooLarge = errors.New("udpsock: datagram exceeds maximum UDP size")

// ErrNotConnected is returned by Send when no remote address is remembered.
var ErrNotConnected = errors.New("udpsock: endpoint has no remembered remote address")

// RecvFunc is invoked on the loop's dispatcher goroutine for every datagram
// accepted by this endpoint (i.e. not filtered by the connected-mode source check).
type RecvFunc func(data []byte, from *net.UDPAddr)

// SentFunc is invoked on the loop's dispatcher goroutine after a buffered
// datagram is flushed to the kernel.
type SentFunc func(n int)

// Endpoint is a UDP socket integrated with a Loop.
type Endpoint struct {
	conn      *net.UDPConn
	loop      *eventloop.Loop
	log       *logging.Logger
	connected bool
	remote    *net.UDPAddr

	onRecv RecvFunc
	onSent SentFunc

	// UserData lets a caller attach arbitrary state to an endpoint and
	// retrieve it from a callback closure without a side map — the typed
	// analogue of the reference implementation's untyped user-data pointer.
	UserData any

	writeMu      sync.Mutex
	pending      *pendingWrite
	writerActive bool

	closeOnce sync.Once
}

type pendingWrite struct {
	data []byte
	addr *net.UDPAddr
}

// Listen opens an unconnected UDP socket bound to host:port. Any peer may
// send to it; RecvFunc is invoked with each sender's address.
func Listen(loop *eventloop.Loop, log *logging.Logger, host string, port int, onRecv RecvFunc, onSent SentFunc) (*Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("udpsock: resolve %s:%d: %w", host, port, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udpsock: listen %s:%d: %w", host, port, err)
	}

	ep := newEndpoint(loop, log, conn, false, nil, onRecv, onSent)
	ep.start()
	return ep, nil
}

// Connect resolves host:port as a remembered remote address and binds a
// fresh ephemeral local UDP socket. Datagrams from any other source are
// silently dropped on receive.
func Connect(loop *eventloop.Loop, log *logging.Logger, host string, port int, onRecv RecvFunc, onSent SentFunc) (*Endpoint, error) {
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("udpsock: resolve %s:%d: %w", host, port, err)
	}

	local := &net.UDPAddr{IP: net.IPv4zero, Port: 0}
	if remote.IP.To4() == nil {
		local = &net.UDPAddr{IP: net.IPv6zero, Port: 0}
	}

	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("udpsock: connect %s:%d: %w", host, port, err)
	}

	ep := newEndpoint(loop, log, conn, true, remote, onRecv, onSent)
	ep.start()
	return ep, nil
}

func newEndpoint(loop *eventloop.Loop, log *logging.Logger, conn *net.UDPConn, connected bool, remote *net.UDPAddr, onRecv RecvFunc, onSent SentFunc) *Endpoint {
	return &Endpoint{
		conn:      conn,
		loop:      loop,
		log:       log,
		connected: connected,
		remote:    remote,
		onRecv:    onRecv,
		onSent:    onSent,
	}
}

func (e *Endpoint) start() {
	e.loop.Spawn(e.readLoop)
}

func (e *Endpoint) readLoop() {
	buf := make([]byte, MaxDatagramSize)

	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			// Closed by Destroy — exit quietly, no post, no log.
			return
		}

		if e.connected && e.remote != nil && !addrsEqual(from, e.remote) {
			e.log.Debug("dropping datagram from non-connected peer", logging.Fields{"from": from.String()})
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if e.onRecv != nil {
			e.loop.Post(func() { e.onRecv(data, from) })
		}
	}
}

// Send writes data to the remembered remote address. It fails if Connect was
// never called to establish one.
func (e *Endpoint) Send(data []byte) error {
	if e.remote == nil {
		return ErrNotConnected
	}
	return e.SendTo(data, e.remote)
}

// SendTo writes data to addr. When the kernel would otherwise block, data is
// held in a single-slot buffer (see bufferPending and drainPending) that a
// later would-block send overwrites.
func (e *Endpoint) SendTo(data []byte, addr *net.UDPAddr) error {
	if len(data) > MaxDatagramSize {
		return ErrTooLarge
	}

	_ = e.conn.SetWriteDeadline(time.Now())
	n, err := e.conn.WriteToUDP(data, addr)
	_ = e.conn.SetWriteDeadline(time.Time{})

	if err == nil {
		if e.onSent != nil {
			e.loop.Post(func() { e.onSent(n) })
		}
		return nil
	}

	if !isWouldBlock(err) {
		return fmt.Errorf("udpsock: sendto: %w", err)
	}

	e.bufferPending(data, addr)
	return nil
}

func (e *Endpoint) bufferPending(data []byte, addr *net.UDPAddr) {
	buffered := append([]byte(nil), data...)

	e.writeMu.Lock()
	overrun := e.pending != nil
	e.pending = &pendingWrite{data: buffered, addr: addr}
	needSpawn := !e.writerActive
	if needSpawn {
		e.writerActive = true
	}
	e.writeMu.Unlock()

	if overrun {
		e.log.Warn("udp send buffer overrun, overwriting previous datagram")
	}

	if needSpawn {
		e.loop.Spawn(e.drainPending)
	}
}

// drainPending is the write-readiness side of the single-slot backpressure
// buffer: it blocks until the kernel accepts the pending datagram, attempts
// it exactly once, clears the slot unconditionally, and loops in case
// another datagram arrived while it was writing.
func (e *Endpoint) drainPending() {
	for {
		e.writeMu.Lock()
		p := e.pending
		e.pending = nil
		if p == nil {
			e.writerActive = false
			e.writeMu.Unlock()
			return
		}
		e.writeMu.Unlock()

		_ = e.conn.SetWriteDeadline(time.Time{})
		n, err := e.conn.WriteToUDP(p.data, p.addr)
		if err != nil {
			e.log.Warn("udp sendto failed draining backpressure buffer", logging.Fields{"error": err.Error()})
			continue
		}
		if e.onSent != nil {
			sent := n
			e.loop.Post(func() { e.onSent(sent) })
		}
	}
}

// LocalAddr returns the endpoint's bound local address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Destroy deregisters and closes the underlying socket. The read goroutine
// exits on its next ReadFromUDP error with no further callbacks fired.
func (e *Endpoint) Destroy() {
	e.closeOnce.Do(func() {
		_ = e.conn.Close()
	})
}

func addrsEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func isWouldBlock(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
