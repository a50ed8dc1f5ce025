package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/shadowmesh/rtptun/internal/aead"
	"github.com/shadowmesh/rtptun/internal/eventloop"
	"github.com/shadowmesh/rtptun/internal/logging"
	"github.com/shadowmesh/rtptun/internal/udpsock"
)

// overhead is the fixed non-payload size of a wire packet: header, nonce, tag.
const overhead = HeaderSize + aead.NonceSize + aead.TagSize

// timestampStep is added to a destination's RTP timestamp after every send,
// mimicking one video frame of a 90 kHz media clock at 30 frames per second,
// so timestamps advance the way a real RTP stream's would.
const timestampStep = 3000

// RecvFunc is invoked on the loop's dispatcher goroutine for every packet
// that decrypts and authenticates successfully.
type RecvFunc func(ssrc uint32, payload []byte, from *net.UDPAddr)

type destRecord struct {
	addr      *net.UDPAddr // nil in connected mode: always send via the socket's connected remote.
	timestamp uint32
}

// Socket wraps a udpsock.Endpoint with RTP framing, AEAD sealing, and a
// per-SSRC destination table. All of its methods run on the owning loop's
// dispatcher goroutine and therefore need no internal locking.
type Socket struct {
	ep        *udpsock.Endpoint
	cipher    *aead.Cipher
	connected bool
	log       *logging.Logger
	onRecv    RecvFunc

	seq   uint16
	dests map[uint32]*destRecord
}

// Connect opens a socket with a remembered remote (the disguise tunnel's
// client-side mode): every SSRC sent on it, including ones never seen
// before, is delivered to that single remote address.
func Connect(loop *eventloop.Loop, log *logging.Logger, cipher *aead.Cipher, host string, port int, onRecv RecvFunc) (*Socket, error) {
	s, err := newSocket(cipher, true, log, onRecv)
	if err != nil {
		return nil, err
	}

	ep, err := udpsock.Connect(loop, log, host, port, s.handleRecv, nil)
	if err != nil {
		return nil, err
	}
	s.ep = ep
	return s, nil
}

// Listen opens a socket with no fixed remote (the disguise tunnel's
// server-side mode): a destination only exists for an SSRC once a packet
// carrying it has been received, learning the sender's address.
func Listen(loop *eventloop.Loop, log *logging.Logger, cipher *aead.Cipher, host string, port int, onRecv RecvFunc) (*Socket, error) {
	s, err := newSocket(cipher, false, log, onRecv)
	if err != nil {
		return nil, err
	}

	ep, err := udpsock.Listen(loop, log, host, port, s.handleRecv, nil)
	if err != nil {
		return nil, err
	}
	s.ep = ep
	return s, nil
}

func newSocket(cipher *aead.Cipher, connected bool, log *logging.Logger, onRecv RecvFunc) (*Socket, error) {
	seq, err := randomUint32()
	if err != nil {
		return nil, fmt.Errorf("rtp: seed sequence number: %w", err)
	}

	return &Socket{
		cipher:    cipher,
		connected: connected,
		log:       log,
		onRecv:    onRecv,
		seq:       uint16(seq),
		dests:     make(map[uint32]*destRecord),
	}, nil
}

// randomUint32 returns a cryptographically random 32-bit value, used to seed
// sequence numbers and timestamps so a synthetic stream doesn't start every
// session at the same fingerprint-able zero value.
func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// newDestRecord creates a destination record with a random initial
// timestamp, matching a real RTP sender's unpredictable start point.
func newDestRecord(addr *net.UDPAddr) (*destRecord, error) {
	ts, err := randomUint32()
	if err != nil {
		return nil, fmt.Errorf("rtp: seed timestamp: %w", err)
	}
	return &destRecord{addr: addr, timestamp: ts}, nil
}

// RandomSSRC returns a non-zero 32-bit value not already present in this
// socket's destination table.
func (s *Socket) RandomSSRC() (uint32, error) {
	for i := 0; i < 16; i++ {
		ssrc, err := randomUint32()
		if err != nil {
			return 0, fmt.Errorf("rtp: generate ssrc: %w", err)
		}
		if ssrc == 0 {
			continue
		}
		if _, exists := s.dests[ssrc]; !exists {
			return ssrc, nil
		}
	}
	return 0, fmt.Errorf("rtp: could not find unused ssrc after 16 attempts")
}

// LocalAddr returns the underlying UDP endpoint's bound local address.
func (s *Socket) LocalAddr() net.Addr {
	return s.ep.LocalAddr()
}

// Send encrypts data and transmits it as an RTP packet addressed to ssrc's
// destination. In connected mode a destination record is created on first
// use; in listening mode the SSRC must already have a learned destination
// from a prior receive, or Send fails.
func (s *Socket) Send(ssrc uint32, data []byte) error {
	rec, ok := s.dests[ssrc]
	if !ok {
		if !s.connected {
			return fmt.Errorf("rtp: no destination learned for ssrc %08x", ssrc)
		}
		var err error
		rec, err = newDestRecord(nil)
		if err != nil {
			return err
		}
		s.dests[ssrc] = rec
	}

	seq := s.seq
	s.seq++

	header := EncodeHeader(Header{
		PayloadType: PayloadType,
		Sequence:    seq,
		Timestamp:   rec.timestamp,
		SSRC:        ssrc,
	})
	rec.timestamp += timestampStep

	ciphertext, tag, nonce := s.cipher.Encrypt(data)

	packet := make([]byte, 0, HeaderSize+len(ciphertext)+aead.NonceSize+aead.TagSize)
	packet = append(packet, header...)
	packet = append(packet, ciphertext...)
	packet = append(packet, nonce...)
	packet = append(packet, tag...)

	if s.connected {
		return s.ep.Send(packet)
	}
	return s.ep.SendTo(packet, rec.addr)
}

// CloseStream forgets ssrc's destination record, e.g. after an idle-timeout
// eviction decided by a flow table built on top of this socket.
func (s *Socket) CloseStream(ssrc uint32) {
	delete(s.dests, ssrc)
}

// Destroy releases the underlying UDP endpoint and all destination state.
func (s *Socket) Destroy() {
	s.ep.Destroy()
	s.dests = make(map[uint32]*destRecord)
}

func (s *Socket) handleRecv(data []byte, from *net.UDPAddr) {
	if len(data) <= overhead {
		s.log.Debug("dropping undersized packet", logging.Fields{"len": len(data), "from": from.String()})
		return
	}

	header, err := DecodeHeader(data)
	if err != nil {
		s.log.Debug("dropping packet with bad header", logging.Fields{"error": err.Error(), "from": from.String()})
		return
	}

	payloadLen := len(data) - overhead
	ciphertext := data[HeaderSize : HeaderSize+payloadLen]
	nonce := data[HeaderSize+payloadLen : HeaderSize+payloadLen+aead.NonceSize]
	tag := data[HeaderSize+payloadLen+aead.NonceSize:]

	plain, err := s.cipher.Decrypt(ciphertext, tag, nonce)
	if err != nil {
		s.log.Debug("dropping packet with failed authentication", logging.Fields{"ssrc": header.SSRC, "from": from.String()})
		return
	}

	if !s.connected {
		if err := s.learnDest(header.SSRC, from); err != nil {
			s.log.Warn("learn destination", logging.Fields{"error": err.Error(), "ssrc": header.SSRC})
			return
		}
	}

	if s.onRecv != nil {
		s.onRecv(header.SSRC, plain, from)
	}
}

// learnDest creates ssrc's destination record on first sight. A later packet
// from the same address leaves the record untouched; one from a different
// address replaces it with a fresh record, so the SSRC's timestamp restarts
// from a new random value.
func (s *Socket) learnDest(ssrc uint32, from *net.UDPAddr) error {
	if rec, ok := s.dests[ssrc]; ok && rec.addr.IP.Equal(from.IP) && rec.addr.Port == from.Port {
		return nil
	}
	rec, err := newDestRecord(from)
	if err != nil {
		return err
	}
	s.dests[ssrc] = rec
	return nil
}
