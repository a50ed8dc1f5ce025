package rtp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/shadowmesh/rtptun/internal/aead"
	"github.com/shadowmesh/rtptun/internal/eventloop"
	"github.com/shadowmesh/rtptun/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New("rtp-test", logging.ERROR, "")
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return log
}

func testCipher(t *testing.T) *aead.Cipher {
	t.Helper()
	key, err := aead.GenerateKey()
	if err != nil {
		t.Fatalf("aead.GenerateKey: %v", err)
	}
	c, err := aead.New(key)
	if err != nil {
		t.Fatalf("aead.New: %v", err)
	}
	return c
}

// runLoop starts l.Run in the background and returns a stop func.
func runLoop(l *eventloop.Loop) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	loop := eventloop.New()
	stop := runLoop(loop)
	defer stop()

	log := testLogger(t)
	cipher := testCipher(t)

	received := make(chan []byte, 1)
	server, err := Listen(loop, log, cipher, "127.0.0.1", 0, func(ssrc uint32, payload []byte, from *net.UDPAddr) {
		received <- payload
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Destroy()

	serverAddr := server.ep.LocalAddr().(*net.UDPAddr)

	client, err := Connect(loop, log, cipher, serverAddr.IP.String(), serverAddr.Port, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Destroy()

	ssrc, err := client.RandomSSRC()
	if err != nil {
		t.Fatalf("RandomSSRC: %v", err)
	}

	payload := []byte("hello over disguise")
	done := make(chan struct{})
	loop.Post(func() {
		if err := client.Send(ssrc, payload); err != nil {
			t.Errorf("Send: %v", err)
		}
		close(done)
	})
	<-done

	select {
	case got := <-received:
		if !bytes.Equal(got, payload) {
			t.Fatalf("received payload = %q, want %q", got, payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for received packet")
	}
}

func TestListenSendWithoutLearnedDestFails(t *testing.T) {
	loop := eventloop.New()
	stop := runLoop(loop)
	defer stop()

	log := testLogger(t)
	cipher := testCipher(t)

	server, err := Listen(loop, log, cipher, "127.0.0.1", 0, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Destroy()

	errCh := make(chan error, 1)
	loop.Post(func() {
		errCh <- server.Send(0xdeadbeef, []byte("x"))
	})

	if err := <-errCh; err == nil {
		t.Fatal("expected Send to an unlearned ssrc to fail")
	}
}

func TestHandleRecvDropsUndersizedPacket(t *testing.T) {
	log := testLogger(t)
	cipher := testCipher(t)
	s, err := newSocket(cipher, false, log, func(ssrc uint32, payload []byte, from *net.UDPAddr) {
		t.Fatal("onRecv should not fire for an undersized packet")
	})
	if err != nil {
		t.Fatalf("newSocket: %v", err)
	}

	s.handleRecv(make([]byte, overhead-1), &net.UDPAddr{})
}

func TestRandomSSRCNeverZero(t *testing.T) {
	log := testLogger(t)
	cipher := testCipher(t)
	s, err := newSocket(cipher, true, log, nil)
	if err != nil {
		t.Fatalf("newSocket: %v", err)
	}

	for i := 0; i < 100; i++ {
		ssrc, err := s.RandomSSRC()
		if err != nil {
			t.Fatalf("RandomSSRC: %v", err)
		}
		if ssrc == 0 {
			t.Fatal("RandomSSRC returned 0")
		}
		s.dests[ssrc] = &destRecord{}
	}
}
