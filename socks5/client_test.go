package socks5

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/austinhartzheim/trixy/proxycore"
	"github.com/austinhartzheim/trixy/trixylog"
)

// recorder is a bare proxycore.Node used in tests to stand in for whatever
// would normally sit upstream of a Client (an Inbound, typically).
type recorder struct {
	proxycore.Base
	mu   sync.Mutex
	down [][]byte
}

func newRecorder(logger trixylog.Logger) *recorder {
	r := &recorder{}
	r.Init(logger, r, "recorder")
	return r
}

func (r *recorder) HandlePacketDown(data []byte) {
	r.mu.Lock()
	r.down = append(r.down, data)
	r.mu.Unlock()
}

// TestClientTunnelsThroughServer wires a Client against a real Server front
// end and a real destination listener, verifying the full round trip: the
// client dials the proxy, the proxy dials the destination, and bytes flow
// both ways once the tunnel is active.
func TestClientTunnelsThroughServer(t *testing.T) {
	dest, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen dest: %s", err)
	}
	defer dest.Close()
	destConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := dest.Accept()
		if err == nil {
			destConnCh <- c
		}
	}()
	destAddr := dest.Addr().(*net.TCPAddr)

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen proxy: %s", err)
	}
	defer proxyLn.Close()
	go func() {
		for {
			c, err := proxyLn.Accept()
			if err != nil {
				return
			}
			go New().FrontEnd(testLogger(), c, noopRegister)
		}
	}()

	client := NewClient(testLogger(), destAddr.IP.String(), uint16(destAddr.Port), proxyLn.Addr().String())
	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("client dial: %s", err)
	}
	defer client.Close()

	var dest2 net.Conn
	select {
	case dest2 = <-destConnCh:
	case <-time.After(2 * time.Second):
		t.Fatal("destination never accepted")
	}
	defer dest2.Close()

	// Exercise the upward path (spec: caller -> client back-end -> proxy ->
	// destination). Connect client as downstream of a fake caller recorder.
	rec := newRecorder(testLogger())
	rec.Connect(client)

	// Wait for the handshake to reach proxy_active before sending.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		state := client.state
		client.mu.Unlock()
		if state == clientStateProxyActive {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	client.HandlePacketUp([]byte("ping"))
	buf := make([]byte, 4)
	dest2.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := dest2.Read(buf)
	if err != nil {
		t.Fatalf("destination read: %s", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("expected destination to see 'ping', got %q", buf[:n])
	}

	if _, err := dest2.Write([]byte("pong")); err != nil {
		t.Fatalf("destination write: %s", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.down)
		rec.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.down) == 0 || string(rec.down[0]) != "pong" {
		t.Fatalf("expected caller to observe 'pong' via HandlePacketDown, got %v", rec.down)
	}
}

// TestClientBuffersBeforeProxyActive exercises the deferred-bytes path: a
// caller that starts sending before the CONNECT handshake completes must
// have its bytes held and flushed in order, not dropped or reordered.
func TestClientBuffersBeforeProxyActive(t *testing.T) {
	dest, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen dest: %s", err)
	}
	defer dest.Close()
	destConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := dest.Accept()
		if err == nil {
			destConnCh <- c
		}
	}()
	destAddr := dest.Addr().(*net.TCPAddr)

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen proxy: %s", err)
	}
	defer proxyLn.Close()
	go func() {
		for {
			c, err := proxyLn.Accept()
			if err != nil {
				return
			}
			go New().FrontEnd(testLogger(), c, noopRegister)
		}
	}()

	client := NewClient(testLogger(), destAddr.IP.String(), uint16(destAddr.Port), proxyLn.Addr().String())
	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("client dial: %s", err)
	}
	defer client.Close()

	// Send immediately, before the handshake can possibly have completed:
	// this must land in the deferred buffer, not be dropped.
	client.HandlePacketUp([]byte("A"))
	client.HandlePacketUp([]byte("B"))
	client.HandlePacketUp([]byte("C"))

	var dest2 net.Conn
	select {
	case dest2 = <-destConnCh:
	case <-time.After(2 * time.Second):
		t.Fatal("destination never accepted")
	}
	defer dest2.Close()

	buf := make([]byte, 3)
	dest2.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(dest2, buf); err != nil {
		t.Fatalf("destination read: %s", err)
	}
	if string(buf) != "ABC" {
		t.Fatalf("expected destination to see buffered bytes in order %q, got %q", "ABC", buf)
	}
}

// fakeProxyRepLine runs a minimal one-shot SOCKS5 proxy that accepts exactly
// one connection, completes method-select with MethodNoAuth, reads (and
// discards) the CONNECT request, then replies with the given REP code.
func fakeProxyRepLine(t *testing.T, rep byte) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen fake proxy: %s", err)
	}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		hdr := make([]byte, 2)
		if _, err := io.ReadFull(c, hdr); err != nil {
			return
		}
		methods := make([]byte, hdr[1])
		if _, err := io.ReadFull(c, methods); err != nil {
			return
		}
		c.Write([]byte{0x05, MethodNoAuth})

		req := make([]byte, 4)
		if _, err := io.ReadFull(c, req); err != nil {
			return
		}
		switch req[3] {
		case AddrIPv4:
			io.ReadFull(c, make([]byte, 4+2))
		case AddrIPv6:
			io.ReadFull(c, make([]byte, 16+2))
		case AddrDomain:
			l := make([]byte, 1)
			io.ReadFull(c, l)
			io.ReadFull(c, make([]byte, int(l[0])+2))
		}
		c.Write([]byte{0x05, rep, 0x00, AddrIPv4, 0, 0, 0, 0, 0, 0})
	}()
	return ln
}

// TestClientUnassignedRepIsProtocolError verifies the three-way REP split
// mandated by spec §4.H: a REP code of 9 or higher is unassigned and must be
// treated as a protocol error (proxy_disabled), not a standard rejection.
func TestClientUnassignedRepIsProtocolError(t *testing.T) {
	ln := fakeProxyRepLine(t, 0x09)
	defer ln.Close()

	client := NewClient(testLogger(), "10.0.0.1", 80, ln.Addr().String())
	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %s", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		state := client.state
		client.mu.Unlock()
		if state == clientStateProxyDisabled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected client to reach proxy_disabled on unassigned REP, got state=%v", client.State())
}

// TestClientStateChangeHookFires verifies OnStateChange observes every
// transition in order, as spec §4.H's state-change hook requires.
func TestClientStateChangeHookFires(t *testing.T) {
	dest, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen dest: %s", err)
	}
	defer dest.Close()
	go func() {
		c, err := dest.Accept()
		if err == nil {
			defer c.Close()
			io.Copy(io.Discard, c)
		}
	}()
	destAddr := dest.Addr().(*net.TCPAddr)

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen proxy: %s", err)
	}
	defer proxyLn.Close()
	go func() {
		for {
			c, err := proxyLn.Accept()
			if err != nil {
				return
			}
			go New().FrontEnd(testLogger(), c, noopRegister)
		}
	}()

	client := NewClient(testLogger(), destAddr.IP.String(), uint16(destAddr.Port), proxyLn.Addr().String())

	var mu sync.Mutex
	var transitions [][2]clientState
	client.OnStateChange = func(old, new clientState) {
		mu.Lock()
		transitions = append(transitions, [2]clientState{old, new})
		mu.Unlock()
	}

	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %s", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(transitions)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := [][2]clientState{
		{clientStateNone, clientStateAwaitMethodSelect},
		{clientStateAwaitMethodSelect, clientStateAwaitBindResponse},
		{clientStateAwaitBindResponse, clientStateProxyActive},
	}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(transitions), transitions)
	}
	for i, w := range want {
		if transitions[i] != w {
			t.Fatalf("transition %d: expected %v, got %v", i, w, transitions[i])
		}
	}
}
