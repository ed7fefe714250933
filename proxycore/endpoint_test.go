package proxycore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prep/socketpair"

	"github.com/austinhartzheim/trixy/trixylog"
)

// TestInboundOutboundBridging exercises the full chain an accepted client
// socket takes to a dialed destination socket: bytes the client sends
// arrive at the destination, bytes the destination sends arrive back at the
// client, and closing either side tears down the other. The client/server
// halves are a real unix socketpair rather than net.Pipe so Inbound's
// Read-loop behaves exactly as it would against an accepted TCP socket
// (deadlines, SetReadBuffer, etc. all behave like a real fd).
func TestInboundOutboundBridging(t *testing.T) {
	logger := trixylog.New("test", trixylog.LevelError)

	clientSide, serverSide, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair: %s", err)
	}
	defer clientSide.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	defer ln.Close()

	destAccepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			destAccepted <- c
		}
	}()

	in := NewInbound(logger, serverSide)
	out := NewOutbound(logger, ln.Addr().String())
	in.Connect(out)

	if err := out.Dial(context.Background(), "tcp", ln.Addr().String()); err != nil {
		t.Fatalf("dial: %s", err)
	}
	go in.Run()

	var dest net.Conn
	select {
	case dest = <-destAccepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for destination accept")
	}
	defer dest.Close()

	if _, err := clientSide.Write([]byte("hello")); err != nil {
		t.Fatalf("client write: %s", err)
	}
	buf := make([]byte, 5)
	dest.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(dest, buf); err != nil {
		t.Fatalf("destination read: %s", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("expected destination to see %q, got %q", "hello", buf)
	}

	if _, err := dest.Write([]byte("world")); err != nil {
		t.Fatalf("destination write: %s", err)
	}
	buf2 := make([]byte, 5)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(clientSide, buf2); err != nil {
		t.Fatalf("client read: %s", err)
	}
	if string(buf2) != "world" {
		t.Fatalf("expected client to see %q, got %q", "world", buf2)
	}

	dest.Close()
	time.Sleep(100 * time.Millisecond)
	if out.State() != OutboundClosed && out.State() != OutboundClosing {
		t.Fatalf("expected outbound to notice destination close, state=%v", out.State())
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
