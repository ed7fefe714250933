package proxycore

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/austinhartzheim/trixy/connstats"
	"github.com/austinhartzheim/trixy/shutdownhelper"
	"github.com/austinhartzheim/trixy/trixylog"
)

// OutboundState is the lifecycle state of an Outbound endpoint.
type OutboundState int

// OutboundState values (spec §3 "Outbound endpoint").
const (
	OutboundUnconnected OutboundState = iota
	OutboundConnecting
	OutboundConnected
	OutboundClosing
	OutboundClosed
)

// Outbound is a node bound to a dialed socket toward the proxy's
// destination. Deferred dialing (constructing the node before its
// destination is known) is required so that SOCKS front-ends can wire an
// Outbound into the chain at accept time and only Dial it once the request
// has been decoded (spec §4.C).
type Outbound struct {
	Base
	shutdownhelper.Helper

	readSize int
	Stats    connstats.Stats

	// RedialPolicy, if set, makes Dial retry a failed connection attempt
	// with backoff instead of failing immediately (spec §9: "implementers
	// MAY add it around dial and read operations"), the way the teacher's
	// Client.connectionLoop retries a dropped tunnel. MaxRedials bounds the
	// number of retries; 0 means unlimited, matching the teacher's
	// MaxRetryCount<0 convention inverted for a zero-value-friendly default.
	RedialPolicy *backoff.Backoff
	MaxRedials   int

	mu    sync.Mutex
	state OutboundState
	conn  net.Conn
}

// NewOutbound creates an Outbound not yet connected to anything. Dial must
// be called before it can carry traffic.
func NewOutbound(logger trixylog.Logger, name string) *Outbound {
	ep := &Outbound{readSize: defaultReadSize, state: OutboundUnconnected}
	ep.Base.Init(logger, ep, "outbound(%s)", name)
	ep.Helper.Init(ep.Base.logger, ep)
	return ep
}

// NewConnectedOutbound dials host:port synchronously and, on success,
// returns a running Outbound. This is the autoconnect=true case from spec
// §4.C, used by tests and by any front-end that knows its destination up
// front.
func NewConnectedOutbound(ctx context.Context, logger trixylog.Logger, network, addr string) (*Outbound, error) {
	ep := NewOutbound(logger, addr)
	if err := ep.Dial(ctx, network, addr); err != nil {
		return nil, err
	}
	return ep, nil
}

// State returns the current lifecycle state.
func (ep *Outbound) State() OutboundState {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.state
}

// Dial connects to addr over network ("tcp", "tcp4", or "tcp6") and, on
// success, starts the read pump goroutine. On failure it marks itself
// closed, shuts down its own helper and returns the error without
// propagating a close into the chain: the caller (a front-end) sends any
// protocol failure reply first and then closes the chain itself, so the
// reply is not raced by a teardown of the client socket.
func (ep *Outbound) Dial(ctx context.Context, network, addr string) error {
	ep.mu.Lock()
	if ep.state != OutboundUnconnected {
		ep.mu.Unlock()
		return fmt.Errorf("outbound %s: Dial called in state %v", ep, ep.state)
	}
	ep.state = OutboundConnecting
	ep.mu.Unlock()

	dialer := net.Dialer{Timeout: 30 * time.Second}
	conn, err := ep.dialWithRedial(ctx, &dialer, network, addr)
	if err != nil {
		ep.mu.Lock()
		ep.state = OutboundClosed
		ep.mu.Unlock()
		ep.Helper.StartShutdown(nil)
		return err
	}

	ep.mu.Lock()
	ep.conn = conn
	ep.state = OutboundConnected
	ep.mu.Unlock()
	ep.Stats.Opened()

	go ep.Run()
	return nil
}

// dialWithRedial dials once if RedialPolicy is nil (spec §9's default: a
// single dial failure behaves exactly as described, no retry). When a
// RedialPolicy is attached, a failed attempt is retried after
// RedialPolicy.Duration() until it succeeds, MaxRedials is exhausted, or ctx
// is done — mirroring the teacher's connectionLoop retry/give-up shape.
func (ep *Outbound) dialWithRedial(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	if ep.RedialPolicy == nil {
		return dialer.DialContext(ctx, network, addr)
	}

	for attempt := 0; ; attempt++ {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err == nil {
			return conn, nil
		}
		if ep.MaxRedials > 0 && attempt >= ep.MaxRedials {
			return nil, err
		}
		d := ep.RedialPolicy.Duration()
		ep.logger.WLogf("%s: dial %s failed (attempt %d): %s; retrying in %s", ep, addr, attempt+1, err, d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Run reads from the dialed socket until error or EOF, forwarding each
// chunk downward, then fires an up-close toward the chain.
func (ep *Outbound) Run() {
	buf := make([]byte, ep.readSize)
	for {
		n, err := ep.conn.Read(buf)
		if n > 0 {
			ep.Stats.AddRead(int64(n))
			data := make([]byte, n)
			copy(data, buf[:n])
			ep.ForwardDown(data)
		}
		if err != nil {
			ep.mu.Lock()
			ep.state = OutboundClosing
			ep.mu.Unlock()
			ep.HandleClose(Up)
			return
		}
	}
}

// HandlePacketUp writes bytes arriving from upstream peers to the dialed
// socket (spec §4.C). If the socket isn't connected yet the bytes are
// dropped; front-ends must not forward to an Outbound before Dial succeeds.
func (ep *Outbound) HandlePacketUp(data []byte) {
	ep.mu.Lock()
	conn := ep.conn
	connected := ep.state == OutboundConnected
	ep.mu.Unlock()
	if !connected || conn == nil {
		return
	}

	n, err := conn.Write(data)
	if n > 0 {
		ep.Stats.AddWritten(int64(n))
	}
	if err != nil {
		ep.mu.Lock()
		ep.state = OutboundClosing
		ep.mu.Unlock()
		ep.HandleClose(Up)
	}
}

// HandleClose propagates the close in the given direction and tears down
// this endpoint's own socket.
func (ep *Outbound) HandleClose(dir Direction) {
	ep.Base.HandleClose(dir)
	ep.Helper.StartShutdown(nil)
}

// HandleOnceShutdown implements shutdownhelper.OnceShutdownHandler.
func (ep *Outbound) HandleOnceShutdown(completionErr error) error {
	ep.mu.Lock()
	conn := ep.conn
	wasConnected := ep.state == OutboundConnected || ep.state == OutboundClosing
	ep.state = OutboundClosed
	ep.mu.Unlock()

	if wasConnected {
		ep.Stats.Closed()
	}
	if conn == nil {
		return completionErr
	}
	err := conn.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Close propagates an up-close through the chain and waits for this
// endpoint's own shutdown to complete.
func (ep *Outbound) Close() error {
	ep.HandleClose(Up)
	return ep.Helper.WaitShutdown()
}
