package proxycore

import (
	"net"
	"sync"

	"github.com/austinhartzheim/trixy/connstats"
	"github.com/austinhartzheim/trixy/shutdownhelper"
	"github.com/austinhartzheim/trixy/trixylog"
)

// InboundState is the lifecycle state of an Inbound endpoint.
type InboundState int

// InboundState values (spec §3 "Inbound endpoint").
const (
	InboundOpen InboundState = iota
	InboundClosing
	InboundClosed
)

const defaultReadSize = 16384

// Inbound is a node bound to an accepted client socket, which it owns
// exclusively. Raw bytes read from the socket are handed to its data
// handler (ForwardUp by default, replaceable with SetDataHandler); bytes
// arriving as HandlePacketDown from peers are written back to the client.
//
// SOCKS front-ends are built by wrapping an *Inbound and replacing its
// data handler with their own request state machine, then switching
// back to ForwardUp once the handshake completes — this is what spec
// §4.F/§4.G mean by "inherits the inbound endpoint contract but intercepts
// the FIRST upward packet only".
type Inbound struct {
	Base
	shutdownhelper.Helper

	conn     net.Conn
	readSize int
	Stats    connstats.Stats

	mu        sync.Mutex
	state     InboundState
	onData    func([]byte)
}

// NewInbound wraps an already-accepted socket as an Inbound endpoint.
func NewInbound(logger trixylog.Logger, conn net.Conn) *Inbound {
	ep := &Inbound{conn: conn, readSize: defaultReadSize, state: InboundOpen}
	ep.Base.Init(logger, ep, "inbound(%s)", remoteAddrOf(conn))
	ep.Helper.Init(ep.Base.logger, ep)
	ep.onData = ep.ForwardUp
	ep.Stats.Opened()
	return ep
}

func remoteAddrOf(conn net.Conn) string {
	if conn == nil {
		return "<nil>"
	}
	return conn.RemoteAddr().String()
}

// SetDataHandler replaces the hook invoked for each chunk of bytes read
// from the client socket. Front-ends use this to intercept the initial
// handshake bytes before falling back to ForwardUp for plain pass-through.
func (ep *Inbound) SetDataHandler(f func([]byte)) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.onData = f
}

// Conn returns the underlying client socket. Front-ends use this to write
// protocol replies directly.
func (ep *Inbound) Conn() net.Conn { return ep.conn }

// State returns the current lifecycle state.
func (ep *Inbound) State() InboundState {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.state
}

func (ep *Inbound) setState(s InboundState) {
	ep.mu.Lock()
	ep.state = s
	ep.mu.Unlock()
}

// Run reads from the client socket until error or EOF, dispatching each
// chunk to the current data handler. It blocks and is meant to run in its
// own goroutine, one per accepted connection.
func (ep *Inbound) Run() {
	ep.setState(InboundOpen)
	buf := make([]byte, ep.readSize)
	for {
		n, err := ep.conn.Read(buf)
		if n > 0 {
			ep.Stats.AddRead(int64(n))
			data := make([]byte, n)
			copy(data, buf[:n])
			ep.mu.Lock()
			handler := ep.onData
			ep.mu.Unlock()
			handler(data)
		}
		if err != nil {
			ep.setState(InboundClosing)
			ep.HandleClose(Down)
			return
		}
	}
}

// HandlePacketDown writes bytes travelling back toward the client to the
// client socket (spec §4.B): it is invoked by a peer's ForwardDown, which
// delivers to that peer's upstream list — and this Inbound is upstream of
// whatever it Connect-ed, e.g. the Outbound dialed by a SOCKS front-end.
func (ep *Inbound) HandlePacketDown(data []byte) {
	n, err := ep.conn.Write(data)
	if n > 0 {
		ep.Stats.AddWritten(int64(n))
	}
	if err != nil {
		ep.setState(InboundClosing)
		ep.HandleClose(Down)
	}
}

// HandleClose propagates the close in the given direction and then tears
// down this endpoint's own socket (a terminal endpoint always closes its
// own socket, regardless of which direction triggered the close).
func (ep *Inbound) HandleClose(dir Direction) {
	ep.Base.HandleClose(dir)
	ep.Helper.StartShutdown(nil)
}

// HandleOnceShutdown implements shutdownhelper.OnceShutdownHandler: it is
// invoked exactly once and performs the real, synchronous socket teardown.
func (ep *Inbound) HandleOnceShutdown(completionErr error) error {
	ep.setState(InboundClosed)
	ep.Stats.Closed()
	err := ep.conn.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Close propagates a down-close through the chain and waits for this
// endpoint's own shutdown to complete.
func (ep *Inbound) Close() error {
	ep.HandleClose(Down)
	return ep.Helper.WaitShutdown()
}
