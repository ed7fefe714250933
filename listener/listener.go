// Package listener runs the TCP accept loop that turns incoming
// connections into Inbound endpoints wired to a front-end (spec §4.E
// "Listener"). Transient accept errors are retried with backoff rather than
// aborting the loop, the way the teacher's dial loop handles transient
// connect failures.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/austinhartzheim/trixy/connstats"
	"github.com/austinhartzheim/trixy/proxycore"
	"github.com/austinhartzheim/trixy/shutdownhelper"
	"github.com/austinhartzheim/trixy/trixylog"
)

// Register is handed to a FrontEnd right after it creates its Inbound
// endpoint. Calling it tells the Listener this chain's identity (the
// front-ends pass their protocol and the Inbound's name, which carries the
// client's remote address) and gives it the
// endpoint's live connstats.Stats, so /varz can list "each active chain's
// identity" (spec §4.O) instead of only a flat listener-wide total.
type Register func(name string, stats *connstats.Stats)

// FrontEnd builds and wires whatever the proxy needs for one accepted
// connection (a SOCKS4/SOCKS4a/SOCKS5 front-end, or a bare pass-through). It
// must call register exactly once, as soon as its Inbound endpoint exists,
// before it blocks running that endpoint's read pump. The Listener runs each
// FrontEnd call in its own goroutine and treats its return as the end of the
// chain: the chain is deregistered and its byte counts are folded into
// Listener.Stats at that point.
type FrontEnd func(logger trixylog.Logger, conn net.Conn, register Register)

// ChainSnapshot is a single active chain's identity and current counters, as
// exposed by Listener.Chains for the status endpoint.
type ChainSnapshot struct {
	Name  string
	Stats *connstats.Stats
}

// Listener accepts connections on a single bound address and feeds each one
// to a FrontEnd, running the accept loop in its own goroutine.
type Listener struct {
	shutdownhelper.Helper

	logger   trixylog.Logger
	addr     string
	frontEnd FrontEnd

	// Stats is the accept loop's own open/total count, plus the
	// byte-transfer totals folded in from every chain as it closes (spec
	// §4.N: "a Listener aggregates per-accepted-connection ConnStats into a
	// process-wide ConnStats").
	Stats connstats.Stats

	ln net.Listener

	mu      sync.Mutex
	chains  map[uint64]ChainSnapshot
	chainID uint64
}

// New binds addr (e.g. "127.0.0.1:1080") and returns a Listener ready to
// Serve. Binding happens synchronously so callers learn about a bad address
// or a port already in use before spawning the accept loop.
func New(logger trixylog.Logger, addr string, frontEnd FrontEnd) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener: bind %s: %w", addr, err)
	}
	return newFromNetListener(logger, addr, frontEnd, ln)
}

// NewTLS is identical to New except the accepted sockets are wrapped in a
// TLS server handshake using cfg (spec §4.L: TLS termination is a wrapper
// around the same accept loop, not a separate front-end mechanism).
func NewTLS(logger trixylog.Logger, addr string, frontEnd FrontEnd, cfg *tls.Config) (*Listener, error) {
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("listener: tls bind %s: %w", addr, err)
	}
	return newFromNetListener(logger, addr, frontEnd, ln)
}

func newFromNetListener(logger trixylog.Logger, addr string, frontEnd FrontEnd, ln net.Listener) (*Listener, error) {
	l := &Listener{
		logger:   logger.Fork("listener(%s)", addr),
		addr:     addr,
		frontEnd: frontEnd,
		ln:       ln,
		chains:   make(map[uint64]ChainSnapshot),
	}
	l.Helper.Init(l.logger, l)
	return l, nil
}

// Chains returns a snapshot of every currently active chain's identity and
// live counters, for the status endpoint's per-chain listing.
func (l *Listener) Chains() []ChainSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ChainSnapshot, 0, len(l.chains))
	for _, c := range l.chains {
		out = append(out, c)
	}
	return out
}

// Addr returns the bound local address, useful when addr was given with a
// ":0" port for tests.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve runs the accept loop until the listener is closed. Every accepted
// connection is wrapped as a proxycore.Inbound-backed front-end in its own
// goroutine. Serve returns nil once Close has been called, ctx's error if
// ctx is done while it waits to retry a temporary accept error, and
// otherwise the first permanent accept error. ctx is not watched while
// Accept is blocked.
func (l *Listener) Serve(ctx context.Context) error {
	retry := &backoff.Backoff{
		Min:    10 * time.Millisecond,
		Max:    1 * time.Second,
		Factor: 2,
	}

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.IsStartedShutdown() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				d := retry.Duration()
				l.logger.WLogf("accept: temporary error, retrying in %s: %s", d, err)
				select {
				case <-time.After(d):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return fmt.Errorf("listener %s: accept: %w", l.addr, err)
		}
		retry.Reset()
		l.Stats.Opened()

		go func(c net.Conn) {
			defer l.Stats.Closed()

			l.mu.Lock()
			id := l.chainID
			l.chainID++
			l.mu.Unlock()

			var stats *connstats.Stats
			register := func(name string, s *connstats.Stats) {
				stats = s
				l.mu.Lock()
				l.chains[id] = ChainSnapshot{Name: name, Stats: s}
				l.mu.Unlock()
			}
			defer func() {
				l.mu.Lock()
				delete(l.chains, id)
				l.mu.Unlock()
				if stats != nil {
					l.Stats.AddRead(stats.Read())
					l.Stats.AddWritten(stats.Written())
				}
			}()

			l.frontEnd(l.logger, c, register)
		}(conn)
	}
}

// HandleOnceShutdown implements shutdownhelper.OnceShutdownHandler by
// closing the underlying listener socket, which unblocks Serve's Accept.
func (l *Listener) HandleOnceShutdown(completionErr error) error {
	err := l.ln.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// PassThroughFrontEnd wires an accepted connection straight to an Outbound
// dialed at addr, with no protocol negotiation — the degenerate front-end
// used by simple TCP forwarding and by tests that exercise proxycore
// directly (spec §4.H "static forwarding mode").
func PassThroughFrontEnd(network, addr string) FrontEnd {
	return func(logger trixylog.Logger, conn net.Conn, register Register) {
		in := proxycore.NewInbound(logger, conn)
		out := proxycore.NewOutbound(logger, addr)
		in.Connect(out)
		register(fmt.Sprintf("forward %s -> %s", conn.RemoteAddr(), addr), &in.Stats)

		if err := out.Dial(context.Background(), network, addr); err != nil {
			logger.WLogf("%s: dial %s failed: %s", in, addr, err)
			in.Close()
			return
		}
		in.Run()
	}
}
