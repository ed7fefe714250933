package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/austinhartzheim/trixy/connstats"
	"github.com/austinhartzheim/trixy/proxycore"
	"github.com/austinhartzheim/trixy/shutdownhelper"
	"github.com/austinhartzheim/trixy/trixylog"
)

// clientState tracks the SOCKS5 client (back-end) handshake against an
// upstream proxy, mirroring the original Socks5Output state machine.
type clientState int

const (
	clientStateNone clientState = iota
	clientStateAwaitMethodSelect
	clientStateAwaitBindResponse
	clientStateProxyActive
	clientStateProxyDisabled
)

// maxDeferredBytes bounds the buffer of upstream bytes held while the
// handshake with the upstream proxy is still in progress (spec §9: "a
// chained outbound must cap how much client data it buffers before the
// upstream proxy handshake completes, to avoid unbounded memory growth
// from a slow or malicious upstream").
const maxDeferredBytes = 1 << 20 // 1 MiB

// AddrType classifies how a Client encodes its destination in the CONNECT
// request sent to the upstream proxy.
type AddrType byte

// protocolError is the error RemoveMethod returns when asked to remove the
// last remaining auth method.
type protocolError struct{ msg string }

func (e *protocolError) Error() string { return e.msg }

// Client is a SOCKS5 client back-end (spec §4.D): an Outbound-like node
// that, instead of connecting directly to the final destination, dials an
// upstream SOCKS5 proxy and negotiates a CONNECT tunnel to the real
// destination on its caller's behalf.
type Client struct {
	proxycore.Base
	shutdownhelper.Helper

	logger trixylog.Logger

	dstHost string
	dstPort uint16

	proxyNetwork string
	proxyAddr    string

	mu            sync.Mutex
	conn          net.Conn
	state         clientState
	methods       []byte
	addrType      byte
	addrBytes     []byte
	deferred      []byte
	deferredBytes int
	Stats         connstats.Stats

	// OnStateChange, if set, is fired after every state transition with the
	// (old, new) pair (spec §4.H "state-change hook"). A caller can use this
	// to implement an "assume connected" hand-off: once new == proxy_active,
	// the proxy socket can be taken over by a different outbound
	// implementation instead of continuing to relay through this Client.
	OnStateChange func(old, new clientState)
}

// NewClient creates a Client that will tunnel to dstHost:dstPort through
// the SOCKS5 proxy at proxyAddr once Dial is called.
func NewClient(logger trixylog.Logger, dstHost string, dstPort uint16, proxyAddr string) *Client {
	c := &Client{
		logger:       logger,
		dstHost:      dstHost,
		dstPort:      dstPort,
		proxyNetwork: "tcp",
		proxyAddr:    proxyAddr,
		methods:      []byte{MethodNoAuth},
		state:        clientStateNone,
	}
	c.Base.Init(logger, c, "socks5client(%s via %s)", net.JoinHostPort(dstHost, fmt.Sprint(dstPort)), proxyAddr)
	c.Helper.Init(logger, c)
	c.addrType, c.addrBytes = encodeAddr(dstHost)
	return c
}

// AddMethod adds an authentication method this client will offer, beyond
// the default MethodNoAuth.
func (c *Client) AddMethod(method byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.methods {
		if m == method {
			return
		}
	}
	c.methods = append(c.methods, method)
}

// RemoveMethod removes a previously added authentication method. It
// refuses to remove the last remaining method.
func (c *Client) RemoveMethod(method byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.methods) <= 1 {
		return &protocolError{"cannot remove the last remaining auth method"}
	}
	out := c.methods[:0]
	for _, m := range c.methods {
		if m != method {
			out = append(out, m)
		}
	}
	c.methods = out
	return nil
}

func encodeAddr(host string) (byte, []byte) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return AddrIPv4, v4
		}
		return AddrIPv6, ip.To16()
	}
	return AddrDomain, append([]byte{byte(len(host))}, []byte(host)...)
}

// Dial connects to the upstream proxy and begins the SOCKS5 handshake. The
// handshake itself runs asynchronously as replies arrive on the read pump;
// Dial returns once the proxy socket is open, not once the tunnel is
// established.
func (c *Client) Dial(ctx context.Context) error {
	dialer := net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, c.proxyNetwork, c.proxyAddr)
	if err != nil {
		c.HandleClose(proxycore.Up)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	methods := append([]byte(nil), c.methods...)
	c.mu.Unlock()
	c.setState(clientStateAwaitMethodSelect)
	c.Stats.Opened()

	req := append([]byte{0x05, byte(len(methods))}, methods...)
	if _, err := conn.Write(req); err != nil {
		c.HandleClose(proxycore.Up)
		return err
	}

	go c.run()
	return nil
}

func (c *Client) run() {
	buf := make([]byte, defaultReadSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.Stats.AddRead(int64(n))
			data := make([]byte, n)
			copy(data, buf[:n])
			c.onProxyData(data)
		}
		if err != nil {
			c.HandleClose(proxycore.Up)
			return
		}
	}
}

const defaultReadSize = 16384

// State returns the current handshake state.
func (c *Client) State() clientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState transitions to s and fires OnStateChange with the (old, new)
// pair, unless the state is unchanged (spec §4.H "state-change hook").
func (c *Client) setState(s clientState) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s && c.OnStateChange != nil {
		c.OnStateChange(old, s)
	}
}

func (c *Client) onProxyData(data []byte) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case clientStateAwaitMethodSelect:
		c.handleMethodSelectReply(data)
	case clientStateAwaitBindResponse:
		c.handleBindResponse(data)
	case clientStateProxyActive:
		c.ForwardDown(data)
	case clientStateProxyDisabled:
		// drop
	}
}

func (c *Client) handleMethodSelectReply(data []byte) {
	if len(data) != 2 || data[0] != 0x05 {
		c.protocolFail("malformed method-select reply")
		return
	}
	selected := data[1]
	if selected == MethodNoAcceptable {
		c.protocolFail("upstream proxy rejected all offered auth methods")
		return
	}

	c.mu.Lock()
	ok := false
	for _, m := range c.methods {
		if m == selected {
			ok = true
			break
		}
	}
	c.mu.Unlock()
	if !ok {
		c.protocolFail("upstream proxy selected an unoffered auth method")
		return
	}

	req := []byte{0x05, cmdConnect, 0x00, c.addrType}
	req = append(req, c.addrBytes...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, c.dstPort)
	req = append(req, portBytes...)

	conn := c.conn
	c.setState(clientStateAwaitBindResponse)
	if _, err := conn.Write(req); err != nil {
		c.HandleClose(proxycore.Up)
	}
}

// handleBindResponse implements the three-way REP split mandated by spec
// §4.H: REP=0x00 enters proxy_active and flushes the deferred buffer;
// REP in [0x01, 0x08] is a standard SOCKS5 rejection code and simply closes
// the chain; REP >= 0x09 is unassigned and is treated as a protocol error
// rather than a normal rejection.
func (c *Client) handleBindResponse(data []byte) {
	if len(data) < 7 || data[0] != 0x05 {
		c.protocolFail("malformed bind response")
		return
	}
	reply := data[1]
	switch {
	case reply == ReplySucceeded:
		// handled below
	case reply >= 0x09:
		c.protocolFail(fmt.Sprintf("upstream proxy returned unassigned REP code 0x%02x", reply))
		return
	default:
		c.logger.WLogf("%s: upstream proxy refused CONNECT: reply 0x%02x", c, reply)
		c.HandleClose(proxycore.Up)
		return
	}

	// The state switch and the flush happen under one lock hold, so a
	// concurrent HandlePacketUp either lands in the buffer before it is
	// flushed or writes after the flushed bytes, never in between.
	c.mu.Lock()
	conn := c.conn
	deferred := c.deferred
	c.deferred = nil
	c.deferredBytes = 0
	old := c.state
	c.state = clientStateProxyActive
	var err error
	if len(deferred) > 0 {
		_, err = conn.Write(deferred)
	}
	c.mu.Unlock()
	if old != clientStateProxyActive && c.OnStateChange != nil {
		c.OnStateChange(old, clientStateProxyActive)
	}

	if err != nil {
		c.HandleClose(proxycore.Up)
	}
}

func (c *Client) protocolFail(msg string) {
	c.logger.ELogf("%s: %s", c, msg)
	c.setState(clientStateProxyDisabled)
	c.HandleClose(proxycore.Up)
}

// HandlePacketUp is the Client's socket-write hook (spec §4.C/§4.H: "up-bytes
// from peers are written to the proxy socket" once proxy_active). Before the
// tunnel reaches proxy_active, the caller may already be sending — those
// bytes are buffered here rather than written, and flushed in handshake
// order once the CONNECT reply arrives. The cap on the buffer is this
// repo's addition per spec §9's note that an unbounded buffer here is a
// real resource-exhaustion risk; the original Python has no such cap.
func (c *Client) HandlePacketUp(data []byte) {
	c.mu.Lock()
	if c.state == clientStateProxyActive {
		conn := c.conn
		c.mu.Unlock()
		n, err := conn.Write(data)
		if n > 0 {
			c.Stats.AddWritten(int64(n))
		}
		if err != nil {
			c.HandleClose(proxycore.Up)
		}
		return
	}

	c.deferredBytes += len(data)
	if c.deferredBytes > maxDeferredBytes {
		c.mu.Unlock()
		c.protocolFail("deferred buffer exceeded while awaiting upstream handshake")
		return
	}
	c.deferred = append(c.deferred, data...)
	c.mu.Unlock()
}

// HandleClose propagates the close and tears down the proxy socket.
func (c *Client) HandleClose(dir proxycore.Direction) {
	c.Base.HandleClose(dir)
	c.Helper.StartShutdown(nil)
}

// HandleOnceShutdown implements shutdownhelper.OnceShutdownHandler.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return completionErr
	}
	c.Stats.Closed()
	err := conn.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Close propagates an up-close and waits for shutdown to complete.
func (c *Client) Close() error {
	c.HandleClose(proxycore.Up)
	return c.Helper.WaitShutdown()
}
