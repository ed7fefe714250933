// Package socks5 implements the SOCKS5 server front-end (spec §4.G) and
// SOCKS5 client back-end (spec §4.D / §9 "chained upstream proxy") on top
// of proxycore's Inbound/Outbound endpoints.
package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/austinhartzheim/trixy/listener"
	"github.com/austinhartzheim/trixy/proxycore"
	"github.com/austinhartzheim/trixy/trixylog"
)

// Authentication method identifiers (RFC 1928 §3).
const (
	MethodNoAuth       byte = 0x00
	MethodGSSAPI       byte = 0x01
	MethodUserPassword byte = 0x02
	MethodNoAcceptable byte = 0xFF
)

// Address type identifiers (RFC 1928 §4).
const (
	AddrIPv4   byte = 0x01
	AddrDomain byte = 0x03
	AddrIPv6   byte = 0x04
)

// Reply codes (RFC 1928 §6).
const (
	ReplySucceeded           byte = 0x00
	ReplyGeneralFailure      byte = 0x01
	ReplyNotAllowed          byte = 0x02
	ReplyNetworkUnreachable  byte = 0x03
	ReplyHostUnreachable     byte = 0x04
	ReplyConnectionRefused   byte = 0x05
	ReplyTTLExpired          byte = 0x06
	ReplyCommandNotSupported byte = 0x07
	ReplyAddrNotSupported    byte = 0x08
)

const (
	cmdConnect byte = 0x01
	cmdBind    byte = 0x02
	cmdUDP     byte = 0x03
)

// Policy approves or rejects a decoded CONNECT request, optionally
// rewriting its destination. atyp is the raw address type the client sent
// (AddrIPv4/AddrDomain/AddrIPv6), supplemented from original_source/trixy/
// proxy.py's Socks5Proxy (spec §4.R) so a policy can distinguish a client
// that asked for an IPv6 literal from one that asked for a domain name
// which happened to resolve to that same address.
type Policy func(addr string, port uint16, atyp byte) (newAddr string, newPort uint16, ok bool)

// AllowAll is the default Policy.
func AllowAll(addr string, port uint16, atyp byte) (string, uint16, bool) { return addr, port, true }

// Server is a SOCKS5 front-end factory.
type Server struct {
	Policy Policy
}

// New returns a Server with default allow-all policy.
func New() *Server { return &Server{Policy: AllowAll} }

// FrontEnd adapts the Server into a listener.FrontEnd-compatible function.
func (s *Server) FrontEnd(logger trixylog.Logger, conn net.Conn, register listener.Register) {
	in := proxycore.NewInbound(logger, conn)
	policy := s.Policy
	if policy == nil {
		policy = AllowAll
	}
	h := &serverHandler{in: in, logger: logger, policy: policy, state: stateAwaitMethods}
	register(fmt.Sprintf("socks5 %s", in), &in.Stats)
	in.SetDataHandler(h.onData)
	in.Run()
}

type serverState int

const (
	stateAwaitMethods serverState = iota
	stateAwaitRequest
	stateProxyActive
)

type serverHandler struct {
	in     *proxycore.Inbound
	logger trixylog.Logger
	policy Policy

	mu    sync.Mutex
	state serverState
}

func (h *serverHandler) onData(data []byte) {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	switch state {
	case stateAwaitMethods:
		h.handleMethodSelect(data)
	case stateAwaitRequest:
		h.handleRequest(data)
	case stateProxyActive:
		h.in.ForwardUp(data)
	}
}

func (h *serverHandler) handleMethodSelect(data []byte) {
	if len(data) < 2 || data[0] != 0x05 {
		h.in.Close()
		return
	}
	nmethods := int(data[1])
	methods := data[2:]
	if len(methods) > nmethods {
		methods = methods[:nmethods]
	}

	for _, m := range methods {
		if m == MethodNoAuth {
			h.in.Conn().Write([]byte{0x05, MethodNoAuth})
			h.mu.Lock()
			h.state = stateAwaitRequest
			h.mu.Unlock()
			return
		}
	}

	h.in.Conn().Write([]byte{0x05, MethodNoAcceptable})
	h.in.Close()
}

func (h *serverHandler) handleRequest(data []byte) {
	if len(data) < 4 || data[0] != 0x05 {
		h.in.Close()
		return
	}
	cmd := data[1]
	atyp := data[3]

	var addr string
	var portOffset int
	switch atyp {
	case AddrIPv4:
		if len(data) < 10 {
			h.in.Close()
			return
		}
		addr = net.IP(data[4:8]).String()
		portOffset = 8
	case AddrDomain:
		if len(data) < 5 {
			h.in.Close()
			return
		}
		l := int(data[4])
		if len(data) < 5+l+2 {
			h.in.Close()
			return
		}
		addr = string(data[5 : 5+l])
		portOffset = 5 + l
	case AddrIPv6:
		if len(data) < 22 {
			h.in.Close()
			return
		}
		addr = net.IP(data[4:20]).String()
		portOffset = 20
	default:
		h.reply(ReplyAddrNotSupported, atyp, addr, 0)
		h.in.Close()
		return
	}
	port := binary.BigEndian.Uint16(data[portOffset : portOffset+2])

	if cmd != cmdConnect {
		h.reply(ReplyCommandNotSupported, atyp, addr, port)
		h.in.Close()
		return
	}

	newAddr, newPort, ok := h.policy(addr, port, atyp)
	if !ok {
		h.reply(ReplyNotAllowed, atyp, newAddr, newPort)
		h.in.Close()
		return
	}

	out := proxycore.NewOutbound(h.logger, fmt.Sprintf("%s:%d", newAddr, newPort))
	h.in.Connect(out)

	dialAddr := fmt.Sprintf("%s:%d", newAddr, newPort)
	if err := out.Dial(context.Background(), "tcp", dialAddr); err != nil {
		h.logger.WLogf("%s: connect to %s failed: %s", h.in, dialAddr, err)
		h.reply(replyForDialError(err), atyp, newAddr, newPort)
		h.in.Close()
		return
	}

	h.reply(ReplySucceeded, atyp, newAddr, newPort)
	h.mu.Lock()
	h.state = stateProxyActive
	h.mu.Unlock()
}

func replyForDialError(err error) byte {
	if opErr, ok := err.(*net.OpError); ok {
		if opErr.Timeout() {
			return ReplyTTLExpired
		}
	}
	return ReplyHostUnreachable
}

func (h *serverHandler) reply(code, atyp byte, addr string, port uint16) {
	pkt := []byte{0x05, code, 0x00, atyp}
	switch atyp {
	case AddrIPv4:
		ip := net.ParseIP(addr)
		v4 := net.IPv4zero.To4()
		if ip != nil {
			if p := ip.To4(); p != nil {
				v4 = p
			}
		}
		pkt = append(pkt, v4...)
	case AddrDomain:
		pkt = append(pkt, byte(len(addr)))
		pkt = append(pkt, []byte(addr)...)
	case AddrIPv6:
		ip := net.ParseIP(addr)
		v6 := net.IPv6zero.To16()
		if ip != nil {
			if p := ip.To16(); p != nil {
				v6 = p
			}
		}
		pkt = append(pkt, v6...)
	default:
		pkt = append(pkt, net.IPv4zero.To4()...)
	}
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	pkt = append(pkt, portBytes...)
	h.in.Conn().Write(pkt)
}
