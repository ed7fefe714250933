// Package socks4 implements the SOCKS4 and SOCKS4a server front-ends (spec
// §4.F): a front-end is an Inbound whose data handler intercepts exactly
// the first packet, decodes a CONNECT request, dials an Outbound, replies,
// then switches back to plain pass-through.
package socks4

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/austinhartzheim/trixy/listener"
	"github.com/austinhartzheim/trixy/proxycore"
	"github.com/austinhartzheim/trixy/trixylog"
)

// Reply codes from the SOCKS4 protocol (http://www.openssh.com/txt/socks4.protocol).
const (
	ReplyGranted            = 90
	ReplyFailed             = 91
	ReplyRejectedNoIdentd   = 92
	ReplyRejectedIDMismatch = 93
)

const (
	cmdConnect = 0x01
	cmdBind    = 0x02
)

// ErrorKind classifies why a CONNECT request did not succeed, supplementing
// spec §4.F from original_source/trixy/proxy.py's SocksError family
// (spec §4.Q): REP code selection is table-driven off this taxonomy rather
// than hard-coded at each failure site, so a future auth hook can raise a
// typed error that maps directly to one of the rejection codes.
type ErrorKind int

// ErrorKind values, each mapped to exactly one SOCKS4 REP code by repCodes.
const (
	ErrGeneralFailure ErrorKind = iota
	ErrIdentdUnreachable
	ErrIdentdMismatch
)

// repCodes is the table ErrorKind.REPCode consults.
var repCodes = map[ErrorKind]byte{
	ErrGeneralFailure:    ReplyFailed,
	ErrIdentdUnreachable: ReplyRejectedNoIdentd,
	ErrIdentdMismatch:    ReplyRejectedIDMismatch,
}

// SocksError is a typed policy/connect failure carrying enough information
// to select the right REP code without the caller needing to know the wire
// protocol's numeric codes.
type SocksError struct {
	Kind ErrorKind
	Err  error // underlying cause, if any; may be nil
}

func (e *SocksError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("socks4: %s", e.Err)
	}
	return "socks4: request rejected"
}

func (e *SocksError) Unwrap() error { return e.Err }

// REPCode returns the SOCKS4 reply code this error maps to.
func (e *SocksError) REPCode() byte { return repCodes[e.Kind] }

// Policy decides what to do with a decoded CONNECT request before the
// Outbound is dialed. A non-nil err rejects the request; if err is a
// *SocksError its Kind selects the REP code, otherwise the rejection is
// treated as ErrGeneralFailure. Policy may rewrite addr/port.
type Policy func(addr string, port uint16, userID []byte) (newAddr string, newPort uint16, err error)

// AllowAll is the default Policy: accept every request unmodified.
func AllowAll(addr string, port uint16, userID []byte) (string, uint16, error) {
	return addr, port, nil
}

// replyForError selects the REP code for a rejection, defaulting untyped
// errors to ErrGeneralFailure (spec §4.F's plain "request rejected or
// failed" reply).
func replyForError(err error) byte {
	if se, ok := err.(*SocksError); ok {
		return se.REPCode()
	}
	return ReplyFailed
}

// replyForPolicyError selects the REP code for a Policy rejection: a
// *SocksError's Kind picks the code, and any other error is treated as
// ErrGeneralFailure (REP 91), as documented on Policy.
func replyForPolicyError(err error) byte {
	if se, ok := err.(*SocksError); ok {
		return se.REPCode()
	}
	return ReplyFailed
}

// Server is a SOCKS4/SOCKS4a front-end factory usable as a listener.FrontEnd.
type Server struct {
	Allow4a bool // enable SOCKS4a hostname requests (0.0.0.x + trailing hostname)
	Policy  Policy
}

// New returns a Server with default policy (allow all) and SOCKS4a enabled.
func New() *Server {
	return &Server{Allow4a: true, Policy: AllowAll}
}

// FrontEnd adapts the Server into a listener.FrontEnd-compatible function.
func (s *Server) FrontEnd(logger trixylog.Logger, conn net.Conn, register listener.Register) {
	in := proxycore.NewInbound(logger, conn)
	h := &handler{in: in, logger: logger, allow4a: s.Allow4a, policy: s.Policy}
	if h.policy == nil {
		h.policy = AllowAll
	}
	register(fmt.Sprintf("socks4 %s", in), &in.Stats)
	in.SetDataHandler(h.handleFirstPacket)
	in.Run()
}

type handler struct {
	in      *proxycore.Inbound
	logger  trixylog.Logger
	allow4a bool
	policy  Policy
}

// handleFirstPacket decodes exactly one SOCKS4/SOCKS4a request, then
// restores plain pass-through via in.SetDataHandler(in.ForwardUp) for every
// subsequent call regardless of outcome, per spec §4.F ("a front-end
// intercepts only the first upward packet").
func (h *handler) handleFirstPacket(data []byte) {
	h.in.SetDataHandler(h.in.ForwardUp)

	if len(data) < 9 || data[0] != 0x04 {
		h.logger.WLogf("%s: malformed SOCKS4 request", h.in)
		h.in.Close()
		return
	}

	switch data[1] {
	case cmdConnect:
		h.handleConnect(data)
	case cmdBind:
		h.logger.WLogf("%s: BIND requests are not supported", h.in)
		h.reply(replyForError(&SocksError{Kind: ErrGeneralFailure}), net.IPv4zero.String(), 0)
		h.in.Close()
	default:
		h.in.Close()
	}
}

func (h *handler) handleConnect(data []byte) {
	port := binary.BigEndian.Uint16(data[2:4])
	ipBytes := data[4:8]

	rest := data[8:]
	nul := indexByte(rest, 0)
	if nul < 0 {
		h.logger.WLogf("%s: SOCKS4 request missing NUL-terminated userid", h.in)
		h.reply(replyForError(&SocksError{Kind: ErrGeneralFailure}), net.IPv4(ipBytes[0], ipBytes[1], ipBytes[2], ipBytes[3]).String(), port)
		h.in.Close()
		return
	}
	userID := rest[:nul]
	after := rest[nul+1:]

	addr := net.IPv4(ipBytes[0], ipBytes[1], ipBytes[2], ipBytes[3]).String()

	// SOCKS4a: an address of the form 0.0.0.x (x != 0) signals that the
	// real destination is a NUL-terminated hostname following the userid
	// (http://www.openssh.com/txt/socks4a.protocol).
	isSocks4a := ipBytes[0] == 0 && ipBytes[1] == 0 && ipBytes[2] == 0 && ipBytes[3] != 0
	if isSocks4a {
		if !h.allow4a {
			h.logger.WLogf("%s: SOCKS4a hostname resolution disabled, rejecting", h.in)
			h.reply(replyForError(&SocksError{Kind: ErrGeneralFailure}), addr, port)
			h.in.Close()
			return
		}
		hnul := indexByte(after, 0)
		if hnul < 0 {
			h.logger.WLogf("%s: SOCKS4a request missing NUL-terminated hostname", h.in)
			h.reply(replyForError(&SocksError{Kind: ErrGeneralFailure}), addr, port)
			h.in.Close()
			return
		}
		addr = string(after[:hnul])
	}

	newAddr, newPort, err := h.policy(addr, port, userID)
	if err != nil {
		h.logger.WLogf("%s: policy rejected request: %s", h.in, err)
		h.reply(replyForPolicyError(err), addr, port)
		h.in.Close()
		return
	}

	out := proxycore.NewOutbound(h.logger, fmt.Sprintf("%s:%d", newAddr, newPort))
	h.in.Connect(out)

	dialAddr := fmt.Sprintf("%s:%d", newAddr, newPort)
	if err := out.Dial(context.Background(), "tcp", dialAddr); err != nil {
		h.logger.WLogf("%s: connect to %s failed: %s", h.in, dialAddr, err)
		h.reply(replyForError(&SocksError{Kind: ErrGeneralFailure, Err: err}), newAddr, newPort)
		h.in.Close()
		return
	}

	h.reply(ReplyGranted, newAddr, newPort)
}

func (h *handler) reply(code byte, addr string, port uint16) {
	pkt := make([]byte, 8)
	pkt[0] = 0x00
	pkt[1] = code
	binary.BigEndian.PutUint16(pkt[2:4], port)
	if ip := net.ParseIP(addr); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			copy(pkt[4:8], v4)
		}
	}
	h.in.Conn().Write(pkt)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
