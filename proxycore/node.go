// Package proxycore implements the chained node graph that carries bytes
// and lifecycle signals between an inbound endpoint and one or more
// outbound endpoints (spec §3, §4.A-§4.D), plus the inbound and outbound
// endpoint types that terminate a chain at a real socket (§4.B, §4.C).
package proxycore

import (
	"fmt"
	"sync"

	"github.com/austinhartzheim/trixy/trixylog"
)

// Direction names which way data or a close signal is travelling through a
// chain. Up is the direction from the originally-accepted client toward the
// ultimate destination; Down is the reverse.
type Direction int

// Direction values.
const (
	Up Direction = iota
	Down
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// PacketHandler is the capability set every graph participant implements:
// receive a packet travelling in a given direction, or be told that the
// chain has closed in a given direction.
type PacketHandler interface {
	HandlePacketUp(data []byte)
	HandlePacketDown(data []byte)
	HandleClose(dir Direction)
}

// Node is a participant in the chain graph. Connect is the one sanctioned
// way to create an edge: self.Connect(peer) makes peer downstream of self
// and self upstream of peer (spec §4.A's mandated convention, matching the
// "client is upstream, origin is downstream" convention used by the SOCKS
// front-ends).
type Node interface {
	PacketHandler
	String() string
	AddUpstream(peer Node)
	AddDownstream(peer Node)
	Connect(peer Node)
}

// Base is the common implementation embedded by every concrete Node
// (Inbound, Outbound, Processor, and the SOCKS front-ends/back-end built on
// top of them). It owns the peer lists and the default forward/close
// behavior; concrete types override HandlePacketUp/HandlePacketDown/
// HandleClose where they need to do more than re-forward or propagate.
//
// Base.Init must be called with a "self" that is the outermost concrete
// type, exactly the way the embedded peer lists need to dispatch back
// through Go's lack of virtual embedding: a peer stored during Connect is
// always the self passed to Init, never a *Base, so overridden methods on
// the concrete type are the ones invoked.
type Base struct {
	logger trixylog.Logger
	self   Node
	name   string

	mu         sync.Mutex
	upstream   []Node
	downstream []Node

	closingUp   bool
	closingDown bool
}

// Init wires up a Base in place. self must be the outermost type embedding
// this Base.
func (b *Base) Init(logger trixylog.Logger, self Node, namef string, args ...interface{}) {
	b.self = self
	b.name = fmt.Sprintf(namef, args...)
	b.logger = logger.Fork("%s", b.name)
}

func (b *Base) String() string { return b.name }

// AddUpstream idempotently records peer as upstream of this node. It does
// not touch peer's own peer lists; use Connect for the bidirectional link.
func (b *Base) AddUpstream(peer Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.upstream {
		if p == peer {
			return
		}
	}
	b.upstream = append(b.upstream, peer)
}

// AddDownstream idempotently records peer as downstream of this node.
func (b *Base) AddDownstream(peer Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.downstream {
		if p == peer {
			return
		}
	}
	b.downstream = append(b.downstream, peer)
}

// Connect is the canonical bidirectional link: peer becomes downstream of
// this node, and this node becomes upstream of peer.
func (b *Base) Connect(peer Node) {
	b.AddDownstream(peer)
	peer.AddUpstream(b.self)
}

func (b *Base) snapshotUpstream() []Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Node(nil), b.upstream...)
}

func (b *Base) snapshotDownstream() []Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Node(nil), b.downstream...)
}

// ForwardUp delivers data, in order, to every downstream peer's
// HandlePacketUp. Bytes that the client sent travel "up" toward the
// destination, which physically means handing them to the peer linked as
// this node's downstream (the peer nearer the destination) — see
// DESIGN.md for why this is the opposite of a literal upstream-list
// reading.
func (b *Base) ForwardUp(data []byte) {
	for _, peer := range b.snapshotDownstream() {
		peer.HandlePacketUp(data)
	}
}

// ForwardDown delivers data, in order, to every upstream peer's
// HandlePacketDown. Bytes the origin sent travel "down" toward the client.
func (b *Base) ForwardDown(data []byte) {
	for _, peer := range b.snapshotUpstream() {
		peer.HandlePacketDown(data)
	}
}

// HandlePacketUp is the default pass-through: re-forward in the same
// direction. Processors that don't override this behave like a filter that
// always passes.
func (b *Base) HandlePacketUp(data []byte) { b.ForwardUp(data) }

// HandlePacketDown is the default pass-through for the down direction.
func (b *Base) HandlePacketDown(data []byte) { b.ForwardDown(data) }

// HandleClose propagates a close signal in the direction it arrived: an
// up-close is delivered to upstream peers, a down-close to downstream
// peers, preserving direction the whole way through the chain (spec §9,
// "Close direction semantics divergence"). It is idempotent per direction.
func (b *Base) HandleClose(dir Direction) {
	var peers []Node
	b.mu.Lock()
	switch dir {
	case Up:
		if b.closingUp {
			b.mu.Unlock()
			return
		}
		b.closingUp = true
		peers = append([]Node(nil), b.upstream...)
	case Down:
		if b.closingDown {
			b.mu.Unlock()
			return
		}
		b.closingDown = true
		peers = append([]Node(nil), b.downstream...)
	}
	b.mu.Unlock()

	for _, peer := range peers {
		peer.HandleClose(dir)
	}
}
