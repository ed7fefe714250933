package proxycore

import "github.com/austinhartzheim/trixy/trixylog"

// Processor is a node with no socket of its own: a pure in-chain
// transform. Left unmodified it is a transparent pass-through; a filter is
// a Processor whose overridden handler omits the forward call, a mutator
// transforms the bytes before forwarding them on.
type Processor struct {
	Base
}

// NewProcessor creates a pass-through Processor. Callers that need a
// filter or mutator embed Processor and override HandlePacketUp and/or
// HandlePacketDown.
func NewProcessor(logger trixylog.Logger, name string) *Processor {
	p := &Processor{}
	p.Init(logger, p, "%s", name)
	return p
}
