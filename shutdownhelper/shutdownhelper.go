// Package shutdownhelper provides the asynchronous once-only shutdown
// lifecycle shared by every Node and Listener in trixy: schedule shutdown,
// run the owner's shutdown handler exactly once, wait for registered
// children to finish, then signal completion.
package shutdownhelper

import (
	"sync"

	"github.com/austinhartzheim/trixy/trixylog"
)

// OnceShutdownHandler performs the real, synchronous teardown for an object
// managed by a Helper. It is invoked exactly once, in its own goroutine.
type OnceShutdownHandler interface {
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is implemented by anything a Helper can register as a
// child to wait on during shutdown.
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// Helper is embedded by Nodes, Endpoints, and Listeners to get uniform
// asynchronous shutdown semantics: StartShutdown is idempotent, shutdown
// runs exactly once on its own goroutine, and WaitShutdown blocks until
// every registered child has also finished shutting down.
type Helper struct {
	trixylog.Logger

	Lock sync.Mutex

	handler OnceShutdownHandler

	startedShutdown bool
	doneShutdown    bool
	err             error

	doneChan    chan struct{}
	handlerDone chan struct{}

	wg sync.WaitGroup
}

// Init prepares a Helper in place. logger should already be scoped to the
// owning object (typically via Logger.Fork).
func (h *Helper) Init(logger trixylog.Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.doneChan = make(chan struct{})
	h.handlerDone = make(chan struct{})
}

// IsStartedShutdown reports whether StartShutdown has been called.
func (h *Helper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.startedShutdown
}

// IsDoneShutdown reports whether shutdown, including all registered
// children, has completed.
func (h *Helper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.doneShutdown
}

// ShutdownDoneChan returns a channel closed once shutdown (including all
// children) has completed.
func (h *Helper) ShutdownDoneChan() <-chan struct{} {
	return h.doneChan
}

// StartShutdown schedules shutdown with an advisory completion error. Only
// the first call has any effect.
func (h *Helper) StartShutdown(completionErr error) {
	h.Lock.Lock()
	if h.startedShutdown {
		h.Lock.Unlock()
		return
	}
	h.startedShutdown = true
	h.err = completionErr
	h.Lock.Unlock()

	go func() {
		h.err = h.handler.HandleOnceShutdown(h.err)
		close(h.handlerDone)
		h.wg.Wait()
		h.Lock.Lock()
		h.doneShutdown = true
		h.Lock.Unlock()
		close(h.doneChan)
	}()
}

// WaitShutdown blocks until shutdown is complete and returns the final
// completion status. It does not itself start shutdown.
func (h *Helper) WaitShutdown() error {
	<-h.doneChan
	return h.err
}

// Shutdown starts shutdown if needed, waits for it to complete, and returns
// the final completion status.
func (h *Helper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// Close implements io.Closer by shutting down with a nil advisory error.
func (h *Helper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild registers child to be actively shut down (with the
// advisory error returned from this Helper's own shutdown handler) once
// this Helper's own HandleOnceShutdown has returned, and waited on before
// this Helper considers itself fully shut down.
func (h *Helper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-child.ShutdownDoneChan():
		case <-h.handlerDone:
			child.StartShutdown(h.err)
			child.WaitShutdown()
		}
	}()
}
