package shutdownhelper

import (
	"errors"
	"testing"
	"time"

	"github.com/austinhartzheim/trixy/trixylog"
)

type fakeHandler struct {
	called  chan error
	invoked int
}

func (f *fakeHandler) HandleOnceShutdown(completionErr error) error {
	f.invoked++
	f.called <- completionErr
	return completionErr
}

func TestShutdownRunsHandlerExactlyOnce(t *testing.T) {
	h := &Helper{}
	f := &fakeHandler{called: make(chan error, 1)}
	h.Init(trixylog.New("test", trixylog.LevelError), f)

	wantErr := errors.New("boom")
	h.StartShutdown(wantErr)
	h.StartShutdown(errors.New("ignored, not first"))

	select {
	case got := <-f.called:
		if got != wantErr {
			t.Fatalf("expected handler to see %v, got %v", wantErr, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	if err := h.WaitShutdown(); err != wantErr {
		t.Fatalf("expected WaitShutdown to return %v, got %v", wantErr, err)
	}
	if f.invoked != 1 {
		t.Fatalf("expected handler invoked exactly once, got %d", f.invoked)
	}
}

func TestAddShutdownChildIsForcedWhenParentShutsDown(t *testing.T) {
	logger := trixylog.New("test", trixylog.LevelError)

	parentHandler := &fakeHandler{called: make(chan error, 1)}
	parent := &Helper{}
	parent.Init(logger, parentHandler)

	childHandler := &fakeHandler{called: make(chan error, 1)}
	child := &Helper{}
	child.Init(logger, childHandler)

	parent.AddShutdownChild(child)

	parent.StartShutdown(nil)

	select {
	case <-child.ShutdownDoneChan():
	case <-time.After(2 * time.Second):
		t.Fatal("child was never shut down after parent shutdown")
	}

	if childHandler.invoked != 1 {
		t.Fatalf("expected child handler invoked exactly once, got %d", childHandler.invoked)
	}

	if err := parent.WaitShutdown(); err != nil {
		t.Fatalf("expected parent shutdown to complete with nil error, got %s", err)
	}
}
