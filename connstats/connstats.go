// Package connstats tracks connection and byte-transfer counters for nodes
// that own a socket, and renders them in the same human-readable form the
// teacher's own close-event logging uses.
package connstats

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// Stats holds open/total connection counts for a listener or endpoint
// family, plus cumulative bytes read and written by the connections it
// tracks.
type Stats struct {
	total int32
	open  int32
	read  int64
	written int64
}

// Opened records a newly accepted or dialed connection.
func (s *Stats) Opened() {
	atomic.AddInt32(&s.total, 1)
	atomic.AddInt32(&s.open, 1)
}

// Closed records that a previously opened connection has gone away.
func (s *Stats) Closed() {
	atomic.AddInt32(&s.open, -1)
}

// AddRead accumulates bytes read.
func (s *Stats) AddRead(n int64) { atomic.AddInt64(&s.read, n) }

// AddWritten accumulates bytes written.
func (s *Stats) AddWritten(n int64) { atomic.AddInt64(&s.written, n) }

// Open returns the current number of open connections.
func (s *Stats) Open() int32 { return atomic.LoadInt32(&s.open) }

// Total returns the lifetime count of connections opened.
func (s *Stats) Total() int32 { return atomic.LoadInt32(&s.total) }

// Read returns cumulative bytes read.
func (s *Stats) Read() int64 { return atomic.LoadInt64(&s.read) }

// Written returns cumulative bytes written.
func (s *Stats) Written() int64 { return atomic.LoadInt64(&s.written) }

// String renders "[open/total sent X received Y]" the way the teacher logs
// a close event, using sizestr for the byte counts.
func (s *Stats) String() string {
	return fmt.Sprintf("[%d/%d sent %s received %s]",
		s.Open(), s.Total(), sizestr.ToString(s.Written()), sizestr.ToString(s.Read()))
}
