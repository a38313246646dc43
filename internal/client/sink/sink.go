// Package sink batches streamed text so that a burst of small fragments lands
// in the session store as a few larger updates.
package sink

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultThreshold = 64
	DefaultInterval  = 50 * time.Millisecond
)

// Options 控制两种冲刷条件。
type Options struct {
	// Threshold is the buffered size in bytes that forces an immediate flush.
	Threshold int
	// Interval is how long the buffer may sit idle after the last write.
	Interval time.Duration
}

// Sink buffers one session's content. Flushes happen when the buffer reaches
// Threshold or Interval passes without a write, and once more on Close.
// flush is never called concurrently with itself and never after Close or
// Discard return.
type Sink struct {
	flush     func(string)
	threshold int
	interval  time.Duration

	mu     sync.Mutex
	buf    strings.Builder
	timer  *time.Timer
	seq    uint64
	closed bool
}

// New returns an open sink that hands batched text to flush.
func New(flush func(string), opts Options) *Sink {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Sink{
		flush:     flush,
		threshold: opts.Threshold,
		interval:  opts.Interval,
	}
}

// Write buffers text. Writes after Close or Discard are dropped.
func (s *Sink) Write(text string) {
	if text == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.buf.WriteString(text)
	if s.buf.Len() >= s.threshold {
		s.stopTimer()
		s.drain()
		return
	}
	s.armTimer()
}

// Close cancels the idle timer and flushes whatever is buffered. Only the
// first call flushes.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stopTimer()
	s.drain()
}

// Discard cancels the idle timer and drops the buffer without flushing.
func (s *Sink) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopTimer()
	s.buf.Reset()
}

// Pending returns the number of buffered bytes.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// armTimer replaces the idle timer. The sequence number lets a timer that
// already fired but lost the race for mu notice it was superseded.
func (s *Sink) armTimer() {
	s.stopTimer()
	s.seq++
	seq := s.seq
	s.timer = time.AfterFunc(s.interval, func() { s.fire(seq) })
}

func (s *Sink) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.seq++
}

func (s *Sink) fire(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || seq != s.seq {
		return
	}
	s.timer = nil
	s.drain()
}

// drain must be called with mu held.
func (s *Sink) drain() {
	if s.buf.Len() == 0 {
		return
	}
	text := s.buf.String()
	s.buf.Reset()
	s.flush(text)
}
