// Package testutil provides scripted transports and a fake simulator for tests.
package testutil

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// ScriptedStream is an in-memory connection.Stream. Frames pushed with Push
// are returned by Recv in order; everything sent is recorded.
type ScriptedStream struct {
	inbound chan string
	done    chan struct{}

	mu   sync.Mutex
	sent []string

	closeOnce sync.Once
	closes    atomic.Int32

	// SendErr, when non-nil, is returned by every Send.
	SendErr error
}

// NewScriptedStream creates a stream preloaded with frames.
//
// Postcondition: Recv yields frames in order, then blocks until more are pushed.
func NewScriptedStream(frames ...string) *ScriptedStream {
	s := &ScriptedStream{
		inbound: make(chan string, 256),
		done:    make(chan struct{}),
	}
	for _, f := range frames {
		s.inbound <- f
	}
	return s
}

// Push queues frames for Recv.
func (s *ScriptedStream) Push(frames ...string) {
	for _, f := range frames {
		s.inbound <- f
	}
}

// Hangup makes Recv return io.EOF once the queued frames are drained.
func (s *ScriptedStream) Hangup() {
	close(s.inbound)
}

// Send records msg.
func (s *ScriptedStream) Send(ctx context.Context, msg string) error {
	if s.SendErr != nil {
		return s.SendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

// Recv returns the next queued frame, io.EOF after Hangup, io.ErrClosedPipe
// after Close, or ctx.Err().
func (s *ScriptedStream) Recv(ctx context.Context) (string, error) {
	select {
	case f, ok := <-s.inbound:
		if !ok {
			return "", io.EOF
		}
		return f, nil
	case <-s.done:
		return "", io.ErrClosedPipe
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close counts the call and unblocks pending Recv calls.
func (s *ScriptedStream) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Sent returns a copy of every frame sent so far.
func (s *ScriptedStream) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// Closes returns how many times Close was called.
func (s *ScriptedStream) Closes() int {
	return int(s.closes.Load())
}

// Closed returns a channel closed by the first Close.
func (s *ScriptedStream) Closed() <-chan struct{} {
	return s.done
}
