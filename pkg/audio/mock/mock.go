// Package mock provides an in-memory implementation of
// [audio.CaptureSource] for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts and arguments, and it exposes exported
// fields the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.CaptureSource{}
//	err := manager.Start(ctx, src, other)
//	src.Deliver(audio.Chunk{Samples: samples, SampleRate: 48000})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/meetcap/pkg/audio"
)

// CaptureSource is a mock implementation of [audio.CaptureSource]. Chunks
// are pushed by the test via [CaptureSource.Deliver] and forwarded to the
// callback registered by Start.
type CaptureSource struct {
	mu sync.Mutex

	// StartError is returned by [CaptureSource.Start].
	StartError error

	// CloseError is returned by [CaptureSource.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	deliver func(audio.Chunk)
	closed  bool
}

var _ audio.CaptureSource = (*CaptureSource)(nil)

// Start implements [audio.CaptureSource]. It records the deliver callback
// for use by [CaptureSource.Deliver] and returns StartError.
func (s *CaptureSource) Start(_ context.Context, deliver func(audio.Chunk)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.deliver = deliver
	return nil
}

// Close implements [audio.CaptureSource]. Idempotent; returns CloseError on
// the first call.
func (s *CaptureSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	return s.CloseError
}

// Deliver forwards a chunk to the callback registered by Start. It reports
// whether the chunk was forwarded; false means Start has not been called
// yet or the source is closed.
func (s *CaptureSource) Deliver(c audio.Chunk) bool {
	s.mu.Lock()
	deliver := s.deliver
	closed := s.closed
	s.mu.Unlock()
	if deliver == nil || closed {
		return false
	}
	deliver(c)
	return true
}

// Closed reports whether Close has been called.
func (s *CaptureSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
