package pipeline

import (
	"sync/atomic"

	"wparse/pkg/types"
)

// ChanSubscriber adapts a parser worker's inbound batch channel to the
// ParserSubscriber contract the picker dispatches through.
type ChanSubscriber struct {
	ch     chan types.SourceBatch
	closed atomic.Bool
}

func NewChanSubscriber(capacity int) *ChanSubscriber {
	return &ChanSubscriber{ch: make(chan types.SourceBatch, capacity)}
}

// Chan is the consumer side handed to the parser worker's Run loop.
func (s *ChanSubscriber) Chan() <-chan types.SourceBatch { return s.ch }

func (s *ChanSubscriber) TrySend(b types.SourceBatch) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- b:
		return true
	default:
		return false
	}
}

func (s *ChanSubscriber) Closed() bool { return s.closed.Load() }

// Close marks the subscriber closed and closes the channel; pickers see
// Closed() and rotate away, the parser worker drains and exits.
func (s *ChanSubscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
