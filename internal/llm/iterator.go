package llm

import (
	"context"
	"io"
)

// ChanIterator adapts a channel of events to the Iterator interface. The
// producer closes the channel when the stream ends.
type ChanIterator struct {
	ch <-chan Event
}

// NewChanIterator wraps an event channel.
func NewChanIterator(ch <-chan Event) *ChanIterator {
	return &ChanIterator{ch: ch}
}

func (it *ChanIterator) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-it.ch:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	}
}

// SliceIterator yields a fixed event sequence, then io.EOF. It lets a
// deterministic event script stand in for a live transport stream.
type SliceIterator struct {
	events []Event
	pos    int
}

// NewSliceIterator wraps a fixed event slice.
func NewSliceIterator(events []Event) *SliceIterator {
	return &SliceIterator{events: events}
}

func (it *SliceIterator) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if it.pos >= len(it.events) {
		return Event{}, io.EOF
	}
	ev := it.events[it.pos]
	it.pos++
	return ev, nil
}
