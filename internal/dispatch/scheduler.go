// Package dispatch batches outbound protocol events so a burst produced
// within one tick of the event loop reaches the UI surface as one envelope.
package dispatch

import (
	"github.com/youruser/loom/internal/logging"
)

// Envelope is one outbound protocol event: {conversationId, type, ...payload}.
type Envelope map[string]any

// Type returns the envelope's event type.
func (e Envelope) Type() string {
	t, _ := e["type"].(string)
	return t
}

// ConversationID returns the envelope's conversation id.
func (e Envelope) ConversationID() string {
	id, _ := e["conversation_id"].(string)
	return id
}

// ToolID returns the envelope's tool invocation id, empty for envelopes not
// tied to one invocation.
func (e Envelope) ToolID() string {
	id, _ := e["tool_id"].(string)
	return id
}

// Sink receives flushed envelopes, normally the protocol writer.
type Sink interface {
	Send(Envelope)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Envelope)

func (f SinkFunc) Send(e Envelope) { f(e) }

// Scheduler buffers same-tick events and flushes them as one payload at the
// end-of-tick boundary. Raw content deltas and terminal errors bypass the
// buffer: perceived typing latency and fast error propagation both depend on
// not waiting for the boundary.
type Scheduler struct {
	sink      Sink
	deferFn   func(func()) // schedules a callback for the end of the current tick
	log       *logging.Logger
	buf       []Envelope
	scheduled bool
}

// New creates a scheduler. deferFn must run the callback after the current
// event-loop item finishes and before the next begins.
func New(sink Sink, deferFn func(func()), log *logging.Logger) *Scheduler {
	return &Scheduler{sink: sink, deferFn: deferFn, log: log}
}

// immediate reports whether an event class skips end-of-tick batching.
func immediate(eventType string) bool {
	return eventType == "chunk" || eventType == "error"
}

// Enqueue queues one outbound event. Immediate classes flush anything already
// buffered first so cross-class ordering within the tick is preserved.
func (s *Scheduler) Enqueue(ev Envelope) {
	if immediate(ev.Type()) {
		s.Flush()
		s.sink.Send(ev)
		return
	}
	s.buf = append(s.buf, ev)
	if !s.scheduled {
		s.scheduled = true
		s.deferFn(s.Flush)
	}
}

// Flush sends everything buffered: a single event goes out standalone (wire
// compatible with single-event consumers), several are wrapped in one batch
// envelope. Safe to call with an empty buffer.
func (s *Scheduler) Flush() {
	s.scheduled = false
	if len(s.buf) == 0 {
		return
	}
	buf := collapseStatusRuns(s.buf)
	s.buf = nil

	if len(buf) == 1 {
		s.sink.Send(buf[0])
		return
	}
	s.log.Debug("dispatch: flushing batch of %d events", len(buf))
	s.sink.Send(Envelope{"type": "batch", "batch": buf})
}

// collapseStatusRuns replaces a run of consecutive toolStatus events for the
// same invocation with its last element. A burst of N status updates in one
// tick would otherwise trigger N sequential state rebuilds downstream.
// Statuses for different invocations never collapse into each other, even
// inside one conversation.
func collapseStatusRuns(events []Envelope) []Envelope {
	out := events[:0]
	for _, ev := range events {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if ev.Type() == "toolStatus" && prev.Type() == "toolStatus" &&
				ev.ConversationID() == prev.ConversationID() &&
				ev.ToolID() != "" && ev.ToolID() == prev.ToolID() {
				out[len(out)-1] = ev
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}
