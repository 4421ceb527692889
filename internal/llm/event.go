package llm

import (
	"context"
	"time"
)

// EventKind discriminates inbound transport events.
type EventKind string

const (
	EventChunk                EventKind = "chunk"
	EventToolsExecuting       EventKind = "toolsExecuting"
	EventToolStatus           EventKind = "toolStatus"
	EventAwaitingConfirmation EventKind = "awaitingConfirmation"
	EventToolIteration        EventKind = "toolIteration"
	EventComplete             EventKind = "complete"
	EventCheckpoints          EventKind = "checkpoints"
	EventCancelled            EventKind = "cancelled"
	EventError                EventKind = "error"
)

// CallDelta is one native structured fragment of a tool call. A provider may
// split a single call across many deltas: the first often carries {name, id},
// later ones argument text with neither field repeated.
type CallDelta struct {
	ID          string         `json:"id,omitempty"`
	Index       *int           `json:"index,omitempty"`
	Name        string         `json:"name,omitempty"`
	Args        map[string]any `json:"args,omitempty"`         // complete parsed arguments
	PartialArgs string         `json:"partial_args,omitempty"` // raw argument text fragment
}

// StatusUpdate reports a single invocation's status change.
type StatusUpdate struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Checkpoint is a conversation checkpoint record pushed by the backend.
type Checkpoint struct {
	ID      string    `json:"id"`
	Label   string    `json:"label,omitempty"`
	Created time.Time `json:"created"`
}

// Event is one inbound transport event. Exactly one payload group is set,
// selected by Kind. Unknown kinds must be ignored by consumers (the protocol
// is expected to grow new kinds).
type Event struct {
	Kind EventKind `json:"kind"`

	// EventChunk: either a text/thought delta or a native tool-call fragment.
	Text    string     `json:"text,omitempty"`
	Thought bool       `json:"thought,omitempty"`
	Call    *CallDelta `json:"call,omitempty"`

	// EventToolsExecuting: ids of the calls that have begun running.
	ToolIDs []string `json:"tool_ids,omitempty"`

	// EventToolStatus.
	Status *StatusUpdate `json:"status,omitempty"`

	// EventToolIteration: a full turn completed mid-conversation. The backend
	// may attach the set of destructive calls requiring confirmation and a
	// request for an annotation on the eventual continue.
	RequiredDiffToolIDs []string `json:"required_diff_tool_ids,omitempty"`
	NeedAnnotation      bool     `json:"need_annotation,omitempty"`

	// EventCheckpoints.
	Checkpoints []Checkpoint `json:"checkpoints,omitempty"`

	// EventError.
	Message string `json:"message,omitempty"`
}

// Iterator yields transport events for one request. Next blocks until the
// next event arrives, the stream ends (io.EOF), or ctx is cancelled.
type Iterator interface {
	Next(ctx context.Context) (Event, error)
}

// Transport is the model-serving boundary. Retry and wire details live behind
// it; the core only consumes the event iterator and issues continue calls.
type Transport interface {
	// Stream starts a model request for one conversation and returns the
	// event iterator for its response.
	Stream(ctx context.Context, conversationID, prompt string) (Iterator, error)
	// Continue resumes a conversation paused on a tool iteration, carrying
	// any held annotation text.
	Continue(ctx context.Context, conversationID, annotation string) error
}
