// Package confirm tracks destructive tool calls awaiting user approval and
// resumes the conversation exactly once when every pending edit is resolved.
package confirm

import (
	"strings"

	"github.com/youruser/loom/internal/diff"
	"github.com/youruser/loom/internal/logging"
)

// State of the per-session confirmation machine.
type State string

const (
	StateIdle            State = "idle"
	StateAwaitingBackend State = "awaiting-backend-list"
	StateUserProcessing  State = "user-processing"
	StateResolved        State = "resolved"
)

// Decision is a recorded user choice for one tool call.
type Decision struct {
	Accepted   bool
	Annotation string
}

// ResumeFunc sends the continue call for a conversation, carrying held
// annotation text. It is invoked at most once per confirmation round and must
// report the outcome through done, on the owning event loop.
type ResumeFunc func(annotation string, done func(error))

// Coordinator runs the confirmation workflow for one conversation. The
// backend's required-id list and the locally polled pending-diff set become
// available at different times; resuming before BOTH agree duplicates the
// continue request, so resolution requires every required id decided AND an
// observed empty poll set.
//
// All methods are called from the owning event loop; the in-flight guard
// exists because two triggers on that loop (the backend list arriving and a
// user action completing) can both evaluate the transition in one tick.
type Coordinator struct {
	conversationID string
	resume         ResumeFunc
	log            *logging.Logger

	state       State
	required    map[string]bool
	decisions   map[string]Decision
	annotations []string
	pollKnown   bool // at least one poll round-trip observed this round
	pollEmpty   bool
	inFlight    bool

	needAnnotation bool
}

// New creates an idle coordinator for a conversation.
func New(conversationID string, resume ResumeFunc, log *logging.Logger) *Coordinator {
	return &Coordinator{
		conversationID: conversationID,
		resume:         resume,
		log:            log,
		state:          StateIdle,
		required:       make(map[string]bool),
		decisions:      make(map[string]Decision),
	}
}

// State returns the machine's current state.
func (c *Coordinator) State() State {
	return c.state
}

// SetRequired installs the backend-authoritative set of tool ids needing
// confirmation. Arriving ids accumulate; a decision recorded before its id
// was announced still counts.
func (c *Coordinator) SetRequired(toolIDs []string, needAnnotation bool) {
	if len(toolIDs) == 0 {
		return
	}
	for _, id := range toolIDs {
		c.required[id] = true
	}
	if needAnnotation {
		c.needAnnotation = true
	}
	if c.state == StateIdle {
		c.state = StateAwaitingBackend
	}
	c.log.Debug("confirm[%s]: backend requires %d confirmation(s)", c.conversationID, len(c.required))
	c.maybeResume()
}

// RecordDecision stores a user accept/reject for one tool id (explicit action
// or an externally detected manual save).
func (c *Coordinator) RecordDecision(toolID string, accepted bool, annotation string) {
	c.decisions[toolID] = Decision{Accepted: accepted, Annotation: annotation}
	if annotation != "" {
		c.annotations = append(c.annotations, annotation)
	}
	if c.state == StateIdle || c.state == StateAwaitingBackend {
		c.state = StateUserProcessing
	}
	c.maybeResume()
}

// ObservePending feeds one poll round-trip's pending set for this
// conversation.
func (c *Coordinator) ObservePending(pending []diff.Pending) {
	if c.state == StateIdle || c.state == StateResolved {
		return
	}
	c.pollKnown = true
	c.pollEmpty = true
	for _, p := range pending {
		if p.ConversationID == c.conversationID {
			c.pollEmpty = false
			break
		}
	}
	c.maybeResume()
}

// Waiting reports whether a confirmation round is in progress.
func (c *Coordinator) Waiting() bool {
	return c.state == StateAwaitingBackend || c.state == StateUserProcessing
}

// NeedAnnotation reports whether the backend asked for annotation text on the
// eventual continue.
func (c *Coordinator) NeedAnnotation() bool {
	return c.needAnnotation
}

// ReleaseGuard re-arms the resume guard. Called on any terminal stream event
// (success, cancel, or error) so a failed resume can be retried.
func (c *Coordinator) ReleaseGuard() {
	c.inFlight = false
}

// Reset clears all per-session diff bookkeeping, including the resume guard.
// A later confirmation round on the same stream starts from a clean machine.
func (c *Coordinator) Reset() {
	c.state = StateIdle
	c.required = make(map[string]bool)
	c.decisions = make(map[string]Decision)
	c.annotations = nil
	c.pollKnown = false
	c.pollEmpty = false
	c.inFlight = false
	c.needAnnotation = false
}

// maybeResume fires the continue call when, and only when, both sources
// confirm resolution. Either condition alone is insufficient.
func (c *Coordinator) maybeResume() {
	if c.state != StateUserProcessing || c.inFlight {
		return
	}
	if len(c.required) == 0 {
		return
	}
	for id := range c.required {
		if _, ok := c.decisions[id]; !ok {
			return
		}
	}
	if !c.pollKnown || !c.pollEmpty {
		return
	}

	c.inFlight = true
	c.state = StateResolved
	annotation := strings.Join(c.annotations, "\n")

	c.log.Debug("confirm[%s]: all confirmations resolved, resuming", c.conversationID)
	c.resume(annotation, c.resumeDone)
}

// resumeDone receives the resume outcome on the event loop.
func (c *Coordinator) resumeDone(err error) {
	if err != nil {
		// Guard stays held until a terminal stream event releases it, so
		// a concurrent trigger cannot double-send; the retry happens on
		// the next decision/poll after ReleaseGuard.
		c.log.Error("confirm[%s]: resume failed: %v", c.conversationID, err)
		c.state = StateUserProcessing
		return
	}
	c.Reset()
}
