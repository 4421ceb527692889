package session

import (
	"context"
	"sort"

	"github.com/youruser/loom/internal/llm"
)

// Session is one conversation's full mutable state, independent of whether
// its tab is focused. All mutation happens on the owning event loop; the
// struct itself is not synchronized.
type Session struct {
	ConversationID string

	// Turns is an ordered window of the conversation, not necessarily from
	// turn zero. WindowStart is the absolute index of Turns[0].
	Turns       []*Turn
	WindowStart int

	// currentIdx indexes the in-progress assistant turn within Turns, or -1.
	currentIdx int

	// Invocations mirrors every functionCall part by id.
	Invocations map[string]*ToolInvocation

	Checkpoints []llm.Checkpoint

	// Inline-marker detection state (see Ingest).
	markerBuf  string
	markerKind markerKind
	carry      string // delta suffix that is a true prefix of a start marker

	cancel context.CancelFunc
}

// New creates an empty session for a conversation.
func New(conversationID string) *Session {
	return &Session{
		ConversationID: conversationID,
		currentIdx:     -1,
		Invocations:    make(map[string]*ToolInvocation),
	}
}

// Current returns the in-progress assistant turn, or nil.
func (s *Session) Current() *Turn {
	if s.currentIdx < 0 || s.currentIdx >= len(s.Turns) {
		return nil
	}
	return s.Turns[s.currentIdx]
}

// Streaming reports whether an assistant turn is in progress.
func (s *Session) Streaming() bool {
	return s.Current() != nil
}

// AppendUserTurn records a user message as a completed turn.
func (s *Session) AppendUserTurn(text string) *Turn {
	t := &Turn{
		Role:          RoleUser,
		AbsoluteIndex: s.nextAbsoluteIndex(),
	}
	t.appendText(text, false)
	s.Turns = append(s.Turns, t)
	return t
}

// BeginAssistantTurn opens a streaming assistant turn. If one is already in
// progress it is returned unchanged.
func (s *Session) BeginAssistantTurn() *Turn {
	if cur := s.Current(); cur != nil {
		return cur
	}
	t := &Turn{
		Role:          RoleAssistant,
		Streaming:     true,
		AbsoluteIndex: s.nextAbsoluteIndex(),
	}
	s.Turns = append(s.Turns, t)
	s.currentIdx = len(s.Turns) - 1
	return t
}

// FinishTurn closes the in-progress assistant turn, flushing any buffered
// marker text first. A session with no open turn is left unchanged.
func (s *Session) FinishTurn() {
	cur := s.Current()
	if cur == nil {
		return
	}
	s.FlushMarker()
	cur.Streaming = false
	s.currentIdx = -1
}

func (s *Session) nextAbsoluteIndex() int {
	return s.WindowStart + len(s.Turns)
}

// SetCancel stores the abort function for the session's active stream.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.cancel = cancel
}

// Cancel aborts the active stream, marks running and pending invocations in
// the in-progress turn as errored, and clears streaming state. Cancelling a
// session with nothing in flight is a no-op.
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	cur := s.Current()
	if cur == nil {
		return
	}
	for _, p := range cur.Parts {
		if p.Type != PartFunctionCall {
			continue
		}
		inv, ok := s.Invocations[p.Call.ID]
		if !ok {
			continue
		}
		if inv.Status == StatusRunning || inv.Status == StatusPending {
			inv.Status = StatusError
		}
	}
	s.FinishTurn()
}

// SetInvocationStatus transitions one invocation. authoritative marks a user
// decision or backend signal; only those may move pending to running.
func (s *Session) SetInvocationStatus(id string, status InvocationStatus, authoritative bool) error {
	inv, ok := s.Invocations[id]
	if !ok {
		return ErrInvocationNotFound
	}
	return inv.advance(status, authoritative)
}

// Invocation returns the denormalized entry for a call id, or nil.
func (s *Session) Invocation(id string) *ToolInvocation {
	return s.Invocations[id]
}

// AppendResponse records a tool result part on the current turn.
func (s *Session) AppendResponse(id, name string, response map[string]any) {
	t := s.BeginAssistantTurn()
	t.Parts = append(t.Parts, Part{
		Type:     PartFunctionResponse,
		Response: &FunctionResponse{ID: id, Name: name, Response: response},
	})
	if inv, ok := s.Invocations[id]; ok && !inv.Terminal() {
		inv.Status = StatusSuccess
	}
}

// MergeCheckpoints folds checkpoint records into the session's set, replacing
// entries with matching ids and keeping the newest `limit` records.
// limit <= 0 means unlimited.
func (s *Session) MergeCheckpoints(records []llm.Checkpoint, limit int) {
	byID := make(map[string]int, len(s.Checkpoints))
	for i, cp := range s.Checkpoints {
		byID[cp.ID] = i
	}
	for _, cp := range records {
		if i, ok := byID[cp.ID]; ok {
			s.Checkpoints[i] = cp
			continue
		}
		byID[cp.ID] = len(s.Checkpoints)
		s.Checkpoints = append(s.Checkpoints, cp)
	}
	sort.SliceStable(s.Checkpoints, func(i, j int) bool {
		return s.Checkpoints[i].Created.After(s.Checkpoints[j].Created)
	})
	if limit > 0 && len(s.Checkpoints) > limit {
		s.Checkpoints = s.Checkpoints[:limit]
	}
}

// Clone returns a deep copy of the session's mutable state. Snapshots taken
// for inactive tabs must not alias the live session, or a background mutation
// would corrupt the restored state.
func (s *Session) Clone() *Session {
	out := &Session{
		ConversationID: s.ConversationID,
		WindowStart:    s.WindowStart,
		currentIdx:     s.currentIdx,
		Invocations:    make(map[string]*ToolInvocation, len(s.Invocations)),
		markerBuf:      s.markerBuf,
		markerKind:     s.markerKind,
		carry:          s.carry,
		cancel:         s.cancel,
	}
	out.Turns = make([]*Turn, len(s.Turns))
	for i, t := range s.Turns {
		ct := &Turn{
			Role:          t.Role,
			Streaming:     t.Streaming,
			AbsoluteIndex: t.AbsoluteIndex,
		}
		ct.Parts = make([]Part, len(t.Parts))
		for j, p := range t.Parts {
			ct.Parts[j] = clonePart(p)
		}
		out.Turns[i] = ct
	}
	for id, inv := range s.Invocations {
		out.Invocations[id] = inv.clone()
	}
	out.Checkpoints = append([]llm.Checkpoint(nil), s.Checkpoints...)
	return out
}
