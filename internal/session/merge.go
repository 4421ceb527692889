package session

import (
	"encoding/json"

	"github.com/lithammer/shortuuid/v4"

	"github.com/youruser/loom/internal/llm"
)

// MergeCallDelta reconciles one native structured tool-call delta into the
// in-progress assistant turn. The merge candidate is always the most
// recently appended functionCall part; eligibility is checked in priority
// order:
//
//  1. both carry the same non-empty id
//  2. same index while the candidate is mid-stream (has partialArgs) and the
//     delta brings more partialArgs or complete args
//  3. neither side has an id or index, candidate mid-stream
//  4. fresh-tool heuristic: the candidate is a just-created stub (no args at
//     all) and the delta carries id-less partialArgs. This reconciles
//     providers whose first chunk announces {name, id} and whose second
//     supplies argument text with neither field repeated.
//
// A delta matching none of the rules opens a new functionCall part.
func (s *Session) MergeCallDelta(delta llm.CallDelta) {
	t := s.BeginAssistantTurn()
	candidate := t.LastCall()

	if candidate != nil && mergeEligible(candidate, delta) {
		s.mergeInto(candidate, delta)
		return
	}
	s.appendCall(t, delta)
}

func mergeEligible(candidate *FunctionCall, delta llm.CallDelta) bool {
	// Rule 1: same id. An id-bearing delta either names the candidate or
	// belongs to a different call; the later rules assume id-less deltas.
	if delta.ID != "" {
		return !candidate.Synthetic && candidate.ID == delta.ID
	}

	// Deltas and candidates that both carry an index must agree on it for
	// any of the remaining rules.
	if delta.Index != nil && candidate.Index != nil && *candidate.Index != *delta.Index {
		return false
	}

	// Rule 2: same index with partial state.
	if delta.Index != nil && candidate.Index != nil &&
		candidate.PartialArgs != "" &&
		(delta.PartialArgs != "" || delta.Args != nil) {
		return true
	}

	// Rule 3: legacy partial, no id and no index on either side.
	if delta.Index == nil && candidate.Synthetic && candidate.Index == nil && candidate.PartialArgs != "" {
		return true
	}

	// Rule 4: fresh-tool heuristic.
	return candidate.PartialArgs == "" && len(candidate.Args) == 0 && delta.PartialArgs != ""
}

func (s *Session) mergeInto(call *FunctionCall, delta llm.CallDelta) {
	if delta.Name != "" {
		call.Name = delta.Name
	}
	if delta.Index != nil && call.Index == nil {
		idx := *delta.Index
		call.Index = &idx
	}

	if delta.PartialArgs != "" {
		call.PartialArgs += delta.PartialArgs
		// A failed parse just means more fragments are coming; a successful
		// one means the argument object is complete, so the accumulation
		// ends and a later call reusing this index opens a fresh part.
		if parsed, ok := tryParseArgs(call.PartialArgs); ok {
			call.Args = parsed
			call.PartialArgs = ""
		}
	}
	if delta.Args != nil {
		// Complete args end the partial accumulation; clearing partialArgs
		// also stops a later call reusing this index from merging in here.
		call.Args = delta.Args
		call.PartialArgs = ""
	}

	s.trackCall(call, StatusStreaming)
}

func (s *Session) appendCall(t *Turn, delta llm.CallDelta) {
	call := &FunctionCall{
		ID:          delta.ID,
		Name:        delta.Name,
		Args:        delta.Args,
		PartialArgs: delta.PartialArgs,
	}
	if delta.Index != nil {
		idx := *delta.Index
		call.Index = &idx
	}
	if call.ID == "" {
		call.ID = "call-" + shortuuid.New()
		call.Synthetic = true
	}
	if call.Args == nil && call.PartialArgs != "" {
		if parsed, ok := tryParseArgs(call.PartialArgs); ok {
			call.Args = parsed
			call.PartialArgs = ""
		}
	}

	t.Parts = append(t.Parts, Part{Type: PartFunctionCall, Call: call})

	status := StatusQueued
	if call.PartialArgs != "" {
		status = StatusStreaming
	}
	s.trackCall(call, status)
}

func tryParseArgs(raw string) (map[string]any, bool) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}
