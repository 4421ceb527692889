package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/youruser/loom/internal/diff"
	"github.com/youruser/loom/internal/dispatch"
	"github.com/youruser/loom/internal/llm"
	"github.com/youruser/loom/internal/session"
	"github.com/youruser/loom/internal/tools"
)

func (e *Engine) handleSend(reqID string, req map[string]any) {
	content, _ := req["content"].(string)
	if content == "" {
		e.respond(reqID, map[string]any{"type": "error", "message": "Missing required field: content"})
		return
	}
	if err := e.cfg.RequireAPIKey(); err != nil {
		e.respond(reqID, errorResponse(err))
		return
	}

	sess := e.tabs.Active()
	conversationID := sess.ConversationID
	if _, busy := e.streams[conversationID]; busy {
		e.respond(reqID, map[string]any{"type": "error", "message": "Another request is already in progress"})
		return
	}

	sess.AppendUserTurn(content)
	sess.BeginAssistantTurn()

	ctx, cancel := context.WithCancel(context.Background())
	sess.SetCancel(cancel)
	e.streams[conversationID] = &stream{requestID: reqID, cancel: cancel}

	go e.consume(ctx, conversationID, content)
}

// consume reads one model response off the transport and posts every event
// onto the loop. It never touches session state itself.
func (e *Engine) consume(ctx context.Context, conversationID, prompt string) {
	it, err := e.transport.Stream(ctx, conversationID, prompt)
	if err != nil {
		e.Post(func() { e.finishStream(conversationID, err) })
		return
	}
	for {
		ev, err := it.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			finalErr := err
			e.Post(func() { e.finishStream(conversationID, finalErr) })
			return
		}
		event := ev
		e.Post(func() { e.deliver(conversationID, event) })
	}
}

// deliver applies conversation-scoped side effects that must not wait for the
// tab to be focused, then routes the event into the tab manager (immediate
// ingestion or background buffering).
func (e *Engine) deliver(conversationID string, ev llm.Event) {
	switch ev.Kind {
	case llm.EventChunk:
		if st := e.streams[conversationID]; st != nil && ev.Text != "" {
			st.tokens += llm.EstimateTokensSimple(ev.Text)
		}
	case llm.EventToolIteration:
		if len(ev.RequiredDiffToolIDs) > 0 {
			e.coordinator(conversationID).SetRequired(ev.RequiredDiffToolIDs, ev.NeedAnnotation)
		}
	}
	e.tabs.Deliver(conversationID, ev)
}

// finishStream runs once per model request, on the loop, when the transport
// read ends for any reason. It answers the originating send request.
func (e *Engine) finishStream(conversationID string, err error) {
	st := e.streams[conversationID]
	if st == nil {
		return
	}
	delete(e.streams, conversationID)
	st.cancel()
	e.coordinator(conversationID).ReleaseGuard()

	switch {
	case st.cancelled:
		// Abort is not failure: the transport error (if any) is suppressed.
		e.tabs.Deliver(conversationID, llm.Event{Kind: llm.EventCancelled})
		e.respond(st.requestID, map[string]any{"type": "error", "message": "Response aborted by user."})
	case err != nil:
		e.tabs.Deliver(conversationID, llm.Event{Kind: llm.EventError, Message: err.Error()})
		e.respond(st.requestID, errorResponse(err))
	default:
		e.respond(st.requestID, map[string]any{"type": "done", "tokens": st.tokens})
		e.maybeAutoContinue(conversationID, st.tokens)
	}
}

// maybeAutoContinue issues a continue request when a response ended close to
// the token ceiling, so truncated answers finish without a user prompt. Skipped
// while a confirmation round is open; the coordinator owns resumption then.
func (e *Engine) maybeAutoContinue(conversationID string, tokens int) {
	limit := e.cfg.LLM.AutoContinueTokenLimit
	if limit <= 0 || tokens < limit {
		return
	}
	if e.coordinator(conversationID).Waiting() {
		return
	}
	e.log.Info("auto-continue for %s after ~%d tokens", conversationID, tokens)
	go func() {
		if err := e.transport.Continue(context.Background(), conversationID, ""); err != nil {
			e.log.Error("auto-continue failed: %v", err)
		}
	}()
}

// ingestEvent applies one transport event to a session. It runs on the loop,
// both for foreground delivery and for background replay on tab switch.
func (e *Engine) ingestEvent(s *session.Session, ev llm.Event) {
	conversationID := s.ConversationID

	switch ev.Kind {
	case llm.EventChunk:
		if !s.Streaming() {
			s.BeginAssistantTurn()
		}
		if ev.Call != nil {
			s.MergeCallDelta(*ev.Call)
			if call := s.Current().LastCall(); call != nil {
				e.emitToolStatus(conversationID, s.Invocation(call.ID))
			}
			return
		}
		s.Ingest(ev.Text, ev.Thought)
		e.sched.Enqueue(dispatch.Envelope{
			"conversation_id": conversationID,
			"type":            "chunk",
			"text":            ev.Text,
			"thought":         ev.Thought,
		})

	case llm.EventToolsExecuting:
		for _, id := range ev.ToolIDs {
			if err := s.SetInvocationStatus(id, session.StatusRunning, true); err != nil {
				e.log.Debug("toolsExecuting %s: %v", id, err)
			}
		}
		e.sched.Enqueue(dispatch.Envelope{
			"conversation_id": conversationID,
			"type":            "toolsExecuting",
			"tool_ids":        ev.ToolIDs,
		})

	case llm.EventToolStatus:
		if ev.Status == nil {
			return
		}
		next := session.InvocationStatus(ev.Status.Status)
		if err := s.SetInvocationStatus(ev.Status.ID, next, true); err != nil {
			e.log.Debug("toolStatus %s -> %s: %v", ev.Status.ID, next, err)
		}
		e.emitToolStatus(conversationID, s.Invocation(ev.Status.ID))

	case llm.EventAwaitingConfirmation:
		for _, id := range ev.ToolIDs {
			if err := s.SetInvocationStatus(id, session.StatusPending, true); err != nil {
				e.log.Debug("awaitingConfirmation %s: %v", id, err)
			}
		}
		e.sched.Enqueue(dispatch.Envelope{
			"conversation_id": conversationID,
			"type":            "awaitingConfirmation",
			"tool_ids":        ev.ToolIDs,
		})

	case llm.EventToolIteration:
		for _, id := range ev.RequiredDiffToolIDs {
			if err := s.SetInvocationStatus(id, session.StatusPending, true); err != nil {
				e.log.Debug("toolIteration %s: %v", id, err)
			}
			e.stageDiff(s, id)
		}
		s.FinishTurn()
		e.sched.Enqueue(dispatch.Envelope{
			"conversation_id":        conversationID,
			"type":                   "toolIteration",
			"required_diff_tool_ids": ev.RequiredDiffToolIDs,
			"need_annotation":        ev.NeedAnnotation,
		})

	case llm.EventComplete:
		s.FinishTurn()
		e.sched.Enqueue(dispatch.Envelope{
			"conversation_id": conversationID,
			"type":            "complete",
		})

	case llm.EventCheckpoints:
		s.MergeCheckpoints(ev.Checkpoints, e.cfg.UI.CheckpointLimit)
		e.sched.Enqueue(dispatch.Envelope{
			"conversation_id": conversationID,
			"type":            "checkpoints",
			"checkpoints":     s.Checkpoints,
		})

	case llm.EventCancelled:
		s.Cancel()
		e.sched.Enqueue(dispatch.Envelope{
			"conversation_id": conversationID,
			"type":            "cancelled",
		})

	case llm.EventError:
		s.Cancel()
		e.sched.Enqueue(dispatch.Envelope{
			"conversation_id": conversationID,
			"type":            "error",
			"message":         ev.Message,
		})

	default:
		e.log.Debug("ignoring unknown event kind %q", ev.Kind)
	}
}

func (e *Engine) emitToolStatus(conversationID string, inv *session.ToolInvocation) {
	if inv == nil {
		return
	}
	e.sched.Enqueue(dispatch.Envelope{
		"conversation_id": conversationID,
		"type":            "toolStatus",
		"tool_id":         inv.ID,
		"invocation":      inv,
	})
}

// stageDiff registers a confirmable call's proposed file change as a pending
// diff so the editor surface can preview it. Full-content shapes stage the
// proposed content directly; search/replace shapes derive it from the file's
// current base. Calls without a recognizable shape confirm without preview.
func (e *Engine) stageDiff(s *session.Session, toolID string) {
	inv := s.Invocation(toolID)
	if inv == nil || !tools.Destructive(inv.Name) {
		return
	}
	if _, ok := e.toolDiff[toolID]; ok {
		return
	}
	path, _ := inv.Args["path"].(string)
	if path == "" {
		return
	}

	var (
		p   diff.Pending
		err error
	)
	if content, ok := inv.Args["content"].(string); ok && content != "" {
		p = e.registry.Stage(s.ConversationID, path, e.fileBase(path), content)
	} else if oldString, ok := inv.Args["old_string"].(string); ok && oldString != "" {
		newString, _ := inv.Args["new_string"].(string)
		replaceAll, _ := inv.Args["replace_all"].(bool)
		p, err = e.registry.StageReplace(s.ConversationID, path, e.fileBase(path), oldString, newString, replaceAll)
		if err != nil {
			e.log.Error("stage replace for %s: %v", path, err)
			return
		}
	} else {
		return
	}

	e.toolDiff[toolID] = p.ID
	e.diffTool[p.ID] = toolID
	e.log.ToolCall(inv.Name, path)
}

// fileBase returns the content an edit applies on top of. A still-pending
// diff for the same path chains: its proposed content is the new base.
func (e *Engine) fileBase(path string) string {
	if prior, ok := e.registry.FindByPath(path); ok {
		return prior.NewContent
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func (e *Engine) handleCancel(reqID string, req map[string]any) {
	conversationID, _ := req["conversation_id"].(string)
	if conversationID == "" {
		conversationID = e.tabs.Active().ConversationID
	}

	st, ok := e.streams[conversationID]
	if !ok {
		// Cancelling a finished conversation is a no-op, not an error.
		e.respond(reqID, map[string]any{"type": "ok", "cancelled": false})
		return
	}
	st.cancelled = true
	st.cancel()

	if err := e.registry.Revert(context.Background(), conversationID); err != nil {
		e.log.Error("revert pending diffs for %s: %v", conversationID, err)
	}
	e.coordinator(conversationID).Reset()
	e.coordinator(conversationID).ReleaseGuard()

	e.respond(reqID, map[string]any{"type": "ok", "cancelled": true})
}

func (e *Engine) handleDiffDecision(reqID string, req map[string]any) {
	toolID, _ := req["tool_id"].(string)
	if toolID == "" {
		e.respond(reqID, map[string]any{"type": "error", "message": "Missing required field: tool_id"})
		return
	}
	accepted, _ := req["accepted"].(bool)
	annotation, _ := req["annotation"].(string)

	// The decision belongs to the conversation that staged the diff, which is
	// not necessarily the focused tab's.
	conversationID := e.tabs.Active().ConversationID
	if diffID, ok := e.toolDiff[toolID]; ok {
		if p, found := e.registry.Find(diffID); found {
			conversationID = p.ConversationID
		}
		var err error
		if accepted {
			_, err = e.registry.Accept(context.Background(), diffID, annotation)
		} else {
			_, err = e.registry.Reject(context.Background(), diffID, annotation)
		}
		if err != nil {
			e.respond(reqID, errorResponse(err))
			return
		}
	}

	next := session.StatusRunning
	if !accepted {
		next = session.StatusError
	}
	if sess := e.tabs.SessionFor(conversationID); sess != nil {
		if err := sess.SetInvocationStatus(toolID, next, true); err != nil {
			e.log.Debug("diff decision %s: %v", toolID, err)
		}
		e.emitToolStatus(conversationID, sess.Invocation(toolID))
	}

	e.coordinator(conversationID).RecordDecision(toolID, accepted, annotation)
	e.respond(reqID, map[string]any{"type": "ok"})
}

// handleDiffLocalDone maps a manual save in the editor back to its diff and
// treats it as an acceptance.
func (e *Engine) handleDiffLocalDone(reqID string, req map[string]any) {
	path, _ := req["path"].(string)
	if path == "" {
		e.respond(reqID, map[string]any{"type": "error", "message": "Missing required field: path"})
		return
	}

	p, ok := e.registry.FindByPath(path)
	if !ok {
		e.respond(reqID, map[string]any{"type": "error", "message": "No pending diff for path: " + path})
		return
	}
	if _, err := e.registry.Accept(context.Background(), p.ID, ""); err != nil {
		e.respond(reqID, errorResponse(err))
		return
	}

	if toolID, ok := e.diffTool[p.ID]; ok {
		if sess := e.tabs.SessionFor(p.ConversationID); sess != nil {
			if err := sess.SetInvocationStatus(toolID, session.StatusRunning, true); err != nil {
				e.log.Debug("diff local done %s: %v", toolID, err)
			}
			e.emitToolStatus(p.ConversationID, sess.Invocation(toolID))
		}
		e.coordinator(p.ConversationID).RecordDecision(toolID, true, "")
	}
	e.respond(reqID, map[string]any{"type": "ok"})
}

func (e *Engine) handlePendingDiffs(reqID string) {
	all, err := e.registry.ListPending(context.Background())
	if err != nil {
		e.respond(reqID, errorResponse(err))
		return
	}
	conversationID := e.tabs.Active().ConversationID
	mine := make([]diff.Pending, 0, len(all))
	for _, p := range all {
		if p.ConversationID == conversationID {
			mine = append(mine, p)
		}
	}
	e.respond(reqID, map[string]any{"type": "pending_diffs", "diffs": mine})
}
