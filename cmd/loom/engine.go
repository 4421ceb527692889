package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/youruser/loom/internal/config"
	"github.com/youruser/loom/internal/confirm"
	"github.com/youruser/loom/internal/diff"
	"github.com/youruser/loom/internal/dispatch"
	"github.com/youruser/loom/internal/llm"
	"github.com/youruser/loom/internal/logging"
	"github.com/youruser/loom/internal/tabs"
)

// Engine owns all conversation state. A single goroutine (Run) consumes jobs
// posted from the stdin reader, the transport consumers, and the diff poller;
// every session mutation happens inside a job, so no session-level locking
// exists anywhere.
type Engine struct {
	cfg       *config.Config
	log       *logging.Logger
	transport llm.Transport
	registry  *diff.Registry

	out   io.Writer
	outMu sync.Mutex

	tabs   *tabs.Manager
	sched  *dispatch.Scheduler
	coords map[string]*confirm.Coordinator

	// streams tracks the in-flight model request per conversation.
	streams map[string]*stream

	// toolDiff/diffTool map confirmable tool calls to their staged diffs.
	toolDiff map[string]string
	diffTool map[string]string

	jobs     chan func()
	deferred []func()
}

type stream struct {
	requestID string
	cancel    context.CancelFunc
	cancelled bool
	tokens    int
}

// NewEngine wires the event loop, dispatcher, and tab manager. Run must be
// started before Handle or Post are called.
func NewEngine(cfg *config.Config, transport llm.Transport, registry *diff.Registry, out io.Writer, log *logging.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		log:       log,
		transport: transport,
		registry:  registry,
		out:       out,
		coords:    make(map[string]*confirm.Coordinator),
		streams:   make(map[string]*stream),
		toolDiff:  make(map[string]string),
		diffTool:  make(map[string]string),
		jobs:      make(chan func(), 256),
	}
	e.sched = dispatch.New(dispatch.SinkFunc(e.sendEnvelope), e.deferTick, log)
	e.tabs = tabs.New(cfg.UI.MaxTabs, e.ingestEvent, log)
	return e
}

// Run consumes posted jobs until ctx is cancelled. Deferred callbacks queued
// during a job (the dispatcher's end-of-tick flush) run after that job and
// before the next one.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.jobs:
			job()
			e.runDeferred()
		}
	}
}

// Post hands a job to the loop goroutine. Safe from any goroutine.
func (e *Engine) Post(job func()) {
	e.jobs <- job
}

// deferTick schedules fn for the end of the current job. Only valid from the
// loop goroutine.
func (e *Engine) deferTick(fn func()) {
	e.deferred = append(e.deferred, fn)
}

func (e *Engine) runDeferred() {
	for len(e.deferred) > 0 {
		batch := e.deferred
		e.deferred = nil
		for _, fn := range batch {
			fn()
		}
	}
}

// Handle posts one raw protocol line onto the loop.
func (e *Engine) Handle(line string) {
	e.Post(func() { e.handleRequest(line) })
}

func (e *Engine) handleRequest(line string) {
	var req map[string]any
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		e.log.Error("Invalid JSON request: %s", line)
		e.respond("", map[string]any{"type": "error", "message": "Invalid JSON"})
		return
	}

	action, _ := req["action"].(string)
	e.log.Request(action, line)
	reqID := requestID(req)

	// Every request id is answered exactly once, even on a panic inside a
	// handler; a dropped correlation id deadlocks the caller.
	answered := false
	reply := func(data map[string]any) {
		answered = true
		e.respond(reqID, data)
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic handling %q: %v", action, r)
			if !answered {
				e.respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("internal error: %v", r)})
			}
		}
	}()

	switch action {
	case "ping":
		reply(map[string]any{"type": "ok"})

	case "version":
		reply(map[string]any{"type": "version", "version": versionString()})

	case "tab_new":
		tab, err := e.tabs.Create()
		if err != nil {
			reply(errorResponse(err))
			return
		}
		reply(map[string]any{"type": "ok", "tab": tab})

	case "tab_switch":
		id, _ := req["id"].(string)
		if id == "" {
			reply(map[string]any{"type": "error", "message": "Missing required field: id"})
			return
		}
		if err := e.tabs.Switch(id); err != nil {
			reply(errorResponse(err))
			return
		}
		reply(map[string]any{"type": "ok"})

	case "tab_close":
		id, _ := req["id"].(string)
		if id == "" {
			id = e.tabs.ActiveTab().ID
		}
		if err := e.tabs.Close(id); err != nil {
			reply(errorResponse(err))
			return
		}
		reply(map[string]any{"type": "ok", "active": e.tabs.ActiveTab().ID})

	case "tab_list":
		reply(map[string]any{
			"type":   "tab_list",
			"tabs":   e.tabs.List(),
			"active": e.tabs.ActiveTab().ID,
		})

	case "send":
		e.handleSend(reqID, req)

	case "cancel":
		e.handleCancel(reqID, req)

	case "diff_decision":
		e.handleDiffDecision(reqID, req)

	case "diff_local_done":
		e.handleDiffLocalDone(reqID, req)

	case "pending_diffs":
		e.handlePendingDiffs(reqID)

	default:
		reply(map[string]any{"type": "error", "message": "Unknown action: " + action})
	}
}

// coordinator returns the confirmation coordinator for a conversation,
// creating it on first use. Coordinators are keyed by conversation id, not
// tab id, so the confirmation flow survives tab switches.
func (e *Engine) coordinator(conversationID string) *confirm.Coordinator {
	c, ok := e.coords[conversationID]
	if !ok {
		// Continue blocks on the network, so it runs off the loop; the
		// outcome posts back so the coordinator's bookkeeping stays
		// single-threaded.
		c = confirm.New(conversationID, func(annotation string, done func(error)) {
			go func() {
				err := e.transport.Continue(context.Background(), conversationID, annotation)
				e.Post(func() { done(err) })
			}()
		}, e.log)
		e.coords[conversationID] = c
	}
	return c
}

// observePending fans one poll result to every coordinator. Each filters to
// its own conversation.
func (e *Engine) observePending(pending []diff.Pending) {
	for _, c := range e.coords {
		c.ObservePending(pending)
	}
}

func (e *Engine) sendEnvelope(env dispatch.Envelope) {
	e.writeLine(map[string]any(env))
}

func (e *Engine) respond(reqID string, data map[string]any) {
	e.writeLine(addResponseID(reqID, data))
	if msgType, ok := data["type"].(string); ok {
		e.log.Response(msgType, "")
	}
}

func (e *Engine) writeLine(v map[string]any) {
	out, err := json.Marshal(v)
	if err != nil {
		e.log.Error("marshal response: %v", err)
		return
	}
	e.outMu.Lock()
	defer e.outMu.Unlock()
	fmt.Fprintln(e.out, string(out))
}

func errorResponse(err error) map[string]any {
	var msg string
	switch {
	case errors.Is(err, config.ErrNoAPIKey):
		msg = "API key not set. Add llm.api_key to ~/.config/loom/config.toml or set LOOM_LLM_API_KEY."
	case errors.Is(err, tabs.ErrTooManyTabs):
		msg = "Tab limit reached"
	case errors.Is(err, tabs.ErrNoSuchTab):
		msg = "No such tab"
	case errors.Is(err, diff.ErrNotPending):
		msg = "Diff already resolved"
	default:
		msg = err.Error()
	}
	return map[string]any{"type": "error", "message": msg}
}

func addResponseID(reqID string, data map[string]any) map[string]any {
	if reqID == "" {
		return data
	}
	data["request_id"] = reqID
	return data
}

func requestID(req map[string]any) string {
	switch v := req["request_id"].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}
