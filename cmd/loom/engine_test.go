package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youruser/loom/internal/config"
	"github.com/youruser/loom/internal/diff"
	"github.com/youruser/loom/internal/llm"
	"github.com/youruser/loom/internal/logging"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

// lines decodes every complete JSON line written so far.
func (s *syncBuffer) lines() []map[string]any {
	s.mu.Lock()
	raw := s.b.String()
	s.mu.Unlock()

	var out []map[string]any
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (s *syncBuffer) find(match func(map[string]any) bool) (map[string]any, bool) {
	for _, m := range s.lines() {
		if match(m) {
			return m, true
		}
	}
	return nil, false
}

func (s *syncBuffer) hasResponse(reqID, msgType string) func() bool {
	return func() bool {
		_, ok := s.find(func(m map[string]any) bool {
			return m["request_id"] == reqID && m["type"] == msgType
		})
		return ok
	}
}

type fakeTransport struct {
	mu        sync.Mutex
	events    []llm.Event
	streamErr error
	block     bool
	continues int
	continued []string
}

type blockingIterator struct{}

func (blockingIterator) Next(ctx context.Context) (llm.Event, error) {
	<-ctx.Done()
	return llm.Event{}, ctx.Err()
}

func (f *fakeTransport) Stream(ctx context.Context, conversationID, prompt string) (llm.Iterator, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	if f.block {
		return blockingIterator{}, nil
	}
	return llm.NewSliceIterator(f.events), nil
}

func (f *fakeTransport) Continue(ctx context.Context, conversationID, annotation string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continues++
	f.continued = append(f.continued, conversationID)
	return nil
}

func (f *fakeTransport) lastContinued() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.continued) == 0 {
		return ""
	}
	return f.continued[len(f.continued)-1]
}

func (f *fakeTransport) continueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.continues
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	cfg.LLM.APIKey = "sk-test"
	return cfg
}

func startEngine(t *testing.T, tr llm.Transport) (*Engine, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	e := NewEngine(testConfig(t), tr, diff.NewRegistry(), buf, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)
	return e, buf
}

// onLoop runs fn on the engine goroutine and waits for it, so tests can read
// loop-owned state without racing.
func onLoop(e *Engine, fn func()) {
	done := make(chan struct{})
	e.Post(func() {
		fn()
		close(done)
	})
	<-done
}

func send(e *Engine, req map[string]any) {
	line, _ := json.Marshal(req)
	e.Handle(string(line))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestPing(t *testing.T) {
	e, buf := startEngine(t, &fakeTransport{})
	send(e, map[string]any{"action": "ping", "request_id": "r1"})
	waitFor(t, buf.hasResponse("r1", "ok"), "ping response")
}

func TestVersion(t *testing.T) {
	e, buf := startEngine(t, &fakeTransport{})
	send(e, map[string]any{"action": "version", "request_id": "r1"})
	waitFor(t, buf.hasResponse("r1", "version"), "version response")
}

func TestInvalidJSONAnswered(t *testing.T) {
	e, buf := startEngine(t, &fakeTransport{})
	e.Handle("{not json")
	waitFor(t, func() bool {
		_, ok := buf.find(func(m map[string]any) bool {
			return m["type"] == "error" && m["message"] == "Invalid JSON"
		})
		return ok
	}, "invalid JSON error")
}

func TestUnknownActionAnswered(t *testing.T) {
	e, buf := startEngine(t, &fakeTransport{})
	send(e, map[string]any{"action": "frobnicate", "request_id": "r1"})
	waitFor(t, buf.hasResponse("r1", "error"), "unknown action must still answer the request id")
}

func TestNumericRequestID(t *testing.T) {
	e, buf := startEngine(t, &fakeTransport{})
	send(e, map[string]any{"action": "ping", "request_id": 7})
	waitFor(t, buf.hasResponse("7", "ok"), "numeric request ids are stringified")
}

func TestTabLifecycle(t *testing.T) {
	e, buf := startEngine(t, &fakeTransport{})

	send(e, map[string]any{"action": "tab_new", "request_id": "new"})
	waitFor(t, buf.hasResponse("new", "ok"), "tab_new")

	send(e, map[string]any{"action": "tab_list", "request_id": "list"})
	waitFor(t, buf.hasResponse("list", "tab_list"), "tab_list")
	resp, _ := buf.find(func(m map[string]any) bool { return m["request_id"] == "list" })
	assert.Len(t, resp["tabs"], 2)

	send(e, map[string]any{"action": "tab_switch", "request_id": "bad", "id": "nope"})
	waitFor(t, buf.hasResponse("bad", "error"), "switch to unknown tab")

	send(e, map[string]any{"action": "tab_close", "request_id": "close"})
	waitFor(t, buf.hasResponse("close", "ok"), "tab_close")
}

func TestSendStreamsAndCompletes(t *testing.T) {
	tr := &fakeTransport{events: []llm.Event{
		{Kind: llm.EventChunk, Text: "Hello "},
		{Kind: llm.EventChunk, Text: "world"},
		{Kind: llm.EventComplete},
	}}
	e, buf := startEngine(t, tr)

	send(e, map[string]any{"action": "send", "request_id": "s1", "content": "hi"})
	waitFor(t, buf.hasResponse("s1", "done"), "send completes")

	_, ok := buf.find(func(m map[string]any) bool {
		return m["type"] == "chunk" && m["text"] == "Hello "
	})
	assert.True(t, ok, "chunk envelopes reach the wire")

	var content string
	var turns int
	onLoop(e, func() {
		s := e.tabs.Active()
		turns = len(s.Turns)
		if turns == 2 {
			content = s.Turns[1].Content()
		}
	})
	require.Equal(t, 2, turns, "user turn plus assistant turn")
	assert.Equal(t, "Hello world", content)
}

func TestSendRequiresContent(t *testing.T) {
	e, buf := startEngine(t, &fakeTransport{})
	send(e, map[string]any{"action": "send", "request_id": "s1"})
	waitFor(t, buf.hasResponse("s1", "error"), "missing content")
}

func TestSendRequiresAPIKey(t *testing.T) {
	buf := &syncBuffer{}
	cfg := testConfig(t)
	cfg.LLM.APIKey = ""
	e := NewEngine(cfg, &fakeTransport{}, diff.NewRegistry(), buf, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)

	send(e, map[string]any{"action": "send", "request_id": "s1", "content": "hi"})
	waitFor(t, buf.hasResponse("s1", "error"), "missing api key")
}

func TestSecondSendWhileStreamingRejected(t *testing.T) {
	tr := &fakeTransport{block: true}
	e, buf := startEngine(t, tr)

	send(e, map[string]any{"action": "send", "request_id": "s1", "content": "first"})
	send(e, map[string]any{"action": "send", "request_id": "s2", "content": "second"})
	waitFor(t, buf.hasResponse("s2", "error"), "concurrent send on one conversation rejected")
}

func TestCancelSuppressesAbortError(t *testing.T) {
	tr := &fakeTransport{block: true}
	e, buf := startEngine(t, tr)

	send(e, map[string]any{"action": "send", "request_id": "s1", "content": "hi"})
	send(e, map[string]any{"action": "cancel", "request_id": "c1"})
	waitFor(t, buf.hasResponse("c1", "ok"), "cancel acknowledged")
	waitFor(t, buf.hasResponse("s1", "error"), "send answered after abort")

	resp, _ := buf.find(func(m map[string]any) bool { return m["request_id"] == "s1" })
	assert.Equal(t, "Response aborted by user.", resp["message"])

	// The context abort must not surface as a stream error envelope.
	_, leaked := buf.find(func(m map[string]any) bool {
		return m["type"] == "error" && m["request_id"] == nil
	})
	assert.False(t, leaked)

	_, cancelled := buf.find(func(m map[string]any) bool { return m["type"] == "cancelled" })
	assert.True(t, cancelled, "cancelled envelope reaches the UI")
}

func TestCancelWithoutStreamIsNoop(t *testing.T) {
	e, buf := startEngine(t, &fakeTransport{})
	send(e, map[string]any{"action": "cancel", "request_id": "c1"})
	waitFor(t, buf.hasResponse("c1", "ok"), "idempotent cancel")
	resp, _ := buf.find(func(m map[string]any) bool { return m["request_id"] == "c1" })
	assert.Equal(t, false, resp["cancelled"])
}

func TestStreamErrorPropagates(t *testing.T) {
	tr := &fakeTransport{streamErr: assert.AnError}
	e, buf := startEngine(t, tr)

	send(e, map[string]any{"action": "send", "request_id": "s1", "content": "hi"})
	waitFor(t, buf.hasResponse("s1", "error"), "transport failure answers the request")
}
