package confirm

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youruser/loom/internal/diff"
	"github.com/youruser/loom/internal/logging"
)

type resumeRecorder struct {
	calls       int
	annotations []string
	err         error
}

func (r *resumeRecorder) resume(annotation string, done func(error)) {
	r.calls++
	r.annotations = append(r.annotations, annotation)
	done(r.err)
}

func newCoordinator(t *testing.T) (*Coordinator, *resumeRecorder) {
	t.Helper()
	rec := &resumeRecorder{}
	return New("conv-1", rec.resume, logging.Nop()), rec
}

func pendingFor(conv string, n int) []diff.Pending {
	out := make([]diff.Pending, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, diff.Pending{ID: "d", ConversationID: conv, Status: diff.StatusPending})
	}
	return out
}

func TestResumeNeedsBothSources(t *testing.T) {
	c, rec := newCoordinator(t)

	c.SetRequired([]string{"tool-1"}, false)
	assert.Equal(t, StateAwaitingBackend, c.State())

	// Decision alone is not enough: no poll observed yet.
	c.RecordDecision("tool-1", true, "")
	assert.Equal(t, 0, rec.calls)

	// A poll that still shows a pending diff holds resumption.
	c.ObservePending(pendingFor("conv-1", 1))
	assert.Equal(t, 0, rec.calls)

	// Empty poll completes the second source.
	c.ObservePending(nil)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, StateIdle, c.State())
}

func TestResumeExactlyOnce(t *testing.T) {
	c, rec := newCoordinator(t)
	c.SetRequired([]string{"tool-1", "tool-2"}, false)

	c.ObservePending(nil)
	c.RecordDecision("tool-1", true, "")
	assert.Equal(t, 0, rec.calls, "one of two decisions must not resume")

	c.RecordDecision("tool-2", false, "")
	require.Equal(t, 1, rec.calls)

	// Redundant triggers after resolution stay quiet.
	c.ObservePending(nil)
	c.RecordDecision("tool-2", false, "")
	assert.Equal(t, 1, rec.calls)
}

func TestDecisionBeforeBackendList(t *testing.T) {
	c, rec := newCoordinator(t)

	// Backend list and user action race; the decision can land first.
	c.RecordDecision("tool-1", true, "")
	c.ObservePending(nil)
	assert.Equal(t, 0, rec.calls)

	c.SetRequired([]string{"tool-1"}, false)
	c.ObservePending(nil)
	assert.Equal(t, 1, rec.calls)
}

func TestAnnotationsJoined(t *testing.T) {
	c, rec := newCoordinator(t)
	c.SetRequired([]string{"a", "b"}, true)
	assert.True(t, c.NeedAnnotation())

	c.RecordDecision("a", false, "keep the old header")
	c.RecordDecision("b", true, "")
	c.ObservePending(nil)

	require.Equal(t, 1, rec.calls)
	assert.Equal(t, "keep the old header", rec.annotations[0])
}

func TestFailedResumeRetriesAfterGuardRelease(t *testing.T) {
	rec := &resumeRecorder{err: errors.New("backend unavailable")}
	c := New("conv-1", rec.resume, logging.Nop())

	c.SetRequired([]string{"tool-1"}, false)
	c.RecordDecision("tool-1", true, "")
	c.ObservePending(nil)
	require.Equal(t, 1, rec.calls)
	assert.Equal(t, StateUserProcessing, c.State())

	// The guard is still held; further triggers cannot double-send.
	c.ObservePending(nil)
	assert.Equal(t, 1, rec.calls)

	rec.err = nil
	c.ReleaseGuard()
	c.ObservePending(nil)
	assert.Equal(t, 2, rec.calls)
	assert.Equal(t, StateIdle, c.State())
}

func TestSecondRoundOnSameStream(t *testing.T) {
	c, rec := newCoordinator(t)

	// First confirmation round resolves normally.
	c.SetRequired([]string{"tool-1"}, false)
	c.RecordDecision("tool-1", true, "")
	c.ObservePending(nil)
	require.Equal(t, 1, rec.calls)
	require.Equal(t, StateIdle, c.State())

	// The continuation requests another edit on the same open stream. The
	// second round must resume too.
	c.SetRequired([]string{"tool-2"}, false)
	c.RecordDecision("tool-2", true, "")
	c.ObservePending(nil)
	assert.Equal(t, 2, rec.calls)
	assert.Equal(t, StateIdle, c.State())
}

func TestPendingFromOtherConversationIgnored(t *testing.T) {
	c, rec := newCoordinator(t)
	c.SetRequired([]string{"tool-1"}, false)
	c.RecordDecision("tool-1", true, "")

	c.ObservePending(pendingFor("conv-other", 2))
	assert.Equal(t, 1, rec.calls, "foreign pending diffs must not block this conversation")
}

func TestPollDeliversToLoop(t *testing.T) {
	reg := diff.NewRegistry()
	reg.Stage("conv-1", "/tmp/a.txt", "old", "new")

	var got []diff.Pending
	posted := make(chan func(), 1)
	p := NewPoller(reg, 10*time.Millisecond, func(fn func()) { posted <- fn }, func(pending []diff.Pending) { got = pending }, logging.Nop())

	require.NoError(t, p.poll(context.Background()))
	(<-posted)()
	require.Len(t, got, 1)
	assert.Equal(t, "/tmp/a.txt", got[0].FilePath)
}

type failingApplier struct{}

func (failingApplier) ListPending(context.Context) ([]diff.Pending, error) {
	return nil, errors.New("socket closed")
}
func (failingApplier) Accept(context.Context, string, string) (bool, error) { return false, nil }
func (failingApplier) Reject(context.Context, string, string) (bool, error) { return false, nil }
func (failingApplier) Revert(context.Context, string) error                 { return nil }

func TestPollFailureIsNonFatal(t *testing.T) {
	p := NewPoller(failingApplier{}, time.Second, func(fn func()) { fn() }, func([]diff.Pending) {
		t.Fatal("observe must not run on a failed poll")
	}, logging.Nop())

	err := p.poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list pending diffs")
}
