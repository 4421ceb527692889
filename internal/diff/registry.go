// Package diff owns proposed file modifications awaiting user accept/reject.
// The conversation core consumes it only through the Applier interface; the
// in-memory Registry is the reference implementation backing the editor-side
// preview.
package diff

import (
	"context"
	"errors"
	"sync"

	"github.com/lithammer/shortuuid/v4"
)

// Status of a pending diff.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

var ErrNotPending = errors.New("diff is not pending")

// Pending is one proposed file modification.
type Pending struct {
	ID              string `json:"id"`
	ConversationID  string `json:"conversation_id"`
	FilePath        string `json:"file_path"`
	OriginalContent string `json:"original_content"`
	NewContent      string `json:"new_content"`
	Status          Status `json:"status"`
}

// Applier is the diff-apply collaborator boundary. Accept and Reject return
// whether the annotation was consumed.
type Applier interface {
	ListPending(ctx context.Context) ([]Pending, error)
	Accept(ctx context.Context, diffID, annotation string) (bool, error)
	Reject(ctx context.Context, diffID, annotation string) (bool, error)
	// Revert discards all unconfirmed edits for one conversation.
	Revert(ctx context.Context, conversationID string) error
}

// Registry is an in-memory Applier. It is safe for concurrent use: the
// editor surface resolves diffs from its own goroutine while the core polls.
type Registry struct {
	mu   sync.Mutex
	byID map[string]*Pending
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Pending)}
}

// Stage records a proposed modification and returns it.
func (r *Registry) Stage(conversationID, path, original, proposed string) Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &Pending{
		ID:              "diff-" + shortuuid.New(),
		ConversationID:  conversationID,
		FilePath:        path,
		OriginalContent: original,
		NewContent:      proposed,
		Status:          StatusPending,
	}
	r.byID[p.ID] = p
	return *p
}

// StageReplace derives the proposed content with a search/replace against the
// original and stages the result.
func (r *Registry) StageReplace(conversationID, path, original, oldString, newString string, replaceAll bool) (Pending, error) {
	proposed, err := Replace(original, oldString, newString, replaceAll)
	if err != nil {
		return Pending{}, err
	}
	return r.Stage(conversationID, path, original, proposed), nil
}

// ListPending returns the still-undecided diffs.
func (r *Registry) ListPending(ctx context.Context) ([]Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Pending
	for _, p := range r.byID {
		if p.Status == StatusPending {
			out = append(out, *p)
		}
	}
	return out, nil
}

// Accept marks a pending diff accepted.
func (r *Registry) Accept(ctx context.Context, diffID, annotation string) (bool, error) {
	return r.resolve(ctx, diffID, StatusAccepted, annotation)
}

// Reject marks a pending diff rejected.
func (r *Registry) Reject(ctx context.Context, diffID, annotation string) (bool, error) {
	return r.resolve(ctx, diffID, StatusRejected, annotation)
}

func (r *Registry) resolve(ctx context.Context, diffID string, status Status, annotation string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[diffID]
	if !ok || p.Status != StatusPending {
		return false, ErrNotPending
	}
	p.Status = status
	return annotation != "", nil
}

// Revert rejects every pending diff belonging to a conversation.
func (r *Registry) Revert(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.byID {
		if p.ConversationID == conversationID && p.Status == StatusPending {
			p.Status = StatusRejected
		}
	}
	return nil
}

// Find returns a diff by id regardless of status.
func (r *Registry) Find(diffID string) (Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[diffID]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// FindByPath returns the pending diff for a file path, if any. Used to map
// an externally detected manual save back to its diff.
func (r *Registry) FindByPath(path string) (Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.byID {
		if p.FilePath == path && p.Status == StatusPending {
			return *p, true
		}
	}
	return Pending{}, false
}
