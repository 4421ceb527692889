package session

import "errors"

// InvocationStatus is the lifecycle state of a tool invocation.
type InvocationStatus string

const (
	StatusQueued    InvocationStatus = "queued"
	StatusStreaming InvocationStatus = "streaming" // argument text still arriving
	StatusPending   InvocationStatus = "pending"   // awaiting user confirmation
	StatusRunning   InvocationStatus = "running"
	StatusSuccess   InvocationStatus = "success"
	StatusError     InvocationStatus = "error"
)

var statusRank = map[InvocationStatus]int{
	StatusQueued:    0,
	StatusStreaming: 1,
	StatusPending:   2,
	StatusRunning:   3,
	StatusSuccess:   4,
	StatusError:     5,
}

var (
	ErrInvocationNotFound  = errors.New("invocation not found")
	ErrStatusRegression    = errors.New("invocation status cannot move backwards")
	ErrPendingNeedsSignal  = errors.New("pending invocation only starts on a user decision or backend signal")
	ErrInvocationFinished  = errors.New("invocation already finished")
)

// ToolInvocation is the denormalized view of a functionCall part, kept in
// sync with the part so status displays never need a second pass over turns.
type ToolInvocation struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Args        map[string]any   `json:"args,omitempty"`
	PartialArgs string           `json:"partial_args,omitempty"`
	Status      InvocationStatus `json:"status"`
}

// Terminal reports whether no further transitions are allowed.
func (inv *ToolInvocation) Terminal() bool {
	return inv.Status == StatusError || inv.Status == StatusSuccess
}

// advance moves the invocation to next, enforcing monotonic transitions.
// authoritative marks a user decision or backend signal, the only triggers
// allowed to move pending to running.
func (inv *ToolInvocation) advance(next InvocationStatus, authoritative bool) error {
	if inv.Terminal() {
		if inv.Status == next {
			return nil
		}
		return ErrInvocationFinished
	}
	if statusRank[next] < statusRank[inv.Status] {
		return ErrStatusRegression
	}
	if inv.Status == StatusPending && next == StatusRunning && !authoritative {
		return ErrPendingNeedsSignal
	}
	inv.Status = next
	return nil
}

func (inv *ToolInvocation) clone() *ToolInvocation {
	out := *inv
	if inv.Args != nil {
		out.Args = cloneMap(inv.Args)
	}
	return &out
}
