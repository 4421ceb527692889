package confirm

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/youruser/loom/internal/diff"
	"github.com/youruser/loom/internal/logging"
)

// Poller periodically lists pending diffs and posts the result onto the
// owning event loop. Poll failures are transient (the applier may be busy
// applying an edit); they are logged and the next tick retries.
type Poller struct {
	applier  diff.Applier
	interval time.Duration
	post     func(func())
	observe  func([]diff.Pending)
	log      *logging.Logger
}

// NewPoller builds a poller that delivers every successful poll result via
// post(observe(pending)). post must hand the closure to the loop goroutine
// that owns all session state.
func NewPoller(applier diff.Applier, interval time.Duration, post func(func()), observe func([]diff.Pending), log *logging.Logger) *Poller {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Poller{
		applier:  applier,
		interval: interval,
		post:     post,
		observe:  observe,
		log:      log,
	}
}

// Run polls until ctx is cancelled. It is meant to run on its own goroutine.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.log.Debug("diff poll: %v", err)
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	pending, err := p.applier.ListPending(ctx)
	if err != nil {
		return errors.Wrap(err, "list pending diffs")
	}
	p.post(func() { p.observe(pending) })
	return nil
}
