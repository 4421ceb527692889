// Package tabs owns the tab roster, the per-tab session snapshots, and the
// background event buffers. All methods run on the event loop goroutine, so
// no locking is needed.
package tabs

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/youruser/loom/internal/llm"
	"github.com/youruser/loom/internal/logging"
	"github.com/youruser/loom/internal/session"
)

// ErrTooManyTabs is returned when creation would exceed the configured cap.
var ErrTooManyTabs = fmt.Errorf("tab limit reached")

// ErrNoSuchTab is returned for operations naming an unknown tab id.
var ErrNoSuchTab = fmt.Errorf("no such tab")

// Tab is one open conversation slot.
type Tab struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Streaming      bool   `json:"streaming"`
}

// IngestFunc applies one inbound transport event to a session. The manager
// calls it directly for the active tab and during background replay.
type IngestFunc func(s *session.Session, ev llm.Event)

// Manager tracks open tabs, the single active session, and buffered events
// for unfocused conversations. Background sessions never mutate live state;
// their events queue here and replay in arrival order on refocus.
type Manager struct {
	tabs     []*Tab
	activeID string
	active   *session.Session

	snapshots map[string]*session.Session // keyed by tab id
	backlog   map[string][]llm.Event      // keyed by conversation id

	maxTabs int
	ingest  IngestFunc
	log     *logging.Logger
}

// New creates a manager with a single fresh tab already active.
func New(maxTabs int, ingest IngestFunc, log *logging.Logger) *Manager {
	m := &Manager{
		snapshots: make(map[string]*session.Session),
		backlog:   make(map[string][]llm.Event),
		maxTabs:   maxTabs,
		ingest:    ingest,
		log:       log,
	}
	tab := m.newTab()
	m.tabs = append(m.tabs, tab)
	m.activeID = tab.ID
	m.active = session.New(tab.ConversationID)
	return m
}

func (m *Manager) newTab() *Tab {
	return &Tab{
		ID:             uuid.NewString(),
		ConversationID: uuid.NewString(),
	}
}

// Active returns the focused session. Never nil.
func (m *Manager) Active() *session.Session {
	return m.active
}

// SessionFor returns the session owning a conversation, focused or not, or
// nil when no open tab carries it. Background sessions come from the snapshot
// store and stay live references, so invocation updates land before refocus.
func (m *Manager) SessionFor(conversationID string) *session.Session {
	tab := m.findByConversation(conversationID)
	if tab == nil {
		return nil
	}
	if tab.ID == m.activeID {
		return m.active
	}
	return m.snapshots[tab.ID]
}

// ActiveTab returns the focused tab.
func (m *Manager) ActiveTab() *Tab {
	t, _ := m.find(m.activeID)
	return t
}

// List returns the open tabs in creation order.
func (m *Manager) List() []*Tab {
	out := make([]*Tab, len(m.tabs))
	copy(out, m.tabs)
	return out
}

func (m *Manager) find(id string) (*Tab, int) {
	for i, t := range m.tabs {
		if t.ID == id {
			return t, i
		}
	}
	return nil, -1
}

func (m *Manager) findByConversation(conversationID string) *Tab {
	for _, t := range m.tabs {
		if t.ConversationID == conversationID {
			return t
		}
	}
	return nil
}

// Create opens a new blank tab and switches to it.
func (m *Manager) Create() (*Tab, error) {
	if len(m.tabs) >= m.maxTabs {
		return nil, ErrTooManyTabs
	}
	tab := m.newTab()
	m.tabs = append(m.tabs, tab)
	if err := m.Switch(tab.ID); err != nil {
		return nil, err
	}
	return tab, nil
}

// Switch snapshots the outgoing session, restores (or creates) the target's,
// and replays any events buffered while the target was unfocused. Replay runs
// through the normal ingestion path in original arrival order.
func (m *Manager) Switch(id string) error {
	tab, _ := m.find(id)
	if tab == nil {
		return ErrNoSuchTab
	}
	if id == m.activeID {
		return nil
	}

	m.snapshots[m.activeID] = m.active.Clone()
	m.focus(tab)
	return nil
}

// focus makes tab active without snapshotting the outgoing session. The
// target's stored snapshot is restored verbatim and discarded; buffered
// events drain exactly once.
func (m *Manager) focus(tab *Tab) {
	if snap, ok := m.snapshots[tab.ID]; ok {
		m.active = snap
		delete(m.snapshots, tab.ID)
	} else {
		m.active = session.New(tab.ConversationID)
	}
	m.activeID = tab.ID

	if queued := m.backlog[tab.ConversationID]; len(queued) > 0 {
		delete(m.backlog, tab.ConversationID)
		m.log.Debug("tabs: replaying %d buffered event(s) for %s", len(queued), tab.ConversationID)
		for _, ev := range queued {
			m.ingest(m.active, ev)
		}
	}
}

// Close removes a tab. Closing the active tab focuses the next tab by index,
// else the previous; closing the last tab replaces it with a fresh blank one.
func (m *Manager) Close(id string) error {
	tab, idx := m.find(id)
	if tab == nil {
		return ErrNoSuchTab
	}

	m.tabs = append(m.tabs[:idx], m.tabs[idx+1:]...)
	delete(m.snapshots, tab.ID)
	delete(m.backlog, tab.ConversationID)

	if id != m.activeID {
		return nil
	}

	if len(m.tabs) == 0 {
		fresh := m.newTab()
		m.tabs = append(m.tabs, fresh)
		m.activeID = fresh.ID
		m.active = session.New(fresh.ConversationID)
		return nil
	}

	next := idx
	if next >= len(m.tabs) {
		next = len(m.tabs) - 1
	}
	m.focus(m.tabs[next])
	return nil
}

// Deliver routes one inbound event. Foreground events apply immediately;
// background events buffer until the next switch to their tab. Streaming
// flags update in both cases so status indicators stay accurate.
func (m *Manager) Deliver(conversationID string, ev llm.Event) {
	tab := m.findByConversation(conversationID)
	if tab == nil {
		m.log.Debug("tabs: dropping event %s for closed conversation %s", ev.Kind, conversationID)
		return
	}
	tab.Streaming = !terminal(ev.Kind)

	if tab.ID == m.activeID {
		m.ingest(m.active, ev)
		return
	}
	m.backlog[conversationID] = append(m.backlog[conversationID], ev)
}

func terminal(kind llm.EventKind) bool {
	switch kind {
	case llm.EventComplete, llm.EventCancelled, llm.EventError:
		return true
	}
	return false
}
