package offline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventKind identifies a monitor transition.
type EventKind string

const (
	EventOnline          EventKind = "online"
	EventOffline         EventKind = "offline"
	EventUpdateAvailable EventKind = "update_available"
	EventActivated       EventKind = "activated"
)

// Event is published on every connectivity or update transition.
type Event struct {
	Kind       EventKind `json:"kind"`
	BuildToken string    `json:"buildToken,omitempty"`
	At         time.Time `json:"at"`
}

// MonitorState is a snapshot of the monitor.
type MonitorState struct {
	Online          bool   `json:"online"`
	UpdateAvailable bool   `json:"updateAvailable"`
	PendingBuild    string `json:"pendingBuild,omitempty"`
}

// ActivateFunc switches the application to a new build.
type ActivateFunc func(ctx context.Context, buildToken string) error

type subscriber struct {
	id   uint64
	kind EventKind
	fn   func(Event)
}

// Monitor tracks connectivity and update availability. Subscribers are
// called once per transition, outside the monitor's lock.
type Monitor struct {
	mu          sync.Mutex
	online      bool
	pending     string
	subscribers []subscriber
	nextID      uint64
	activate    ActivateFunc
	now         func() time.Time
}

// NewMonitor creates a monitor that starts online. activate may be nil.
func NewMonitor(activate ActivateFunc) *Monitor {
	return &Monitor{
		online:   true,
		activate: activate,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers fn for events of kind and returns a function that
// removes it.
func (m *Monitor) Subscribe(kind EventKind, fn func(Event)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.subscribers = append(m.subscribers, subscriber{id: id, kind: kind, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subscribers {
			if s.id == id {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				return
			}
		}
	}
}

// SetOnline reports the current connectivity. Only changes publish.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	kind := EventOffline
	if online {
		kind = EventOnline
	}
	subs := m.matching(kind)
	m.mu.Unlock()

	slog.Info("connectivity changed", "component", "offline", "action", "connectivity", "online", online)
	m.publish(subs, Event{Kind: kind, At: m.now()})
}

// SetUpdateAvailable records that buildToken is waiting to be activated.
func (m *Monitor) SetUpdateAvailable(buildToken string) {
	m.mu.Lock()
	if m.pending == buildToken {
		m.mu.Unlock()
		return
	}
	m.pending = buildToken
	subs := m.matching(EventUpdateAvailable)
	m.mu.Unlock()

	slog.Info("update available", "component", "offline", "action", "update_available", "build", buildToken)
	m.publish(subs, Event{Kind: EventUpdateAvailable, BuildToken: buildToken, At: m.now()})
}

// Activate switches to the waiting build and publishes EventActivated. It
// returns false when no update is waiting.
func (m *Monitor) Activate(ctx context.Context) (bool, error) {
	m.mu.Lock()
	token := m.pending
	m.mu.Unlock()
	if token == "" {
		return false, nil
	}

	if m.activate != nil {
		if err := m.activate(ctx, token); err != nil {
			return false, err
		}
	}

	m.mu.Lock()
	if m.pending != token {
		// A newer build arrived during activation; it stays pending.
		m.mu.Unlock()
		return true, nil
	}
	m.pending = ""
	subs := m.matching(EventActivated)
	m.mu.Unlock()

	m.publish(subs, Event{Kind: EventActivated, BuildToken: token, At: m.now()})
	return true, nil
}

// State returns the current state.
func (m *Monitor) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorState{
		Online:          m.online,
		UpdateAvailable: m.pending != "",
		PendingBuild:    m.pending,
	}
}

func (m *Monitor) matching(kind EventKind) []func(Event) {
	var fns []func(Event)
	for _, s := range m.subscribers {
		if s.kind == kind {
			fns = append(fns, s.fn)
		}
	}
	return fns
}

func (m *Monitor) publish(fns []func(Event), e Event) {
	for _, fn := range fns {
		fn(e)
	}
}
