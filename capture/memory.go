package capture

import (
	"context"
	"sort"
	"sync"
)

const defaultEventBuffer = 64

// MemorySource is an in-process Source. Embedders that already sit inside the
// OS listener service push callbacks into it with Post; tests use it as the
// device.
type MemorySource struct {
	mu           sync.Mutex
	granted      bool
	autoGrant    bool
	listening    bool
	requests     int
	active       map[string]Event
	events       chan Event
	dismissed    []string
	dismissedAll int
}

// MemoryOption configures a MemorySource.
type MemoryOption func(*MemorySource)

// WithPermission sets the initial grant state.
func WithPermission(granted bool) MemoryOption {
	return func(s *MemorySource) { s.granted = granted }
}

// WithAutoGrant makes RequestPermission grant access, like a user who taps
// "allow" in the settings screen.
func WithAutoGrant() MemoryOption {
	return func(s *MemorySource) { s.autoGrant = true }
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) MemoryOption {
	return func(s *MemorySource) {
		if n > 0 {
			s.events = make(chan Event, n)
		}
	}
}

func NewMemorySource(opts ...MemoryOption) *MemorySource {
	s := &MemorySource{
		active: make(map[string]Event),
		events: make(chan Event, defaultEventBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemorySource) PermissionGranted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted
}

func (s *MemorySource) RequestPermission(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if s.autoGrant {
		s.granted = true
	}
	return nil
}

// SetPermission flips the grant, e.g. when the user revokes access.
func (s *MemorySource) SetPermission(granted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted = granted
	if !granted {
		s.listening = false
	}
}

// PermissionRequests returns how many times RequestPermission was called.
func (s *MemorySource) PermissionRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *MemorySource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.granted {
		return ErrPermissionDenied
	}
	s.listening = true
	return nil
}

func (s *MemorySource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listening = false
	return nil
}

func (s *MemorySource) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

func (s *MemorySource) Events() <-chan Event {
	return s.events
}

// Post delivers an OS callback. Events arriving while the source is not
// listening are dropped, matching the OS service which only forwards to a
// registered callback. It reports whether the event was delivered.
func (s *MemorySource) Post(ctx context.Context, ev Event) (bool, error) {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return false, nil
	}
	if ev.Kind == "" {
		ev.Kind = KindPosted
	}
	switch ev.Kind {
	case KindPosted:
		if ev.Key != "" {
			s.active[ev.Key] = ev
		}
	case KindRemoved:
		delete(s.active, ev.Key)
	}
	s.mu.Unlock()

	select {
	case s.events <- ev:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *MemorySource) ActiveNotifications(ctx context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.active))
	for _, ev := range s.active {
		ev.Kind = KindActive
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PostTime != out[j].PostTime {
			return out[i].PostTime > out[j].PostTime
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (s *MemorySource) Dismiss(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, key)
	s.dismissed = append(s.dismissed, key)
	return nil
}

func (s *MemorySource) DismissAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = make(map[string]Event)
	s.dismissedAll++
	return nil
}

// Dismissed returns the keys passed to Dismiss, in call order.
func (s *MemorySource) Dismissed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dismissed...)
}

// DismissAllCalls returns how many times DismissAll was called.
func (s *MemorySource) DismissAllCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dismissedAll
}

// NoopSource is the Source for platforms without notification access. It
// never delivers events.
type NoopSource struct {
	events chan Event
}

func NewNoopSource() *NoopSource {
	return &NoopSource{events: make(chan Event)}
}

func (*NoopSource) PermissionGranted() bool {
	return false
}

func (*NoopSource) RequestPermission(ctx context.Context) error {
	return ErrUnsupported
}

func (*NoopSource) Start(ctx context.Context) error {
	return ErrUnsupported
}

func (*NoopSource) Stop() error {
	return nil
}

func (*NoopSource) IsListening() bool {
	return false
}

func (s *NoopSource) Events() <-chan Event {
	return s.events
}

func (*NoopSource) ActiveNotifications(ctx context.Context) ([]Event, error) {
	return nil, nil
}

func (*NoopSource) Dismiss(ctx context.Context, key string) error {
	return ErrUnsupported
}

func (*NoopSource) DismissAll(ctx context.Context) error {
	return ErrUnsupported
}
