package orchestrator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/padmux/internal/events"
	"github.com/alexisbeaulieu97/padmux/internal/plugin"
	"github.com/alexisbeaulieu97/padmux/pkg/sdk"
)

type handle struct{ id string }

func (h handle) ID() string   { return h.id }
func (h handle) Name() string { return "pad " + h.id }
func (h handle) NewController() (sdk.PhysicalController, error) {
	return nil, errors.New("not used")
}

type fakeSession struct {
	id     string
	auto   bool
	mu     sync.Mutex
	starts int
	stops  int
}

func (s *fakeSession) ID() string        { return s.id }
func (s *fakeSession) AutoConnect() bool { return s.auto }
func (s *fakeSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return nil
}
func (s *fakeSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}
func (s *fakeSession) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

type scriptedScanner struct {
	mu      sync.Mutex
	results [][]string
	errs    []error
	calls   int
}

func (s *scriptedScanner) Devices() ([]sdk.DeviceHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	var out []sdk.DeviceHandle
	for _, id := range s.results[i] {
		out = append(out, handle{id: id})
	}
	return out, nil
}

type staticSource []plugin.NamedScanner

func (s staticSource) Scanners() []plugin.NamedScanner { return s }

type sessionFactory struct {
	mu       sync.Mutex
	created  map[string]*fakeSession
	order    []string
	auto     map[string]bool
	failOnce map[string]bool
}

func (f *sessionFactory) New(h sdk.DeviceHandle) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOnce[h.ID()] {
		delete(f.failOnce, h.ID())
		return nil, errors.New("controller busy")
	}
	if f.created == nil {
		f.created = make(map[string]*fakeSession)
	}
	s := &fakeSession{id: h.ID(), auto: f.auto[h.ID()]}
	f.created[h.ID()] = s
	f.order = append(f.order, h.ID())
	return s, nil
}

func (f *sessionFactory) get(id string) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[id]
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func ids(sessions []Session) []string {
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.ID())
	}
	return out
}

func TestReconcileReplacesVanishedDevices(t *testing.T) {
	t.Parallel()

	scanner := &scriptedScanner{results: [][]string{{"A", "B"}, {"B", "C"}}}
	factory := &sessionFactory{auto: map[string]bool{"A": true, "B": true, "C": true}}
	rec := &recorder{}
	o := New(Options{
		Scanners:  staticSource{{ID: "hid", Scanner: scanner}},
		Factory:   factory.New,
		Publisher: rec,
	})

	o.Reconcile()
	require.Equal(t, []string{"A", "B"}, ids(o.Sessions()))
	b := factory.get("B")

	o.Reconcile()
	require.Equal(t, []string{"B", "C"}, ids(o.Sessions()))

	starts, stops := factory.get("A").counts()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, stops)

	current, ok := o.Session("B")
	require.True(t, ok)
	require.Same(t, b, current)
	starts, stops = b.counts()
	require.Equal(t, 1, starts, "B must not be restarted")
	require.Zero(t, stops)

	starts, _ = factory.get("C").counts()
	require.Equal(t, 1, starts)

	var removed []string
	for _, e := range rec.events {
		if e.Category == events.CategorySessionRemoved {
			removed = append(removed, e.DeviceID)
		}
	}
	require.Equal(t, []string{"A"}, removed)
}

func TestReconcileIsIdempotentAndDedupes(t *testing.T) {
	t.Parallel()

	first := &scriptedScanner{results: [][]string{{"A", "A", "B"}}}
	second := &scriptedScanner{results: [][]string{{"B"}}}
	factory := &sessionFactory{}
	o := New(Options{
		Scanners: staticSource{{ID: "hid", Scanner: first}, {ID: "bt", Scanner: second}},
		Factory:  factory.New,
	})

	for i := 0; i < 3; i++ {
		o.Reconcile()
	}
	require.Equal(t, []string{"A", "B"}, ids(o.Sessions()))
	require.Equal(t, []string{"A", "B"}, factory.order)

	starts, _ := factory.get("A").counts()
	require.Zero(t, starts, "auto-connect is off")
}

func TestReconcileKeepsDevicesOfFailingScanner(t *testing.T) {
	t.Parallel()

	flaky := &scriptedScanner{
		results: [][]string{{"A"}, nil, nil},
		errs:    []error{nil, errors.New("hid busy"), nil},
	}
	o := New(Options{
		Scanners: staticSource{{ID: "hid", Scanner: flaky}},
		Factory:  (&sessionFactory{}).New,
	})

	o.Reconcile()
	require.Equal(t, []string{"A"}, ids(o.Sessions()))

	o.Reconcile()
	require.Equal(t, []string{"A"}, ids(o.Sessions()), "error keeps previous devices")

	o.Reconcile()
	require.Empty(t, o.Sessions(), "empty success removes them")
}

func TestReconcileRetriesFailedSessionCreation(t *testing.T) {
	t.Parallel()

	scanner := &scriptedScanner{results: [][]string{{"A"}}}
	factory := &sessionFactory{failOnce: map[string]bool{"A": true}}
	o := New(Options{Scanners: staticSource{{ID: "hid", Scanner: scanner}}, Factory: factory.New})

	o.Reconcile()
	require.Empty(t, o.Sessions())
	o.Reconcile()
	require.Equal(t, []string{"A"}, ids(o.Sessions()))
}

func TestScanningLoopAndShutdown(t *testing.T) {
	t.Parallel()

	scanner := &scriptedScanner{results: [][]string{{"A", "B"}}}
	factory := &sessionFactory{auto: map[string]bool{"A": true}}
	o := New(Options{
		Scanners: staticSource{{ID: "hid", Scanner: scanner}},
		Factory:  factory.New,
		Interval: 5 * time.Millisecond,
	})

	o.StartScanning()
	o.StartScanning()
	require.True(t, o.Scanning())
	require.Eventually(t, func() bool { return len(o.Sessions()) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, o.Shutdown())
	require.False(t, o.Scanning())
	require.Empty(t, o.Sessions())

	_, stops := factory.get("A").counts()
	require.Equal(t, 1, stops)
	_, stops = factory.get("B").counts()
	require.Equal(t, 1, stops)
}
