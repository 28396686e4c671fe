package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/padmux/internal/events"
	"github.com/alexisbeaulieu97/padmux/internal/output"
	"github.com/alexisbeaulieu97/padmux/internal/store"
	padmuxerrors "github.com/alexisbeaulieu97/padmux/pkg/errors"
	"github.com/alexisbeaulieu97/padmux/pkg/sdk"
)

type fakeController struct {
	connectErr  error
	readErrEach int64

	connected      atomic.Bool
	connects       atomic.Int32
	disconnects    atomic.Int32
	reads          atomic.Int64
	readsAfterDisc atomic.Int64
	feedback       atomic.Int32
}

func (c *fakeController) Info() sdk.DeviceInfo {
	return sdk.DeviceInfo{ID: "pad-1", Name: "Test Pad", Type: "gamepad"}
}

func (c *fakeController) Connect() error {
	c.connects.Add(1)
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected.Store(true)
	return nil
}

func (c *fakeController) Disconnect() error {
	c.disconnects.Add(1)
	c.connected.Store(false)
	return nil
}

func (c *fakeController) IsConnected() bool { return c.connected.Load() }

func (c *fakeController) InputReport() (sdk.InputReport, error) {
	n := c.reads.Add(1)
	if !c.connected.Load() {
		c.readsAfterDisc.Add(1)
	}
	if c.readErrEach > 0 && n%c.readErrEach == 0 {
		return sdk.InputReport{}, errors.New("transient read failure")
	}
	return sdk.InputReport{
		Buttons: map[string]bool{"a": n%2 == 0},
		Axes:    map[string]float64{"lx": float64(n)},
	}, nil
}

func (c *fakeController) SendOutputReport(sdk.OutputReport) error {
	c.feedback.Add(1)
	return nil
}

type fakeHandle struct {
	id   string
	ctrl *fakeController
}

func (h fakeHandle) ID() string   { return h.id }
func (h fakeHandle) Name() string { return "Test Pad" }
func (h fakeHandle) NewController() (sdk.PhysicalController, error) {
	return h.ctrl, nil
}

type fakeEngine struct {
	script   string
	methods  sdk.MethodTable
	sink     func(string)
	closed   atomic.Bool
	misuse   *atomic.Int64
	panicOne *atomic.Bool
	logEach  bool
	badParse bool
}

func (e *fakeEngine) SetScript(file string, methods sdk.MethodTable) error {
	if e.badParse {
		panic("bad script parser")
	}
	e.script = file
	e.methods = methods
	return nil
}

func (e *fakeEngine) Remap(in sdk.InputReport, _ time.Duration) (sdk.OutputReport, error) {
	if e.closed.Load() {
		e.misuse.Add(1)
	}
	if e.panicOne != nil && e.panicOne.CompareAndSwap(true, false) {
		panic("engine bug")
	}
	if e.logEach && e.sink != nil {
		e.sink("remapped\n")
	}
	out := sdk.PassThrough(in)
	out.Buttons["remapped"] = true
	return out, nil
}

func (e *fakeEngine) SetLogSink(fn func(string)) { e.sink = fn }

func (e *fakeEngine) Close() error {
	if e.closed.Swap(true) {
		e.misuse.Add(1)
	}
	return nil
}

type fakeRemappers struct {
	mu       sync.Mutex
	created  []*fakeEngine
	exts     []string
	misuse   atomic.Int64
	panicOne atomic.Bool
	badParse atomic.Bool
	logEach  bool
}

func (f *fakeRemappers) CreateRemapper(ext string) (sdk.RemapEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ext != ".lua" {
		return nil, fmt.Errorf("no engine for %s", ext)
	}
	e := &fakeEngine{misuse: &f.misuse, panicOne: &f.panicOne, logEach: f.logEach, badParse: f.badParse.Load()}
	f.created = append(f.created, e)
	f.exts = append(f.exts, ext)
	return e, nil
}

func (f *fakeRemappers) engines() []*fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeEngine(nil), f.created...)
}

type fakeOutput struct {
	sends  atomic.Int64
	remaps atomic.Int64
	closes atomic.Int32
}

func (o *fakeOutput) Connect() error    { return nil }
func (o *fakeOutput) Disconnect() error { return nil }
func (o *fakeOutput) Send(r sdk.OutputReport) error {
	o.sends.Add(1)
	if r.Buttons["remapped"] {
		o.remaps.Add(1)
	}
	return nil
}
func (o *fakeOutput) Close() error      { o.closes.Add(1); return nil }
func (o *fakeOutput) ImagePath() string { return "img/x360.png" }

type outputs struct {
	mu    sync.Mutex
	built map[string][]*fakeOutput
}

func (o *outputs) factory(path string) (sdk.OutputController, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.built == nil {
		o.built = make(map[string][]*fakeOutput)
	}
	out := &fakeOutput{}
	o.built[path] = append(o.built[path], out)
	return out, nil
}

func (o *outputs) get(path string) []*fakeOutput {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeOutput(nil), o.built[path]...)
}

type memSettings struct {
	mu      sync.Mutex
	devices map[string]store.DeviceSettings
}

func (m *memSettings) Get(id string) (*store.DeviceSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (m *memSettings) update(id string, fn func(*store.DeviceSettings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devices == nil {
		m.devices = make(map[string]store.DeviceSettings)
	}
	d := m.devices[id]
	d.DeviceID = id
	fn(&d)
	m.devices[id] = d
}

func (m *memSettings) SetProfile(id, profile string) error {
	m.update(id, func(d *store.DeviceSettings) { d.LastProfile = profile })
	return nil
}

func (m *memSettings) SetOutput(id, path, sharedID string) error {
	m.update(id, func(d *store.DeviceSettings) { d.OutputPath = path; d.SharedID = sharedID })
	return nil
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

func (r *recorder) of(c events.Category) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Category == c {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	ctrl      *fakeController
	remappers *fakeRemappers
	outputs   *outputs
	pool      *output.Pool
	settings  *memSettings
	events    *recorder
	profiles  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctrl:      &fakeController{},
		remappers: &fakeRemappers{},
		outputs:   &outputs{},
		settings:  &memSettings{},
		events:    &recorder{},
		profiles:  t.TempDir(),
	}
	f.pool = output.NewPool(f.outputs.factory, nil)
	return f
}

func (f *fixture) session(t *testing.T) *Session {
	t.Helper()
	s, err := New(Options{
		Device:        fakeHandle{id: "pad-1", ctrl: f.ctrl},
		Remappers:     f.remappers,
		Outputs:       f.pool,
		Settings:      f.settings,
		Publisher:     f.events,
		ProfilesDir:   f.profiles,
		MinTick:       time.Millisecond,
		DefaultOutput: "virtual/x360",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestSessionStartStopLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.session(t)
	require.Equal(t, StateStopped, s.State())

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	require.Equal(t, StateRunning, s.State())
	require.EqualValues(t, 1, f.ctrl.connects.Load())
	require.Equal(t, 1, f.pool.Len())
	require.Equal(t, "img/x360.png", s.OutputImage())

	require.Eventually(t, func() bool {
		outs := f.outputs.get("virtual/x360")
		return len(outs) == 1 && outs[0].sends.Load() > 5
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	require.Equal(t, StateStopped, s.State())
	require.EqualValues(t, 1, f.ctrl.disconnects.Load())
	require.Zero(t, f.ctrl.readsAfterDisc.Load(), "no reads after disconnect")
	require.Zero(t, f.pool.Len())
	require.EqualValues(t, 1, f.outputs.get("virtual/x360")[0].closes.Load())

	var states []string
	for _, e := range f.events.of(events.CategorySessionState) {
		states = append(states, e.Payload.(events.StatePayload).State)
	}
	require.Equal(t, []string{"starting", "running", "stopped"}, states)

	// Restartable.
	require.NoError(t, s.Start())
	require.Equal(t, StateRunning, s.State())
	require.NoError(t, s.Stop())
	require.Len(t, f.outputs.get("virtual/x360"), 2)
}

func TestSessionConnectFailureStaysStopped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ctrl.connectErr = errors.New("usb unplugged")
	s := f.session(t)

	err := s.Start()
	var devErr *padmuxerrors.DeviceError
	require.ErrorAs(t, err, &devErr)
	require.Equal(t, "connect", devErr.Phase)
	require.Equal(t, StateStopped, s.State())
	require.Zero(t, f.pool.Len())
}

func TestSessionSetProfileSwapsEngine(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.session(t)
	require.NoError(t, s.Start())

	require.NoError(t, s.SetProfile("racing.lua"))
	engines := f.remappers.engines()
	require.Len(t, engines, 1)
	require.Equal(t, filepath.Join(f.profiles, "racing.lua"), engines[0].script)
	require.Equal(t, filepath.Join(f.profiles, "racing.lua"), s.ProfilePath())
	require.Contains(t, engines[0].methods, "log")
	require.Equal(t, "Test Pad", engines[0].methods["device_name"].(func() string)())

	require.Eventually(t, func() bool {
		return f.outputs.get("virtual/x360")[0].remaps.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.SetProfile("fps.lua"))
	engines = f.remappers.engines()
	require.Len(t, engines, 2)
	require.True(t, engines[0].closed.Load())
	require.False(t, engines[1].closed.Load())

	require.NoError(t, s.SetProfile(""))
	require.True(t, engines[1].closed.Load())
	require.Empty(t, s.ProfilePath())

	saved, err := f.settings.Get("pad-1")
	require.NoError(t, err)
	require.Empty(t, saved.LastProfile)

	err = s.SetProfile("macro.js")
	require.Error(t, err)
	require.Equal(t, "macro.js", s.Profile())
	require.Zero(t, f.remappers.misuse.Load())
}

func TestSessionSurvivesPanickingScriptLoad(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.session(t)
	require.NoError(t, s.Start())

	f.remappers.badParse.Store(true)
	err := s.SetProfile("broken.lua")
	var devErr *padmuxerrors.DeviceError
	require.ErrorAs(t, err, &devErr)
	require.Equal(t, "load profile", devErr.Phase)
	require.Contains(t, err.Error(), "bad script parser")

	engines := f.remappers.engines()
	require.Len(t, engines, 1)
	require.True(t, engines[0].closed.Load())
	require.Equal(t, "broken.lua", s.Profile())
	require.Equal(t, StateRunning, s.State())
	require.NoError(t, s.Stop())
}

func TestSessionStartSurvivesPanickingScriptLoad(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.session(t)
	require.NoError(t, s.SetProfile("broken.lua"))
	f.remappers.badParse.Store(true)

	require.NoError(t, s.Start())
	require.Equal(t, StateRunning, s.State())
	require.Equal(t, "broken.lua", s.Profile())

	require.Eventually(t, func() bool {
		return f.outputs.get("virtual/x360")[0].sends.Load() > 0
	}, 2*time.Second, 5*time.Millisecond, "input passes through without an engine")

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	require.Equal(t, StateStopped, s.State())
}

func TestSessionSetProfileWhileStoppedIsDeferred(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.session(t)

	require.NoError(t, s.SetProfile("racing.lua"))
	require.Empty(t, f.remappers.engines())

	require.NoError(t, s.Start())
	require.Len(t, f.remappers.engines(), 1)
	require.NoError(t, s.ReloadProfile())
	engines := f.remappers.engines()
	require.Len(t, engines, 2)
	require.True(t, engines[0].closed.Load())

	require.NoError(t, s.Stop())
	require.True(t, engines[1].closed.Load())
}

func TestSessionRestoresPersistedSettings(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.settings.update("pad-1", func(d *store.DeviceSettings) {
		d.AutoConnect = true
		d.LastProfile = "saved.lua"
		d.OutputPath = "virtual/ds4"
		d.SharedID = "couch"
	})
	s := f.session(t)

	require.True(t, s.AutoConnect())
	require.Equal(t, "saved.lua", s.Profile())
	path, shared := s.Output()
	require.Equal(t, "virtual/ds4", path)
	require.Equal(t, "couch", shared)

	require.NoError(t, s.Start())
	require.Len(t, f.remappers.engines(), 1)
	require.Len(t, f.outputs.get("virtual/ds4"), 1)
}

func TestSessionLoopSurvivesFaults(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ctrl.readErrEach = 3
	f.remappers.panicOne.Store(true)
	s := f.session(t)

	require.NoError(t, s.Start())
	require.NoError(t, s.SetProfile("racing.lua"))

	require.Eventually(t, func() bool {
		return f.ctrl.reads.Load() > 30 && !f.remappers.panicOne.Load()
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateRunning, s.State())
	require.NoError(t, s.Stop())
}

func TestSessionSetProfileConcurrentWithLoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s, err := New(Options{
		Device:      fakeHandle{id: "pad-1", ctrl: f.ctrl},
		Remappers:   f.remappers,
		Outputs:     f.pool,
		Publisher:   f.events,
		ProfilesDir: f.profiles,
		MinTick:     time.Microsecond,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				profile := "a.lua"
				if (i+w)%3 == 0 {
					profile = ""
				}
				_ = s.SetProfile(profile)
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, s.Stop())

	require.Zero(t, f.remappers.misuse.Load(), "engine used or closed after dispose")
	for _, e := range f.remappers.engines() {
		require.True(t, e.closed.Load())
	}
}

func TestSessionBroadcastsConsoleAndReads(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.remappers.logEach = true
	s := f.session(t)
	require.NoError(t, s.Start())
	require.NoError(t, s.SetProfile("chatty.lua"))

	require.Eventually(t, func() bool {
		return len(f.events.of(events.CategoryLog)) > 0 && len(f.events.of(events.CategoryRead)) > 0
	}, 2*time.Second, 5*time.Millisecond)

	logEvent := f.events.of(events.CategoryLog)[0]
	require.Equal(t, "pad-1", logEvent.DeviceID)
	lines := logEvent.Payload.(events.LogPayload).Lines
	require.NotEmpty(t, lines)
	require.Equal(t, "remapped", lines[0])
	require.LessOrEqual(t, len(lines), maxPendingLogLines)
}

func TestSessionSetOutputSwapsController(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.session(t)
	require.NoError(t, s.Start())

	require.NoError(t, s.SetOutput("virtual/ds4", "shared"))
	require.Equal(t, 1, f.pool.Len())
	require.EqualValues(t, 1, f.outputs.get("virtual/x360")[0].closes.Load())
	require.Len(t, f.outputs.get("virtual/ds4"), 1)

	saved, err := f.settings.Get("pad-1")
	require.NoError(t, err)
	require.Equal(t, "virtual/ds4", saved.OutputPath)
	require.Equal(t, "shared", saved.SharedID)

	require.NoError(t, s.SetOutput("virtual/ds4", "shared"))
	require.Len(t, f.outputs.get("virtual/ds4"), 1)
}

func TestSessionSendFeedback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.session(t)
	require.ErrorIs(t, s.SendFeedback(sdk.OutputReport{}), ErrNotRunning)

	require.NoError(t, s.Start())
	require.NoError(t, s.SendFeedback(sdk.OutputReport{Axes: map[string]float64{"rumble": 1}}))
	require.EqualValues(t, 1, f.ctrl.feedback.Load())
}
