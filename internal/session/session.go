// Package session pairs one physical controller with a remap engine and a
// virtual output and drives them from a dedicated worker goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alexisbeaulieu97/padmux/internal/events"
	"github.com/alexisbeaulieu97/padmux/internal/logger"
	"github.com/alexisbeaulieu97/padmux/internal/output"
	"github.com/alexisbeaulieu97/padmux/internal/store"
	padmuxerrors "github.com/alexisbeaulieu97/padmux/pkg/errors"
	"github.com/alexisbeaulieu97/padmux/pkg/sdk"
)

// ErrNotRunning is returned by operations that need a running session.
var ErrNotRunning = errors.New("session is not running")

// DefaultMinTick bounds the loop rate when device I/O does not block.
const DefaultMinTick = time.Millisecond

const maxPendingLogLines = 256

// State is the lifecycle state of a session.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RemapperFactory resolves remap engines by profile file extension.
type RemapperFactory interface {
	CreateRemapper(ext string) (sdk.RemapEngine, error)
}

// OutputPool hands out shared output controllers.
type OutputPool interface {
	Acquire(path, sharedID, referrer string) (*output.SharedController, error)
	Release(slot *output.SharedController, referrer string) error
}

// SettingsStore persists per-device settings.
type SettingsStore interface {
	Get(id string) (*store.DeviceSettings, error)
	SetProfile(id, profile string) error
	SetOutput(id, path, sharedID string) error
}

// Options configures a Session.
type Options struct {
	Device      sdk.DeviceHandle
	Remappers   RemapperFactory
	Outputs     OutputPool
	Settings    SettingsStore
	Publisher   events.Publisher
	Logger      *logger.Logger
	ProfilesDir string
	MinTick     time.Duration
	// DefaultOutput is used when the device has no persisted output path.
	DefaultOutput string
}

// Session is the live pairing of a physical controller, at most one remap
// engine and one output controller.
type Session struct {
	id         string
	referrer   string
	controller sdk.PhysicalController
	remappers  RemapperFactory
	outputs    OutputPool
	settings   SettingsStore
	publisher  events.Publisher
	logger     *logger.Logger
	profiles   string
	minTick    time.Duration
	auto       bool

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	// mu guards everything below and serializes profile swaps with the
	// read, remap and write step.
	mu         sync.Mutex
	state      atomic.Int32
	profile    string
	engine     sdk.RemapEngine
	outPath    string
	sharedID   string
	out        *output.SharedController
	lastInput  sdk.InputReport
	lastOutput sdk.OutputReport

	logMu    sync.Mutex
	logLines []string
}

// New builds a session for device, restoring its persisted settings.
func New(opts Options) (*Session, error) {
	if opts.Device == nil {
		return nil, errors.New("session requires a device")
	}
	controller, err := opts.Device.NewController()
	if err != nil {
		return nil, padmuxerrors.NewDeviceError(opts.Device.ID(), "create", err)
	}
	if controller == nil {
		return nil, padmuxerrors.NewDeviceError(opts.Device.ID(), "create", errors.New("scanner returned a nil controller"))
	}

	minTick := opts.MinTick
	if minTick <= 0 {
		minTick = DefaultMinTick
	}

	s := &Session{
		id:         opts.Device.ID(),
		referrer:   uuid.NewString(),
		controller: controller,
		remappers:  opts.Remappers,
		outputs:    opts.Outputs,
		settings:   opts.Settings,
		publisher:  opts.Publisher,
		profiles:   opts.ProfilesDir,
		minTick:    minTick,
		outPath:    opts.DefaultOutput,
	}
	s.logger = opts.Logger.WithFields(map[string]any{
		"component": "session",
		"device_id": s.id,
	})

	if s.settings != nil {
		saved, err := s.settings.Get(s.id)
		switch {
		case err == nil:
			s.auto = saved.AutoConnect
			s.profile = saved.LastProfile
			if saved.OutputPath != "" {
				s.outPath = saved.OutputPath
				s.sharedID = saved.SharedID
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			s.logger.Error(err, "failed to read device settings")
		}
	}

	return s, nil
}

// ID returns the device id the session is bound to.
func (s *Session) ID() string { return s.id }

// Referrer returns the token this session holds its output with.
func (s *Session) Referrer() string { return s.referrer }

// AutoConnect reports the persisted auto-connect preference.
func (s *Session) AutoConnect() bool { return s.auto }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Info returns the physical controller identity.
func (s *Session) Info() sdk.DeviceInfo { return s.controller.Info() }

// Profile returns the current profile id.
func (s *Session) Profile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// ProfilePath returns the file backing the current profile, or "" for
// pass-through.
func (s *Session) ProfilePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profilePath(s.profile)
}

// Output returns the selected output path and shared id.
func (s *Session) Output() (path, sharedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outPath, s.sharedID
}

// OutputImage returns the display image of the held output controller.
func (s *Session) OutputImage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return ""
	}
	return s.out.ImagePath()
}

// Start connects the physical controller and launches the worker. It is a
// no-op when the session is already running.
func (s *Session) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() != StateStopped {
		return nil
	}
	s.setState(StateStarting)

	if err := s.controller.Connect(); err != nil {
		s.setState(StateStopped)
		return padmuxerrors.NewDeviceError(s.id, "connect", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	s.mu.Lock()
	_ = s.acquireOutputLocked()
	s.state.Store(int32(StateRunning))
	go s.run(ctx, s.done)
	if err := s.applyProfileLocked(s.profile); err != nil {
		s.logger.WithFields(map[string]any{"profile": s.profile}).Error(err, "failed to apply profile, passing input through")
	}
	s.mu.Unlock()
	s.publishState(StateRunning)

	s.logger.Info("session started")
	return nil
}

// Stop cancels the worker, waits for it to exit and then releases the
// controller, engine and output. It is a no-op when not running.
func (s *Session) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() != StateRunning {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	var errs []error
	if err := s.controller.Disconnect(); err != nil {
		errs = append(errs, padmuxerrors.NewDeviceError(s.id, "disconnect", err))
	}

	s.mu.Lock()
	if err := s.closeEngineLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := s.releaseOutputLocked(); err != nil {
		errs = append(errs, err)
	}
	s.state.Store(int32(StateStopped))
	s.mu.Unlock()
	s.publishState(StateStopped)

	s.flushLog()
	s.logger.Info("session stopped")
	return errors.Join(errs...)
}

// SetProfile replaces the active remap engine with one for profile id. An
// empty id clears it so input passes through untransformed. The id is
// persisted even if the engine cannot be built.
func (s *Session) SetProfile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profile = id
	if s.settings != nil {
		if err := s.settings.SetProfile(s.id, id); err != nil {
			s.logger.WithFields(map[string]any{"profile": id}).Error(err, "failed to persist profile")
		}
	}
	if s.State() != StateRunning {
		return s.closeEngineLocked()
	}
	return s.applyProfileLocked(id)
}

// ReloadProfile rebuilds the engine from the current profile's file.
func (s *Session) ReloadProfile() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateRunning {
		return nil
	}
	return s.applyProfileLocked(s.profile)
}

// SetOutput switches the output controller. An empty sharedID gives the
// session a private controller.
func (s *Session) SetOutput(path, sharedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path == s.outPath && sharedID == s.sharedID && (s.out != nil || s.State() != StateRunning) {
		return nil
	}

	var errs []error
	if err := s.releaseOutputLocked(); err != nil {
		errs = append(errs, err)
	}
	s.outPath = path
	s.sharedID = sharedID
	if s.settings != nil {
		if err := s.settings.SetOutput(s.id, path, sharedID); err != nil {
			s.logger.WithFields(map[string]any{"output": path}).Error(err, "failed to persist output")
		}
	}
	if s.State() == StateRunning {
		if err := s.acquireOutputLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendFeedback forwards a report (rumble, lights) to the physical controller.
func (s *Session) SendFeedback(report sdk.OutputReport) error {
	if s.State() != StateRunning {
		return ErrNotRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.controller.SendOutputReport(report); err != nil {
		return padmuxerrors.NewDeviceError(s.id, "feedback", err)
	}
	return nil
}

func (s *Session) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	readAcc := NewAccumulator(ReadPeriod)
	logAcc := NewAccumulator(LogPeriod)
	infoAcc := NewAccumulator(InfoPeriod)

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		started := time.Now()
		elapsed := started.Sub(last)
		last = started

		s.step(elapsed)

		if readAcc.Tick(elapsed) {
			s.publishRead()
		}
		if logAcc.Tick(elapsed) {
			s.flushLog()
		}
		if infoAcc.Tick(elapsed) {
			s.publishInfo()
		}

		if rest := s.minTick - time.Since(started); rest > 0 {
			timer.Reset(rest)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
	}
}

// step performs one read, remap and write under the session lock. Faults
// are logged and never stop the loop.
func (s *Session) step(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(map[string]any{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error(nil, "remap step panicked")
		}
	}()

	in, err := s.controller.InputReport()
	if err != nil {
		s.logger.Error(padmuxerrors.NewDeviceError(s.id, "read", err), "remap step failed")
		return
	}

	out := sdk.PassThrough(in)
	if s.engine != nil {
		out, err = s.engine.Remap(in, elapsed)
		if err != nil {
			s.logger.WithFields(map[string]any{"profile": s.profile}).Error(padmuxerrors.NewDeviceError(s.id, "remap", err), "remap step failed")
			return
		}
	}

	s.lastInput = in
	s.lastOutput = out

	if s.out != nil {
		if err := s.out.Send(out); err != nil {
			s.logger.WithFields(map[string]any{"output": s.outPath}).Error(padmuxerrors.NewDeviceError(s.id, "write", err), "remap step failed")
		}
	}
}

func (s *Session) applyProfileLocked(id string) error {
	if err := s.closeEngineLocked(); err != nil {
		s.logger.Error(err, "failed to dispose previous remap engine")
	}
	if id == "" {
		return nil
	}
	if s.remappers == nil {
		return errors.New("no remap engines available")
	}

	engine, err := s.buildEngine(id)
	if err != nil {
		return err
	}

	s.engine = engine
	s.logger.WithFields(map[string]any{"profile": id}).Info("profile applied")
	return nil
}

// buildEngine creates and scripts an engine for profile id. A panic in
// plugin code is returned as a load profile error and the partly built
// engine is closed.
func (s *Session) buildEngine(id string) (engine sdk.RemapEngine, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if engine != nil {
				closeQuietly(engine)
			}
			engine = nil
			err = padmuxerrors.NewDeviceError(s.id, "load profile", fmt.Errorf("engine panic: %v", rec))
		}
	}()

	engine, err = s.remappers.CreateRemapper(filepath.Ext(id))
	if err != nil {
		return nil, fmt.Errorf("resolve engine for profile %s: %w", id, err)
	}
	engine.SetLogSink(s.appendLog)
	if err := engine.SetScript(s.profilePath(id), s.methodTable()); err != nil {
		closeQuietly(engine)
		return nil, padmuxerrors.NewDeviceError(s.id, "load profile", err)
	}
	return engine, nil
}

func closeQuietly(engine sdk.RemapEngine) {
	defer func() { _ = recover() }()
	_ = engine.Close()
}

func (s *Session) closeEngineLocked() error {
	if s.engine == nil {
		return nil
	}
	engine := s.engine
	s.engine = nil
	if err := engine.Close(); err != nil {
		return padmuxerrors.NewDeviceError(s.id, "dispose engine", err)
	}
	return nil
}

func (s *Session) acquireOutputLocked() error {
	if s.out != nil || s.outPath == "" || s.outputs == nil {
		return nil
	}
	slot, err := s.outputs.Acquire(s.outPath, s.sharedID, s.referrer)
	if err != nil {
		err = padmuxerrors.NewDeviceError(s.id, "acquire output", err)
		s.logger.WithFields(map[string]any{"output": s.outPath}).Error(err, "running without output")
		return err
	}
	s.out = slot
	return nil
}

func (s *Session) releaseOutputLocked() error {
	if s.out == nil {
		return nil
	}
	slot := s.out
	s.out = nil
	if err := s.outputs.Release(slot, s.referrer); err != nil {
		return padmuxerrors.NewDeviceError(s.id, "release output", err)
	}
	return nil
}

func (s *Session) profilePath(id string) string {
	if id == "" {
		return ""
	}
	if filepath.IsAbs(id) || s.profiles == "" {
		return id
	}
	return filepath.Join(s.profiles, id)
}

func (s *Session) methodTable() sdk.MethodTable {
	name := s.controller.Info().Name
	return sdk.MethodTable{
		"log":         s.appendLog,
		"device_name": func() string { return name },
	}
}

func (s *Session) appendLog(line string) {
	line = strings.TrimRight(line, "\r\n")
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if len(s.logLines) >= maxPendingLogLines {
		s.logLines = s.logLines[1:]
	}
	s.logLines = append(s.logLines, line)
}

func (s *Session) flushLog() {
	s.logMu.Lock()
	lines := s.logLines
	s.logLines = nil
	s.logMu.Unlock()

	if len(lines) == 0 {
		return
	}
	s.publish(events.CategoryLog, events.LogPayload{Lines: lines})
}

func (s *Session) publishRead() {
	s.mu.Lock()
	payload := events.ReadPayload{Input: s.lastInput.Clone(), Output: s.lastOutput.Clone()}
	s.mu.Unlock()
	s.publish(events.CategoryRead, payload)
}

func (s *Session) publishInfo() {
	s.publish(events.CategoryInfo, s.Snapshot())
}

// Snapshot describes the session for observers.
func (s *Session) Snapshot() events.InfoPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outPath
	if s.sharedID != "" {
		out += "#" + s.sharedID
	}
	return events.InfoPayload{
		Info:      s.controller.Info(),
		Connected: s.controller.IsConnected(),
		Profile:   s.profile,
		Output:    out,
	}
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
	s.publishState(state)
}

func (s *Session) publishState(state State) {
	s.publish(events.CategorySessionState, events.StatePayload{State: state.String()})
}

func (s *Session) publish(category events.Category, payload any) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(events.Event{Category: category, DeviceID: s.id, Payload: payload})
}
