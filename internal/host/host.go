// Package host assembles the loader, registry, outputs, device store and
// orchestrator into one runtime with start, reload and shutdown.
package host

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/alexisbeaulieu97/padmux/internal/config"
	"github.com/alexisbeaulieu97/padmux/internal/events"
	"github.com/alexisbeaulieu97/padmux/internal/logger"
	"github.com/alexisbeaulieu97/padmux/internal/orchestrator"
	"github.com/alexisbeaulieu97/padmux/internal/output"
	"github.com/alexisbeaulieu97/padmux/internal/pkgloader"
	"github.com/alexisbeaulieu97/padmux/internal/plugin"
	"github.com/alexisbeaulieu97/padmux/internal/session"
	"github.com/alexisbeaulieu97/padmux/internal/store"
	"github.com/alexisbeaulieu97/padmux/internal/watch"
	"github.com/alexisbeaulieu97/padmux/pkg/sdk"
)

// Options configures a Host.
type Options struct {
	Config *config.Config
	Logger *logger.Logger
	// Opener overrides how code modules are loaded.
	Opener pkgloader.ModuleOpener
	// Builtin modules are registered before any package module.
	Builtin []plugin.Module
}

// Host owns every long-lived component of a running padmux process.
type Host struct {
	cfg      *config.Config
	logger   *logger.Logger
	versions pkgloader.Versions
	runID    string

	loader *pkgloader.Loader
	bus    *events.Bus
	store  *store.Store
	pool   *output.Pool

	builtin []plugin.Module

	// lifecycle serializes Start, Reload and Shutdown.
	lifecycle sync.Mutex
	started   bool
	watcher   *watch.Watcher

	mu       sync.RWMutex
	registry *plugin.Registry
	orch     *orchestrator.Orchestrator
	packages []*pkgloader.LoadResult
}

// New opens the device store and prepares an idle host.
func New(opts Options) (*Host, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	versions, err := pkgloader.ParseVersions(cfg.CoreVersion, cfg.FrameworkVersion)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := opts.Logger.WithFields(map[string]any{"component": "host", "run_id": runID})

	opener := opts.Opener
	if opener == nil {
		opener = pkgloader.GoPluginOpener{CacheDir: cfg.ResolvedModuleCacheDir()}
	}
	loader, err := pkgloader.New(pkgloader.Options{
		NativeDir: cfg.NativeDir,
		Opener:    opener,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	h := &Host{
		cfg:      cfg,
		logger:   log,
		versions: versions,
		runID:    runID,
		loader:   loader,
		bus:      events.NewBus(opts.Logger),
		store:    st,
		builtin:  opts.Builtin,
	}
	h.pool = output.NewPool(h.createOutput, opts.Logger)
	return h, nil
}

// Start loads packages, scans modules into a fresh registry and begins
// scanning for devices.
func (h *Host) Start(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if h.started {
		return nil
	}
	if err := h.load(ctx); err != nil {
		return err
	}
	if h.cfg.WatchProfiles && h.watcher == nil {
		if err := h.startWatcher(); err != nil {
			h.logger.Error(err, "profile watching disabled")
		}
	}
	h.started = true
	h.logger.Info("host started")
	return nil
}

// Reload quiesces every session, tears the registry down and repeats
// discovery, loading and scanning.
func (h *Host) Reload(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if !h.started {
		return errors.New("host is not started")
	}

	err := h.unload()
	if loadErr := h.load(ctx); loadErr != nil {
		h.started = false
		return errors.Join(err, loadErr, h.stopWatcher())
	}
	h.logger.Info("host reloaded")
	return err
}

// Shutdown stops scanning, stops every session and only then runs the
// plugin teardown hooks. Releases the store last.
func (h *Host) Shutdown() error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	var errs []error
	if err := h.stopWatcher(); err != nil {
		errs = append(errs, err)
	}
	if h.started {
		if err := h.unload(); err != nil {
			errs = append(errs, err)
		}
		h.started = false
	}
	if err := h.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := h.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device store: %w", err))
	}
	h.logger.Info("host stopped")
	return errors.Join(errs...)
}

func (h *Host) load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pkgs, err := h.loader.Discover(h.cfg.PluginsDir)
	if err != nil {
		h.logger.Error(err, "plugin discovery incomplete")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	results := h.loader.LoadAll(pkgs, h.versions)

	modules := append(append([]plugin.Module(nil), h.builtin...), pkgloader.Modules(results)...)
	registry := plugin.NewRegistry(h.logger)
	registry.Scan(modules)

	orch := orchestrator.New(orchestrator.Options{
		Scanners:  registry,
		Factory:   h.newSession,
		Interval:  h.cfg.ScanInterval,
		Publisher: h.bus,
		Logger:    h.logger,
	})

	h.mu.Lock()
	h.registry = registry
	h.orch = orch
	h.packages = results
	h.mu.Unlock()

	h.logger.WithFields(map[string]any{
		"packages":   len(results),
		"modules":    len(modules),
		"outputs":    len(registry.Outputs()),
		"extensions": len(registry.Extensions()),
		"scanners":   len(registry.Scanners()),
	}).Info("plugins loaded")

	orch.StartScanning()
	return nil
}

func (h *Host) unload() error {
	h.mu.RLock()
	orch, registry := h.orch, h.registry
	h.mu.RUnlock()

	var errs []error
	if orch != nil {
		if err := orch.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if registry != nil {
		registry.Teardown()
	}

	h.mu.Lock()
	h.orch = nil
	h.registry = nil
	h.packages = nil
	h.mu.Unlock()
	h.loader.ResetAssets()

	return errors.Join(errs...)
}

func (h *Host) newSession(handle sdk.DeviceHandle) (orchestrator.Session, error) {
	return session.New(session.Options{
		Device:        handle,
		Remappers:     h,
		Outputs:       h.pool,
		Settings:      h.store.Devices(),
		Publisher:     h.bus,
		Logger:        h.logger,
		ProfilesDir:   h.cfg.ProfilesDir,
		MinTick:       h.cfg.MinTick,
		DefaultOutput: h.cfg.DefaultOutput,
	})
}

// CreateRemapper resolves an engine from the current registry.
func (h *Host) CreateRemapper(ext string) (sdk.RemapEngine, error) {
	registry := h.Registry()
	if registry == nil {
		return nil, errors.New("no plugins loaded")
	}
	return registry.CreateRemapper(ext)
}

func (h *Host) createOutput(path string) (sdk.OutputController, error) {
	registry := h.Registry()
	if registry == nil {
		return nil, errors.New("no plugins loaded")
	}
	return registry.CreateOutput(path)
}

func (h *Host) startWatcher() error {
	w, err := watch.New(h.cfg.ProfilesDir, watch.DefaultDebounce, h.profileChanged, h.logger)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return err
	}
	h.watcher = w
	return nil
}

func (h *Host) stopWatcher() error {
	if h.watcher == nil {
		return nil
	}
	err := h.watcher.Stop()
	h.watcher = nil
	return err
}

// profileChanged reloads every running session whose profile lives at path.
func (h *Host) profileChanged(path string) {
	target := canonical(path)
	for _, s := range h.Sessions() {
		if s.State() != session.StateRunning || canonical(s.ProfilePath()) != target {
			continue
		}
		if err := s.ReloadProfile(); err != nil {
			h.logger.WithFields(map[string]any{"device_id": s.ID(), "path": path}).Error(err, "profile reload failed")
			continue
		}
		h.logger.WithFields(map[string]any{"device_id": s.ID(), "path": path}).Info("profile reloaded")
	}
}

func canonical(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return p
}

// Bus returns the broadcast bus.
func (h *Host) Bus() *events.Bus { return h.bus }

// Store returns the device settings store.
func (h *Host) Store() *store.Store { return h.store }

// Outputs returns the shared output pool.
func (h *Host) Outputs() *output.Pool { return h.pool }

// RunID identifies this host instance in logs.
func (h *Host) RunID() string { return h.runID }

// Registry returns the current plugin registry, nil when not started.
func (h *Host) Registry() *plugin.Registry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.registry
}

// Packages returns what each loaded package contributed.
func (h *Host) Packages() []*pkgloader.LoadResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*pkgloader.LoadResult(nil), h.packages...)
}

// Sessions returns the live sessions ordered by device id.
func (h *Host) Sessions() []*session.Session {
	h.mu.RLock()
	orch := h.orch
	h.mu.RUnlock()
	if orch == nil {
		return nil
	}

	var out []*session.Session
	for _, s := range orch.Sessions() {
		if typed, ok := s.(*session.Session); ok {
			out = append(out, typed)
		}
	}
	return out
}

// Session returns the live session for a device id.
func (h *Host) Session(id string) (*session.Session, bool) {
	h.mu.RLock()
	orch := h.orch
	h.mu.RUnlock()
	if orch == nil {
		return nil, false
	}
	s, ok := orch.Session(id)
	if !ok {
		return nil, false
	}
	typed, ok := s.(*session.Session)
	return typed, ok
}

// Image returns an image asset shipped by any loaded package, for example
// the one named by an output controller's ImagePath.
func (h *Host) Image(path string) ([]byte, bool) {
	asset, ok := h.loader.Assets().Get(path)
	if !ok {
		return nil, false
	}
	return asset.Data, true
}
