package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alexisbeaulieu97/padmux/internal/logger"
	padmuxerrors "github.com/alexisbeaulieu97/padmux/pkg/errors"
	"github.com/alexisbeaulieu97/padmux/pkg/sdk"
)

// Kind names one of the three registration namespaces.
type Kind string

const (
	KindOutput   Kind = "output controller"
	KindRemapper Kind = "remap engine"
	KindScanner  Kind = "device scanner"
)

// Module is one loaded code module and its registration entry point.
type Module struct {
	Name     string
	Package  string
	Register sdk.RegisterFunc
}

// NamedScanner pairs a live scanner with its registration id.
type NamedScanner struct {
	ID      string
	Scanner sdk.DeviceScanner
}

type outputEntry struct {
	newFn  func() sdk.OutputController
	module string
}

type remapperEntry struct {
	newFn  func() sdk.RemapEngine
	module string
}

type scannerEntry struct {
	scanner sdk.DeviceScanner
	module  string
}

type teardownEntry struct {
	module string
	key    string
	fn     func()
}

// Registry holds the capabilities contributed by loaded modules. It is
// populated once by Scan and only read afterwards; reloading builds a new
// Registry.
type Registry struct {
	mu           sync.RWMutex
	outputs      map[string]outputEntry
	remappers    map[string]remapperEntry
	scanners     map[string]scannerEntry
	scannerOrder []string
	teardowns    []teardownEntry
	conflicts    []ErrDuplicate
	tornDown     bool
	logger       *logger.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		outputs:   make(map[string]outputEntry),
		remappers: make(map[string]remapperEntry),
		scanners:  make(map[string]scannerEntry),
		logger:    log.With("component", "registry"),
	}
}

// Scan invokes the entry point of every module. Faults are confined to the
// module that caused them.
func (r *Registry) Scan(modules []Module) {
	for _, m := range modules {
		log := r.logger.WithFields(map[string]any{"module": m.Name, "package": m.Package})
		if m.Register == nil {
			log.Warn("module has no registration entry point; skipping")
			continue
		}
		if err := r.invoke(m); err != nil {
			log.Error(err, "module registration aborted")
			continue
		}
		log.Debug("module registered")
	}
}

func (r *Registry) invoke(m Module) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = padmuxerrors.NewPluginError(m.Name, fmt.Errorf("panic in entry point: %v", rec))
		}
	}()
	m.Register(&moduleRegistrar{registry: r, module: m.Name})
	return nil
}

// CreateOutput builds a fresh output controller registered under path.
func (r *Registry) CreateOutput(path string) (sdk.OutputController, error) {
	r.mu.RLock()
	entry, ok := r.outputs[path]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound{Kind: KindOutput, Key: path}
	}

	ctrl, err := construct(entry.module, entry.newFn)
	if err != nil {
		return nil, err
	}
	if ctrl == nil {
		return nil, padmuxerrors.NewPluginError(entry.module, fmt.Errorf("constructor for output '%s' returned nil", path))
	}
	return ctrl, nil
}

// CreateRemapper builds a fresh remap engine for a profile file extension.
// The extension may be given with or without its leading dot.
func (r *Registry) CreateRemapper(ext string) (sdk.RemapEngine, error) {
	key := normalizeExtension(ext)

	r.mu.RLock()
	entry, ok := r.remappers[key]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound{Kind: KindRemapper, Key: key}
	}

	engine, err := construct(entry.module, entry.newFn)
	if err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, padmuxerrors.NewPluginError(entry.module, fmt.Errorf("constructor for '%s' engine returned nil", key))
	}
	return engine, nil
}

// construct runs a plugin constructor, converting a panic into a PluginError.
func construct[T any](module string, newFn func() T) (value T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = padmuxerrors.NewPluginError(module, fmt.Errorf("panic in constructor: %v", rec))
		}
	}()
	return newFn(), nil
}

// Scanner returns the live scanner registered under id.
func (r *Registry) Scanner(id string) (sdk.DeviceScanner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.scanners[id]
	if !ok {
		return nil, ErrNotFound{Kind: KindScanner, Key: id}
	}
	return entry.scanner, nil
}

// Scanners returns every live scanner in registration order.
func (r *Registry) Scanners() []NamedScanner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]NamedScanner, 0, len(r.scannerOrder))
	for _, id := range r.scannerOrder {
		result = append(result, NamedScanner{ID: id, Scanner: r.scanners[id].scanner})
	}
	return result
}

// Outputs lists registered output paths in sorted order.
func (r *Registry) Outputs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.outputs)
}

// Extensions lists registered profile extensions in sorted order.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.remappers)
}

// Conflicts returns every rejected duplicate registration.
func (r *Registry) Conflicts() []ErrDuplicate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ErrDuplicate(nil), r.conflicts...)
}

// Teardown runs the collected teardown hooks once, in registration order.
// Callers must stop every session first.
func (r *Registry) Teardown() {
	r.mu.Lock()
	if r.tornDown {
		r.mu.Unlock()
		return
	}
	r.tornDown = true
	hooks := r.teardowns
	r.teardowns = nil
	r.mu.Unlock()

	for _, hook := range hooks {
		r.runTeardown(hook)
	}
}

func (r *Registry) runTeardown(hook teardownEntry) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(map[string]any{"module": hook.module, "key": hook.key}).
				Error(fmt.Errorf("%v", rec), "teardown hook panicked")
		}
	}()
	hook.fn()
}

func (r *Registry) addOutput(module string, reg sdk.OutputRegistration) error {
	if strings.TrimSpace(reg.Path) == "" {
		return r.reject(ErrInvalidRegistration{Kind: KindOutput, Module: module, Reason: "missing device path"})
	}
	if reg.New == nil {
		return r.reject(ErrInvalidRegistration{Kind: KindOutput, Module: module, Reason: fmt.Sprintf("output '%s' has no constructor", reg.Path)})
	}

	r.mu.Lock()
	if existing, ok := r.outputs[reg.Path]; ok {
		dup := ErrDuplicate{Kind: KindOutput, Key: reg.Path, Module: module, Existing: existing.module}
		r.conflicts = append(r.conflicts, dup)
		r.mu.Unlock()
		return r.reject(dup)
	}
	r.outputs[reg.Path] = outputEntry{newFn: reg.New, module: module}
	r.addTeardownLocked(module, reg.Path, reg.Teardown)
	r.mu.Unlock()
	return nil
}

func (r *Registry) addRemapper(module string, reg sdk.RemapperRegistration) error {
	if len(reg.Extensions) == 0 {
		return r.reject(ErrInvalidRegistration{Kind: KindRemapper, Module: module, Reason: "no file extensions declared"})
	}
	if reg.New == nil {
		return r.reject(ErrInvalidRegistration{Kind: KindRemapper, Module: module, Reason: "no constructor"})
	}

	var firstErr error
	accepted := 0

	r.mu.Lock()
	for _, ext := range reg.Extensions {
		key := normalizeExtension(ext)
		if key == "" || key == "." {
			continue
		}
		if existing, ok := r.remappers[key]; ok {
			dup := ErrDuplicate{Kind: KindRemapper, Key: key, Module: module, Existing: existing.module}
			r.conflicts = append(r.conflicts, dup)
			if firstErr == nil {
				firstErr = dup
			}
			continue
		}
		r.remappers[key] = remapperEntry{newFn: reg.New, module: module}
		accepted++
	}
	if accepted > 0 {
		r.addTeardownLocked(module, strings.Join(reg.Extensions, ","), reg.Teardown)
	}
	r.mu.Unlock()

	if accepted == 0 && firstErr == nil {
		firstErr = ErrInvalidRegistration{Kind: KindRemapper, Module: module, Reason: "all declared extensions are blank"}
	}
	if firstErr != nil {
		return r.reject(firstErr)
	}
	return nil
}

func (r *Registry) addScanner(module string, reg sdk.ScannerRegistration) error {
	if strings.TrimSpace(reg.ID) == "" {
		return r.reject(ErrInvalidRegistration{Kind: KindScanner, Module: module, Reason: "missing scanner id"})
	}
	if reg.New == nil {
		return r.reject(ErrInvalidRegistration{Kind: KindScanner, Module: module, Reason: fmt.Sprintf("scanner '%s' has no constructor", reg.ID)})
	}

	r.mu.RLock()
	existing, taken := r.scanners[reg.ID]
	r.mu.RUnlock()
	if taken {
		dup := ErrDuplicate{Kind: KindScanner, Key: reg.ID, Module: module, Existing: existing.module}
		r.mu.Lock()
		r.conflicts = append(r.conflicts, dup)
		r.mu.Unlock()
		return r.reject(dup)
	}

	// The constructor runs outside the lock; it is plugin code.
	scanner := reg.New()
	if scanner == nil {
		return r.reject(ErrInvalidRegistration{Kind: KindScanner, Module: module, Reason: fmt.Sprintf("scanner '%s' constructor returned nil", reg.ID)})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.scanners[reg.ID]; ok {
		dup := ErrDuplicate{Kind: KindScanner, Key: reg.ID, Module: module, Existing: existing.module}
		r.conflicts = append(r.conflicts, dup)
		r.logger.With("module", module).Warn(dup.Error())
		return dup
	}
	r.scanners[reg.ID] = scannerEntry{scanner: scanner, module: module}
	r.scannerOrder = append(r.scannerOrder, reg.ID)
	r.addTeardownLocked(module, reg.ID, reg.Teardown)
	return nil
}

func (r *Registry) addTeardownLocked(module, key string, fn func()) {
	if fn == nil {
		return
	}
	r.teardowns = append(r.teardowns, teardownEntry{module: module, key: key, fn: fn})
}

func (r *Registry) reject(err error) error {
	r.logger.Warn(err.Error())
	return err
}

// moduleRegistrar binds registrations to the module that made them.
type moduleRegistrar struct {
	registry *Registry
	module   string
}

func (m *moduleRegistrar) RegisterOutput(reg sdk.OutputRegistration) error {
	return m.registry.addOutput(m.module, reg)
}

func (m *moduleRegistrar) RegisterRemapper(reg sdk.RemapperRegistration) error {
	return m.registry.addRemapper(m.module, reg)
}

func (m *moduleRegistrar) RegisterScanner(reg sdk.ScannerRegistration) error {
	return m.registry.addScanner(m.module, reg)
}

var _ sdk.Registrar = (*moduleRegistrar)(nil)

func normalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
