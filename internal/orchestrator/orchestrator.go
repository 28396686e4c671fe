// Package orchestrator polls device scanners and keeps one remap session
// alive per present device.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/padmux/internal/events"
	"github.com/alexisbeaulieu97/padmux/internal/logger"
	"github.com/alexisbeaulieu97/padmux/internal/plugin"
	"github.com/alexisbeaulieu97/padmux/pkg/sdk"
)

// DefaultInterval is the scan period used when none is configured.
const DefaultInterval = time.Second

// Session is the part of a remap session the orchestrator drives.
type Session interface {
	ID() string
	Start() error
	Stop() error
	AutoConnect() bool
}

// Factory creates a session for a newly seen device.
type Factory func(handle sdk.DeviceHandle) (Session, error)

// ScannerSource exposes the live scanner singletons.
type ScannerSource interface {
	Scanners() []plugin.NamedScanner
}

// Options configures an Orchestrator.
type Options struct {
	Scanners  ScannerSource
	Factory   Factory
	Interval  time.Duration
	Publisher events.Publisher
	Logger    *logger.Logger
}

// Orchestrator reconciles live sessions with scanner results.
type Orchestrator struct {
	scanners  ScannerSource
	factory   Factory
	interval  time.Duration
	publisher events.Publisher
	logger    *logger.Logger

	reconcileMu sync.Mutex
	lastSeen    map[string][]sdk.DeviceHandle

	mu       sync.RWMutex
	sessions map[string]Session

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an idle orchestrator.
func New(opts Options) *Orchestrator {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Orchestrator{
		scanners:  opts.Scanners,
		factory:   opts.Factory,
		interval:  interval,
		publisher: opts.Publisher,
		logger:    opts.Logger.With("component", "orchestrator"),
		lastSeen:  make(map[string][]sdk.DeviceHandle),
		sessions:  make(map[string]Session),
	}
}

// StartScanning launches the polling loop. The first pass runs immediately.
// Calling it while already scanning does nothing.
func (o *Orchestrator) StartScanning() {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()

	if o.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.loop(ctx, o.done)
	o.logger.WithFields(map[string]any{"interval": o.interval.String()}).Debug("scanning started")
}

// StopScanning stops the polling loop and waits for the current pass to
// finish. Sessions keep running.
func (o *Orchestrator) StopScanning() {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()

	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	o.cancel = nil
	o.done = nil
	o.logger.Debug("scanning stopped")
}

// Scanning reports whether the polling loop is active.
func (o *Orchestrator) Scanning() bool {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()
	return o.cancel != nil
}

func (o *Orchestrator) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		o.Reconcile()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reconcile performs one scan pass: sessions for vanished devices are
// stopped and removed, new devices get a session that is started when the
// device is set to auto-connect. Sessions present on both sides are left
// untouched.
func (o *Orchestrator) Reconcile() {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	candidates := o.scan()

	o.mu.Lock()
	if sameKeys(candidates, o.sessions) {
		o.mu.Unlock()
		return
	}
	var removed []Session
	for id, s := range o.sessions {
		if _, ok := candidates[id]; !ok {
			removed = append(removed, s)
			delete(o.sessions, id)
		}
	}
	var added []sdk.DeviceHandle
	for id, h := range candidates {
		if _, ok := o.sessions[id]; !ok {
			added = append(added, h)
		}
	}
	o.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i].ID() < removed[j].ID() })
	for _, s := range removed {
		if err := s.Stop(); err != nil {
			o.logger.WithFields(map[string]any{"device_id": s.ID()}).Error(err, "failed to stop session")
		}
		o.publish(events.Event{Category: events.CategorySessionRemoved, DeviceID: s.ID()})
		o.logger.WithFields(map[string]any{"device_id": s.ID()}).Info("device removed")
	}

	sort.Slice(added, func(i, j int) bool { return added[i].ID() < added[j].ID() })
	for _, h := range added {
		o.add(h)
	}
}

func (o *Orchestrator) add(h sdk.DeviceHandle) {
	log := o.logger.WithFields(map[string]any{"device_id": h.ID(), "device": h.Name()})
	if o.factory == nil {
		log.Warn("no session factory configured")
		return
	}

	s, err := o.factory(h)
	if err != nil {
		log.Error(err, "failed to create session")
		return
	}

	o.mu.Lock()
	o.sessions[h.ID()] = s
	o.mu.Unlock()

	o.publish(events.Event{
		Category: events.CategorySessionAdded,
		DeviceID: h.ID(),
		Payload:  events.InfoPayload{Info: sdk.DeviceInfo{ID: h.ID(), Name: h.Name()}},
	})
	log.Info("device added")

	if s.AutoConnect() {
		if err := s.Start(); err != nil {
			log.Error(err, "auto-connect failed")
		}
	}
}

// scan unions every scanner's devices, deduplicated by id. A scanner that
// fails keeps the devices it reported last time.
func (o *Orchestrator) scan() map[string]sdk.DeviceHandle {
	candidates := make(map[string]sdk.DeviceHandle)
	if o.scanners == nil {
		return candidates
	}

	for _, named := range o.scanners.Scanners() {
		devices, err := o.devices(named.Scanner)
		if err != nil {
			o.logger.WithFields(map[string]any{"scanner": named.ID}).Error(err, "device scan failed, keeping previous result")
			devices = o.lastSeen[named.ID]
		} else {
			o.lastSeen[named.ID] = devices
		}
		for _, h := range devices {
			if h == nil || h.ID() == "" {
				continue
			}
			if _, dup := candidates[h.ID()]; !dup {
				candidates[h.ID()] = h
			}
		}
	}
	return candidates
}

func (o *Orchestrator) devices(scanner sdk.DeviceScanner) (devices []sdk.DeviceHandle, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scanner panic: %v", r)
		}
	}()
	return scanner.Devices()
}

// Sessions returns the live sessions ordered by device id.
func (o *Orchestrator) Sessions() []Session {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Session returns the session for a device id.
func (o *Orchestrator) Session(id string) (Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	return s, ok
}

// Shutdown stops scanning, then stops and forgets every session.
func (o *Orchestrator) Shutdown() error {
	o.StopScanning()

	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	o.mu.Lock()
	sessions := make([]Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.sessions = make(map[string]Session)
	o.lastSeen = make(map[string][]sdk.DeviceHandle)
	o.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
		o.publish(events.Event{Category: events.CategorySessionRemoved, DeviceID: s.ID()})
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) publish(e events.Event) {
	if o.publisher != nil {
		o.publisher.Publish(e)
	}
}

func sameKeys(candidates map[string]sdk.DeviceHandle, live map[string]Session) bool {
	if len(candidates) != len(live) {
		return false
	}
	for id := range candidates {
		if _, ok := live[id]; !ok {
			return false
		}
	}
	return true
}
