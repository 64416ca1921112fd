// Package registry tracks the inhibitor locks the daemon holds, one per
// client label.
//
// Inhibit is idempotent: a label that is already held is left alone and no
// second inhibitor is acquired. Release is idempotent too, and a single
// Release clears a label no matter how many Inhibit calls preceded it;
// labels are not reference counted.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"github.com/scienceol/doppio/internal/logging"
	"github.com/scienceol/doppio/internal/power"
)

// ErrAcquire wraps every failure to obtain an inhibitor from the
// power-management backend.
var ErrAcquire = errors.New("acquire inhibitor")

const (
	inhibitWhat = "idle"
	inhibitWho  = "doppio"
	inhibitMode = "block"
)

// RequestFor builds the inhibitor request issued for label.
func RequestFor(label string) power.Request {
	return power.Request{
		What: inhibitWhat,
		Who:  inhibitWho,
		Why:  "Request from " + label,
		Mode: inhibitMode,
	}
}

// Registry maps labels to held inhibitor locks. The zero value is not
// usable; call New.
type Registry struct {
	acquirer power.Acquirer
	logger   pslog.Logger

	mu      sync.RWMutex
	entries map[string]power.Lock
	order   []string

	keys keyedMutex
}

// New returns an empty registry acquiring locks through acquirer.
func New(acquirer power.Acquirer, logger pslog.Logger) *Registry {
	return &Registry{
		acquirer: acquirer,
		logger:   logging.WithSubsystem(logger, "registry"),
		entries:  make(map[string]power.Lock),
	}
}

// Inhibit makes sure an inhibitor is held for label. Concurrent calls for
// the same label are serialized so at most one inhibitor is acquired;
// calls for different labels do not wait on each other.
func (r *Registry) Inhibit(ctx context.Context, label string) error {
	unlock := r.keys.lock(label)
	defer unlock()

	if r.IsInhibiting(label) {
		return nil
	}

	lock, err := r.acquirer.Acquire(ctx, RequestFor(label))
	if err != nil {
		return fmt.Errorf("%w for %q: %w", ErrAcquire, label, err)
	}
	if lock == nil {
		return fmt.Errorf("%w for %q: backend returned no lock", ErrAcquire, label)
	}

	r.mu.Lock()
	r.entries[label] = lock
	r.order = append(r.order, label)
	n := len(r.entries)
	r.mu.Unlock()

	r.logger.Info("registry.inhibit.acquired", "label", label, "active", n)
	return nil
}

// Release drops the inhibitor held for label, if any.
func (r *Registry) Release(label string) {
	r.mu.Lock()
	lock, ok := r.entries[label]
	if ok {
		delete(r.entries, label)
		r.order = removeLabel(r.order, label)
	}
	n := len(r.entries)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.closeLock(label, lock)
	r.logger.Info("registry.inhibit.released", "label", label, "active", n)
}

// IsInhibiting reports whether an inhibitor is held for label.
func (r *Registry) IsInhibiting(label string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[label]
	return ok
}

// ActiveLabels returns the held labels in the order they were inhibited.
// The slice is a copy and goes stale as soon as the registry changes.
func (r *Registry) ActiveLabels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	labels := make([]string, len(r.order))
	copy(labels, r.order)
	return labels
}

// Len returns the number of held labels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close releases every held inhibitor. The registry stays usable.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	order := r.order
	r.entries = make(map[string]power.Lock)
	r.order = nil
	r.mu.Unlock()

	var errs []error
	for _, label := range order {
		if err := entries[label].Close(); err != nil {
			errs = append(errs, fmt.Errorf("release %q: %w", label, err))
		}
	}
	if len(order) > 0 {
		r.logger.Info("registry.close", "released", len(order))
	}
	return errors.Join(errs...)
}

func (r *Registry) closeLock(label string, lock power.Lock) {
	if err := lock.Close(); err != nil {
		r.logger.Warn("registry.release.close_failed", "label", label, "error", err)
	}
}

func removeLabel(order []string, label string) []string {
	for i, l := range order {
		if l == label {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
