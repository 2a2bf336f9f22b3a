// Package locks holds the process-wide permits that serialize package
// operations, sideloads and downloads across concurrently running tasks.
package locks

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/semaphore"

	"github.com/TinkerUp/sideload-core/internal/errs"
)

type Kind string

const (
	PackageOperation Kind = "package_operation"
	Sideload         Kind = "sideload"
	Download         Kind = "download"
)

// acquisition order for multi-permit steps
var order = []Kind{PackageOperation, Sideload, Download}

// Manager owns one capacity-1 permit per Kind. Waiters are served in arrival
// order and a waiter whose context ends leaves the queue without blocking
// the others.
type Manager struct {
	permits map[Kind]*semaphore.Weighted
	log     *slog.Logger
}

func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	permits := make(map[Kind]*semaphore.Weighted, len(order))
	for _, kind := range order {
		permits[kind] = semaphore.NewWeighted(1)
	}

	return &Manager{
		permits: permits,
		log:     log.With("component", "locks"),
	}
}

// Acquire blocks until the permit for kind is held or ctx ends. The returned
// error wraps errs.ErrCancelled.
func (m *Manager) Acquire(ctx context.Context, kind Kind) error {
	permit, err := m.permit(kind)
	if err != nil {
		return err
	}

	if err := permit.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: waiting for %s permit: %w", errs.ErrCancelled, kind, err)
	}

	m.log.Debug("acquired permit", "kind", kind)
	return nil
}

// TryAcquire takes the permit only if it is free right now.
func (m *Manager) TryAcquire(kind Kind) bool {
	permit, err := m.permit(kind)
	if err != nil {
		return false
	}
	return permit.TryAcquire(1)
}

// Release returns a permit obtained from Acquire. Releasing a permit that is
// not held panics.
func (m *Manager) Release(kind Kind) {
	permit, err := m.permit(kind)
	if err != nil {
		panic(err)
	}

	permit.Release(1)
	m.log.Debug("released permit", "kind", kind)
}

// AcquireAll takes several permits in a fixed global order so two callers
// asking for overlapping sets cannot deadlock. On failure nothing is held.
// The returned func releases everything and is safe to call once.
func (m *Manager) AcquireAll(ctx context.Context, kinds ...Kind) (func(), error) {
	wanted := canonical(kinds)
	held := make([]Kind, 0, len(wanted))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.Release(held[i])
		}
		held = held[:0]
	}

	for _, kind := range wanted {
		if err := m.Acquire(ctx, kind); err != nil {
			release()
			return nil, err
		}
		held = append(held, kind)
	}

	return release, nil
}

// With runs fn while holding the given permits and releases them on every
// exit path.
func (m *Manager) With(ctx context.Context, fn func(ctx context.Context) error, kinds ...Kind) error {
	release, err := m.AcquireAll(ctx, kinds...)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx)
}

func (m *Manager) permit(kind Kind) (*semaphore.Weighted, error) {
	permit, ok := m.permits[kind]
	if !ok {
		return nil, fmt.Errorf("unknown permit %q", kind)
	}
	return permit, nil
}

func canonical(kinds []Kind) []Kind {
	result := make([]Kind, 0, len(kinds))
	for _, kind := range order {
		if slices.Contains(kinds, kind) {
			result = append(result, kind)
		}
	}
	for _, kind := range kinds {
		if !slices.Contains(order, kind) && !slices.Contains(result, kind) {
			result = append(result, kind)
		}
	}
	return result
}
