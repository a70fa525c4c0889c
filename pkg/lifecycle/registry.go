// Package lifecycle keeps at most one camera instance alive and hands out
// counted references to it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srediag/camera-hal/internal/logging"
)

var log = logging.New("lifecycle", nil)

var (
	// ErrNoDevice is returned when the device node checked before
	// construction does not exist.
	ErrNoDevice = errors.New("lifecycle: camera device not present")
	// ErrReleaseTimeout is returned when a released instance did not go
	// away within the wait budget.
	ErrReleaseTimeout = errors.New("lifecycle: previous instance still releasing")
)

const (
	DefaultRecheck    = time.Second
	DefaultWaitBudget = 5 * time.Second
)

// Instance is what the registry manages. Release starts the teardown and
// Wait blocks until its workers have exited.
type Instance interface {
	Release(ctx context.Context) error
	Wait(ctx context.Context) error
}

// Factory constructs a new instance.
type Factory[T Instance] func(ctx context.Context) (T, error)

// State of the managed instance.
type State int

const (
	Gone State = iota
	Live
	Releasing
)

func (s State) String() string {
	switch s {
	case Gone:
		return "gone"
	case Live:
		return "live"
	case Releasing:
		return "releasing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options tune a Registry.
type Options struct {
	// DevicePath must exist before an instance is constructed. Empty skips
	// the check.
	DevicePath string
	// Recheck is how often a caller blocked on a releasing instance looks
	// at the state again.
	Recheck time.Duration
	// WaitBudget bounds how long after a release callers keep waiting.
	WaitBudget time.Duration
}

// Registry owns the single instance.
type Registry[T Instance] struct {
	opts    Options
	factory Factory[T]

	mu        sync.Mutex
	state     State
	inst      T
	refs      int
	releaseAt time.Time
	// changed is closed and replaced on every state transition.
	changed chan struct{}
}

// New returns an empty registry.
func New[T Instance](factory Factory[T], opts Options) *Registry[T] {
	if opts.Recheck <= 0 {
		opts.Recheck = DefaultRecheck
	}
	if opts.WaitBudget <= 0 {
		opts.WaitBudget = DefaultWaitBudget
	}
	return &Registry[T]{
		opts:    opts,
		factory: factory,
		changed: make(chan struct{}),
	}
}

func (r *Registry[T]) setStateLocked(s State) {
	log.Debugf("instance %s -> %s", r.state, s)
	r.state = s
	close(r.changed)
	r.changed = make(chan struct{})
}

// State returns the current state and the number of open handles.
func (r *Registry[T]) State() (State, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.refs
}

// Current returns the live instance, if there is one.
func (r *Registry[T]) Current() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Live {
		var zero T
		return zero, false
	}
	return r.inst, true
}

// Changed returns a channel closed on the next state transition.
func (r *Registry[T]) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

// Acquire returns a handle to the live instance, constructing one if there
// is none. It waits for a releasing instance to go away.
func (r *Registry[T]) Acquire(ctx context.Context) (*Handle[T], error) {
	r.mu.Lock()
	for r.state == Releasing {
		if time.Since(r.releaseAt) >= r.opts.WaitBudget {
			r.mu.Unlock()
			log.Errorf("instance released %s ago is still around", time.Since(r.releaseAt).Round(time.Millisecond))
			return nil, ErrReleaseTimeout
		}
		changed := r.changed
		r.mu.Unlock()

		t := time.NewTimer(r.opts.Recheck)
		select {
		case <-changed:
		case <-t.C:
			log.Infof("waiting for the previous instance to be released")
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
		t.Stop()
		r.mu.Lock()
	}
	defer r.mu.Unlock()

	if r.state == Live {
		r.refs++
		return &Handle[T]{r: r, inst: r.inst}, nil
	}

	if r.opts.DevicePath != "" {
		if _, err := os.Stat(r.opts.DevicePath); err != nil {
			log.Errorf("device %s: %v", r.opts.DevicePath, err)
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
	}
	inst, err := r.factory(ctx)
	if err != nil {
		return nil, err
	}
	r.inst = inst
	r.refs = 1
	r.setStateLocked(Live)
	return &Handle[T]{r: r, inst: inst}, nil
}

// markReleasingLocked moves a live instance to Releasing. It reports whether the
// caller made the transition.
func (r *Registry[T]) markReleasingLocked() bool {
	if r.state != Live {
		return false
	}
	r.releaseAt = time.Now()
	r.setStateLocked(Releasing)
	return true
}

func (r *Registry[T]) drop() {
	r.mu.Lock()
	r.refs--
	if r.refs > 0 {
		r.mu.Unlock()
		return
	}
	release := r.markReleasingLocked()
	inst := r.inst
	r.mu.Unlock()
	go r.destroy(inst, release)
}

// destroy waits for inst to finish and forgets it.
func (r *Registry[T]) destroy(inst T, release bool) {
	ctx := context.Background()
	if release {
		if err := inst.Release(ctx); err != nil {
			log.Warnf("release on last close: %v", err)
		}
	}
	if err := inst.Wait(ctx); err != nil {
		log.Warnf("wait for instance: %v", err)
	}
	r.mu.Lock()
	var zero T
	r.inst = zero
	r.setStateLocked(Gone)
	r.mu.Unlock()
}

// Handle is one reference to the instance.
type Handle[T Instance] struct {
	r      *Registry[T]
	inst   T
	closed atomic.Bool
}

// Instance returns the referenced instance.
func (h *Handle[T]) Instance() T {
	return h.inst
}

// Release releases the instance and closes the handle. Other handles keep
// their reference but the instance is no longer usable.
func (h *Handle[T]) Release(ctx context.Context) error {
	h.r.mu.Lock()
	h.r.markReleasingLocked()
	h.r.mu.Unlock()

	err := h.inst.Release(ctx)
	h.Close()
	return err
}

// Close drops the reference. The last close tears the instance down in the
// background, releasing it first if nobody did.
func (h *Handle[T]) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.r.drop()
}
