package hal

import (
	"context"
	"sync"
)

// task tracks one background worker. At most one run is active at a time;
// Wait blocks until it finishes. Finish may be called more than once, and a
// run's finishRun never touches a later run.
type task struct {
	name    string
	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func newTask(name string) *task {
	done := make(chan struct{})
	close(done)
	return &task{name: name, done: done}
}

// begin marks the task running. It reports false if it already was.
func (t *task) begin() bool {
	_, ok := t.start()
	return ok
}

// start is begin returning the done channel identifying the new run.
func (t *task) start() (chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil, false
	}
	t.running = true
	t.done = make(chan struct{})
	return t.done, true
}

// finish ends the current run, whichever it is.
func (t *task) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.done)
}

// finishRun ends the run identified by done if it is still the current one.
func (t *task) finishRun(done chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.done != done {
		return
	}
	t.running = false
	close(t.done)
}

func (t *task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Wait blocks until the current run finishes or ctx is done.
func (t *task) Wait(ctx context.Context) error {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
