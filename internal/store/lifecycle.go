package store

import "sync"

type lifecycleState int

const (
	stateNew lifecycleState = iota
	stateReady
	stateClosed
)

// Lifecycle tracks the initialize/close state machine shared by every backend.
//
// Operations hold the read side for their whole duration, so Close waits for
// in-flight operations and nothing runs against a released backend. It never
// serializes operations against each other.
type Lifecycle struct {
	mu    sync.RWMutex
	state lifecycleState
}

// Open runs fn and marks the backend ready if it succeeds.
func (l *Lifecycle) Open(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case stateReady:
		return ErrAlreadyInitialized
	case stateClosed:
		return ErrClosed
	}

	if err := fn(); err != nil {
		return err
	}

	l.state = stateReady
	return nil
}

// Enter admits an operation, the returned func must be called when it completes.
func (l *Lifecycle) Enter() (func(), error) {
	l.mu.RLock()

	switch l.state {
	case stateNew:
		l.mu.RUnlock()
		return nil, ErrNotInitialized
	case stateClosed:
		l.mu.RUnlock()
		return nil, ErrClosed
	}

	return l.mu.RUnlock, nil
}

// Shut waits for in-flight operations, runs fn and marks the backend closed.
// The backend is closed even if fn fails, fn only runs if Open succeeded.
func (l *Lifecycle) Shut(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.state
	if prev == stateClosed {
		return ErrClosed
	}
	l.state = stateClosed

	if prev == stateNew {
		return nil
	}
	return fn()
}
