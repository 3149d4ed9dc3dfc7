package store

import (
	"log/slog"
	"sync"

	goerrors "github.com/go-errors/errors"

	"github.com/cschleiden/agentsession/core"
	"github.com/cschleiden/agentsession/log"
)

// Observer is notified with a copy of the state after every change.
type Observer func(state core.SessionState)

type observer struct {
	id int
	fn Observer
}

// Store holds the state of a single session. All writes go through Mutate.
type Store struct {
	logger *slog.Logger

	// mu guards state and observers.
	mu sync.Mutex

	// notifyMu is taken before mu is released so that observers see changes in the order
	// they were made, while being free to call Read.
	notifyMu sync.Mutex

	state     core.SessionState
	observers []observer
	nextID    int
}

func New(id core.SessionID, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		logger: logger.With(log.SessionIDKey, id.String()),
		state:  core.NewSessionState(id),
	}
}

// Read returns a deep copy of the current state.
func (s *Store) Read() core.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.Clone()
}

// Mutate runs fn with exclusive access to the state. fn reports whether it changed the
// state; only then are observers notified.
//
// fn must not retain the pointer. Observers must not call Mutate from the notifying
// goroutine.
func (s *Store) Mutate(fn func(state *core.SessionState) bool) bool {
	s.mu.Lock()

	lastSeq := s.state.LastAppliedSequence
	if !fn(&s.state) {
		s.mu.Unlock()
		return false
	}

	if s.state.LastAppliedSequence < lastSeq {
		s.logger.Error("refusing to lower last applied sequence",
			log.LastSequenceKey, lastSeq, log.SequenceKey, s.state.LastAppliedSequence)
		s.state.LastAppliedSequence = lastSeq
	}

	s.state.Version++

	if len(s.observers) == 0 {
		s.mu.Unlock()
		return true
	}

	state := s.state.Clone()
	observers := make([]observer, len(s.observers))
	copy(observers, s.observers)

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, o := range observers {
		s.notify(o, state)
	}

	return true
}

// Subscribe registers an observer and returns a function to remove it again.
func (s *Store) Subscribe(fn Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.observers = append(s.observers, observer{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify(o observer, state core.SessionState) {
	defer func() {
		if r := recover(); r != nil {
			err := goerrors.Wrap(r, 2)
			s.logger.Error("observer panicked", "error", err, "stack", string(err.Stack()))
		}
	}()

	// Every observer gets its own copy
	o.fn(state.Clone())
}
