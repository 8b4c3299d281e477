package mux

import (
	"io"
	"sync"
)

// lifecycle is the session-wide state machine: Dispatching accepts new
// work, Draining finishes outstanding work only, Closed means every
// tag has drained after a drain or Session.Close was called, and
// Errored is terminal from any other state.
type lifecycle int

const (
	lifecycleDispatching lifecycle = iota
	lifecycleDraining
	lifecycleClosed
	lifecycleErrored
)

// slotPhase is the state of one outstanding tag's read slot.
type slotPhase int

const (
	// slotPacket holds a delivered Message (possibly not yet set, in
	// which case the caller owning this slot is either about to
	// become leader or is the leader itself mid-read).
	slotPacket slotPhase = iota
	// slotWaiting means the caller parked on wake, to be notified by
	// whichever goroutine is leading the read loop.
	slotWaiting
	// slotPoisoned means the session aborted before this tag's reply
	// arrived; err explains why.
	slotPoisoned
	// slotDiscarded means the caller abandoned this tag via
	// Ticket.Discard before a reply arrived. The slot stays reserved
	// (so its id cannot be reused) until the reply is observed and
	// dropped, or the session aborts.
	slotDiscarded
)

// tagSlot is one entry in sessionState.slots. Exactly one of msg, wake,
// err is meaningful, selected by phase.
type tagSlot struct {
	phase slotPhase
	msg   *Message
	wake  chan struct{}
	err   error
}

// sessionState is the mutex-guarded bookkeeping shared by every
// Dispatch/Ping call on a Session: tag allocation, the per-tag read
// slots, and the lifecycle. It corresponds to the Rust original's
// SessionReadState, with the raw condition-variable pointer replaced
// by a per-slot wake channel, since Go has no stack-allocated condvar
// that a waiter can safely hand a pointer to across goroutines.
type sessionState struct {
	mu        sync.Mutex
	slots     map[uint32]*tagSlot
	lifecycle lifecycle
	err       error

	// reader is the shared wire reader, present exactly when no
	// goroutine currently owns it. A caller that finds it non-nil
	// takes it (setting this back to nil) and becomes the leader of
	// the read loop; it hands it back by setting this field again,
	// always under mu, whenever it stops leading.
	reader io.Reader
}

func newSessionState() *sessionState {
	return &sessionState{slots: make(map[uint32]*tagSlot)}
}

// checkOk reports whether the session will currently accept a new
// dispatch. Callers must hold mu.
func (s *sessionState) checkOk() error {
	switch s.lifecycle {
	case lifecycleDispatching:
		return nil
	case lifecycleErrored:
		return s.err
	case lifecycleDraining:
		return ErrDraining
	case lifecycleClosed:
		return ErrClosed
	default:
		panic("mux: unknown lifecycle state")
	}
}

// nextID allocates a fresh tag id in [2, MaxTag] and marks its slot
// slotPacket with no message yet, mirroring next_id in the Rust
// original. Id 0 is reserved for session control traffic and id 1 is
// historically reserved.
func (s *sessionState) nextID() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOk(); err != nil {
		return 0, err
	}

	for id := uint32(2); id <= MaxTag; id++ {
		if _, taken := s.slots[id]; !taken {
			s.slots[id] = &tagSlot{phase: slotPacket}
			return id, nil
		}
	}
	return 0, ErrTagsExhausted
}

// releaseID drops id's slot. If the session is draining and no tags
// remain outstanding, the session transitions to Closed.
func (s *sessionState) releaseID(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseIDLocked(id)
}

func (s *sessionState) releaseIDLocked(id uint32) {
	delete(s.slots, id)
	if s.lifecycle == lifecycleDraining && len(s.slots) == 0 {
		s.lifecycle = lifecycleClosed
	}
}

// electLeader wakes exactly one waiting follower, who will become the
// new leader of the read loop. Callers must hold mu.
func (s *sessionState) electLeader() {
	for _, slot := range s.slots {
		if slot.phase == slotWaiting {
			close(slot.wake)
			slot.phase = slotPacket
			return
		}
	}
}

// drain transitions Dispatching to Draining; it is a no-op once the
// session has already errored or closed. Callers must hold mu.
func (s *sessionState) drain() {
	if s.lifecycle == lifecycleDispatching {
		s.lifecycle = lifecycleDraining
	}
}

// abortSession poisons every outstanding slot with err and makes the
// session terminally Errored. Callers must hold mu.
func (s *sessionState) abortSession(err error) {
	s.lifecycle = lifecycleErrored
	s.err = err
	for _, slot := range s.slots {
		wasWaiting := slot.phase == slotWaiting
		wake := slot.wake
		slot.phase = slotPoisoned
		slot.err = err
		slot.msg = nil
		if wasWaiting {
			close(wake)
		}
	}
}
