// Package activeslot implements spec.md's ActiveSessionSlot: the single
// atomically-published pointer to the Session currently serving requests,
// shared by the Runtime Supervisor (C12, which installs it during
// FastInit and clears it during Draining), the Benchmarker (C8, which swaps it on a
// successful hot-swap), and the Scheduler (C6, which falls back to it).
package activeslot

import (
	"sync"
	"sync/atomic"

	"github.com/kestrel-tts/runtime/internal/provider"
	"github.com/kestrel-tts/runtime/internal/session"
)

// entry is the immutable published value: a Session, its ProviderId, and a
// monotonically increasing generation counter (I1: never observed nil
// after first successful install; I2: an old Session is never invalidated
// out from under an in-flight call, since Swap only replaces the pointer,
// never closes the old Session itself — that is the caller's job once it
// is sure no reference remains).
type entry struct {
	session    session.Session
	providerID provider.ID
	generation uint64
}

// Slot is the ActiveSessionSlot. Zero value is an empty, unpublished slot.
type Slot struct {
	value atomic.Pointer[entry]

	mu         sync.Mutex
	generation uint64
}

// Active returns the currently published Session, or nil if nothing has
// been installed yet. Safe for concurrent use without locking (I1/I2).
func (s *Slot) Active() session.Session {
	e := s.value.Load()
	if e == nil {
		return nil
	}
	return e.session
}

// ActiveProvider returns the ProviderId of the currently published
// Session, or the zero ProviderId if nothing has been installed.
func (s *Slot) ActiveProvider() (provider.ID, bool) {
	e := s.value.Load()
	if e == nil {
		return provider.ID{}, false
	}
	return e.providerID, true
}

// Generation returns the current generation counter, incremented on every
// successful Install.
func (s *Slot) Generation() uint64 {
	e := s.value.Load()
	if e == nil {
		return 0
	}
	return e.generation
}

// Install publishes a new Session atomically, returning the previous
// Session (nil on first install) so the caller can release it once no
// in-flight reference remains (I2 places that responsibility on the
// caller, not on Install itself).
func (s *Slot) Install(sess session.Session, id provider.ID) session.Session {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	next := &entry{session: sess, providerID: id, generation: gen}
	prev := s.value.Swap(next)
	if prev == nil {
		return nil
	}
	return prev.session
}

// Clear removes the published Session, returning it so the caller can
// close it. Used during Draining.
func (s *Slot) Clear() session.Session {
	prev := s.value.Swap(nil)
	if prev == nil {
		return nil
	}
	return prev.session
}
