// Package voicepool implements the keyed registry of SpinVoices described
// in spec §4.6: at most one active voice per spin id, with a small capped
// idle list so voices are recycled instead of reallocated between spins.
package voicepool

import (
	"sync"

	"github.com/playola-fm/spin-engine/internal/voice"
)

// defaultIdleCap mirrors the teacher's download.Manager.tasks sizing: small
// enough to bound memory, large enough to absorb normal churn (spec §4.6).
const defaultIdleCap = 8

// Pool is keyed by spin id. GetOrCreate never creates a second voice for an
// id that already has one (spec §8 invariant 4).
type Pool struct {
	idleCap int

	mu     sync.Mutex
	active map[string]*voice.SpinVoice
	idle   []*voice.SpinVoice
}

// New returns an empty pool. idleCap <= 0 uses the default of 8.
func New(idleCap int) *Pool {
	if idleCap <= 0 {
		idleCap = defaultIdleCap
	}
	return &Pool{
		idleCap: idleCap,
		active:  make(map[string]*voice.SpinVoice),
	}
}

// GetOrCreate returns the voice already registered for spinID, or
// allocates one (reusing an idle voice if available) and registers it.
// The second return value reports whether a new registration was made.
func (p *Pool) GetOrCreate(spinID string) (*voice.SpinVoice, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.active[spinID]; ok {
		return v, false
	}

	var v *voice.SpinVoice
	if n := len(p.idle); n > 0 {
		v = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		v = voice.New()
	}

	p.active[spinID] = v
	return v, true
}

// Get returns the active voice for spinID, if any.
func (p *Pool) Get(spinID string) (*voice.SpinVoice, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.active[spinID]
	return v, ok
}

// Has reports whether spinID currently has an active voice.
func (p *Pool) Has(spinID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[spinID]
	return ok
}

// Recycle releases the voice for spinID from the active set. The voice
// itself is expected to have already released its own resources (it calls
// back into Recycle from its clear timer); it's returned to the idle list
// if there's room, otherwise dropped for garbage collection.
func (p *Pool) Recycle(spinID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.active[spinID]
	if !ok {
		return
	}
	delete(p.active, spinID)

	if len(p.idle) < p.idleCap {
		p.idle = append(p.idle, v)
	}
}

// Remove drops spinID from the active set without returning its voice to
// the idle list (used when a voice is being discarded, e.g. after the
// scheduler abandons a spin whose download never completed).
func (p *Pool) Remove(spinID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, spinID)
}

// ActiveIDs returns the spin ids currently holding an active voice.
func (p *Pool) ActiveIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

// Len reports the number of active voices.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// IdleLen reports the number of voices sitting in the idle list, for tests
// and diagnostics.
func (p *Pool) IdleLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
