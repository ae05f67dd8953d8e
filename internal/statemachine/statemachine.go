// Package statemachine tracks the engine's single observable playback
// state (Idle / Loading / Playing) and fans transitions out to subscribers,
// narrowing the teacher's generic string-keyed event bus to the engine's
// one three-variant state.
package statemachine

import (
	"sync"

	"github.com/playola-fm/spin-engine/pkg/types"
)

// Kind identifies which variant of State is populated.
type Kind int

const (
	Idle Kind = iota
	Loading
	Playing
)

func (k Kind) String() string {
	switch k {
	case Loading:
		return "Loading"
	case Playing:
		return "Playing"
	default:
		return "Idle"
	}
}

// State is the engine's observable playback state. Only the field matching
// Kind is meaningful.
type State struct {
	Kind            Kind
	LoadingFraction float64
	Spin            types.Spin
}

// Delegate receives every state transition on its own goroutine, mirroring
// the fire-and-forget dispatch of the teacher's event bus.
type Delegate func(State)

// Machine holds the current state and notifies subscribers on change.
type Machine struct {
	mu       sync.RWMutex
	current  State
	delegate Delegate

	subMu       sync.Mutex
	subscribers []chan State
}

// New returns a Machine starting in Idle.
func New() *Machine {
	return &Machine{current: State{Kind: Idle}}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SetDelegate installs the single delegate called on every transition,
// replacing any previously installed delegate.
func (m *Machine) SetDelegate(d Delegate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delegate = d
}

// Subscribe returns a channel that receives every subsequent state, best
// effort: a slow subscriber misses intermediate states rather than
// blocking the transition that produced them. Call Unsubscribe when done.
func (m *Machine) Subscribe() <-chan State {
	ch := make(chan State, 4)
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.subMu.Unlock()
	return ch
}

// Unsubscribe detaches and closes a channel returned by Subscribe.
func (m *Machine) Unsubscribe(ch <-chan State) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for i, c := range m.subscribers {
		if c == ch {
			close(c)
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			return
		}
	}
}

// SetIdle transitions to Idle.
func (m *Machine) SetIdle() { m.transition(State{Kind: Idle}) }

// SetLoading transitions to Loading with the given fraction in [0,1].
func (m *Machine) SetLoading(fraction float64) {
	m.transition(State{Kind: Loading, LoadingFraction: fraction})
}

// SetPlaying transitions to Playing for spin.
func (m *Machine) SetPlaying(spin types.Spin) {
	m.transition(State{Kind: Playing, Spin: spin})
}

func (m *Machine) transition(next State) {
	m.mu.Lock()
	m.current = next
	delegate := m.delegate
	m.mu.Unlock()

	if delegate != nil {
		go delegate(next)
	}

	m.subMu.Lock()
	subs := make([]chan State, len(m.subscribers))
	copy(subs, m.subscribers)
	m.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- next:
		default:
		}
	}
}
