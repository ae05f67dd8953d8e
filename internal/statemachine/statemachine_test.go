package statemachine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/playola-fm/spin-engine/pkg/types"
)

func TestNewMachineStartsIdle(t *testing.T) {
	m := New()
	require.Equal(t, Idle, m.Current().Kind)
}

func TestTransitionsNotifySubscriber(t *testing.T) {
	m := New()
	ch := m.Subscribe()

	m.SetLoading(0.5)
	select {
	case s := <-ch:
		require.Equal(t, Loading, s.Kind)
		require.InDelta(t, 0.5, s.LoadingFraction, 0.0001)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for loading state")
	}

	spin := types.Spin{ID: "spin-1"}
	m.SetPlaying(spin)
	select {
	case s := <-ch:
		require.Equal(t, Playing, s.Kind)
		require.Equal(t, "spin-1", s.Spin.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for playing state")
	}

	require.Equal(t, Playing, m.Current().Kind)
}

func TestDelegateReceivesTransitions(t *testing.T) {
	m := New()

	var mu sync.Mutex
	var seen []Kind
	done := make(chan struct{}, 1)

	m.SetDelegate(func(s State) {
		mu.Lock()
		seen = append(seen, s.Kind)
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			done <- struct{}{}
		}
	})

	m.SetLoading(0.1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delegate was not called")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []Kind{Loading}, seen)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := New()
	ch := m.Subscribe()
	m.Unsubscribe(ch)

	m.SetLoading(1.0)

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after unsubscribe")
}
