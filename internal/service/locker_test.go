package service

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerDedupesAndReleases(t *testing.T) {
	l := NewLocker()
	unlock := l.Lock("b", "a", "a", "")
	assert.Equal(t, 2, l.size())

	unlock()
	unlock()
	assert.Zero(t, l.size())
}

func TestLockerExcludesOverlappingNames(t *testing.T) {
	l := NewLocker()
	unlock := l.Lock("quota:t1")

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		release := l.Lock("user:t1/alice", "quota:t1")
		acquired.Store(true)
		release()
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, acquired.Load())

	unlock()
	<-done
	assert.True(t, acquired.Load())
	assert.Zero(t, l.size())
}

func TestLockerOppositeOrderDoesNotDeadlock(t *testing.T) {
	l := NewLocker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.Lock("a", "b")()
		}()
		go func() {
			defer wg.Done()
			l.Lock("b", "a")()
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("locker deadlocked")
	}
	assert.Zero(t, l.size())
}

func TestSagaRollsBackInReverse(t *testing.T) {
	var order []string
	var s saga
	s.done("seat", func() error { order = append(order, "seat"); return nil })
	s.done("device", func() error { order = append(order, "device"); return errors.New("boom") })
	s.done("noop", nil)
	s.done("account", func() error { order = append(order, "account"); return nil })
	assert.Equal(t, []string{"seat", "device", "noop", "account"}, s.completed())

	err := s.rollback()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undo device")
	assert.Equal(t, []string{"account", "device", "seat"}, order)
	assert.Empty(t, s.completed())
	assert.NoError(t, s.rollback())
}
