// ABOUTME: Tests for the per-session FIFO sequencer.
// ABOUTME: Validates ordering, session independence, cancellation and idle cleanup.

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencer_FirstAcquireIsImmediate(t *testing.T) {
	seq := New(time.Minute)
	defer seq.Close()

	release, err := seq.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	release()
	release() // second call is a no-op

	release, err = seq.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	release()
}

func TestSequencer_FIFO(t *testing.T) {
	seq := New(time.Minute)
	defer seq.Close()

	first, err := seq.Acquire(context.Background(), "s1")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			release, err := seq.Acquire(context.Background(), "s1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			release()
		}(i)
		// wait until the goroutine is queued so arrival order is known
		require.Eventually(t, func() bool { return waiting(seq, "s1") == i }, time.Second, time.Millisecond)
	}

	first()
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func waiting(s *Sequencer, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return 0
	}
	return len(e.waiters)
}

func TestSequencer_SessionsAreIndependent(t *testing.T) {
	seq := New(time.Minute)
	defer seq.Close()

	hold, err := seq.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	defer hold()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := seq.Acquire(ctx, "s2")
	require.NoError(t, err)
	release()
}

func TestSequencer_CancelWhileWaiting(t *testing.T) {
	seq := New(time.Minute)
	defer seq.Close()

	hold, err := seq.Acquire(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = seq.Acquire(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, waiting(seq, "s1"))

	hold()

	release, err := seq.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	release()
}

func TestSequencer_Cleanup(t *testing.T) {
	seq := New(10 * time.Millisecond)
	defer seq.Close()

	release, err := seq.Acquire(context.Background(), "idle")
	require.NoError(t, err)
	release()

	busy, err := seq.Acquire(context.Background(), "busy")
	require.NoError(t, err)
	defer busy()

	time.Sleep(20 * time.Millisecond)
	seq.runCleanup()

	assert.Equal(t, 1, seq.Len())
}

func TestSequencer_CloseIdempotent(t *testing.T) {
	seq := New(time.Minute)
	seq.Close()
	seq.Close()
}

func TestSequencer_ConcurrentSessions(t *testing.T) {
	seq := New(time.Minute)
	defer seq.Close()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  = map[string]int{}
		overlap bool
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := []string{"a", "b", "c"}[i%3]
			release, err := seq.Acquire(context.Background(), id)
			if err != nil {
				return
			}
			mu.Lock()
			active[id]++
			if active[id] > 1 {
				overlap = true
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active[id]--
			mu.Unlock()
			release()
		}(i)
	}
	wg.Wait()
	assert.False(t, overlap, "two holders of one session at once")
}
