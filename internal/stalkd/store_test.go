package stalkd

import (
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

func TestStorePriorityOrder(t *testing.T) {
	t.Parallel()

	s := NewStore(slogt.New(t))
	defer s.Close()

	low := s.Put("orders", 100, 0, time.Minute, []byte("low"))
	high := s.Put("orders", 1, 0, time.Minute, []byte("high"))
	mid1 := s.Put("orders", 50, 0, time.Minute, []byte("mid1"))
	mid2 := s.Put("orders", 50, 0, time.Minute, []byte("mid2"))

	want := []uint64{high, mid1, mid2, low}

	for _, id := range want {
		j, ok := s.Reserve([]string{"orders"}, 0)
		require.True(t, ok, "Reserve should find a job")
		require.Equal(t, id, j.ID, "Jobs should come out by priority, FIFO within one")
	}

	_, ok := s.Reserve([]string{"orders"}, 0)
	require.False(t, ok, "Tube should be exhausted")
}

func TestStoreDelayedPromotion(t *testing.T) {
	t.Parallel()

	s := NewStore(slogt.New(t))
	defer s.Close()

	id := s.Put("orders", 0, 50*time.Millisecond, time.Minute, []byte("later"))

	_, ok := s.Reserve([]string{"orders"}, 0)
	require.False(t, ok, "Delayed job should not be reservable yet")

	j, ok := s.Reserve([]string{"orders"}, time.Second)
	require.True(t, ok, "Delayed job should surface once its delay elapses")
	require.Equal(t, id, j.ID, "The delayed job should be handed out")
}

func TestStoreTTRRequeue(t *testing.T) {
	t.Parallel()

	s := NewStore(slogt.New(t))
	defer s.Close()

	id := s.Put("orders", 0, 0, 50*time.Millisecond, []byte("flaky"))

	_, ok := s.Reserve([]string{"orders"}, 0)
	require.True(t, ok, "Job should be reserved")

	// Never acknowledged: the TTR expires and the job returns to ready.
	j, ok := s.Reserve([]string{"orders"}, time.Second)
	require.True(t, ok, "Expired reservation should be handed out again")
	require.Equal(t, id, j.ID, "Same job should come back")
}

func TestStoreReleaseAndDelete(t *testing.T) {
	t.Parallel()

	s := NewStore(slogt.New(t))
	defer s.Close()

	id := s.Put("orders", 0, 0, time.Minute, []byte("x"))

	require.False(t, s.Release(id, 0, 0), "Releasing an unreserved job should fail")

	_, ok := s.Reserve([]string{"orders"}, 0)
	require.True(t, ok, "Job should be reserved")

	require.True(t, s.Release(id, 5, 0), "Releasing a reserved job should succeed")

	j, ok := s.PeekReady("orders")
	require.True(t, ok, "Released job should be ready")
	require.Equal(t, id, j.ID, "Released job should be peekable")

	require.True(t, s.Delete(id), "Delete should succeed")
	require.False(t, s.Delete(id), "Double delete should report not found")

	_, ok = s.PeekReady("orders")
	require.False(t, ok, "Deleted job should be gone")
}

func TestStorePeekDelayed(t *testing.T) {
	t.Parallel()

	s := NewStore(slogt.New(t))
	defer s.Close()

	_, ok := s.PeekDelayed("orders")
	require.False(t, ok, "Empty tube should have no delayed jobs")

	later := s.Put("orders", 0, time.Hour, time.Minute, []byte("later"))
	sooner := s.Put("orders", 0, time.Minute, time.Minute, []byte("sooner"))
	_ = later

	j, ok := s.PeekDelayed("orders")
	require.True(t, ok, "Delayed job should be peekable")
	require.Equal(t, sooner, j.ID, "Soonest delayed job should be peeked first")
}

func TestStoreReserveBlocksUntilPut(t *testing.T) {
	t.Parallel()

	s := NewStore(slogt.New(t))
	defer s.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Put("orders", 0, 0, time.Minute, []byte("late arrival"))
	}()

	start := time.Now()

	j, ok := s.Reserve([]string{"orders"}, 2*time.Second)
	require.True(t, ok, "Reserve should pick up the late put")
	require.Equal(t, []byte("late arrival"), j.Body, "Body should round-trip")
	require.Less(t, time.Since(start), 2*time.Second, "Reserve should wake before its deadline")
}
