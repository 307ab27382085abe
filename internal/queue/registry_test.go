package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/csnewman/beanworker/internal/queue"
	"github.com/csnewman/beanworker/internal/stalkd"
	"github.com/csnewman/beanworker/internal/testutils"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

func TestRegistryCachesQueues(t *testing.T) {
	t.Parallel()

	testutils.Broker(t, "", func(t *testing.T, s *stalkd.Server) {
		reg := queue.NewRegistry(func(name string) *queue.Queue {
			return queue.New(slogt.New(t), name, testOptions(s, name))
		})

		a := reg.Get("emails")
		b := reg.Get("emails")
		c := reg.Get("uploads")

		require.Same(t, a, b, "Get should return the cached instance")
		require.NotSame(t, a, c, "Different names should get different queues")
		require.Equal(t, "emails", a.Name(), "Queue should carry its name")
	})
}

func TestRegistryFanOut(t *testing.T) {
	t.Parallel()

	testutils.Broker(t, "", func(t *testing.T, s *stalkd.Server) {
		reg := queue.NewRegistry(func(name string) *queue.Queue {
			return queue.New(slogt.New(t), name, testOptions(s, name))
		})

		done := make(chan string, 4)

		for _, name := range []string{"fan1", "fan2"} {
			q := reg.Get(name)
			q.Each(func(ctx context.Context, payload any) error {
				done <- q.Name()

				return nil
			})

			require.NoError(t, q.Push("job"), "Push should not error")
		}

		reg.StartAll()
		defer reg.StopAll()

		seen := map[string]bool{}

		for i := 0; i < 2; i++ {
			select {
			case name := <-done:
				seen[name] = true
			case <-time.After(5 * time.Second):
				t.Fatal("fan-out processing timed out")
			}
		}

		require.Len(t, seen, 2, "Both queues should have processed their job")

		reg.StopAll()

		require.NoError(t, reg.Get("fan1").Push("leftover"), "Push should not error")
		require.NoError(t, reg.ResetAll(), "ResetAll should not error")

		_, ok := s.Store().PeekReady("worker.fan1")
		require.False(t, ok, "ResetAll should drain every queue")
	})
}
