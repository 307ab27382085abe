package queue

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/beanstalkd/go-beanstalk"
	"github.com/csnewman/beanworker/internal/stalkd"
	"github.com/csnewman/beanworker/internal/testutils"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

func TestConnectCollapsesConcurrentAttempts(t *testing.T) {
	t.Parallel()

	testutils.Broker(t, "", func(t *testing.T, s *stalkd.Server) {
		var setups atomic.Int64

		c := newConnection(slogt.New(t), "test", s.Addr().String(), "", func(h *beanstalk.Conn) error {
			setups.Add(1)

			return nil
		})

		const callers = 10

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			handles = map[*beanstalk.Conn]struct{}{}
		)

		for i := 0; i < callers; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				h, err := c.Conn()
				require.NoError(t, err, "Conn should not error")

				mu.Lock()
				handles[h] = struct{}{}
				mu.Unlock()
			}()
		}

		wg.Wait()

		require.Len(t, handles, 1, "All callers should share one handle")
		require.EqualValues(t, 1, setups.Load(), "Setup should run once per connect")
	})
}

func TestConnectFailureLeavesNoHandle(t *testing.T) {
	t.Parallel()

	// Nothing listens here.
	c := newConnection(slogt.New(t), "test", "127.0.0.1:1", "", nil)

	_, err := c.Conn()
	require.Error(t, err, "Conn should fail against a dead address")

	// The failed attempt must not wedge the state machine.
	_, err = c.Conn()
	require.Error(t, err, "Conn should fail again, not deadlock")
}

func TestEndDropsHandle(t *testing.T) {
	t.Parallel()

	testutils.Broker(t, "", func(t *testing.T, s *stalkd.Server) {
		var setups atomic.Int64

		c := newConnection(slogt.New(t), "test", s.Addr().String(), "", func(h *beanstalk.Conn) error {
			setups.Add(1)

			return nil
		})

		h1, err := c.Conn()
		require.NoError(t, err, "Conn should not error")

		h2, err := c.Conn()
		require.NoError(t, err, "Conn should be idempotent while live")
		require.Same(t, h1, h2, "Live handle should be reused")

		c.End()

		h3, err := c.Conn()
		require.NoError(t, err, "Conn should redial after End")
		require.NotSame(t, h1, h3, "Ended handle should never be reused")
		require.EqualValues(t, 2, setups.Load(), "Setup should run per connect")
	})
}

func TestEndDuringConnectDiscardsHandle(t *testing.T) {
	t.Parallel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to listen")

	defer func() {
		_ = lis.Close()
	}()

	dialing := make(chan struct{})
	release := make(chan struct{})

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}

		defer func() {
			_ = conn.Close()
		}()

		// Hold the auth reply so the dial stays in flight.
		buf := make([]byte, 64)
		_, _ = conn.Read(buf)
		close(dialing)

		<-release
		_, _ = conn.Write([]byte("OK\r\n"))
	}()

	c := newConnection(slogt.New(t), "test", lis.Addr().String(), "token", nil)

	result := make(chan error, 1)

	go func() {
		_, err := c.Conn()
		result <- err
	}()

	<-dialing
	c.End()
	close(release)

	require.ErrorIs(t, <-result, ErrTimedOut, "Handle dialed across End should be discarded")

	c.mu.Lock()
	require.Equal(t, stateDisconnected, c.state, "Connection should stay down")
	require.Nil(t, c.handle, "No handle should be installed")
	c.mu.Unlock()
}

func TestFailedSetupStoresNothing(t *testing.T) {
	t.Parallel()

	testutils.Broker(t, "", func(t *testing.T, s *stalkd.Server) {
		setupErr := errors.New("bad setup")
		fail := true

		c := newConnection(slogt.New(t), "test", s.Addr().String(), "", func(h *beanstalk.Conn) error {
			if fail {
				return setupErr
			}

			return nil
		})

		_, err := c.Conn()
		require.ErrorIs(t, err, setupErr, "Setup failure should surface")

		fail = false

		_, err = c.Conn()
		require.NoError(t, err, "Next connect should start from scratch")
	})
}

func TestClassify(t *testing.T) {
	t.Parallel()

	drainErr := beanstalk.ConnError{Op: "put", Err: beanstalk.ErrDraining}

	tests := []struct {
		name string
		err  error
		want error
		dead bool
	}{
		{
			name: "reserve timeout",
			err:  beanstalk.ConnError{Op: "reserve", Err: beanstalk.ErrTimeout},
			want: ErrTimedOut,
			dead: false,
		},
		{
			name: "not found",
			err:  beanstalk.ConnError{Op: "delete", Err: beanstalk.ErrNotFound},
			want: ErrNotFound,
			dead: false,
		},
		{
			name: "broker draining",
			err:  drainErr,
			want: drainErr,
			dead: false,
		},
		{
			name: "transport eof",
			err:  beanstalk.ConnError{Op: "reserve", Err: io.EOF},
			want: ErrTimedOut,
			dead: true,
		},
		{
			name: "bare transport error",
			err:  errors.New("use of closed network connection"),
			want: ErrTimedOut,
			dead: true,
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, dead := classify(tt.err)
			require.ErrorIs(t, got, tt.want, "Canonical error should match")
			require.Equal(t, tt.dead, dead, "Transport liveness should match")
		})
	}
}
