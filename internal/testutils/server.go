package testutils

import (
	"context"
	"testing"

	"github.com/csnewman/beanworker/internal/stalkd"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Broker runs an in-process beanstalkd-compatible broker for the duration of
// f, handing it the running server. A non-empty token requires clients to
// authenticate.
func Broker(t *testing.T, token string, f func(t *testing.T, s *stalkd.Server)) {
	s, err := stalkd.NewServer(slogt.New(t), "127.0.0.1:0", token)
	require.NoError(t, err, "Broker should not error")
	require.NotNil(t, s, "Broker should not be nil")

	g, ctx := errgroup.WithContext(context.Background())
	_ = ctx

	g.Go(func() error {
		return s.Serve()
	})

	g.Go(func() error {
		defer s.Close()

		f(t, s)

		return nil
	})

	require.NoError(t, g.Wait())
}
