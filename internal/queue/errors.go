package queue

import (
	"errors"

	"github.com/beanstalkd/go-beanstalk"
)

var (
	// ErrTimedOut covers both an idle reserve (no job became available
	// within the timeout) and a transport drop during an in-flight
	// command. The broker's own command replies never surface a dead
	// connection, so session failures collapse onto this condition.
	ErrTimedOut = errors.New("timed out")

	// ErrNotFound is the broker's expected-absence reply, e.g. deleting a
	// job the broker already reaped or peeking an empty tube.
	ErrNotFound = errors.New("not found")

	// ErrProcessing rejects one-shot draining while the continuous worker
	// pool is active.
	ErrProcessing = errors.New("queue is processing")

	// ErrAuthRejected reports a refused credential during connect.
	ErrAuthRejected = errors.New("broker rejected credentials")
)

// protocolErrs are the replies the broker can legitimately send; anything
// else underneath a command failure means the socket itself gave out.
var protocolErrs = []error{
	beanstalk.ErrBadFormat,
	beanstalk.ErrBuried,
	beanstalk.ErrDeadline,
	beanstalk.ErrDraining,
	beanstalk.ErrInternal,
	beanstalk.ErrJobTooBig,
	beanstalk.ErrNoCRLF,
	beanstalk.ErrNotFound,
	beanstalk.ErrNotIgnored,
	beanstalk.ErrOOM,
	beanstalk.ErrTimeout,
	beanstalk.ErrUnknown,
}

// classify maps a command failure to its canonical form and reports whether
// the underlying transport must be discarded.
func classify(err error) (error, bool) {
	var ce beanstalk.ConnError

	if errors.As(err, &ce) {
		switch {
		case errors.Is(ce.Err, beanstalk.ErrTimeout):
			return ErrTimedOut, false
		case errors.Is(ce.Err, beanstalk.ErrNotFound):
			return ErrNotFound, false
		}

		for _, pe := range protocolErrs {
			if errors.Is(ce.Err, pe) {
				return err, false
			}
		}

		return ErrTimedOut, true
	}

	var ne beanstalk.NameError
	if errors.As(err, &ne) {
		return err, false
	}

	return ErrTimedOut, true
}
