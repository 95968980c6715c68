package async

import (
	"fmt"
	"runtime/debug"

	"github.com/teranos/recurring/errors"
)

// errPermanent marks an error that should not be retried
var errPermanent = errors.New("permanent job error")

// Permanent wraps err so the worker fails the job on this attempt instead of
// scheduling a retry. Hooks still run: Failure fires, then After.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errPermanent)
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	return errors.Is(err, errPermanent)
}

// PanicError is returned in place of a panic raised inside a job hook
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// recoverPanic converts a recovered value into an error. Call from a
// deferred function: defer func() { err = recoverPanic(recover(), err) }().
func recoverPanic(r interface{}, err error) error {
	if r == nil {
		return err
	}
	if e, ok := r.(error); ok {
		return errors.WithStack(&PanicError{Value: e, Stack: debug.Stack()})
	}
	return errors.WithStack(&PanicError{Value: r, Stack: debug.Stack()})
}
