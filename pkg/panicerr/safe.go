// Package panicerr converts panics in event handlers into ordinary errors,
// so one bad document fails its handler instead of crashing the process.
package panicerr

import (
	"context"

	"github.com/sourcegraph/conc/panics"
)

// SafeContext wraps fn so a panic inside it is recovered and returned as an
// error. A returned error takes precedence over a recovered panic.
func SafeContext(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return capture(func() error { return fn(ctx) })
	}
}

func capture(fn func() error) error {
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() {
		err = fn()
	})
	if err != nil {
		return err
	}
	return catcher.Recovered().AsError()
}
