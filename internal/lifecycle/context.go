package lifecycle

import (
	"context"
	"os/signal"
)

// WithTermination returns a context cancelled on the first termination
// signal.
func WithTermination(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, TerminationSignals()...)
}
