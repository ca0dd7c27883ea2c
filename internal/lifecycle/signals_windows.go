//go:build windows

package lifecycle

import (
	"os"
	"syscall"
)

// TerminationSignals includes SIGTERM, which the runtime raises for console
// close and system shutdown events.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}
