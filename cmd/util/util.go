// Package util has helpers shared by the CLI commands.
package util

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/danielberg/mirror/pkg/errors"
)

// HandleFatalError prints the user-facing message for err and exits.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	os.Exit(1)
}

// HandlePanic logs an unexpected panic with its stack before exiting,
// so crash reports are debuggable. Deferred at the top of main and of
// the daemon's accept loop; session tasks recover their own panics.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panicked: %v", r)
		os.Exit(1)
	}
}
