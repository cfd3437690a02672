package utils

import (
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/sirupsen/logrus"
)

// WaitForCtrlC will block/wait until a control-c or termination signal is received
func WaitForCtrlC() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// HandleSubroutinePanic logs a recovered panic. It must be deferred directly.
// The optional callbacks receive the panic converted to an error, so callers
// can turn a crashed unit of work into a regular failure.
func HandleSubroutinePanic(identifier string, callbacks ...func(err error)) {
	rec := recover()
	if rec == nil {
		return
	}

	err, ok := rec.(error)
	if !ok {
		err = fmt.Errorf("%v", rec)
	}

	logrus.WithError(err).Errorf("uncaught panic in %v subroutine: %v, stack: %v", identifier, rec, string(debug.Stack()))

	for _, cb := range callbacks {
		cb(err)
	}
}
