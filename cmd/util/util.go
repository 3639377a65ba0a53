// Package util contains helpers shared by the CLI commands.
package util

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/pypimirror/pypimirror/pkg/errors"
)

// friendlyError is an error that carries a message meant for direct display.
type friendlyError interface {
	FriendlyMessage() string
}

// HandleFatalError prints err and exits. Friendly errors are shown to the
// user as-is; anything else is logged with its full context chain.
func HandleFatalError(err error) {
	if friendly, ok := asFriendly(err); ok {
		fmt.Fprintln(os.Stderr, friendly.FriendlyMessage())
	} else {
		log.WithError(err).Error("Fatal error")
	}
	os.Exit(1)
}

func asFriendly(err error) (friendlyError, bool) {
	for {
		if friendly, ok := err.(friendlyError); ok {
			return friendly, true
		}
		ctxErr, ok := err.(errors.ContextError)
		if !ok {
			return nil, false
		}
		err = ctxErr.Err
	}
}

// HandlePanic recovers from panics in the main goroutine so that crashes
// produce a readable report instead of a bare stack dump.
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "pypimirror crashed: %v\n\n%s", r, debug.Stack())
	os.Exit(1)
}
