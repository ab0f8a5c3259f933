// Command qa-extract generates citation-grounded Q&A pairs from the ACCESS-CI
// MCP servers, validates and scores existing corpora, and publishes them to
// the review store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(defaultDeps()).ExecuteContext(ctx)
	stop()
	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// exitError ends the process with code after the command already reported
// the problem on its own.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
