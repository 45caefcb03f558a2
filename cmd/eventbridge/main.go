// Command eventbridge subscribes to work order events and forwards each one to
// a handler.
package main

import (
	"errors"
	"os"
)

func main() {
	os.Exit(exitCode(Execute()))
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return exitPermanent
}
