//go:build unix

package main

import (
	"os"
	"syscall"
)

// SIGUSR1 latches the emergency stop.
var estopSignals = []os.Signal{syscall.SIGUSR1}
