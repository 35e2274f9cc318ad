//go:build !windows

package main

import (
	"os"
	"syscall"
)

var hideSignals = []os.Signal{syscall.SIGUSR1}
