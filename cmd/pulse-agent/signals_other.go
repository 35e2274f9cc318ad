//go:build windows

package main

import "os"

var hideSignals []os.Signal
