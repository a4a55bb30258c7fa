//go:build !unix

package main

import "os"

var estopSignals []os.Signal
