//go:build windows

package main

import "os"

var reloadSignals []os.Signal
