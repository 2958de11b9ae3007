//go:build !linux
// +build !linux

package util

import (
	"io"
	"log"
	"os"
)

var logWriter io.Writer = os.Stderr

// GetLogWriter returns the current log writer (for use by other packages)
func GetLogWriter() io.Writer {
	return logWriter
}

// SetupLogging is a no-op outside Linux; journald is not available.
func SetupLogging(withJournald bool) {
	if withJournald {
		log.Println("Warning: journald logging is only supported on Linux")
	}
}
