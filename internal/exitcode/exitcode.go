// Package exitcode holds the exit code a process reports when it finishes an
// entry point, and maps codes to what the operating system will surface.
package exitcode

import (
	"os"
	"sync/atomic"
)

var current atomic.Int64

// Set records the code the process will exit with.
func Set(v int) {
	current.Store(int64(v))
}

// Get returns the last code passed to Set, or 0.
func Get() int {
	return int(current.Load())
}

// Exit terminates the process with Get().
func Exit() {
	os.Exit(Get())
}

// Normalize returns the value a parent observes for code on goos.
// Unix wait statuses keep the low 8 bits; Windows keeps the 32-bit pattern.
func Normalize(code int, goos string) int {
	switch goos {
	case "windows":
		return int(int32(uint32(code)))
	case "plan9", "js", "wasip1":
		return code
	default:
		return code & 0xff
	}
}
