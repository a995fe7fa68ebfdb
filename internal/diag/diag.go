// Package diag provides the package-level diagnostic logger shared by the
// estimation engine.
package diag

import "log"

// Logf is the library-wide diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests or embedding applications can redirect
// or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
