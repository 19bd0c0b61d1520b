// Package terminal defines the Terminal and Tab records shared by every
// layer of termhub, plus the error taxonomy callers match with errors.Is.
//
// Status transitions:
//
//	running -> exited   process ended, exit code observed
//	running -> error    spawn failed, wrapper lost, or destroyed
//
// A terminal never returns to running once it has left it.
package terminal
