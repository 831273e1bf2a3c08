// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package reprl

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Status is the 32-bit result word of one execution:
//
//	[ 00000000 | did_timeout | exit_code | terminating_signal ]
//
// At most one of the three fields is nonzero for any given result.
type Status int

// StatusTimeout is the status of an execution that exceeded its time budget.
const StatusTimeout Status = 1 << 16

// Signaled reports whether the worker was terminated by a signal.
func (s Status) Signaled() bool {
	return s&0xff != 0
}

// TimedOut reports whether the execution was killed on timeout.
func (s Status) TimedOut() bool {
	return s&0xff0000 != 0
}

// Exited reports whether the worker finished normally.
func (s Status) Exited() bool {
	return !s.Signaled() && !s.TimedOut()
}

// TermSignal returns the terminating signal, meaningful only if Signaled.
func (s Status) TermSignal() unix.Signal {
	return unix.Signal(s & 0xff)
}

// ExitStatus returns the exit code, meaningful only if Exited.
func (s Status) ExitStatus() int {
	return int(s>>8) & 0xff
}

func (s Status) String() string {
	switch {
	case s.TimedOut():
		return "timed out"
	case s.Signaled():
		return fmt.Sprintf("signal %d (%v)", int(s.TermSignal()), s.TermSignal())
	default:
		return fmt.Sprintf("exit %d", s.ExitStatus())
	}
}

// statusFromWait encodes an OS wait result of a crashed worker.
func statusFromWait(ws unix.WaitStatus) (Status, error) {
	switch {
	case ws.Exited():
		return Status(ws.ExitStatus() << 8), nil
	case ws.Signaled():
		return Status(ws.Signal()), nil
	default:
		// We never pass WUNTRACED, so stop/continue states are unexpected.
		return 0, fmt.Errorf("wait returned unexpected worker state %#x", int(ws))
	}
}
