// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package osutil

import (
	"syscall"
)

// ChildSysProcAttr returns process attributes for worker children:
// the child gets SIGKILL when the harness dies so that workers never outlive us.
func ChildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}
}
