// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package osutil

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// In the case of Linux, we can just use the memfd_create syscall.
func CreateSharedMemFile(size int) (f *os.File, err error) {
	// The name is actually irrelevant and can even be the same for all such files.
	fd, err := unix.MemfdCreate("reprl-shared-mem", unix.MFD_CLOEXEC)
	if err != nil {
		err = fmt.Errorf("failed to do memfd_create: %w", err)
		return
	}
	f = os.NewFile(uintptr(fd), fmt.Sprintf("/proc/self/fd/%d", fd))
	return
}

func CloseSharedMemFile(f *os.File) error {
	return f.Close()
}

// namedSharedMemPath returns the filesystem path backing the POSIX shared
// memory object name (which must start with a slash, as for shm_open).
func namedSharedMemPath(name string) string {
	return "/dev/shm" + name
}

// CreateNamedSharedMem creates a POSIX shared memory region that a worker
// process can attach to with shm_open using the same name, and maps it
// read/write. An existing region with that name is replaced.
func CreateNamedSharedMem(name string, size int) (f *os.File, mem []byte, err error) {
	path := namedSharedMemPath(name)
	os.Remove(path)
	f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create shared memory region %v: %w", name, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, nil, fmt.Errorf("failed to truncate shared memory region %v: %w", name, err)
	}
	mem, err = syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, nil, fmt.Errorf("failed to mmap shared memory region %v: %w", name, err)
	}
	return f, mem, nil
}

// CloseNamedSharedMem unmaps, closes and unlinks a region created by CreateNamedSharedMem.
func CloseNamedSharedMem(f *os.File, mem []byte, name string) error {
	err1 := syscall.Munmap(mem)
	err2 := f.Close()
	err3 := os.Remove(namedSharedMemPath(name))
	switch {
	case err1 != nil:
		return err1
	case err2 != nil:
		return err2
	default:
		return err3
	}
}
