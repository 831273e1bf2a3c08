// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build freebsd || netbsd || openbsd || darwin

package osutil

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

func CreateSharedMemFile(size int) (f *os.File, err error) {
	f, err = os.CreateTemp("", "reprl-shm")
	if err != nil {
		err = fmt.Errorf("failed to create temp file: %w", err)
		return
	}
	f.Close()
	fname := f.Name()
	f, err = os.OpenFile(fname, os.O_RDWR, DefaultFilePerm)
	if err != nil {
		err = fmt.Errorf("failed to open shm file: %w", err)
		os.Remove(fname)
	}
	return
}

func CloseSharedMemFile(f *os.File) error {
	err1 := f.Close()
	err2 := os.Remove(f.Name())
	switch {
	case err1 != nil:
		return err1
	default:
		return err2
	}
}

// Without memfd the named region is a plain file; workers open it by path.
func namedSharedMemPath(name string) string {
	return filepath.Join(os.TempDir(), filepath.Base(name))
}

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
