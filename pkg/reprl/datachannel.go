// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package reprl

import (
	"io"
	"os"

	"github.com/jsharness/reprl/pkg/osutil"
)

// dataChannel is a unidirectional channel for one execution's payload:
// an anonymous memory-backed file of fixed capacity, shared with the worker
// by descriptor and mapped into our address space so no copies are needed.
// The content length is the writer's final file offset (the descriptor
// duplicated into the child shares the file description, and with it the
// offset).
type dataChannel struct {
	file *os.File
	mem  []byte
}

func createDataChannel() (*dataChannel, error) {
	file, mem, err := osutil.CreateMemMappedFile(maxDataSize)
	if err != nil {
		return nil, err
	}
	return &dataChannel{file: file, mem: mem}, nil
}

// reset rewinds the shared offset to the start of the buffer; it must run
// before every execution so writer and reader agree on where content begins.
func (dc *dataChannel) reset() error {
	if dc == nil {
		return nil
	}
	_, err := dc.file.Seek(0, io.SeekStart)
	return err
}

// truncate restores the canonical backing size, spawn calls it so stale
// child writes can never have grown the file.
func (dc *dataChannel) truncate() error {
	if dc == nil {
		return nil
	}
	return dc.file.Truncate(maxDataSize)
}

// contents returns the bytes written since the last reset, bounded to one
// byte less than capacity so a terminator can never overrun the mapping.
func (dc *dataChannel) contents() []byte {
	if dc == nil {
		return nil
	}
	pos, err := dc.file.Seek(0, io.SeekCurrent)
	if err != nil || pos <= 0 {
		return nil
	}
	if pos > maxDataSize-1 {
		pos = maxDataSize - 1
	}
	return dc.mem[:pos]
}

// destroy unmaps and closes the channel; safe on a partially constructed or
// already destroyed channel.
func (dc *dataChannel) destroy() {
	if dc == nil || dc.file == nil {
		return
	}
	osutil.CloseMemMappedFile(dc.file, dc.mem)
	dc.file = nil
	dc.mem = nil
}
