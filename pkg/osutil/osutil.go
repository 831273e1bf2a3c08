// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package osutil contains the OS plumbing the harness needs: shared memory
// files, memory mappings and pipe/process helpers.
package osutil

import (
	"os"
)

const (
	DefaultDirPerm  = 0755
	DefaultFilePerm = 0644
)

// WriteTempFile writes data to a temp file and returns its name.
func WriteTempFile(data []byte) (string, error) {
	f, err := os.CreateTemp("", "reprl")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	f.Close()
	return f.Name(), nil
}
