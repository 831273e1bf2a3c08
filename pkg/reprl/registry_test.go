// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package reprl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBounds(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	cfg := &Config{Args: []string{"/bin/true"}}

	_, err := r.Create(-1, cfg)
	assert.ErrorContains(t, err, "out of range")
	_, err = r.Create(MaxWorkers, cfg)
	assert.ErrorContains(t, err, "out of range")

	w, err := r.Create(0, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, w.ID)

	_, err = r.Create(0, cfg)
	assert.ErrorContains(t, err, "already exists")
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	cfg := &Config{Args: []string{"/bin/true"}}

	assert.Nil(t, r.Get(7))
	w, err := r.Create(7, cfg)
	require.NoError(t, err)
	assert.Same(t, w, r.Get(7))

	require.NoError(t, r.Destroy(7))
	assert.Nil(t, r.Get(7))
	assert.ErrorContains(t, r.Destroy(7), "does not exist")
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry()
	cfg := &Config{Args: []string{"/bin/true"}}
	for id := 0; id < 3; id++ {
		_, err := r.Create(id, cfg)
		require.NoError(t, err)
	}
	r.Close()
	for id := 0; id < 3; id++ {
		assert.Nil(t, r.Get(id))
	}
	// Close on an emptied registry is fine.
	r.Close()
}
