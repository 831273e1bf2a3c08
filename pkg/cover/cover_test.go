// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cover

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsharness/reprl/pkg/osutil"
	"github.com/jsharness/reprl/pkg/testutil"
)

// makeContext builds a sized context, standing in for the worker by writing
// the edge count into the region header itself.
func makeContext(t *testing.T, numEdges uint32, trackEdges bool) *Context {
	t.Helper()
	c, err := NewContext(0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	binary.LittleEndian.PutUint32(c.mem, numEdges)
	require.NoError(t, c.FinishInitialization(trackEdges))
	return c
}

// markEdges simulates the worker exercising the given edges.
func markEdges(c *Context, indices ...uint32) {
	for _, idx := range indices {
		setEdgeBit(c.edges(), idx)
	}
}

func TestSizing(t *testing.T) {
	c := makeContext(t, 100, false)
	// 100 reported edges plus the reserved zero edge, rounded up to a
	// multiple of 8 bytes.
	assert.EqualValues(t, 101, c.NumEdges())
	assert.EqualValues(t, 16, c.BitmapSize())
	assert.False(t, edgeBit(c.virginBits, 0), "reserved edge 0 must be pre-cleared")
	assert.True(t, edgeBit(c.virginBits, 1))
	assert.False(t, edgeBit(c.crashBits, 0))
}

func TestFinishInitializationErrors(t *testing.T) {
	c, err := NewContext(0)
	require.NoError(t, err)
	defer c.Close()
	err = c.FinishInitialization(false)
	var cfgErr ConfigError
	require.ErrorAs(t, err, &cfgErr, "zero edge count must be a configuration error")

	binary.LittleEndian.PutUint32(c.mem, 100)
	require.NoError(t, c.FinishInitialization(false))
	require.Error(t, c.FinishInitialization(false), "sizing must run only once")
}

func TestSizingAtCapacity(t *testing.T) {
	// The largest reported count whose 8-byte-rounded bitmap still fits
	// behind the region header.
	maxFitting := uint32((ShmSize-headerSize)/8*8*8 - 1)

	c := makeContext(t, maxFitting, false)
	assert.EqualValues(t, ShmSize-headerSize-(ShmSize-headerSize)%8, c.BitmapSize())
	c.ClearBitmap()
	markEdges(c, maxFitting)
	require.Equal(t, []uint32{maxFitting}, c.Evaluate())

	// Counts in the last few words of the region do not fit once rounded
	// and must be rejected, not sized.
	for _, reported := range []uint32{maxFitting + 1, MaxEdges - 1, MaxEdges, 1<<32 - 1} {
		c, err := NewContext(0)
		require.NoError(t, err)
		binary.LittleEndian.PutUint32(c.mem, reported)
		err = c.FinishInitialization(false)
		c.Close()
		var cfgErr ConfigError
		require.ErrorAs(t, err, &cfgErr, "reported count %v", reported)
	}
}

func TestEvaluate(t *testing.T) {
	c := makeContext(t, 100, false)
	markEdges(c, 3, 9, 77)
	got := c.Evaluate()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if diff := cmp.Diff([]uint32{3, 9, 77}, got); diff != "" {
		t.Fatalf("new edges mismatch (-want +got):\n%s", diff)
	}
	// An edge once discovered is never reported as new again.
	assert.Empty(t, c.Evaluate())

	// Same execution result again: nothing new.
	c.ClearBitmap()
	markEdges(c, 3, 9, 77)
	assert.Empty(t, c.Evaluate())

	// Clearing the current bitmap yields zero new edges against any state.
	c.ClearBitmap()
	assert.Empty(t, c.Evaluate())
}

func TestEvaluateReservedEdge(t *testing.T) {
	c := makeContext(t, 100, false)
	markEdges(c, 0)
	assert.Empty(t, c.Evaluate(), "the reserved zero edge must never be reported")
}

func TestEvaluateCrash(t *testing.T) {
	c := makeContext(t, 100, false)

	// Regular discovery does not consume crash coverage.
	markEdges(c, 5, 6)
	require.Len(t, c.Evaluate(), 2)
	got := c.EvaluateCrash()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Equal(t, []uint32{5, 6}, got)
	assert.Empty(t, c.EvaluateCrash(), "crash edges are consumed on first report")

	// And crash discovery does not consume regular coverage.
	c.ClearBitmap()
	markEdges(c, 7)
	require.Equal(t, []uint32{7}, c.EvaluateCrash())
	require.Equal(t, []uint32{7}, c.Evaluate())

	// The reserved zero edge is pre-cleared in the crash bitmap too.
	c.ClearBitmap()
	markEdges(c, 0)
	assert.Empty(t, c.EvaluateCrash())

	// ResetState re-arms crash coverage along with everything else.
	c.ResetState()
	c.ClearBitmap()
	markEdges(c, 5)
	require.Equal(t, []uint32{5}, c.EvaluateCrash())
}

func TestEvaluateRandom(t *testing.T) {
	c := makeContext(t, 1000, false)
	rnd := rand.New(testutil.RandSource(t))
	seen := make(map[uint32]bool)
	for i := 0; i < testutil.IterCount(); i++ {
		c.ClearBitmap()
		var fresh []uint32
		for n := rnd.Intn(20); n > 0; n-- {
			idx := uint32(1 + rnd.Intn(1000))
			markEdges(c, idx)
			if !seen[idx] {
				seen[idx] = true
				fresh = append(fresh, idx)
			}
		}
		got := c.Evaluate()
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		sort.Slice(fresh, func(i, j int) bool { return fresh[i] < fresh[j] })
		require.Equal(t, fresh, got, "iter %v", i)
	}
}

func TestEdgeAccounting(t *testing.T) {
	c := makeContext(t, 100, true)
	markEdges(c, 5, 6, 7)
	edges := c.Evaluate()
	require.Len(t, edges, 3)
	for _, idx := range edges {
		c.SetEdgeData(idx)
	}
	assert.EqualValues(t, 3, c.FoundEdges())
	counts, err := c.EdgeCounts()
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[5])

	c.ClearEdgeData(6)
	assert.EqualValues(t, 2, c.FoundEdges())
	assert.True(t, edgeBit(c.virginBits, 6), "cleared edge must become unseen again")

	// The demoted edge is rediscovered by the next evaluation.
	c.ClearBitmap()
	markEdges(c, 6)
	require.Equal(t, []uint32{6}, c.Evaluate())

	assert.Panics(t, func() { c.ClearEdgeData(50) })
	c.SetEdgeData(50)
	assert.Panics(t, func() { c.SetEdgeData(50) })
}

func TestFoundEdgesConsistency(t *testing.T) {
	// At any quiescent point found-edges matches the number of cleared
	// virgin bits (reserved edge excluded).
	c := makeContext(t, 200, true)
	rnd := rand.New(testutil.RandSource(t))
	for i := 0; i < 50; i++ {
		c.ClearBitmap()
		for n := rnd.Intn(10); n > 0; n-- {
			markEdges(c, uint32(1+rnd.Intn(200)))
		}
		for _, idx := range c.Evaluate() {
			c.SetEdgeData(idx)
		}
		require.EqualValues(t, discoveredEdges(c.virginBits), c.FoundEdges())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c := makeContext(t, 100, false)
	var indices []uint32
	for i := uint32(1); i <= 42; i++ {
		indices = append(indices, i)
	}
	markEdges(c, indices...)
	require.Len(t, c.Evaluate(), 42)

	path := filepath.Join(t.TempDir(), "virgin.bits")
	saved, err := c.SaveVirginBits(path)
	require.NoError(t, err)
	assert.Equal(t, 42, saved)

	// Fresh context for the same target, as after a process restart.
	c2 := makeContext(t, 100, false)
	markEdges(c2, 7) // leftover garbage that the load must wipe
	loaded, err := c2.LoadVirginBits(path)
	require.NoError(t, err)
	assert.Equal(t, 42, loaded)
	assert.True(t, bytes.Equal(c.virginBits, c2.virginBits), "loaded bitmap must be bit-identical")
	assert.True(t, bytes.Equal(make([]byte, c2.bitmapSize), c2.edges()),
		"current bitmap must be cleared by the load")
	assert.Empty(t, c2.Evaluate())
}

func TestLoadSizeMismatch(t *testing.T) {
	c := makeContext(t, 100, false)
	path := filepath.Join(t.TempDir(), "virgin.bits")
	_, err := c.SaveVirginBits(path)
	require.NoError(t, err)

	c2 := makeContext(t, 500, false)
	_, err = c2.LoadVirginBits(path)
	var cfgErr ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.True(t, strings.Contains(err.Error(), "target build"), "got: %v", err)

	// A file that is not a bitmap at all fails the same way.
	garbage, err := osutil.WriteTempFile([]byte("not a bitmap"))
	require.NoError(t, err)
	defer os.Remove(garbage)
	_, err = c2.LoadVirginBits(garbage)
	require.ErrorAs(t, err, &cfgErr)
}

func TestBackupRestore(t *testing.T) {
	c := makeContext(t, 100, false)
	c.BackupVirginBits()
	markEdges(c, 11, 12)
	require.Len(t, c.Evaluate(), 2)
	c.RestoreVirginBits()

	c.ClearBitmap()
	markEdges(c, 11, 12)
	require.Len(t, c.Evaluate(), 2, "restored state must rediscover the edges")
}

func TestExecutionMapBackup(t *testing.T) {
	c := makeContext(t, 100, false)
	markEdges(c, 21, 22)
	c.BackupExecutionMap()
	c.ClearBitmap()
	c.RestoreExecutionMap()
	got := c.Evaluate()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Equal(t, []uint32{21, 22}, got)
}

func TestResetState(t *testing.T) {
	c := makeContext(t, 100, true)
	markEdges(c, 30, 31)
	for _, idx := range c.Evaluate() {
		c.SetEdgeData(idx)
	}
	require.EqualValues(t, 2, c.FoundEdges())

	c.ResetState()
	assert.EqualValues(t, 0, c.FoundEdges())
	assert.False(t, edgeBit(c.virginBits, 0))
	counts, err := c.EdgeCounts()
	require.NoError(t, err)
	assert.EqualValues(t, 0, counts[30])

	c.ClearBitmap()
	markEdges(c, 30, 31)
	assert.Len(t, c.Evaluate(), 2, "reset state must rediscover everything")
}

func TestEnvEntry(t *testing.T) {
	c1, err := NewContext(3)
	require.NoError(t, err)
	defer c1.Close()
	c2, err := NewContext(3)
	require.NoError(t, err)
	defer c2.Close()
	assert.True(t, strings.HasPrefix(c1.EnvEntry(), "SHM_ID=/reprl_cov_3_"), "got: %v", c1.EnvEntry())
	assert.NotEqual(t, c1.EnvEntry(), c2.EnvEntry(), "region names must not collide")
}

func TestEdgeCountsDisabled(t *testing.T) {
	c := makeContext(t, 100, false)
	_, err := c.EdgeCounts()
	require.Error(t, err)
	var cfgErr ConfigError
	assert.False(t, errors.As(err, &cfgErr), "disabled tracking is not a configuration error")
}
