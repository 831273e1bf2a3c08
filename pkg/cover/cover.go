// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cover implements the edge-coverage engine: a shared-memory region
// the instrumented target writes its per-execution edge bitmap into, and the
// harness-side bookkeeping around it (virgin bitmap of never-seen edges,
// per-edge hit counters, persistence of discovered coverage).
package cover

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"

	"github.com/google/uuid"

	"github.com/jsharness/reprl/pkg/log"
	"github.com/jsharness/reprl/pkg/osutil"
)

const (
	// ShmSize is the size of the shared coverage region: a 4-byte edge-count
	// header written once by the target, followed by the current-execution
	// edge bitmap.
	ShmSize    = 0x100000
	headerSize = 4
	// MaxEdges is the largest edge count representable in the region.
	MaxEdges = (ShmSize - headerSize) * 8
)

// ConfigError reports a coverage misconfiguration (instrumentation not
// active, bitmap size mismatch). Continuing after one would silently corrupt
// coverage accounting, so process entry points must treat it as fatal.
type ConfigError string

func (e ConfigError) Error() string { return string(e) }

func configErrorf(format string, args ...interface{}) error {
	return ConfigError(fmt.Sprintf(format, args...))
}

// Context tracks edge coverage for one worker slot.
// Only the harness mutates the virgin bitmap, hit counters and found-edges
// total; only the worker writes the current-execution bitmap in shmem.
type Context struct {
	name string
	file *os.File
	mem  []byte

	// numEdges includes the reserved zero edge, see FinishInitialization.
	numEdges   uint32
	bitmapSize uint32

	virginBits   []byte
	virginBackup []byte
	crashBits    []byte
	execBackup   []byte

	trackEdges bool
	edgeCount  []uint32
	foundEdges uint32
}

// NewContext creates and maps the shared coverage region for one worker
// slot. The region name is unique per context so that re-created workers in
// one process never collide; the worker attaches to it by the name passed in
// the environment entry returned by EnvEntry.
func NewContext(id int) (*Context, error) {
	name := fmt.Sprintf("/reprl_cov_%v_%v", id, uuid.New())
	file, mem, err := osutil.CreateNamedSharedMem(name, ShmSize)
	if err != nil {
		return nil, err
	}
	return &Context{
		name: name,
		file: file,
		mem:  mem,
	}, nil
}

// EnvEntry returns the environment entry naming the shared region,
// to be appended to the worker's envp.
func (c *Context) EnvEntry() string {
	return "SHM_ID=" + c.name
}

// Sized reports whether FinishInitialization has run.
func (c *Context) Sized() bool {
	return c.virginBits != nil
}

func (c *Context) NumEdges() uint32 {
	return c.numEdges
}

func (c *Context) BitmapSize() uint32 {
	return c.bitmapSize
}

func (c *Context) FoundEdges() uint32 {
	return c.foundEdges
}

// FinishInitialization sizes the bitmaps from the edge count the target
// reported in the region header. It must run after the first worker has
// attached and before the first Evaluate call, and runs once; the sizes are
// fixed for the lifetime of the context and a changed edge count (target
// rebuilt) is a fatal condition.
func (c *Context) FinishInitialization(trackEdges bool) error {
	if c.Sized() {
		return fmt.Errorf("coverage context is already initialized")
	}
	numEdges := binary.LittleEndian.Uint32(c.mem[:headerSize])
	if numEdges == 0 {
		return configErrorf("coverage bitmap size could not be determined, is the target instrumentation active?")
	}
	if numEdges > MaxEdges {
		return configErrorf("target reports %v edges, exceeds the region capacity of %v", numEdges, MaxEdges)
	}
	// The instrumentation starts indexing edges at one and reserves index
	// zero as "no edge", account for it here.
	numEdges++
	// Round the bitmap size up to the next 8-byte boundary,
	// Evaluate iterates over the bitmap in 8-byte words.
	bitmapSize := (numEdges + 7) / 8
	bitmapSize += 7 - (bitmapSize-1)%8
	// The rounded bitmap must still fit behind the header, counts in the
	// last few words of the region do not.
	if bitmapSize > ShmSize-headerSize {
		return configErrorf("target reports %v edges, the rounded bitmap does not fit the region", numEdges-1)
	}

	c.numEdges = numEdges
	c.bitmapSize = bitmapSize
	c.trackEdges = trackEdges

	c.virginBits = make([]byte, bitmapSize)
	c.virginBackup = make([]byte, bitmapSize)
	c.crashBits = make([]byte, bitmapSize)
	c.execBackup = make([]byte, bitmapSize)
	fillBits(c.virginBits)
	fillBits(c.crashBits)
	if trackEdges {
		c.edgeCount = make([]uint32, numEdges)
	}

	// The zeroth edge is never real, mark it permanently seen.
	clearEdgeBit(c.virginBits, 0)
	clearEdgeBit(c.crashBits, 0)
	log.Logf(1, "coverage: target reports %v edges, bitmap size %v bytes", numEdges-1, bitmapSize)
	return nil
}

// ClearBitmap zeroes the current-execution bitmap in the shared region.
// It must be called before every execution so that stale bits from the
// previous run never leak into a diff. Before sizing this is a no-op.
func (c *Context) ClearBitmap() {
	cur := c.edges()
	for i := range cur {
		cur[i] = 0
	}
}

// edges returns the current-execution bitmap inside the shared region.
func (c *Context) edges() []byte {
	return c.mem[headerSize : headerSize+c.bitmapSize]
}

// Evaluate diffs the current-execution bitmap against the virgin bitmap and
// returns the indices of newly discovered edges, clearing them from virgin.
// The caller owns the returned slice. Attribution of the new edges to a
// sample is separate, see SetEdgeData/ClearEdgeData.
func (c *Context) Evaluate() []uint32 {
	return c.evaluate(c.virginBits)
}

// EvaluateCrash is Evaluate against the bitmap of edges seen in crashing
// executions, kept separately so that crash deduplication does not consume
// regular coverage.
func (c *Context) EvaluateCrash() []uint32 {
	return c.evaluate(c.crashBits)
}

func (c *Context) evaluate(virgin []byte) []uint32 {
	cur := c.edges()
	var newEdges []uint32
	// Word-level pass first: the common case is no new edges in a word,
	// which costs one comparison per 8 bytes. Only words where current and
	// virgin intersect are scanned bit by bit.
	for i := 0; i < len(cur); i += 8 {
		w := binary.LittleEndian.Uint64(cur[i:])
		if w == 0 {
			continue
		}
		rem := w & binary.LittleEndian.Uint64(virgin[i:])
		for rem != 0 {
			bit := bits.TrailingZeros64(rem)
			rem &= rem - 1
			idx := uint32(i*8 + bit)
			clearEdgeBit(virgin, idx)
			newEdges = append(newEdges, idx)
		}
	}
	return newEdges
}

// SetEdgeData attributes one discovered edge to the current sample:
// it bumps the hit counter (if tracking is enabled), clears the virgin bit
// and counts the edge as found.
func (c *Context) SetEdgeData(index uint32) {
	if c.trackEdges {
		if c.edgeCount[index] != 0 {
			panic(fmt.Sprintf("edge %v is already attributed", index))
		}
		c.edgeCount[index] = 1
	}
	c.foundEdges++
	clearEdgeBit(c.virginBits, index)
}

// ClearEdgeData is the inverse of SetEdgeData, used when a previously
// attributed sample is discarded. Calling it for an index never passed to
// SetEdgeData is a programming error.
func (c *Context) ClearEdgeData(index uint32) {
	if c.trackEdges {
		if c.edgeCount[index] == 0 {
			panic(fmt.Sprintf("edge %v was never attributed", index))
		}
		c.edgeCount[index] = 0
	}
	c.foundEdges--
	setEdgeBit(c.virginBits, index)
}

// EdgeCounts returns a snapshot of the per-edge hit counters.
func (c *Context) EdgeCounts() ([]uint32, error) {
	if !c.trackEdges {
		return nil, fmt.Errorf("edge tracking is not enabled")
	}
	return append([]uint32(nil), c.edgeCount...), nil
}

// SaveVirginBits writes the raw virgin bitmap to path and returns the number
// of edges discovered so far (the reserved zero edge is not counted).
func (c *Context) SaveVirginBits(path string) (int, error) {
	if !c.Sized() {
		return 0, fmt.Errorf("coverage context is not initialized")
	}
	if err := os.WriteFile(path, c.virginBits, osutil.DefaultFilePerm); err != nil {
		return 0, err
	}
	return discoveredEdges(c.virginBits), nil
}

// LoadVirginBits installs a previously saved virgin bitmap, backing up the
// replaced state first, and returns the discovered-edge count. The current
// execution bitmap is cleared so that the next Evaluate call never diffs
// against leftovers from before the load. A size mismatch means the bitmap
// was created with a different target build and is fatal.
func (c *Context) LoadVirginBits(path string) (int, error) {
	if !c.Sized() {
		return 0, fmt.Errorf("coverage context is not initialized")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if uint32(len(data)) != c.bitmapSize {
		return 0, configErrorf("coverage bitmap %v holds %v bytes, want %v: was it created with this target build?",
			path, len(data), c.bitmapSize)
	}
	copy(c.virginBackup, c.virginBits)
	copy(c.virginBits, data)
	c.ClearBitmap()
	return discoveredEdges(c.virginBits), nil
}

// BackupVirginBits snapshots the virgin bitmap; RestoreVirginBits rolls back
// to the snapshot.
func (c *Context) BackupVirginBits() {
	copy(c.virginBackup, c.virginBits)
}

func (c *Context) RestoreVirginBits() {
	copy(c.virginBits, c.virginBackup)
}

// BackupExecutionMap snapshots the current-execution bitmap, e.g. to keep
// the coverage of a sample that is about to be re-executed.
func (c *Context) BackupExecutionMap() {
	copy(c.execBackup, c.edges())
}

func (c *Context) RestoreExecutionMap() {
	copy(c.edges(), c.execBackup)
}

// ResetState starts a fresh campaign without re-attaching shared memory:
// all edges become unseen again and the counters are zeroed.
func (c *Context) ResetState() {
	fillBits(c.virginBits)
	fillBits(c.crashBits)
	clearEdgeBit(c.virginBits, 0)
	clearEdgeBit(c.crashBits, 0)
	for i := range c.edgeCount {
		c.edgeCount[i] = 0
	}
	c.foundEdges = 0
}

// Close unmaps, closes and unlinks the shared region.
func (c *Context) Close() error {
	if c.mem == nil {
		return nil
	}
	err := osutil.CloseNamedSharedMem(c.file, c.mem, c.name)
	c.mem = nil
	c.file = nil
	return err
}

// discoveredEdges counts the seen (zero) bits of a virgin bitmap, minus the
// permanently cleared reserved edge.
func discoveredEdges(virgin []byte) int {
	count := 0
	for i := 0; i < len(virgin); i += 8 {
		count += bits.OnesCount64(^binary.LittleEndian.Uint64(virgin[i:]))
	}
	return count - 1
}

func edgeBit(bitmap []byte, index uint32) bool {
	return bitmap[index/8]&(1<<(index%8)) != 0
}

func setEdgeBit(bitmap []byte, index uint32) {
	bitmap[index/8] |= 1 << (index % 8)
}

func clearEdgeBit(bitmap []byte, index uint32) {
	bitmap[index/8] &^= 1 << (index % 8)
}

func fillBits(bitmap []byte) {
	for i := range bitmap {
		bitmap[i] = 0xff
	}
}
