// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounter(t *testing.T) {
	s := newSet()
	v := s.New("execs", "total executions")
	v.Add(3)
	v.Add(4)
	assert.Equal(t, 7, v.Val())

	ui := s.Collect()
	assert.Len(t, ui, 1)
	assert.Equal(t, "execs", ui[0].Name)
	assert.Equal(t, 7, ui[0].V)
	assert.Equal(t, "7", ui[0].Value)
}

func TestExternal(t *testing.T) {
	s := newSet()
	v := s.New("workers", "live workers", func() int { return 5 })
	assert.Equal(t, 5, v.Val())
	assert.Panics(t, func() { v.Add(1) })
}

func TestDistribution(t *testing.T) {
	s := newSet()
	v := s.New("exec time", "execution time (us)", Distribution{})
	assert.Equal(t, 0, v.Val())
	assert.Equal(t, 0, v.Quantile(0.5))
	for i := 1; i <= 100; i++ {
		v.Add(i)
	}
	assert.Equal(t, 50, v.Val()) // mean of 1..100
	med := v.Quantile(0.5)
	assert.InDelta(t, 50, med, 5.0)
	assert.GreaterOrEqual(t, v.Quantile(0.9), med)

	counter := s.New("execs", "total executions")
	assert.Panics(t, func() { counter.Quantile(0.5) })
}

func TestAverageValue(t *testing.T) {
	var av AverageValue[time.Duration]
	assert.Equal(t, time.Duration(0), av.Value())
	av.Save(10 * time.Millisecond)
	av.Save(20 * time.Millisecond)
	av.Save(30 * time.Millisecond)
	assert.InDelta(t, float64(20*time.Millisecond), float64(av.Value()), float64(time.Millisecond))
}
