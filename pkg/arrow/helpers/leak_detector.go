package helpers

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// NewTestAllocator returns a CheckedAllocator that fails t at cleanup when
// any buffer allocated through it is still live.
func NewTestAllocator(t testing.TB) *memory.CheckedAllocator {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	t.Cleanup(func() { AssertNoLeaks(t, alloc) })
	return alloc
}

// AssertNoLeaks fails t when alloc still holds memory.
func AssertNoLeaks(t testing.TB, alloc *memory.CheckedAllocator) {
	t.Helper()
	if n := alloc.CurrentAlloc(); n != 0 {
		t.Fatalf("%d bytes of Arrow memory not released", n)
	}
}

// LeakDetector is an allocator that keeps live and peak byte counts. Unlike
// a CheckedAllocator it needs no testing.T, so the bench can report memory
// per stage and fail when scoring leaves buffers behind. Safe for concurrent
// use.
type LeakDetector struct {
	inner memory.Allocator
	live  atomic.Int64
	peak  atomic.Int64
	total atomic.Int64
}

// NewLeakDetector wraps inner.
func NewLeakDetector(inner memory.Allocator) *LeakDetector {
	return &LeakDetector{inner: inner}
}

func (ld *LeakDetector) Allocate(size int) []byte {
	ld.grow(int64(size))
	ld.total.Add(int64(size))
	return ld.inner.Allocate(size)
}

func (ld *LeakDetector) Reallocate(size int, b []byte) []byte {
	ld.grow(int64(size - len(b)))
	if size > len(b) {
		ld.total.Add(int64(size - len(b)))
	}
	return ld.inner.Reallocate(size, b)
}

func (ld *LeakDetector) Free(b []byte) {
	ld.live.Add(-int64(len(b)))
	ld.inner.Free(b)
}

func (ld *LeakDetector) grow(delta int64) {
	live := ld.live.Add(delta)
	for {
		peak := ld.peak.Load()
		if live <= peak || ld.peak.CompareAndSwap(peak, live) {
			return
		}
	}
}

// CurrentUsed is the number of bytes allocated and not yet freed.
func (ld *LeakDetector) CurrentUsed() int64 { return ld.live.Load() }

// Peak is the highest CurrentUsed seen so far.
func (ld *LeakDetector) Peak() int64 { return ld.peak.Load() }

// TotalAllocated is the number of bytes ever requested.
func (ld *LeakDetector) TotalAllocated() int64 { return ld.total.Load() }

// Check returns an error when any bytes are still live.
func (ld *LeakDetector) Check() error {
	if n := ld.CurrentUsed(); n != 0 {
		return fmt.Errorf("arrow memory leak: %d bytes live of %d allocated", n, ld.TotalAllocated())
	}
	return nil
}
