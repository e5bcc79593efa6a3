// Copyright 2024 The segheap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package implicit

import (
	"math"
	"testing"
	"unsafe"

	"github.com/cznic/mathutil"
)

// A fresh 1024-byte heap validates and holds exactly one free block
// of payload 1016 (1024 minus one header).
func TestInitFreshHeap(t *testing.T) {
	seg := make([]byte, 1024)
	var a Allocator
	if err := a.Init(seg); err != nil {
		t.Fatal(err)
	}

	var s Stats
	ok, err := a.ValidateHeap(&s)
	if err != nil || !ok {
		t.Fatalf("ValidateHeap: ok=%v err=%v", ok, err)
	}
	if g, e := s.Blocks, 1; g != e {
		t.Fatalf("blocks: got %v, want %v", g, e)
	}
	if g, e := s.FreeBytes, uintptr(1016); g != e {
		t.Fatalf("free bytes: got %v, want %v", g, e)
	}
}

func TestInitRejectsTooSmall(t *testing.T) {
	var a Allocator
	for _, size := range []int{0, 1, 8} {
		seg := make([]byte, size)
		if err := a.Init(seg); err == nil {
			t.Fatalf("Init(%d bytes): expected an error", size)
		}
	}
}

// malloc(100) on a fresh 1024-byte heap returns the payload right
// after the segment's first header, splitting off the remainder as a
// second free block.
func TestMallocSplits(t *testing.T) {
	seg := make([]byte, 1024)
	var a Allocator
	if err := a.Init(seg); err != nil {
		t.Fatal(err)
	}

	p, err := a.Malloc(100)
	if err != nil {
		t.Fatal(err)
	}
	if g, e := uintptr(unsafe.Pointer(&p[0])), uintptr(unsafe.Pointer(&seg[8])); g != e {
		t.Fatalf("payload address: got %#x, want %#x", g, e)
	}
	if g, e := cap(p), 104; g != e {
		t.Fatalf("granted size: got %v, want %v", g, e)
	}

	var s Stats
	ok, err := a.ValidateHeap(&s)
	if err != nil || !ok {
		t.Fatalf("ValidateHeap: ok=%v err=%v", ok, err)
	}
	if g, e := s.Blocks, 2; g != e {
		t.Fatalf("blocks: got %v, want %v", g, e)
	}
	if g, e := s.UsedBytes, uintptr(104); g != e {
		t.Fatalf("used bytes: got %v, want %v", g, e)
	}
	if g, e := s.FreeBytes, uintptr(904); g != e {
		t.Fatalf("free bytes: got %v, want %v", g, e)
	}
}

// Freeing a block never merges it with its neighbors: the walker
// still sees two distinct blocks afterward.
func TestFreeDoesNotCoalesce(t *testing.T) {
	seg := make([]byte, 1024)
	var a Allocator
	if err := a.Init(seg); err != nil {
		t.Fatal(err)
	}

	p, err := a.Malloc(100)
	if err != nil {
		t.Fatal(err)
	}
	a.Free(p)

	var s Stats
	ok, err := a.ValidateHeap(&s)
	if err != nil || !ok {
		t.Fatalf("ValidateHeap: ok=%v err=%v", ok, err)
	}
	if g, e := s.Blocks, 2; g != e {
		t.Fatalf("blocks: got %v, want %v", g, e)
	}
	if g, e := s.FreeBlocks, 2; g != e {
		t.Fatalf("free blocks: got %v, want %v", g, e)
	}
	if g, e := s.UsedBytes, uintptr(0); g != e {
		t.Fatalf("used bytes: got %v, want %v", g, e)
	}
}

// On a freshly init'd heap, malloc/free/malloc of the same size always
// returns the same block: first-fit reaches the freed block before the
// split-off remainder that follows it.
func TestFreeThenMallocIdempotence(t *testing.T) {
	seg := make([]byte, 1024)
	var a Allocator
	if err := a.Init(seg); err != nil {
		t.Fatal(err)
	}

	p, err := a.Malloc(37)
	if err != nil {
		t.Fatal(err)
	}
	a.Free(p)
	q, err := a.Malloc(37)
	if err != nil {
		t.Fatal(err)
	}
	if &p[0] != &q[0] {
		t.Fatalf("got a different block: p=%p q=%p", &p[0], &q[0])
	}
}

// realloc preserves the first min(old, new) bytes, whether growing or
// shrinking.
func TestReallocPreservesContent(t *testing.T) {
	seg := make([]byte, 1024)
	var a Allocator
	if err := a.Init(seg); err != nil {
		t.Fatal(err)
	}

	p, err := a.Malloc(40)
	if err != nil {
		t.Fatal(err)
	}
	for i := range p {
		p[i] = byte(i + 1)
	}

	grown, err := a.Realloc(p, 400)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 40; i++ {
		if grown[i] != byte(i+1) {
			t.Fatalf("byte %d: got %v, want %v", i, grown[i], i+1)
		}
	}

	shrunk, err := a.Realloc(grown, 10)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if shrunk[i] != byte(i+1) {
			t.Fatalf("byte %d: got %v, want %v", i, shrunk[i], i+1)
		}
	}
}

func TestCallocZeroesPayload(t *testing.T) {
	seg := make([]byte, 256)
	for i := range seg {
		seg[i] = 0xFF
	}
	var a Allocator
	if err := a.Init(seg); err != nil {
		t.Fatal(err)
	}
	b, err := a.Calloc(40)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range b[:cap(b)] {
		if v != 0 {
			t.Fatalf("byte %d: got %#x, want 0", i, v)
		}
	}
}

func TestUsableSizeMatchesCap(t *testing.T) {
	seg := make([]byte, 256)
	var a Allocator
	if err := a.Init(seg); err != nil {
		t.Fatal(err)
	}
	b, err := a.Malloc(10)
	if err != nil {
		t.Fatal(err)
	}
	if g, e := UsableSize(b), cap(b); g != e {
		t.Fatalf("got %v, want %v", g, e)
	}
}

func TestReallocNilIsMalloc(t *testing.T) {
	seg := make([]byte, 256)
	var a Allocator
	if err := a.Init(seg); err != nil {
		t.Fatal(err)
	}
	p, err := a.Realloc(nil, 16)
	if err != nil {
		t.Fatal(err)
	}
	if len(p) != 16 {
		t.Fatalf("got len %v, want 16", len(p))
	}
}

func TestMallocOutOfSpaceReturnsNilNoError(t *testing.T) {
	seg := make([]byte, 64)
	var a Allocator
	if err := a.Init(seg); err != nil {
		t.Fatal(err)
	}
	p, err := a.Malloc(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatal("expected a nil result")
	}
}

func TestFreeNilIsNoop(t *testing.T) {
	seg := make([]byte, 64)
	var a Allocator
	if err := a.Init(seg); err != nil {
		t.Fatal(err)
	}
	a.Free(nil)
	ok, err := a.ValidateHeap(nil)
	if err != nil || !ok {
		t.Fatalf("ValidateHeap: ok=%v err=%v", ok, err)
	}
}

// test1 drives the implicit allocator the way cznic/memory's own
// test1/test2/test3 drive its Allocator: a long randomized
// allocate/verify/free cycle under a full-cycle PRNG.
func test1(t *testing.T, max int, heapSize int) {
	seg := make([]byte, heapSize)
	var a Allocator
	if err := a.Init(seg); err != nil {
		t.Fatal(err)
	}

	rng, err := mathutil.NewFC32(1, max, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(42)

	var live [][]byte
	for {
		size := rng.Next()
		b, err := a.Malloc(size)
		if err != nil {
			t.Fatal(err)
		}
		if b == nil {
			break
		}
		for i := range b {
			b[i] = byte(size + i)
		}
		live = append(live, b)

		if ok, verr := a.ValidateHeap(nil); verr != nil || !ok {
			t.Fatalf("ValidateHeap after Malloc: ok=%v err=%v", ok, verr)
		}
	}

	for _, b := range live {
		for i, g := range b {
			if e := byte(len(b) + i); g != e {
				t.Fatalf("corrupted payload at %d: got %v, want %v", i, g, e)
			}
		}
	}

	for _, b := range live {
		a.Free(b)
	}
	ok, err := a.ValidateHeap(nil)
	if err != nil || !ok {
		t.Fatalf("ValidateHeap after freeing everything: ok=%v err=%v", ok, err)
	}
}

func TestRandomizedSmall(t *testing.T) { test1(t, 64, 16<<10) }
func TestRandomizedBig(t *testing.T)   { test1(t, 4096, 256<<10) }

func TestRandomizedAlignmentAndSizing(t *testing.T) {
	seg := make([]byte, 64<<10)
	var a Allocator
	if err := a.Init(seg); err != nil {
		t.Fatal(err)
	}

	rng, err := mathutil.NewFC32(0, math.MaxInt16, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(7)

	for i := 0; i < 500; i++ {
		n := rng.Next()
		b, err := a.Malloc(n)
		if err != nil {
			t.Fatal(err)
		}
		if b == nil {
			continue
		}
		if uintptr(unsafe.Pointer(&b[0]))%Alignment != 0 {
			t.Fatalf("Malloc(%d): unaligned pointer %p", n, &b[0])
		}
		want := roundupForTest(n, MinPayload)
		if cap(b) < want {
			t.Fatalf("Malloc(%d): granted %d bytes, want >= %d", n, cap(b), want)
		}
		a.Free(b)
	}
}

// Alignment mirrors header.Alignment without importing the internal
// package from a test that should read like a black-box consumer.
const Alignment = 8

func roundupForTest(n, min int) int {
	if n < min {
		n = min
	}
	return (n + Alignment - 1) &^ (Alignment - 1)
}
