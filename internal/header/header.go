// Copyright 2024 The segheap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package header implements the in-band block header shared by the
// implicit and explicit single-segment allocators: packing a block's
// size and status into one 8-byte word, reading/writing that word,
// and walking from one block's header to the next by pointer
// arithmetic alone.
//
// Every block is addressed by an offset, in bytes, from a segment's
// base pointer rather than by a raw address: the allocators that use
// this package hold a single unsafe.Pointer to the segment's first
// byte (which keeps the underlying array reachable for as long as the
// allocator lives) and otherwise deal only in plain uintptr offsets,
// which are safe to store indefinitely. A pointer into the segment is
// only ever materialized, via base+offset arithmetic, inside the
// single expression that immediately dereferences it, the pattern
// cznic/memory's own page/arena code and the buddy allocator in
// cloudwego/gopkg's unsafex/malloc package both use.
package header

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/cznic/mathutil"
)

// Status is the low 3 bits of a header word.
type Status uint64

const (
	// Used marks a block as handed out to the caller.
	Used Status = 0
	// Free marks a block as available for allocation.
	Free Status = 0x7
)

func (s Status) String() string {
	switch s {
	case Used:
		return "used"
	case Free:
		return "free"
	default:
		return fmt.Sprintf("status(%#x)", uint64(s))
	}
}

const (
	// Alignment is the single power-of-two alignment constant every
	// returned pointer and stored block size must satisfy. It equals
	// the header word width, which is what frees the low 3 bits for
	// Status.
	Alignment = 8

	// Size is the width, in bytes, of one header word.
	Size = unsafe.Sizeof(uint64(0))

	statusMask = 0x7
	sizeMask   = ^uint64(statusMask)
)

// NullOffset marks the absence of a block or link in offset space.
// Offset 0 is a legal, frequently-occurring block (the segment's
// first), so it cannot double as a sentinel the way a nil pointer
// would in an address-based design.
const NullOffset = ^uintptr(0)

// Pack combines a block size and status into a header word. The
// caller guarantees size&0x7 == 0.
func Pack(size uintptr, status Status) uint64 {
	return uint64(size) | uint64(status)
}

// SizeOf extracts the payload size encoded in a header word.
func SizeOf(word uint64) uintptr { return uintptr(word & sizeMask) }

// StatusOf extracts the status encoded in a header word.
func StatusOf(word uint64) Status { return Status(word & statusMask) }

// Read loads the header word at off bytes into the segment based at
// base.
func Read(base unsafe.Pointer, off uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(base) + off)) //nolint:govet
}

// Write stores word as the header at off bytes into the segment based
// at base.
func Write(base unsafe.Pointer, off uintptr, word uint64) {
	*(*uint64)(unsafe.Pointer(uintptr(base) + off)) = word //nolint:govet
}

// PayloadOf returns the offset of the first payload byte of the block
// whose header sits at off.
func PayloadOf(off uintptr) uintptr { return off + Size }

// HeaderOf returns the offset of the header of the block whose
// payload starts at off.
func HeaderOf(off uintptr) uintptr { return off - Size }

// Next returns the offset of the header immediately following the
// one at off: current + header length + size.
func Next(base unsafe.Pointer, off uintptr) uintptr {
	return off + Size + SizeOf(Read(base, off))
}

// Roundup returns the smallest multiple of Alignment that is both
// >= n and >= minPayload.
func Roundup(n, minPayload uintptr) uintptr {
	r := uintptr(mathutil.Max(int(n), int(minPayload)))
	return (r + Alignment - 1) &^ (Alignment - 1)
}

// OffsetOf returns p's distance, in bytes, from base. p must point
// somewhere inside the segment based at base.
func OffsetOf(base, p unsafe.Pointer) uintptr {
	return uintptr(p) - uintptr(base)
}

// Slice builds a []byte view over the segment based at base, starting
// off bytes in, with the given length and capacity, the way
// cznic/memory's Malloc builds its returned slices via a raw
// reflect.SliceHeader instead of unsafe.Slice, so that length (the
// caller's request) and capacity (the block's granted payload size)
// can differ.
func Slice(base unsafe.Pointer, off uintptr, length, capacity int) []byte {
	var b []byte
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&b)) //nolint:govet
	sh.Data = uintptr(base) + off
	sh.Len = length
	sh.Cap = capacity
	return b
}

// Walk invokes fn for every block header between offsets start
// (inclusive) and end (exclusive) of the segment based at base, in
// address order. It reports an error if the segment does not tile
// exactly to end, or if any visited header carries a status other than
// Used or Free; fn has already been called for every block visited
// before the failure was found (checking that a size
// meets the variant's own minimum payload is left to the caller,
// which alone knows that minimum).
func Walk(base unsafe.Pointer, start, end uintptr, fn func(off, size uintptr, status Status)) error {
	off := start
	for off < end {
		word := Read(base, off)
		status := StatusOf(word)
		if status != Used && status != Free {
			return fmt.Errorf("header: block at offset %#x has invalid status %#x", off, uint64(status))
		}
		size := SizeOf(word)
		fn(off, size, status)
		off = Next(base, off)
	}
	if off != end {
		return fmt.Errorf("header: segment does not tile exactly: walk ended at offset %#x, want %#x", off, end)
	}
	return nil
}
