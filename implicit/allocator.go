// Copyright 2024 The segheap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package implicit implements the simpler of the two single-segment
// heap allocators: first-fit search over an implicit (header-only,
// no free list) sequence of blocks, in-place-or-flip free, and an
// in-place-or-move realloc. See cznic/memory for the style this is
// grounded on.
package implicit

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/cznic/mathutil"

	"github.com/cznic-muni/segheap/internal/header"
)

// trace gates the diagnostic Fprintf calls below. Flip to true when
// debugging; it changes nothing about observable allocator behavior.
const trace = false

// MinPayload is the smallest payload size the implicit allocator will
// ever grant: a single free block large enough to need no link
// slots, just the header's own alignment.
const MinPayload = header.Alignment

// ErrInvalidSegment is returned by Init when the supplied segment is
// no larger than one header word.
var ErrInvalidSegment = errors.New("implicit: invalid segment")

// Allocator manages one caller-supplied contiguous byte segment with
// first-fit search, no free list, and no coalescing. Its zero value
// is not ready for use; call Init first. A fresh Init call discards
// any prior state, including outstanding pointers into the old
// segment.
type Allocator struct {
	base  unsafe.Pointer // segment's first byte; keeps it reachable
	limit uintptr        // segment size in bytes; valid offsets are [0, limit)
}

// Init installs segment as the allocator's managed region. It fails
// if segment is empty or no larger than one header word.
func (a *Allocator) Init(segment []byte) (err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "implicit.Init(%d bytes) %v\n", len(segment), err)
		}()
	}
	if len(segment) == 0 {
		return fmt.Errorf("%w: segment is empty", ErrInvalidSegment)
	}
	size := uintptr(len(segment))
	if size <= header.Size {
		return fmt.Errorf("%w: %d bytes leaves no room for a header and payload", ErrInvalidSegment, len(segment))
	}

	a.base = unsafe.Pointer(&segment[0])
	a.limit = size
	header.Write(a.base, 0, header.Pack(size-header.Size, header.Free))
	return nil
}

// Malloc returns a slice of at least n bytes backed by the segment,
// found by first-fit search, or nil if no free block is large enough.
// A nil return is not an error: the caller is simply out of space.
func (a *Allocator) Malloc(n int) (r []byte, err error) {
	if trace {
		defer func() {
			var p unsafe.Pointer
			if len(r) != 0 {
				p = unsafe.Pointer(&r[0])
			}
			fmt.Fprintf(os.Stderr, "implicit.Malloc(%#x) %p, %v\n", n, p, err)
		}()
	}
	if n < 0 {
		panic("implicit: invalid malloc size")
	}

	need := header.Roundup(uintptr(n), MinPayload)
	for off := uintptr(0); off < a.limit; off = header.Next(a.base, off) {
		word := header.Read(a.base, off)
		if header.StatusOf(word) != header.Free {
			continue
		}
		size := header.SizeOf(word)
		if size < need {
			continue
		}

		granted := size
		if size-need > header.Size {
			granted = need
			header.Write(a.base, off, header.Pack(need, header.Used))
			header.Write(a.base, off+header.Size+need, header.Pack(size-need-header.Size, header.Free))
		} else {
			header.Write(a.base, off, header.Pack(size, header.Used))
		}
		return header.Slice(a.base, header.PayloadOf(off), n, int(granted)), nil
	}
	return nil, nil
}

// Free returns b's block to the free pool by flipping its status in
// place. It does not coalesce with neighbors, so fragmentation can
// only grow across Free calls alone. A zero-capacity b (as returned
// for a request that failed, or the caller's own nil) is a no-op.
func (a *Allocator) Free(b []byte) {
	if trace {
		defer func() {
			var p unsafe.Pointer
			if cap(b) != 0 {
				p = unsafe.Pointer(&b[:1][0])
			}
			fmt.Fprintf(os.Stderr, "implicit.Free(%p)\n", p)
		}()
	}
	if cap(b) == 0 {
		return
	}
	b = b[:cap(b)]
	off := header.HeaderOf(header.OffsetOf(a.base, unsafe.Pointer(&b[0])))
	size := header.SizeOf(header.Read(a.base, off))
	header.Write(a.base, off, header.Pack(size, header.Free))
}

// Realloc resizes b's block to hold n bytes, preserving the first
// min(old payload, n) bytes, in place when the existing block already
// fits and moving (malloc a new block, copy, free the old one)
// otherwise. A nil b behaves like Malloc(n). A nil return from the
// inner Malloc on the move path propagates: b is left untouched, not
// freed, so a caller that ran out of space still holds its original,
// intact block.
func (a *Allocator) Realloc(b []byte, n int) (r []byte, err error) {
	if trace {
		defer func() {
			var p unsafe.Pointer
			if len(r) != 0 {
				p = unsafe.Pointer(&r[0])
			}
			fmt.Fprintf(os.Stderr, "implicit.Realloc(%#x) %p, %v\n", n, p, err)
		}()
	}
	if cap(b) == 0 {
		return a.Malloc(n)
	}
	if n < 0 {
		panic("implicit: invalid realloc size")
	}

	b = b[:cap(b)]
	off := header.HeaderOf(header.OffsetOf(a.base, unsafe.Pointer(&b[0])))
	// The block is always USED here, so masking off the status bits
	// changes nothing observable; done anyway for clarity.
	oldSize := header.SizeOf(header.Read(a.base, off))
	need := header.Roundup(uintptr(n), MinPayload)

	if oldSize >= need {
		granted := oldSize
		if oldSize-need > header.Size {
			granted = need
			header.Write(a.base, off, header.Pack(need, header.Used))
			header.Write(a.base, off+header.Size+need, header.Pack(oldSize-need-header.Size, header.Free))
		}
		return header.Slice(a.base, header.PayloadOf(off), n, int(granted)), nil
	}

	newB, err := a.Malloc(n)
	if err != nil || newB == nil {
		return nil, err
	}
	copy(newB[:mathutil.Min(len(newB), int(oldSize))], b[:oldSize])
	a.Free(b)
	return newB, nil
}

// Calloc is Malloc followed by zeroing the returned payload, mirroring
// cznic/memory's Calloc wrapper around its own Malloc.
func (a *Allocator) Calloc(n int) ([]byte, error) {
	b, err := a.Malloc(n)
	if err != nil || b == nil {
		return b, err
	}
	full := b[:cap(b)]
	for i := range full {
		full[i] = 0
	}
	return b, nil
}

// UsableSize reports the number of bytes actually available in b's
// block without a further Realloc, i.e. cap(b). It is provided for
// parity with cznic/memory's UsableSize/UnsafeUsableSize; callers that
// already have b can just use cap(b) directly.
func UsableSize(b []byte) int { return cap(b) }

// Stats is the implicit allocator's ValidateHeap report.
type Stats struct {
	Blocks     int
	UsedBlocks int
	FreeBlocks int
	UsedBytes  uintptr
	FreeBytes  uintptr
}

// ValidateHeap walks the segment and reports whether every block has
// a valid status, every size is a multiple of Alignment and at least
// MinPayload, and the walk tiles the segment exactly. If stats is
// non-nil it is filled in regardless of the outcome, with whatever was
// counted before any failure was detected.
func (a *Allocator) ValidateHeap(stats *Stats) (bool, error) {
	var s Stats
	err := header.Walk(a.base, 0, a.limit, func(off, size uintptr, status header.Status) {
		s.Blocks++
		if size%header.Alignment != 0 || size < MinPayload {
			return
		}
		switch status {
		case header.Used:
			s.UsedBlocks++
			s.UsedBytes += size
		case header.Free:
			s.FreeBlocks++
			s.FreeBytes += size
		}
	})
	if stats != nil {
		*stats = s
	}
	if err != nil {
		return false, err
	}
	if s.UsedBlocks+s.FreeBlocks != s.Blocks {
		return false, fmt.Errorf("implicit: %d of %d blocks have a bad size or status", s.Blocks-s.UsedBlocks-s.FreeBlocks, s.Blocks)
	}
	return true, nil
}
