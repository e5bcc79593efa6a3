// Copyright 2024 The segheap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package explicit implements the richer of the two single-segment
// heap allocators: first-fit search over an address-ordered doubly
// linked free list, splitting on allocation, right-coalescing on
// free, and realloc absorption of adjacent free blocks before
// deciding in-place versus move. See cznic/memory for the
// header/trace/error idiom this is grounded on.
package explicit

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/cznic/mathutil"

	"github.com/cznic-muni/segheap/internal/header"
)

const trace = false

// MinPayload is the smallest payload a free block may have: two
// 8-byte link slots.
const MinPayload = 2 * header.Size

// ErrInvalidSegment is returned by Init when the supplied segment
// cannot hold a header plus one minimum-sized free block.
var ErrInvalidSegment = errors.New("explicit: invalid segment")

// Allocator manages one caller-supplied contiguous byte segment with
// first-fit search over an address-ordered free list, splitting,
// right-coalescing and realloc absorption. Its zero value is not
// ready for use; call Init first. A fresh Init call discards any
// prior state, including outstanding pointers into the old segment.
type Allocator struct {
	base  unsafe.Pointer // segment's first byte; keeps it reachable
	limit uintptr        // segment size in bytes; valid offsets are [0, limit)
	list  freeList
}

// Init installs segment as the allocator's managed region, seeding
// the free list with the segment's sole free block. It fails if
// segment is empty or too small to hold a header plus one
// minimum-sized free block.
func (a *Allocator) Init(segment []byte) (err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "explicit.Init(%d bytes) %v\n", len(segment), err)
		}()
	}
	if len(segment) == 0 {
		return fmt.Errorf("%w: segment is empty", ErrInvalidSegment)
	}
	size := uintptr(len(segment))
	if size < header.Size+MinPayload {
		return fmt.Errorf("%w: %d bytes leaves no room for a header and one free block", ErrInvalidSegment, len(segment))
	}

	a.base = unsafe.Pointer(&segment[0])
	a.limit = size
	header.Write(a.base, 0, header.Pack(size-header.Size, header.Free))
	a.list = newFreeList()
	a.list.insert(a.base, 0)
	return nil
}

// Malloc returns a slice of at least n bytes, found by first-fit
// search over the free list, splitting the chosen block when the
// remainder would itself be a legal free block. Returns nil, with no
// error, if no free block is large enough.
func (a *Allocator) Malloc(n int) (r []byte, err error) {
	if trace {
		defer func() {
			var p unsafe.Pointer
			if len(r) != 0 {
				p = unsafe.Pointer(&r[0])
			}
			fmt.Fprintf(os.Stderr, "explicit.Malloc(%#x) %p, %v\n", n, p, err)
		}()
	}
	if n < 0 {
		panic("explicit: invalid malloc size")
	}

	need := header.Roundup(uintptr(n), MinPayload)
	for off := a.list.head; off != header.NullOffset; off = readNext(a.base, off) {
		size := header.SizeOf(header.Read(a.base, off))
		if size < need {
			continue
		}

		granted := size
		if slack := size - need; slack >= header.Size+MinPayload {
			granted = need
			remainder := off + header.Size + need
			header.Write(a.base, remainder, header.Pack(slack-header.Size, header.Free))
			a.list.replace(a.base, off, remainder)
		} else {
			a.list.remove(a.base, off)
		}
		header.Write(a.base, off, header.Pack(granted, header.Used))
		return header.Slice(a.base, header.PayloadOf(off), n, int(granted)), nil
	}
	return nil, nil
}

// Free returns b's block to the free pool, right-coalescing with its
// immediate neighbor if that neighbor is free, and inserting into the
// address-ordered free list otherwise. A zero-capacity b is a no-op.
func (a *Allocator) Free(b []byte) {
	if trace {
		defer func() {
			var p unsafe.Pointer
			if cap(b) != 0 {
				p = unsafe.Pointer(&b[:1][0])
			}
			fmt.Fprintf(os.Stderr, "explicit.Free(%p)\n", p)
		}()
	}
	if cap(b) == 0 {
		return
	}
	b = b[:cap(b)]
	off := header.HeaderOf(header.OffsetOf(a.base, unsafe.Pointer(&b[0])))
	size := header.SizeOf(header.Read(a.base, off))

	right := off + header.Size + size
	if right < a.limit && header.StatusOf(header.Read(a.base, right)) == header.Free {
		rightSize := header.SizeOf(header.Read(a.base, right))
		header.Write(a.base, off, header.Pack(size+header.Size+rightSize, header.Free))
		a.list.replace(a.base, right, off)
		return
	}

	header.Write(a.base, off, header.Pack(size, header.Free))
	a.list.insert(a.base, off)
}

// Realloc resizes b's block to hold n bytes, preserving the first
// min(old payload, n) bytes. It first absorbs every free block
// immediately to the right of b's block (removing each from the free
// list and growing the working size), then decides in-place versus
// move on the result. The block's header always reflects the true,
// fully absorbed size before Realloc returns on any path, including
// when the subsequent move fails: the absorbed block stays USED with
// b's original contents untouched, merely larger, exactly as if a
// caller had manually freed nothing and simply held a bigger
// allocation. A nil b behaves like Malloc(n).
func (a *Allocator) Realloc(b []byte, n int) (r []byte, err error) {
	if trace {
		defer func() {
			var p unsafe.Pointer
			if len(r) != 0 {
				p = unsafe.Pointer(&r[0])
			}
			fmt.Fprintf(os.Stderr, "explicit.Realloc(%#x) %p, %v\n", n, p, err)
		}()
	}
	if cap(b) == 0 {
		return a.Malloc(n)
	}
	if n < 0 {
		panic("explicit: invalid realloc size")
	}

	b = b[:cap(b)]
	off := header.HeaderOf(header.OffsetOf(a.base, unsafe.Pointer(&b[0])))
	current := header.SizeOf(header.Read(a.base, off))
	need := header.Roundup(uintptr(n), MinPayload)

	for {
		right := off + header.Size + current
		if right >= a.limit || header.StatusOf(header.Read(a.base, right)) != header.Free {
			break
		}
		rightSize := header.SizeOf(header.Read(a.base, right))
		a.list.remove(a.base, right)
		current += header.Size + rightSize
	}

	if current >= need {
		granted := current
		if slack := current - need; slack >= header.Size+MinPayload {
			granted = need
			remainder := off + header.Size + need
			header.Write(a.base, remainder, header.Pack(slack-header.Size, header.Free))
			a.list.insert(a.base, remainder)
		}
		header.Write(a.base, off, header.Pack(granted, header.Used))
		return header.Slice(a.base, header.PayloadOf(off), n, int(granted)), nil
	}

	// In-place fails. Write back the absorbed size now so the segment
	// still tiles correctly whether or not the move below succeeds.
	header.Write(a.base, off, header.Pack(current, header.Used))
	full := header.Slice(a.base, header.PayloadOf(off), int(current), int(current))

	newB, err := a.Malloc(n)
	if err != nil || newB == nil {
		return nil, err
	}
	copy(newB[:mathutil.Min(len(newB), int(current))], full)
	a.Free(full)
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

// Stats is the explicit allocator's ValidateHeap report.
type Stats struct {
	Blocks         int
	UsedBlocks     int
	FreeBlocks     int
	UsedBytes      uintptr
	FreeBytes      uintptr
	FreeListLen    int // free_blocks_num
	FreeListBlocks int // blocks actually reached walking the list
}

// ValidateHeap performs three passes: a segment walk, a forward
// free-list walk, and a reverse free-list walk, then cross-checks
// their block counts against each other. If stats is non-nil it is
// filled in regardless of the outcome.
func (a *Allocator) ValidateHeap(stats *Stats) (bool, error) {
	var s Stats
	walkErr := header.Walk(a.base, 0, a.limit, func(off, size uintptr, status header.Status) {
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
	s.FreeListLen = a.list.length

	fwdCount, fwdErr := a.walkList(true)
	revCount, revErr := a.walkList(false)
	s.FreeListBlocks = fwdCount

	if stats != nil {
		*stats = s
	}

	if walkErr != nil {
		return false, walkErr
	}
	if s.UsedBlocks+s.FreeBlocks != s.Blocks {
		return false, fmt.Errorf("explicit: %d of %d blocks have a bad size or status", s.Blocks-s.UsedBlocks-s.FreeBlocks, s.Blocks)
	}
	if fwdErr != nil {
		return false, fwdErr
	}
	if revErr != nil {
		return false, revErr
	}
	if fwdCount != a.list.length || revCount != a.list.length {
		return false, fmt.Errorf("explicit: free list length mismatch: forward=%d reverse=%d free_blocks_num=%d", fwdCount, revCount, a.list.length)
	}
	if s.FreeBlocks != a.list.length {
		return false, fmt.Errorf("explicit: segment walk found %d free blocks, free list reports %d", s.FreeBlocks, a.list.length)
	}
	return true, nil
}

// walkList traverses the free list once, forward from head or reverse
// from end, checking strictly increasing (or decreasing) addresses,
// in-bounds links, every node Free, and null outer endpoints.
func (a *Allocator) walkList(forward bool) (int, error) {
	if a.list.head == header.NullOffset {
		if a.list.length != 0 {
			return 0, fmt.Errorf("explicit: empty free list but free_blocks_num = %d", a.list.length)
		}
		return 0, nil
	}

	cur := a.list.head
	outerLink := readPrev(a.base, cur)
	dir := "forward"
	step := func(off uintptr) uintptr { return readNext(a.base, off) }
	if !forward {
		cur = a.list.end
		outerLink = readNext(a.base, cur)
		dir = "reverse"
		step = func(off uintptr) uintptr { return readPrev(a.base, off) }
	}
	if outerLink != header.NullOffset {
		return 0, fmt.Errorf("explicit: %s walk's starting endpoint has a non-null outer link", dir)
	}

	count := 0
	var prev uintptr
	for i := 0; i < a.list.length; i++ {
		if cur >= a.limit {
			return count, fmt.Errorf("explicit: %s walk visited out-of-segment offset %#x", dir, cur)
		}
		if header.StatusOf(header.Read(a.base, cur)) != header.Free {
			return count, fmt.Errorf("explicit: %s walk visited a non-free block at offset %#x", dir, cur)
		}
		if count > 0 {
			if forward && cur <= prev {
				return count, fmt.Errorf("explicit: forward walk offsets not strictly increasing at %#x", cur)
			}
			if !forward && cur >= prev {
				return count, fmt.Errorf("explicit: reverse walk offsets not strictly decreasing at %#x", cur)
			}
		}
		prev = cur
		count++
		if i < a.list.length-1 {
			cur = step(cur)
		}
	}

	want := a.list.end
	endOuter := readNext(a.base, prev)
	if !forward {
		want = a.list.head
		endOuter = readPrev(a.base, prev)
	}
	if prev != want {
		return count, fmt.Errorf("explicit: %s walk ended at offset %#x, want %#x", dir, prev, want)
	}
	if endOuter != header.NullOffset {
		return count, fmt.Errorf("explicit: %s walk's terminal endpoint has a non-null outer link", dir)
	}
	return count, nil
}
