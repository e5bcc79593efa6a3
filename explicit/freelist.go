// Copyright 2024 The segheap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package explicit

import (
	"unsafe"

	"github.com/cznic-muni/segheap/internal/header"
)

// Free blocks carry their list links in the first two 8-byte words of
// their own payload. A used block's payload has no such structure;
// these slots must only ever be read through a block known to be
// Free. Links are themselves offsets, header.NullOffset standing in
// for a null pointer.
func prevSlot(off uintptr) uintptr { return off + header.Size }
func nextSlot(off uintptr) uintptr { return off + 2*header.Size }

func readLink(base unsafe.Pointer, slot uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(uintptr(base) + slot)) //nolint:govet
}

func writeLink(base unsafe.Pointer, slot, v uintptr) {
	*(*uintptr)(unsafe.Pointer(uintptr(base) + slot)) = v //nolint:govet
}

func readPrev(base unsafe.Pointer, off uintptr) uintptr { return readLink(base, prevSlot(off)) }
func writePrev(base unsafe.Pointer, off, v uintptr)     { writeLink(base, prevSlot(off), v) }
func readNext(base unsafe.Pointer, off uintptr) uintptr { return readLink(base, nextSlot(off)) }
func writeNext(base unsafe.Pointer, off, v uintptr)     { writeLink(base, nextSlot(off), v) }

// freeList is the address-ordered doubly linked list of every FREE
// block in the segment, threaded through the blocks' own payloads.
// head and end are header.NullOffset when the list is empty.
type freeList struct {
	head, end uintptr
	length    int
}

func newFreeList() freeList {
	return freeList{head: header.NullOffset, end: header.NullOffset}
}

// insert adds off, a block not currently in the list, at its sorted
// position by address: empty list, new head, new end, or interior
// splice between the first node greater than off and its predecessor.
func (l *freeList) insert(base unsafe.Pointer, off uintptr) {
	l.length++
	switch {
	case l.head == header.NullOffset:
		l.head, l.end = off, off
		writePrev(base, off, header.NullOffset)
		writeNext(base, off, header.NullOffset)
	case off < l.head:
		writeNext(base, off, l.head)
		writePrev(base, l.head, off)
		l.head = off
		writePrev(base, off, header.NullOffset)
	case off > l.end:
		writePrev(base, off, l.end)
		writeNext(base, l.end, off)
		l.end = off
		writeNext(base, off, header.NullOffset)
	default:
		q := l.head
		for q < off {
			q = readNext(base, q)
		}
		p := readPrev(base, q)
		writeNext(base, p, off)
		writePrev(base, off, p)
		writeNext(base, off, q)
		writePrev(base, q, off)
	}
}

// remove unlinks off from the list. Its own link slots are left
// as-is; callers must not read them again once off has been removed.
func (l *freeList) remove(base unsafe.Pointer, off uintptr) {
	l.length--
	p, n := readPrev(base, off), readNext(base, off)
	if p == header.NullOffset {
		l.head = n
	} else {
		writeNext(base, p, n)
	}
	if n == header.NullOffset {
		l.end = p
	} else {
		writePrev(base, n, p)
	}
}

// replace swaps the node occupying off's slot in the list for
// replacement, without touching length: replacement inherits off's
// neighbors and, if off was an endpoint, that role too. Used both
// when malloc splits a free block (the split-off remainder takes the
// original's slot) and when free right-coalesces (the merged block
// takes the absorbed right neighbor's slot).
func (l *freeList) replace(base unsafe.Pointer, off, replacement uintptr) {
	p, n := readPrev(base, off), readNext(base, off)
	writePrev(base, replacement, p)
	writeNext(base, replacement, n)
	if p == header.NullOffset {
		l.head = replacement
	} else {
		writeNext(base, p, replacement)
	}
	if n == header.NullOffset {
		l.end = replacement
	} else {
		writePrev(base, n, replacement)
	}
}
