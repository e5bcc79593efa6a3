// Copyright 2024 The segheap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package segheap provides two interchangeable single-segment heap
// allocators, implicit and explicit, that manage a caller-supplied
// contiguous byte region. See the implicit and explicit subpackages
// for the allocators themselves; this package holds the one bit
// shared by both: segment construction. Each variant defines its own
// Stats shape (the explicit allocator's carries free-list fields the
// implicit one has no use for), so that record lives per-package
// rather than here.
package segheap

import "fmt"

// Alignment is the power-of-two alignment every returned pointer and
// stored block size satisfies, shared by both allocator variants.
const Alignment = 8

// NewSegment allocates and returns a zeroed byte slice suitable for
// passing to an allocator's Init. size must be large enough for the
// allocator's minimum block; Init reports that failure itself, so
// NewSegment only guards against requests too small to be useful to
// any caller.
func NewSegment(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("segheap: segment size must be positive, got %d", size)
	}
	return make([]byte, size), nil
}
