// Copyright 2018 The kfutex Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mm provides a memory management subsystem for simulated user
// address spaces.
//
// Lock order:
//
//	MemoryManager.mu
//	  vma.mu
package mm

import (
	"github.com/google/btree"
	"kfutex.dev/kfutex/pkg/bitmap"
	"kfutex.dev/kfutex/pkg/hostarch"
	"kfutex.dev/kfutex/pkg/sync"
)

const (
	// MinUserAddress is the lowest address handed out by MMap.
	MinUserAddress hostarch.Addr = 0x10000

	// MaxUserAddress is the address MMap will not map beyond.
	MaxUserAddress hostarch.Addr = 0x7fffffff0000

	// btreeDegree is the degree of the vma tree.
	btreeDegree = 8
)

// A vma is a virtual memory area: a contiguous, page-aligned range of user
// addresses backed by anonymous host memory.
type vma struct {
	// start and end are the bounds of the vma. start is inclusive and end
	// is exclusive. Both are immutable.
	start hostarch.Addr
	end   hostarch.Addr

	// mem is the host mapping backing the vma. It is immutable until the
	// vma is removed from its MemoryManager.
	mem []byte

	// mu protects populated.
	mu sync.Mutex

	// populated has a bit set for each page of the vma that has been
	// faulted in.
	populated bitmap.Bitmap
}

func (v *vma) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.start, End: v.end}
}

// pageIndex returns the index of the page containing addr within v.
func (v *vma) pageIndex(addr hostarch.Addr) uint32 {
	return uint32((addr - v.start) >> hostarch.PageShift)
}

func vmaLess(a, b *vma) bool {
	return a.start < b.start
}

// MemoryManager implements a virtual address space.
type MemoryManager struct {
	// mu protects the fields below. Accessors of user memory hold mu for
	// reading while they touch a vma's backing memory, so that the
	// mapping cannot be released underneath them.
	mu sync.RWMutex

	// vmas is the set of mapped ranges, ordered by start address.
	vmas *btree.BTreeG[*vma]

	// nextAddr is the address at which the next MMap will be placed.
	nextAddr hostarch.Addr

	// usageAS is the total size of all vmas in bytes.
	usageAS uint64

	// released is set by Release. Released address spaces have no vmas
	// and reject new mappings.
	released bool
}

// NewMemoryManager returns an empty address space.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		vmas:     btree.NewG[*vma](btreeDegree, vmaLess),
		nextAddr: MinUserAddress,
	}
}

// findVMALocked returns the vma containing addr, or nil.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) findVMALocked(addr hostarch.Addr) *vma {
	var found *vma
	mm.vmas.DescendLessOrEqual(&vma{start: addr}, func(v *vma) bool {
		if v.addrRange().Contains(addr) {
			found = v
		}
		return false
	})
	return found
}

// VirtualMemorySize returns the total size of all mappings in bytes.
func (mm *MemoryManager) VirtualMemorySize() uint64 {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.usageAS
}

// ResidentPages returns the number of pages that have been faulted in.
func (mm *MemoryManager) ResidentPages() int {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	n := 0
	mm.vmas.Ascend(func(v *vma) bool {
		v.mu.Lock()
		n += int(v.populated.GetNumOnes())
		v.mu.Unlock()
		return true
	})
	return n
}
