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

package mm

import (
	"golang.org/x/sys/unix"
	"kfutex.dev/kfutex/pkg/bitmap"
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/hostarch"
	"kfutex.dev/kfutex/pkg/log"
)

// MMap establishes a private anonymous mapping of at least length bytes and
// returns its page-aligned start address. No page of the new mapping is
// resident until it is first touched.
func (mm *MemoryManager) MMap(length uint64) (hostarch.Addr, error) {
	if length == 0 {
		return 0, linuxerr.EINVAL
	}
	rounded, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	length = uint64(rounded)

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.released {
		return 0, linuxerr.EFAULT
	}
	start := mm.nextAddr
	end, ok := start.AddLength(length)
	if !ok || end > MaxUserAddress {
		return 0, linuxerr.ENOMEM
	}
	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, linuxerr.ENOMEM
	}
	mm.vmas.ReplaceOrInsert(&vma{
		start:     start,
		end:       end,
		mem:       mem,
		populated: bitmap.New(uint32(length >> hostarch.PageShift)),
	})
	mm.usageAS += length
	// Leave an unmapped guard page between consecutive mappings.
	mm.nextAddr = end + hostarch.PageSize
	log.Debugf("mm: mapped %v", hostarch.AddrRange{Start: start, End: end})
	return start, nil
}

// MUnmap removes the mapping that starts at addr. Only whole mappings can be
// removed; any other range fails with EINVAL.
func (mm *MemoryManager) MUnmap(addr hostarch.Addr, length uint64) error {
	if !addr.IsPageAligned() || length == 0 {
		return linuxerr.EINVAL
	}
	rounded, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return linuxerr.EINVAL
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	v := mm.findVMALocked(addr)
	if v == nil || v.start != addr || uint64(v.end-v.start) != uint64(rounded) {
		return linuxerr.EINVAL
	}
	mm.removeVMALocked(v)
	return nil
}

// removeVMALocked drops v from the address space and returns its memory to
// the host.
//
// Preconditions: mm.mu is locked for writing.
func (mm *MemoryManager) removeVMALocked(v *vma) {
	mm.vmas.Delete(v)
	mm.usageAS -= uint64(v.end - v.start)
	if err := unix.Munmap(v.mem); err != nil {
		log.Warningf("mm: munmap of %v failed: %v", v.addrRange(), err)
	}
	v.mem = nil
}

// Release unmaps every mapping. It is called when the last task using the
// address space exits; every later access fails with EFAULT.
func (mm *MemoryManager) Release() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.released {
		return
	}
	var all []*vma
	mm.vmas.Ascend(func(v *vma) bool {
		all = append(all, v)
		return true
	})
	for _, v := range all {
		mm.removeVMALocked(v)
	}
	mm.released = true
}
