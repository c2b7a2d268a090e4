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
	"sync/atomic"

	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/hostarch"
)

// populate marks the page containing addr in v as resident.
func (v *vma) populate(addr hostarch.Addr) {
	v.mu.Lock()
	v.populated.Add(v.pageIndex(addr))
	v.mu.Unlock()
}

// isPopulated returns whether the page containing addr in v is resident.
func (v *vma) isPopulated(addr hostarch.Addr) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.populated.Contains(v.pageIndex(addr))
}

// EnsureResident faults in the page containing addr, as the first touch of a
// lazily allocated page would. It fails with EFAULT if no mapping covers
// addr.
func (mm *MemoryManager) EnsureResident(addr hostarch.Addr) error {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	v := mm.findVMALocked(addr)
	if v == nil {
		return linuxerr.EFAULT
	}
	v.populate(addr)
	return nil
}

// isResident returns whether the page containing addr has been faulted in.
func (mm *MemoryManager) isResident(addr hostarch.Addr) bool {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	v := mm.findVMALocked(addr)
	return v != nil && v.isPopulated(addr)
}

// withWord calls fn with the host address of the 32-bit word at addr while
// the mapping is pinned. If fault is true, a non-resident page is faulted in
// first; otherwise accessing it fails with EFAULT.
func (mm *MemoryManager) withWord(addr hostarch.Addr, fault bool, fn func(p *uint32)) error {
	if addr%4 != 0 {
		return linuxerr.EINVAL
	}
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	v := mm.findVMALocked(addr)
	if v == nil {
		return linuxerr.EFAULT
	}
	if fault {
		v.populate(addr)
	} else if !v.isPopulated(addr) {
		return linuxerr.EFAULT
	}
	fn(v.word(addr))
	return nil
}

// LoadUint32 atomically loads the 32-bit word at addr. The page must already
// be resident (see EnsureResident); LoadUint32 never allocates.
func (mm *MemoryManager) LoadUint32(addr hostarch.Addr) (uint32, error) {
	var val uint32
	err := mm.withWord(addr, false, func(p *uint32) {
		val = atomic.LoadUint32(p)
	})
	return val, err
}

// StoreUint32 atomically stores val to the 32-bit word at addr.
func (mm *MemoryManager) StoreUint32(addr hostarch.Addr, val uint32) error {
	return mm.withWord(addr, true, func(p *uint32) {
		atomic.StoreUint32(p, val)
	})
}

// CompareAndSwapUint32 atomically compares the 32-bit word at addr to old and,
// if equal, replaces it with new. It returns the previous value.
func (mm *MemoryManager) CompareAndSwapUint32(addr hostarch.Addr, old, new uint32) (uint32, error) {
	var prev uint32
	err := mm.withWord(addr, true, func(p *uint32) {
		for {
			if atomic.CompareAndSwapUint32(p, old, new) {
				prev = old
				return
			}
			if prev = atomic.LoadUint32(p); prev != old {
				return
			}
		}
	})
	return prev, err
}

// SwapUint32 atomically stores new to the 32-bit word at addr and returns the
// previous value.
func (mm *MemoryManager) SwapUint32(addr hostarch.Addr, new uint32) (uint32, error) {
	var prev uint32
	err := mm.withWord(addr, true, func(p *uint32) {
		prev = atomic.SwapUint32(p, new)
	})
	return prev, err
}

// AddUint32 atomically adds delta to the 32-bit word at addr and returns the
// new value.
func (mm *MemoryManager) AddUint32(addr hostarch.Addr, delta uint32) (uint32, error) {
	var val uint32
	err := mm.withWord(addr, true, func(p *uint32) {
		val = atomic.AddUint32(p, delta)
	})
	return val, err
}

// UpdateUint32 atomically replaces the 32-bit word at addr with f(old) and
// returns old. f may be called more than once.
func (mm *MemoryManager) UpdateUint32(addr hostarch.Addr, f func(old uint32) uint32) (uint32, error) {
	var prev uint32
	err := mm.withWord(addr, true, func(p *uint32) {
		for {
			prev = atomic.LoadUint32(p)
			if atomic.CompareAndSwapUint32(p, prev, f(prev)) {
				return
			}
		}
	})
	return prev, err
}

// copy transfers len(buf) bytes between buf and user memory starting at
// addr, faulting in every page touched. It returns the number of bytes
// transferred; a short count is accompanied by EFAULT.
func (mm *MemoryManager) copy(addr hostarch.Addr, buf []byte, out bool) (int, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	done := 0
	for done < len(buf) {
		cur, ok := addr.AddLength(uint64(done))
		if !ok {
			return done, linuxerr.EFAULT
		}
		v := mm.findVMALocked(cur)
		if v == nil {
			return done, linuxerr.EFAULT
		}
		// Stop at the end of the page so that each page is faulted in.
		end := cur.RoundDown() + hostarch.PageSize
		n := min(int(end-cur), len(buf)-done)
		v.populate(cur)
		off := int(cur - v.start)
		if out {
			copy(v.mem[off:off+n], buf[done:done+n])
		} else {
			copy(buf[done:done+n], v.mem[off:off+n])
		}
		done += n
	}
	return done, nil
}

// CopyIn copies len(dst) bytes from user memory at addr into dst.
func (mm *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	return mm.copy(addr, dst, false)
}

// CopyOut copies src to user memory at addr.
func (mm *MemoryManager) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	return mm.copy(addr, src, true)
}
