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

package futex

import (
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/hash/jhash"
	"kfutex.dev/kfutex/pkg/hostarch"
)

// Target abstracts the address space and process a futex operation acts on.
type Target interface {
	// PID returns the ID of the process owning the address space. It is
	// part of every futex key.
	PID() int32

	// EnsureResident faults in the page containing addr, populating lazily
	// allocated memory. It returns EFAULT if addr is not mapped.
	EnsureResident(addr hostarch.Addr) error

	// LoadUint32 atomically loads the 32-bit word at addr. The page must
	// be resident.
	LoadUint32(addr hostarch.Addr) (uint32, error)
}

// Operator is a Target that can also atomically modify a futex word.
type Operator interface {
	Target

	// Op atomically applies the FUTEX_WAKE_OP operation encoded in op to
	// the word at addr, then applies the comparison encoded in op to the
	// word's original value and returns the result.
	Op(addr hostarch.Addr, op uint32) (bool, error)
}

// Key identifies a futex: a 32-bit word in the address space of a process.
// Keys are comparable; two keys are the same futex iff they are equal.
type Key struct {
	// PID is the ID of the process the word belongs to.
	PID int32

	// Aligned is the address of the page containing the word.
	Aligned hostarch.Addr

	// Offset is the offset of the word within its page.
	Offset uint32
}

// Less orders keys by PID, then page, then offset.
func (k Key) Less(o Key) bool {
	if k.PID != o.PID {
		return k.PID < o.PID
	}
	if k.Aligned != o.Aligned {
		return k.Aligned < o.Aligned
	}
	return k.Offset < o.Offset
}

// Addr returns the address of the word k identifies.
func (k Key) Addr() hostarch.Addr {
	return k.Aligned + hostarch.Addr(k.Offset)
}

// DeriveKey returns the Key for the word at addr in t. Futexes are always
// keyed to the calling process, so private and shared requests derive the
// same key. Like Linux, it fails with EINVAL if addr is not 4-byte aligned;
// that is the only failure.
func DeriveKey(t Target, addr hostarch.Addr, private bool) (Key, error) {
	// Ensure the address is aligned.
	// It must be a DWORD boundary.
	if addr&0x3 != 0 {
		return Key{}, linuxerr.EINVAL
	}
	return Key{
		PID:     t.PID(),
		Aligned: addr.RoundDown(),
		Offset:  uint32(addr.PageOffset()),
	}, nil
}

// ReadValue returns the current value of the word at addr, faulting in its
// page first. The engine calls it before taking bucket locks, which leaves
// the page resident for loadResident under the lock.
func ReadValue(t Target, addr hostarch.Addr) (uint32, error) {
	if err := t.EnsureResident(addr); err != nil {
		return 0, err
	}
	return loadResident(t, addr)
}

// loadResident atomically loads the word at addr without faulting.
//
// Preconditions: ReadValue has succeeded for addr.
func loadResident(t Target, addr hostarch.Addr) (uint32, error) {
	return t.LoadUint32(addr)
}

const (
	// bucketCount is the number of buckets per Manager. By having many of
	// these we reduce contention when concurrent yet unrelated calls are made.
	bucketCount     = 1 << bucketCountBits
	bucketCountBits = 8
)

// bucketIndex returns the index into Manager.buckets for k.
func bucketIndex(k *Key) int {
	pn := k.Aligned.PageNumber()
	h := jhash.Hash3Words(uint32(k.PID), uint32(pn)^uint32(pn>>32), k.Offset, k.Offset)
	return int(h & (bucketCount - 1))
}
