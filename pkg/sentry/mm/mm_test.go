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
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/hostarch"
)

func testMemoryManager(t *testing.T) *MemoryManager {
	t.Helper()
	mm := NewMemoryManager()
	t.Cleanup(mm.Release)
	return mm
}

func TestMMapLayout(t *testing.T) {
	mm := testMemoryManager(t)

	a, err := mm.MMap(1)
	if err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}
	b, err := mm.MMap(3 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}
	if !a.IsPageAligned() || !b.IsPageAligned() {
		t.Errorf("MMap returned unaligned addresses %v, %v", a, b)
	}
	if b <= a+hostarch.PageSize {
		t.Errorf("second mapping %v overlaps or abuts first mapping %v", b, a)
	}
	if got, want := mm.VirtualMemorySize(), uint64(4*hostarch.PageSize); got != want {
		t.Errorf("VirtualMemorySize got %d want %d", got, want)
	}
	if _, err := mm.MMap(0); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("MMap(0) got err %v want EINVAL", err)
	}
}

func TestLazyResidency(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MMap(2 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}
	second := addr + hostarch.PageSize + 8

	if got := mm.ResidentPages(); got != 0 {
		t.Errorf("ResidentPages after MMap got %d want 0", got)
	}
	if _, err := mm.LoadUint32(second); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("LoadUint32 of non-resident page got err %v want EFAULT", err)
	}
	if err := mm.EnsureResident(second); err != nil {
		t.Fatalf("EnsureResident got err %v want nil", err)
	}
	if !mm.isResident(second) || mm.isResident(addr) {
		t.Errorf("isResident got (%v, %v) want (false, true) for (first, second) page", mm.isResident(addr), mm.isResident(second))
	}
	if v, err := mm.LoadUint32(second); err != nil || v != 0 {
		t.Errorf("LoadUint32 got (%d, %v) want (0, nil)", v, err)
	}
	if got := mm.ResidentPages(); got != 1 {
		t.Errorf("ResidentPages got %d want 1", got)
	}

	// Writes fault pages in.
	if err := mm.StoreUint32(addr, 7); err != nil {
		t.Fatalf("StoreUint32 got err %v want nil", err)
	}
	if got := mm.ResidentPages(); got != 2 {
		t.Errorf("ResidentPages got %d want 2", got)
	}
}

func TestAccessErrors(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MMap(hostarch.PageSize)
	if err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}

	for _, tc := range []struct {
		name string
		addr hostarch.Addr
		want error
	}{
		{"unaligned", addr + 2, linuxerr.EINVAL},
		{"null", 0, linuxerr.EFAULT},
		{"guard page", addr + hostarch.PageSize, linuxerr.EFAULT},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if err := mm.StoreUint32(tc.addr, 1); err != tc.want {
				t.Errorf("StoreUint32(%v) got err %v want %v", tc.addr, err, tc.want)
			}
		})
	}
	if err := mm.EnsureResident(addr + hostarch.PageSize); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("EnsureResident outside mapping got err %v want EFAULT", err)
	}
}

func TestAtomics(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MMap(hostarch.PageSize)
	if err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}

	if prev, err := mm.CompareAndSwapUint32(addr, 0, 5); err != nil || prev != 0 {
		t.Errorf("CompareAndSwapUint32(0, 5) got (%d, %v) want (0, nil)", prev, err)
	}
	if prev, err := mm.CompareAndSwapUint32(addr, 0, 9); err != nil || prev != 5 {
		t.Errorf("failing CompareAndSwapUint32 got (%d, %v) want (5, nil)", prev, err)
	}
	if prev, err := mm.SwapUint32(addr, 2); err != nil || prev != 5 {
		t.Errorf("SwapUint32 got (%d, %v) want (5, nil)", prev, err)
	}
	if v, err := mm.AddUint32(addr, 3); err != nil || v != 5 {
		t.Errorf("AddUint32 got (%d, %v) want (5, nil)", v, err)
	}
	if prev, err := mm.UpdateUint32(addr, func(old uint32) uint32 { return old << 1 }); err != nil || prev != 5 {
		t.Errorf("UpdateUint32 got (%d, %v) want (5, nil)", prev, err)
	}
	if v, err := mm.LoadUint32(addr); err != nil || v != 10 {
		t.Errorf("LoadUint32 got (%d, %v) want (10, nil)", v, err)
	}
}

func TestConcurrentAdd(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MMap(hostarch.PageSize)
	if err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}

	const workers, iters = 8, 1000
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for j := 0; j < iters; j++ {
				if _, err := mm.AddUint32(addr, 1); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("AddUint32 failed: %v", err)
	}
	if v, _ := mm.LoadUint32(addr); v != workers*iters {
		t.Errorf("counter got %d want %d", v, workers*iters)
	}
}

func TestMUnmap(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MMap(2 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}
	if err := mm.MUnmap(addr, hostarch.PageSize); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("partial MUnmap got err %v want EINVAL", err)
	}
	if err := mm.MUnmap(addr+hostarch.PageSize, hostarch.PageSize); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("MUnmap of vma middle got err %v want EINVAL", err)
	}
	if err := mm.MUnmap(addr, 2*hostarch.PageSize); err != nil {
		t.Fatalf("MUnmap got err %v want nil", err)
	}
	if err := mm.StoreUint32(addr, 1); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("StoreUint32 after MUnmap got err %v want EFAULT", err)
	}
	if got := mm.VirtualMemorySize(); got != 0 {
		t.Errorf("VirtualMemorySize after MUnmap got %d want 0", got)
	}
}

func TestRelease(t *testing.T) {
	mm := NewMemoryManager()
	addr, err := mm.MMap(hostarch.PageSize)
	if err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}
	mm.Release()
	mm.Release()
	if err := mm.EnsureResident(addr); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("EnsureResident after Release got err %v want EFAULT", err)
	}
	if _, err := mm.MMap(hostarch.PageSize); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("MMap after Release got err %v want EFAULT", err)
	}
}

func TestCopyInOut(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MMap(2 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}

	// Straddle the page boundary.
	at := addr + hostarch.PageSize - 3
	src := []byte("futex words")
	if n, err := mm.CopyOut(at, src); err != nil || n != len(src) {
		t.Fatalf("CopyOut got (%d, %v) want (%d, nil)", n, err, len(src))
	}
	if got := mm.ResidentPages(); got != 2 {
		t.Errorf("ResidentPages got %d want 2", got)
	}
	dst := make([]byte, len(src))
	if n, err := mm.CopyIn(at, dst); err != nil || n != len(dst) {
		t.Fatalf("CopyIn got (%d, %v) want (%d, nil)", n, err, len(dst))
	}
	if diff := cmp.Diff(src, dst); diff != "" {
		t.Errorf("CopyIn mismatch (-want +got):\n%s", diff)
	}

	// Run off the end of the mapping.
	end := addr + 2*hostarch.PageSize - 4
	n, err := mm.CopyOut(end, make([]byte, 8))
	if n != 4 || !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyOut past end got (%d, %v) want (4, EFAULT)", n, err)
	}
}
