// Copyright 2020 The kfutex Authors.
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

package linux

import (
	"testing"

	"kfutex.dev/kfutex/pkg/abi/linux"
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/hostarch"
)

func TestMmapFlags(t *testing.T) {
	task, _ := newTestProcess(t)
	for _, tc := range []struct {
		name  string
		flags uintptr
		want  error
	}{
		{name: "private anonymous", flags: linux.MAP_PRIVATE | linux.MAP_ANONYMOUS},
		{name: "shared", flags: linux.MAP_SHARED | linux.MAP_ANONYMOUS, want: linuxerr.EINVAL},
		{name: "neither", flags: linux.MAP_ANONYMOUS, want: linuxerr.EINVAL},
		{name: "file", flags: linux.MAP_PRIVATE, want: linuxerr.EBADF},
		{name: "fixed", flags: linux.MAP_PRIVATE | linux.MAP_ANONYMOUS | linux.MAP_FIXED, want: linuxerr.EINVAL},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			addr, err := invoke(task, sysMmap, 0, hostarch.PageSize, linux.PROT_READ|linux.PROT_WRITE, tc.flags)
			if err != tc.want {
				t.Fatalf("mmap: got %v, want %v", err, tc.want)
			}
			if err == nil && !hostarch.Addr(addr).IsPageAligned() {
				t.Errorf("mmap returned unaligned address %#x", addr)
			}
		})
	}
}

func TestMunmap(t *testing.T) {
	task, _ := newTestProcess(t)
	addr, err := invoke(task, sysMmap, 0, 2*hostarch.PageSize, linux.PROT_READ|linux.PROT_WRITE, linux.MAP_PRIVATE|linux.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap failed: %v", err)
	}
	if _, err := invoke(task, sysMunmap, addr, hostarch.PageSize); err != linuxerr.EINVAL {
		t.Errorf("partial munmap: got %v, want EINVAL", err)
	}
	if _, err := invoke(task, sysMunmap, addr, 2*hostarch.PageSize); err != nil {
		t.Errorf("munmap: got %v, want nil", err)
	}
	if _, err := invoke(task, sysMunmap, addr, 2*hostarch.PageSize); err != linuxerr.EINVAL {
		t.Errorf("second munmap: got %v, want EINVAL", err)
	}
}
