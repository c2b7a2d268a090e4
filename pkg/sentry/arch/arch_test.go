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

package arch

import (
	"testing"

	"kfutex.dev/kfutex/pkg/hostarch"
)

func TestSyscallArgumentAccessors(t *testing.T) {
	neg := SyscallArgument{Value: ^uintptr(0)}
	if got := neg.Int(); got != -1 {
		t.Errorf("Int got %d want -1", got)
	}
	if got := neg.Uint(); got != 0xffffffff {
		t.Errorf("Uint got %#x want 0xffffffff", got)
	}
	if got := neg.Int64(); got != -1 {
		t.Errorf("Int64 got %d want -1", got)
	}
	if got := neg.ModeT(); got != 0xffff {
		t.Errorf("ModeT got %#x want 0xffff", got)
	}

	ptr := SyscallArgument{Value: 0x10004}
	if got, want := ptr.Pointer(), hostarch.Addr(0x10004); got != want {
		t.Errorf("Pointer got %v want %v", got, want)
	}
	if got := ptr.SizeT(); got != 0x10004 {
		t.Errorf("SizeT got %#x want 0x10004", got)
	}
	if got := ptr.Uint64(); got != 0x10004 {
		t.Errorf("Uint64 got %#x want 0x10004", got)
	}
}

func TestArchString(t *testing.T) {
	for a, want := range map[Arch]string{AMD64: "amd64", ARM64: "arm64", Arch(7): "Arch(7)"} {
		if got := a.String(); got != want {
			t.Errorf("%d.String() got %q want %q", int(a), got, want)
		}
	}
}
