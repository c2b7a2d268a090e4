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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddContainsRemove(t *testing.T) {
	b := New(64)
	for _, i := range []uint32{0, 5, 63, 64, 200} {
		if !b.Add(i) {
			t.Errorf("Add(%d) = false on first insertion", i)
		}
		if b.Add(i) {
			t.Errorf("Add(%d) = true on second insertion", i)
		}
		if !b.Contains(i) {
			t.Errorf("Contains(%d) = false after Add", i)
		}
	}
	if got := b.GetNumOnes(); got != 5 {
		t.Errorf("GetNumOnes() = %d, want 5", got)
	}
	if b.Contains(1) || b.Contains(100000) {
		t.Errorf("Contains reported bits that were never set")
	}
	if b.Size() < 201 {
		t.Errorf("Size() = %d, want at least 201 after growing", b.Size())
	}

	b.Remove(63)
	b.Remove(63)
	b.Remove(100000)
	if got, want := b.ToSlice(), []uint32{0, 5, 64, 200}; !cmp.Equal(got, want) {
		t.Errorf("ToSlice() mismatch (-got +want):\n%s", cmp.Diff(got, want))
	}
	if got := b.GetNumOnes(); got != 4 {
		t.Errorf("GetNumOnes() = %d, want 4", got)
	}
}

func TestReset(t *testing.T) {
	b := New(128)
	b.Add(3)
	b.Add(127)
	b.Reset()
	if !b.IsEmpty() {
		t.Errorf("IsEmpty() = false after Reset, ones = %v", b.ToSlice())
	}
	if b.Size() != 128 {
		t.Errorf("Size() = %d, want 128", b.Size())
	}
}
