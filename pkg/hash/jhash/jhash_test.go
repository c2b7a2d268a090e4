// Copyright 2019 The kfutex Authors.
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

package jhash

import "testing"

func TestHash3Words(t *testing.T) {
	for _, tc := range []struct {
		a, b, c, seed uint32
		want          uint32
	}{
		{0, 0, 0, 0, 0x1b68e557},
		{1, 2, 3, 0, 0xa46158f5},
		{1, 0x1000, 4, 4, 0x10ac5aeb},
		{0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff, 0xc343af0b},
		{42, 0x7f0000, 8, 8, 0x8e312b5a},
	} {
		if got := Hash3Words(tc.a, tc.b, tc.c, tc.seed); got != tc.want {
			t.Errorf("Hash3Words(%#x, %#x, %#x, %#x) = %#x, want %#x", tc.a, tc.b, tc.c, tc.seed, got, tc.want)
		}
	}
}

func TestRol32(t *testing.T) {
	for _, tc := range []struct {
		v, shift, want uint32
	}{
		{1, 0, 1},
		{1, 31, 0x80000000},
		{0x80000000, 1, 1},
		{0x12345678, 16, 0x56781234},
	} {
		if got := rol32(tc.v, tc.shift); got != tc.want {
			t.Errorf("rol32(%#x, %d) = %#x, want %#x", tc.v, tc.shift, got, tc.want)
		}
	}
}

// Keys that differ only in one word should rarely collide in a 256-entry
// table.
func TestHash3WordsSpread(t *testing.T) {
	seen := make(map[uint32]int)
	for i := uint32(0); i < 256; i++ {
		seen[Hash3Words(1, 0x1000, i*4, i*4)&255]++
	}
	if len(seen) < 128 {
		t.Errorf("256 keys landed in only %d of 256 buckets", len(seen))
	}
}
