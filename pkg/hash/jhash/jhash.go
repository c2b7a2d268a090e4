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

// Package jhash implements the Jenkins hash used by Linux to index hash
// tables keyed by small tuples of 32-bit words.
package jhash

// initval is the arbitrary starting value of the Linux jhash family.
const initval = 0xdeadbeef

// Hash3Words calculates the Jenkins hash of 3 32-bit words. This is adapted
// from linux's jhash_3words, which agrees with jhash2 over a three-word key.
func Hash3Words(a, b, c, seed uint32) uint32 {
	const iv = initval + (3 << 2)
	seed += iv

	a += seed
	b += seed
	c += seed

	c ^= b
	c -= rol32(b, 14)
	a ^= c
	a -= rol32(c, 11)
	b ^= a
	b -= rol32(a, 25)
	c ^= b
	c -= rol32(b, 16)
	a ^= c
	a -= rol32(c, 4)
	b ^= a
	b -= rol32(a, 14)
	c ^= b
	c -= rol32(b, 24)

	return c
}

func rol32(v, shift uint32) uint32 {
	return (v << shift) | (v >> ((-shift) & 31))
}
