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

// Package hostarch contains host arch address operations for user memory.
package hostarch

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

const (
	// PageShift is the binary log of the user page size.
	PageShift = 12

	// PageSize is the user page size.
	PageSize = 1 << PageShift
)

// HostPageSize is the page size of the host. User pages are backed by host
// anonymous memory, so it must divide PageSize-aligned lengths.
var HostPageSize = unix.Getpagesize()

// PageRoundDown returns x rounded down to the nearest page boundary.
func PageRoundDown(x uint64) uint64 {
	return x &^ (PageSize - 1)
}

// PageRoundUp returns x rounded up to the nearest page boundary.
// ok is true iff rounding up did not wrap around.
func PageRoundUp(x uint64) (addr uint64, ok bool) {
	addr = PageRoundDown(x + PageSize - 1)
	ok = addr >= x
	return
}

// ByteOrder is the byte order of user memory.
var ByteOrder = binary.LittleEndian
