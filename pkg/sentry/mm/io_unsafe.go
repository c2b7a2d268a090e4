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
	"unsafe"

	"kfutex.dev/kfutex/pkg/hostarch"
)

// word returns a pointer to the host memory backing the 32-bit word at addr.
//
// Preconditions: addr is 4-byte aligned and within v.
func (v *vma) word(addr hostarch.Addr) *uint32 {
	return (*uint32)(unsafe.Pointer(&v.mem[addr-v.start]))
}
