// Copyright 2021 The kfutex Authors.
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

// Package scenario runs scripted futex scenarios described in YAML: a set of
// named futex words, waiters blocked on them, and a sequence of operations
// whose effect on the waiters is reported.
package scenario

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
	"kfutex.dev/kfutex/pkg/abi/linux"
)

// Scenario is the top level of a scenario file.
type Scenario struct {
	// Name is printed in the report.
	Name string `yaml:"name"`

	// Words maps futex word names to their initial values.
	Words map[string]uint32 `yaml:"words"`

	// Waiters are started in order; each is queued before the next starts.
	Waiters []Waiter `yaml:"waiters"`

	// Ops run in order once every waiter is queued.
	Ops []Op `yaml:"ops"`
}

// Waiter is a thread blocked in FUTEX_WAIT_BITSET.
type Waiter struct {
	Name string `yaml:"name"`
	Word string `yaml:"word"`

	// Value is the value the waiter expects the word to hold.
	Value uint32 `yaml:"value"`

	// Bitset is the wait bitset. Zero means FUTEX_BITSET_MATCH_ANY.
	Bitset uint32 `yaml:"bitset"`

	// Timeout bounds the wait. Zero waits until the scenario ends.
	Timeout time.Duration `yaml:"timeout"`

	// Expect, if set, is the outcome the waiter must reach: one of
	// "woken", "waiting" or an errno name such as "EAGAIN".
	Expect string `yaml:"expect"`
}

// Op kinds.
const (
	OpWake       = "wake"
	OpWakeBitset = "wake_bitset"
	OpRequeue    = "requeue"
	OpCmpRequeue = "cmp_requeue"
	OpWakeOp     = "wake_op"
	OpStore      = "store"
)

// Op is one step of a scenario.
type Op struct {
	// Op is the kind of operation.
	Op string `yaml:"op"`

	// Word is the futex word operated on.
	Word string `yaml:"word"`

	// To is the second word of requeue and wake_op operations.
	To string `yaml:"to"`

	// Count is the number of waiters to wake on Word.
	Count int `yaml:"count"`

	// Count2 is the number of waiters to requeue to To, or to wake on To
	// for wake_op.
	Count2 int `yaml:"count2"`

	// Bitset is the wake bitset for wake_bitset.
	Bitset uint32 `yaml:"bitset"`

	// Value is stored by store, and is the expected value of Word for
	// cmp_requeue.
	Value uint32 `yaml:"value"`

	// WakeOp is the operation applied to To by wake_op.
	WakeOp *WakeOp `yaml:"wake_op"`

	// Expect, if set, is the result the operation must return.
	Expect *int `yaml:"expect"`

	// ExpectError, if set, is the errno name the operation must fail with.
	ExpectError string `yaml:"expect_error"`
}

// WakeOp describes the FUTEX_WAKE_OP operation word.
type WakeOp struct {
	// Op is one of set, add, or, andn, xor.
	Op string `yaml:"op"`

	// Arg is the operand. It is a 12-bit signed value.
	Arg int32 `yaml:"arg"`

	// Shift uses 1<<Arg as the operand.
	Shift bool `yaml:"shift"`

	// Cmp is one of eq, ne, lt, le, gt, ge.
	Cmp string `yaml:"cmp"`

	// CmpArg is the comparison operand. It is a 12-bit signed value.
	CmpArg int32 `yaml:"cmp_arg"`
}

var wakeOpOps = map[string]uint32{
	"set":  linux.FUTEX_OP_SET,
	"add":  linux.FUTEX_OP_ADD,
	"or":   linux.FUTEX_OP_OR,
	"andn": linux.FUTEX_OP_ANDN,
	"xor":  linux.FUTEX_OP_XOR,
}

var wakeOpCmps = map[string]uint32{
	"eq": linux.FUTEX_OP_CMP_EQ,
	"ne": linux.FUTEX_OP_CMP_NE,
	"lt": linux.FUTEX_OP_CMP_LT,
	"le": linux.FUTEX_OP_CMP_LE,
	"gt": linux.FUTEX_OP_CMP_GT,
	"ge": linux.FUTEX_OP_CMP_GE,
}

// Encode returns the FUTEX_WAKE_OP operation word for w.
func (w *WakeOp) Encode() (uint32, error) {
	op, ok := wakeOpOps[w.Op]
	if !ok {
		return 0, fmt.Errorf("unknown wake_op operation %q", w.Op)
	}
	if w.Shift {
		op |= linux.FUTEX_OP_OPARG_SHIFT
	}
	cmp, ok := wakeOpCmps[w.Cmp]
	if !ok {
		return 0, fmt.Errorf("unknown wake_op comparison %q", w.Cmp)
	}
	if w.Arg < -2048 || w.Arg > 2047 || w.CmpArg < -2048 || w.CmpArg > 2047 {
		return 0, fmt.Errorf("wake_op arguments %d and %d must fit in 12 bits", w.Arg, w.CmpArg)
	}
	return linux.FUTEX_OP(op, uint32(w.Arg), cmp, uint32(w.CmpArg)), nil
}

// maxWords is the number of 32-bit words in the scenario's page.
const maxWords = 1024

// Parse decodes and validates a scenario. Unknown fields are rejected.
func Parse(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	sc, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

func (sc *Scenario) validate() error {
	if len(sc.Words) == 0 {
		return fmt.Errorf("scenario defines no words")
	}
	if len(sc.Words) > maxWords {
		return fmt.Errorf("scenario defines %d words, at most %d are supported", len(sc.Words), maxWords)
	}
	word := func(what, name string) error {
		if _, ok := sc.Words[name]; !ok {
			return fmt.Errorf("%s: unknown word %q", what, name)
		}
		return nil
	}
	names := make(map[string]bool)
	for i, w := range sc.Waiters {
		what := fmt.Sprintf("waiter %d", i)
		if w.Name == "" {
			return fmt.Errorf("%s: missing name", what)
		}
		if names[w.Name] {
			return fmt.Errorf("%s: duplicate name %q", what, w.Name)
		}
		names[w.Name] = true
		if err := word(what, w.Word); err != nil {
			return err
		}
		if w.Timeout < 0 {
			return fmt.Errorf("%s: negative timeout %v", what, w.Timeout)
		}
	}
	for i, op := range sc.Ops {
		what := fmt.Sprintf("op %d (%s)", i, op.Op)
		if err := word(what, op.Word); err != nil {
			return err
		}
		switch op.Op {
		case OpWake, OpWakeBitset, OpStore:
		case OpRequeue, OpCmpRequeue:
			if err := word(what, op.To); err != nil {
				return err
			}
		case OpWakeOp:
			if err := word(what, op.To); err != nil {
				return err
			}
			if op.WakeOp == nil {
				return fmt.Errorf("%s: missing wake_op", what)
			}
			if _, err := op.WakeOp.Encode(); err != nil {
				return fmt.Errorf("%s: %w", what, err)
			}
		default:
			return fmt.Errorf("%s: unknown op", what)
		}
	}
	return nil
}

// wordNames returns the names of sc's words in the order they are laid out
// in memory.
func (sc *Scenario) wordNames() []string {
	names := make([]string, 0, len(sc.Words))
	for name := range sc.Words {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
