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

package scenario

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	"kfutex.dev/kfutex/futexsim/workload"
	"kfutex.dev/kfutex/pkg/abi/linux"
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/hostarch"
	"kfutex.dev/kfutex/pkg/log"
	"kfutex.dev/kfutex/pkg/sentry/kernel"
	"kfutex.dev/kfutex/pkg/sync"
)

// Waiter outcomes that are not errno names.
const (
	OutcomeWoken   = "woken"
	OutcomeWaiting = "waiting"
)

// SettleTimeout bounds each wait for waiters to queue or wake.
var SettleTimeout = 10 * time.Second

// OpResult is the result of one scenario operation.
type OpResult struct {
	// Op is the operation's kind.
	Op string

	// Result is the value returned by futex(2).
	Result int

	// Err is the errno name futex(2) failed with, or empty.
	Err string

	// Woken are the names of the waiters the operation woke, in the order
	// they returned.
	Woken []string
}

// WaiterResult is the final state of one waiter.
type WaiterResult struct {
	Name string

	// Outcome is OutcomeWoken, OutcomeWaiting or the errno name the wait
	// failed with.
	Outcome string

	// WokenBy is the index of the op that woke the waiter, or -1.
	WokenBy int
}

// Report describes a completed scenario run.
type Report struct {
	Name     string
	Ops      []OpResult
	Waiters  []WaiterResult
	Failures []string
}

// OK returns whether every expectation of the scenario held.
func (r *Report) OK() bool {
	return len(r.Failures) == 0
}

// Write prints r in a human readable form.
func (r *Report) Write(w io.Writer) {
	fmt.Fprintf(w, "scenario %q\n", r.Name)
	for i, op := range r.Ops {
		res := fmt.Sprint(op.Result)
		if op.Err != "" {
			res = op.Err
		}
		fmt.Fprintf(w, "  op %d %-12s = %-8s woke [%s]\n", i, op.Op, res, strings.Join(op.Woken, " "))
	}
	for _, wr := range r.Waiters {
		if wr.WokenBy >= 0 {
			fmt.Fprintf(w, "  waiter %-10s %s by op %d\n", wr.Name, wr.Outcome, wr.WokenBy)
		} else {
			fmt.Fprintf(w, "  waiter %-10s %s\n", wr.Name, wr.Outcome)
		}
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  FAIL: %s\n", f)
	}
	if r.OK() {
		fmt.Fprintf(w, "  PASS\n")
	}
}

// errnoName returns the name of the errno err translates to.
func errnoName(err error) string {
	if err == nil {
		return ""
	}
	e, ok := linuxerr.TranslateError(err)
	if !ok {
		return err.Error()
	}
	if name := unix.ErrnoName(linuxerr.ToUnix(e)); name != "" {
		return name
	}
	return e.Error()
}

// tracker records waiter completions in the order they happen.
type tracker struct {
	mu       sync.Mutex
	errs     []error
	finished []bool
	order    []int
}

func newTracker(n int) *tracker {
	return &tracker{
		errs:     make([]error, n),
		finished: make([]bool, n),
	}
}

func (t *tracker) finish(i int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs[i] = err
	t.finished[i] = true
	t.order = append(t.order, i)
}

func (t *tracker) isFinished(i int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished[i]
}

// mark returns a position in the completion order.
func (t *tracker) mark() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// wokenSince returns the waiters that returned successfully after mark.
func (t *tracker) wokenSince(mark int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var woken []int
	for _, i := range t.order[mark:] {
		if t.errs[i] == nil {
			woken = append(woken, i)
		}
	}
	return woken
}

// settle polls cond with exponential backoff until it succeeds, ctx is done
// or SettleTimeout passes.
func settle(ctx context.Context, cond func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = SettleTimeout
	return backoff.Retry(cond, backoff.WithContext(b, ctx))
}

// runner holds the state of one scenario run.
type runner struct {
	sc      *Scenario
	p       *workload.Process
	driver  *workload.Thread
	addrs   map[string]hostarch.Addr
	tracker *tracker
	wokenBy []int
	wg      sync.WaitGroup
}

// Run executes sc in a new process of k. The returned error reports
// failures to run the scenario; unmet expectations are recorded in the
// report.
func Run(ctx context.Context, k *kernel.Kernel, sc *Scenario) (*Report, error) {
	p, err := workload.NewProcess(k, len(sc.Waiters)+1)
	if err != nil {
		return nil, err
	}
	defer p.Exit()

	r := &runner{
		sc:      sc,
		p:       p,
		driver:  p.Threads[len(sc.Waiters)],
		addrs:   make(map[string]hostarch.Addr),
		tracker: newTracker(len(sc.Waiters)),
		wokenBy: make([]int, len(sc.Waiters)),
	}
	for i := range r.wokenBy {
		r.wokenBy[i] = -1
	}
	// Waiters still blocked when Run returns are interrupted.
	defer r.wg.Wait()
	defer r.interrupt()

	for i, name := range sc.wordNames() {
		addr := p.Word(i)
		r.addrs[name] = addr
		if err := p.Store(addr, sc.Words[name]); err != nil {
			return nil, fmt.Errorf("initializing word %q: %w", name, err)
		}
	}
	for i := range sc.Waiters {
		if err := r.startWaiter(ctx, i); err != nil {
			return nil, err
		}
	}

	rep := &Report{Name: sc.Name}
	for i := range sc.Ops {
		res, err := r.runOp(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", i, sc.Ops[i].Op, err)
		}
		rep.Ops = append(rep.Ops, res)
		rep.Failures = append(rep.Failures, checkOp(i, &sc.Ops[i], &res)...)
	}

	// Waiters with a timeout finish on their own.
	if err := settle(ctx, func() error {
		for i, w := range sc.Waiters {
			if w.Timeout > 0 && !r.tracker.isFinished(i) {
				return fmt.Errorf("waiter %s has not timed out", w.Name)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	r.tracker.mu.Lock()
	for i, w := range sc.Waiters {
		wr := WaiterResult{Name: w.Name, Outcome: OutcomeWaiting, WokenBy: r.wokenBy[i]}
		if r.tracker.finished[i] {
			if err := r.tracker.errs[i]; err != nil {
				wr.Outcome = errnoName(err)
			} else {
				wr.Outcome = OutcomeWoken
			}
		}
		rep.Waiters = append(rep.Waiters, wr)
		if w.Expect != "" && w.Expect != wr.Outcome {
			rep.Failures = append(rep.Failures, fmt.Sprintf("waiter %s: got outcome %s, want %s", w.Name, wr.Outcome, w.Expect))
		}
	}
	r.tracker.mu.Unlock()
	log.Infof("scenario %q: %d ops, %d waiters, %d failures", sc.Name, len(rep.Ops), len(rep.Waiters), len(rep.Failures))
	return rep, nil
}

// startWaiter blocks waiter i and returns once it is queued on its word or
// its wait has already returned.
func (r *runner) startWaiter(ctx context.Context, i int) error {
	w := &r.sc.Waiters[i]
	th := r.p.Threads[i]
	addr := r.addrs[w.Word]
	mask := w.Bitset
	if mask == 0 {
		mask = linux.FUTEX_BITSET_MATCH_ANY
	}
	want := r.p.Waiters(addr) + 1
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.tracker.finish(i, th.FutexWaitBitset(addr, w.Value, mask, w.Timeout))
	}()
	err := settle(ctx, func() error {
		if r.tracker.isFinished(i) {
			return nil
		}
		if got := r.p.Waiters(addr); got < want {
			return fmt.Errorf("got %d waiters on %q, want %d", got, w.Word, want)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("waiter %s did not block: %w", w.Name, err)
	}
	return nil
}

// runOp performs op i and waits for every waiter it woke to return.
func (r *runner) runOp(ctx context.Context, i int) (OpResult, error) {
	op := &r.sc.Ops[i]
	addr := r.addrs[op.Word]
	to := r.addrs[op.To]
	mark := r.tracker.mark()

	var (
		n   int
		err error
	)
	th := r.driver
	switch op.Op {
	case OpWake:
		n, err = th.FutexWake(addr, op.Count)
	case OpWakeBitset:
		n, err = th.FutexWakeBitset(addr, op.Bitset, op.Count)
	case OpRequeue:
		n, err = th.FutexRequeue(addr, to, op.Count, op.Count2)
	case OpCmpRequeue:
		n, err = th.FutexCmpRequeue(addr, to, op.Value, op.Count, op.Count2)
	case OpWakeOp:
		var enc uint32
		if enc, err = op.WakeOp.Encode(); err != nil {
			return OpResult{}, err
		}
		n, err = th.FutexWakeOp(addr, to, op.Count, op.Count2, enc)
	case OpStore:
		if err := r.p.Store(addr, op.Value); err != nil {
			return OpResult{}, err
		}
	default:
		return OpResult{}, fmt.Errorf("unknown op")
	}
	res := OpResult{Op: op.Op, Result: n, Err: errnoName(err)}
	if err != nil {
		return res, nil
	}

	var woken []int
	if err := settle(ctx, func() error {
		if woken = r.tracker.wokenSince(mark); len(woken) < n {
			return fmt.Errorf("got %d woken waiters, want %d", len(woken), n)
		}
		return nil
	}); err != nil {
		return res, err
	}
	for _, w := range woken {
		r.wokenBy[w] = i
		res.Woken = append(res.Woken, r.sc.Waiters[w].Name)
	}
	return res, nil
}

// interrupt sends SIGINT to every waiter that has not returned.
func (r *runner) interrupt() {
	for i := range r.sc.Waiters {
		if r.tracker.isFinished(i) {
			continue
		}
		if err := r.p.Threads[i].Kill(r.driver, linux.SIGINT); err != nil {
			log.Warningf("scenario: interrupting waiter %s: %v", r.sc.Waiters[i].Name, err)
		}
	}
}

func checkOp(i int, op *Op, res *OpResult) []string {
	var failures []string
	if op.ExpectError != "" && res.Err != op.ExpectError {
		got := res.Err
		if got == "" {
			got = "success"
		}
		failures = append(failures, fmt.Sprintf("op %d (%s): got %s, want %s", i, op.Op, got, op.ExpectError))
	}
	if op.Expect != nil && (res.Err != "" || res.Result != *op.Expect) {
		failures = append(failures, fmt.Sprintf("op %d (%s): got %d (%s), want %d", i, op.Op, res.Result, res.Err, *op.Expect))
	}
	return failures
}
