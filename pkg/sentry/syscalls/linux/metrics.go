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

package linux

import (
	"time"

	"kfutex.dev/kfutex/pkg/abi/linux"
	"kfutex.dev/kfutex/pkg/errors/linuxerr"
	"kfutex.dev/kfutex/pkg/metric"
)

// futexOpNames are the values of the "op" field of the futex metrics.
var futexOpNames = []string{
	"wait",
	"wait_bitset",
	"wake",
	"wake_bitset",
	"requeue",
	"cmp_requeue",
	"wake_op",
	"unsupported",
}

// futexResults are the values of the "result" field of the futex metrics.
var futexResults = []string{
	"ok",
	"EAGAIN",
	"EFAULT",
	"EINTR",
	"EINVAL",
	"ENOSYS",
	"ESRCH",
	"ETIMEDOUT",
	"other",
}

var (
	futexCalls = metric.MustCreateNewUint64Metric("/futex/calls", false /* sync */, "Number of futex(2) calls, by command and result.",
		metric.NewField("op", futexOpNames),
		metric.NewField("result", futexResults))
	futexWoken       = metric.MustCreateNewUint64Metric("/futex/woken", false /* sync */, "Number of waiters woken by futex(2).")
	futexWaitLatency = metric.MustCreateNewTimerMetric("/futex/wait_latency",
		metric.NewDurationBucketer(15, time.Microsecond, 10*time.Second),
		"Time spent in futex(2) waits, by result.",
		metric.NewField("result", futexResults))
)

// futexOpName returns the "op" field value for a futex(2) command.
func futexOpName(cmd int32) string {
	switch cmd {
	case linux.FUTEX_WAIT:
		return "wait"
	case linux.FUTEX_WAIT_BITSET:
		return "wait_bitset"
	case linux.FUTEX_WAKE:
		return "wake"
	case linux.FUTEX_WAKE_BITSET:
		return "wake_bitset"
	case linux.FUTEX_REQUEUE:
		return "requeue"
	case linux.FUTEX_CMP_REQUEUE:
		return "cmp_requeue"
	case linux.FUTEX_WAKE_OP:
		return "wake_op"
	default:
		return "unsupported"
	}
}

// futexResult returns the "result" field value for err.
func futexResult(err error) string {
	if err == nil {
		return "ok"
	}
	e, ok := linuxerr.TranslateError(err)
	if !ok {
		return "other"
	}
	switch e {
	case linuxerr.EAGAIN:
		return "EAGAIN"
	case linuxerr.EFAULT:
		return "EFAULT"
	case linuxerr.EINTR:
		return "EINTR"
	case linuxerr.EINVAL:
		return "EINVAL"
	case linuxerr.ENOSYS:
		return "ENOSYS"
	case linuxerr.ESRCH:
		return "ESRCH"
	case linuxerr.ETIMEDOUT:
		return "ETIMEDOUT"
	default:
		return "other"
	}
}
