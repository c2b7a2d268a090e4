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

package log

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(expected, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

// recorder captures formatted messages and their levels.
type recorder struct {
	levels []Level
	msgs   []string
}

func (r *recorder) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	r.levels = append(r.levels, level)
	r.msgs = append(r.msgs, fmt.Sprintf(format, v...))
}

func TestBasicLoggerLevels(t *testing.T) {
	for _, tc := range []struct {
		level Level
		want  []string
	}{
		{Warning, []string{"warning 3"}},
		{Info, []string{"info 2", "warning 3"}},
		{Debug, []string{"debug 1", "info 2", "warning 3"}},
	} {
		tc := tc
		t.Run(tc.level.String(), func(t *testing.T) {
			r := &recorder{}
			l := &BasicLogger{Level: tc.level, Emitter: r}
			l.Debugf("debug %d", 1)
			l.Infof("info %d", 2)
			l.Warningf("warning %d", 3)
			if diff := cmp.Diff(tc.want, r.msgs); diff != "" {
				t.Errorf("unexpected messages (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	l := &BasicLogger{Level: Warning, Emitter: &recorder{}}
	if l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = true at level Warning")
	}
	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestMultiEmitter(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := &MultiEmitter{a, b}
	m.Emit(0, Info, time.Now(), "hello %s", "world")
	for i, r := range []*recorder{a, b} {
		if diff := cmp.Diff([]string{"hello world"}, r.msgs); diff != "" {
			t.Errorf("emitter %d (-want +got):\n%s", i, diff)
		}
	}
}

func TestGoogleEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2024, time.January, 2, 3, 4, 5, 6000, time.Local)
	e.Emit(0, Info, ts, "waking %d waiters", 3)

	line := buf.String()
	if !strings.HasPrefix(line, "I0102 03:04:05.000006 ") {
		t.Errorf("line %q has the wrong header", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("line %q does not name the caller", line)
	}
	if !strings.HasSuffix(line, "] waking 3 waiters\n") {
		t.Errorf("line %q has the wrong message", line)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	r := &recorder{}
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: r}, time.Hour)
	for i := 0; i < 10; i++ {
		l.Infof("message %d", i)
	}
	if diff := cmp.Diff([]string{"message 0"}, r.msgs); diff != "" {
		t.Errorf("unexpected messages (-want +got):\n%s", diff)
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Debug, Emitter: NewLogrusEmitter(&buf)}
	l.Warningf("requeued %d", 2)

	line := buf.String()
	for _, want := range []string{"level=warning", `msg="requeued 2"`, `caller="log_test.go:`} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q does not contain %q", line, want)
		}
	}
}

func TestPatternOpts(t *testing.T) {
	opts := PatternOpts{
		Command:   "stress",
		Timestamp: time.Date(2024, time.March, 4, 5, 6, 7, 0, time.UTC),
	}
	got := opts.Build("/tmp/futexsim/%COMMAND%-%TIMESTAMP%.log")
	want := "/tmp/futexsim/stress-20240304-050607.000000.log"
	if got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
}
