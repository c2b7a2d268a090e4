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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestFlags(t *testing.T) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newTestFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newTestFlags(t)
	for name, val := range map[string]string{
		"debug":        "true",
		"processes":    "3",
		"wait-timeout": "15ms",
		"log-format":   "logfmt",
	} {
		if err := testFlags.Set(name, val); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := 3; c.Processes != want {
		t.Errorf("Processes=%v, want: %v", c.Processes, want)
	}
	if want := 15 * time.Millisecond; c.WaitTimeout != want {
		t.Errorf("WaitTimeout=%v, want: %v", c.WaitTimeout, want)
	}
	if want := "logfmt"; c.LogFormat != want {
		t.Errorf("LogFormat=%v, want: %v", c.LogFormat, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	c, err := NewFromFlags(newTestFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	c.Debug = true
	c.Threads = 9
	c.WaitTimeout = time.Second
	c.MetricsFile = "-"

	want := []string{"--debug=true", "--threads=9", "--wait-timeout=1s", "--metrics-file=-"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}

	testFlags := newTestFlags(t)
	if err := testFlags.Parse(c.ToFlags()); err != nil {
		t.Fatal(err)
	}
	c2, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, c2); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestValidationFail(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		err   string
	}{
		{
			name:  "log-format",
			flags: map[string]string{"log-format": "xml"},
			err:   "invalid log format",
		},
		{
			name:  "processes",
			flags: map[string]string{"processes": "0"},
			err:   "processes must be at least 1",
		},
		{
			name:  "threads",
			flags: map[string]string{"threads": "-2"},
			err:   "threads must be at least 1",
		},
		{
			name:  "wait-timeout",
			flags: map[string]string{"wait-timeout": "-1s"},
			err:   "wait-timeout must not be negative",
		},
		{
			name:  "max-tasks",
			flags: map[string]string{"processes": "4", "threads": "4", "max-tasks": "8"},
			err:   "exceed max-tasks",
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newTestFlags(t)
			for name, val := range tc.flags {
				if err := testFlags.Set(name, val); err != nil {
					t.Fatalf("Flag set: %v", err)
				}
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("NewFromFlags() wrong error: got %v, want %q", err, tc.err)
			}
		})
	}
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "futexsim.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
debug = true
threads = 16
wait-timeout = "250ms"
log-format = "json"
`)

	testFlags := newTestFlags(t)
	// Explicit flags win over the file.
	if err := testFlags.Parse([]string{"--config=" + path, "--threads=2"}); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		LogFormat:   "json",
		Debug:       true,
		Processes:   1,
		Threads:     2,
		Iterations:  1000,
		WaitTimeout: 250 * time.Millisecond,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		err      string
	}{
		{name: "unknown flag", contents: "bogus = 1\n", err: "unknown flag"},
		{name: "bad value", contents: "threads = \"many\"\n", err: "setting threads"},
		{name: "recursive", contents: "config = \"other.toml\"\n", err: "cannot be set"},
		{name: "syntax", contents: "threads = \n", err: "decoding"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := ApplyFile(newTestFlags(t), writeConfigFile(t, tc.contents))
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("ApplyFile() wrong error: got %v, want %q", err, tc.err)
			}
		})
	}
}

func TestCopy(t *testing.T) {
	c, err := NewFromFlags(newTestFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	cp := c.Copy()
	if diff := cmp.Diff(c, cp); diff != "" {
		t.Errorf("Copy mismatch (-want +got):\n%s", diff)
	}
	cp.Threads++
	if c.Threads == cp.Threads {
		t.Errorf("Copy shares state with the original")
	}
}
