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

// Package config provides basic infrastructure to set configuration settings
// for futexsim. Each setting that can be changed from the command line is
// tagged with the name of its flag.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mohae/deepcopy"
	"kfutex.dev/kfutex/pkg/log"
	"kfutex.dev/kfutex/pkg/sentry/kernel"
)

// Config holds configuration that is not part of a scenario or workload.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text, json, json-k8s or logfmt.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Processes is the number of simulated processes a workload starts.
	Processes int `flag:"processes"`

	// Threads is the number of tasks in each simulated process.
	Threads int `flag:"threads"`

	// Iterations is the number of times each task runs the workload body.
	Iterations int `flag:"iterations"`

	// WaitTimeout bounds every futex wait issued by a workload. Zero waits
	// forever.
	WaitTimeout time.Duration `flag:"wait-timeout"`

	// MaxTasks limits the number of live tasks in the simulated kernel. Zero
	// means the kernel's own limit.
	MaxTasks int `flag:"max-tasks"`

	// MetricsFile is where metrics are written in Prometheus text format
	// when a command finishes. "-" is stdout. Empty disables the dump.
	MetricsFile string `flag:"metrics-file"`
}

var logFormats = map[string]struct{}{
	"text":     {},
	"json":     {},
	"json-k8s": {},
	"logfmt":   {},
}

func (c *Config) validate() error {
	if _, ok := logFormats[c.LogFormat]; !ok {
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', 'json-k8s' or 'logfmt'", c.LogFormat)
	}
	if c.Processes < 1 {
		return fmt.Errorf("processes must be at least 1, got %d", c.Processes)
	}
	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1, got %d", c.Threads)
	}
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d", c.Iterations)
	}
	if c.WaitTimeout < 0 {
		return fmt.Errorf("wait-timeout must not be negative, got %v", c.WaitTimeout)
	}
	if c.MaxTasks < 0 || c.MaxTasks > kernel.TasksLimit {
		return fmt.Errorf("max-tasks must be in [0, %d], got %d", kernel.TasksLimit, c.MaxTasks)
	}
	if limit := c.MaxTasks; limit > 0 && c.Processes*c.Threads > limit {
		return fmt.Errorf("%d processes of %d threads exceed max-tasks %d", c.Processes, c.Threads, limit)
	}
	return nil
}

// KernelConfig returns the configuration of the simulated kernel.
func (c *Config) KernelConfig() kernel.Config {
	return kernel.Config{MaxTasks: c.MaxTasks}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %v", name, getVal(obj.Field(i)))
	}
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}
