/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

//go:build linux

package netlog

import (
	"fmt"
	"os"
	"path/filepath"
)

const tracefsRoot = "/sys/kernel/tracing"

// FtraceTracer marks events into the kernel ftrace ring buffer via
// trace_marker, so a channel's latency violations line up with
// scheduler and network trace events.
type FtraceTracer struct {
	f *os.File
}

// OpenFtrace enables a minimal useful event set and opens trace_marker
// for writing. Best-effort: most of this requires root and a mounted
// tracefs; callers should fall back to NopTracer on error.
func OpenFtrace() (*FtraceTracer, error) {
	writeTracefsAttr("tracing_on", "0")
	writeTracefsAttr("buffer_size_kb", "8192")
	writeTracefsAttr("events/sched/enable", "1")
	writeTracefsAttr("events/net/enable", "1")
	writeTracefsAttr("events/irq/enable", "1")

	f, err := os.OpenFile(filepath.Join(tracefsRoot, "trace_marker"), os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("netlog: opening trace_marker: %w", err)
	}
	writeTracefsAttr("tracing_on", "1")
	return &FtraceTracer{f: f}, nil
}

// Mark implements Tracer.
func (t *FtraceTracer) Mark(tag string) {
	if t == nil || t.f == nil {
		return
	}
	fmt.Fprint(t.f, tag)
}

// Close disables tracing and releases trace_marker.
func (t *FtraceTracer) Close() error {
	writeTracefsAttr("tracing_on", "0")
	if t.f == nil {
		return nil
	}
	return t.f.Close()
}

func writeTracefsAttr(attr, val string) {
	f, err := os.OpenFile(filepath.Join(tracefsRoot, attr), os.O_WRONLY, 0)
	if err != nil {
		return
	}
	fmt.Fprintln(f, val)
	f.Close()
}
