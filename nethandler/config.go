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

// Package nethandler implements the NetHandler: the single
// per-process reception pipeline that owns the Rx raw socket, the
// Stream ID hash map, the Rx thread, the channel registry, the SRP
// client and the logger.
package nethandler

import (
	"fmt"
	"net"

	"github.com/netchan-go/netchan/channel"
)

// Config is a NetHandler's exhaustive configuration.
type Config struct {
	// Iface is the NIC this NetHandler binds its Rx socket to.
	Iface string
	// HashMapSize is the Stream ID hash map's slot count, and so the
	// most Rx channels one NetHandler can register.
	HashMapSize uint
	// UseSRP enables SRP/MRP bandwidth reservation; channel creation
	// becomes blocking when set (awaiting a peer), with an otherwise
	// identical API shape.
	UseSRP bool
	// KeepCState disables the best-effort DMA latency pin, for
	// hosts where C-state pinning is undesirable or unavailable.
	KeepCState bool
	// Verbose raises the log level; set via SetVerbose too.
	Verbose bool
	// LogFile is the base path netlog rotates CSVs under. Empty
	// disables CSV flushing (in-memory recording still happens).
	LogFile string
	// Ftrace enables the trace_marker-backed Tracer for latency
	// violations (Linux only; a no-op elsewhere).
	Ftrace bool
	// BreakUS is the default break threshold (microseconds) applied to
	// channels that don't set their own Attrs.BreakThresholdUS.
	BreakUS uint64
	// TxPrio overrides a class's default SO_PRIORITY/PCP.
	TxPrio map[channel.Class]int
	// LinkBitsPerSec is the egress link speed channels size-check
	// against; 0 defaults to 1 Gbps (see channel.Attrs.Validate).
	LinkBitsPerSec uint64
}

// txPrio resolves a channel class's SO_PRIORITY, honoring a Config
// override before falling back to the class's own default PCP.
func (c Config) txPrio(cl channel.Class) int {
	if c.TxPrio != nil {
		if p, ok := c.TxPrio[cl]; ok {
			return p
		}
	}
	return cl.DefaultPCP()
}

// Validate checks the subset of Config that would otherwise surface as
// a confusing lower-layer failure.
func (c Config) Validate() error {
	if c.Iface == "" {
		return fmt.Errorf("nethandler: Iface must not be empty")
	}
	if c.HashMapSize < 2 {
		return fmt.Errorf("nethandler: HashMapSize must be at least 2")
	}
	return nil
}

// ifaceExists is used by New to classify a missing NIC as
// ncerr.ErrInvalidInterface rather than a generic socket failure.
func ifaceExists(name string) bool {
	_, err := net.InterfaceByName(name)
	return err == nil
}
