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

// Package channel implements per-stream Tx/Rx channel state: AVTP
// framing, the Tx launch-time rate gate, and the Rx capture-time
// reconstruction and presentation-deadline wait.
package channel

import (
	"fmt"
	"net"

	"github.com/netchan-go/netchan/ncerr"
)

// Class is an AVB/TSN traffic class, each with its own worst-case
// end-to-end delivery bound.
type Class int

const (
	// ClassA has a 2ms worst-case delivery bound.
	ClassA Class = iota
	// ClassB has a 50ms worst-case delivery bound.
	ClassB
	// ClassTAS is IEEE 802.1Qbv gated traffic with a caller-supplied bound.
	ClassTAS
)

func (c Class) String() string {
	switch c {
	case ClassA:
		return "A"
	case ClassB:
		return "B"
	case ClassTAS:
		return "TAS"
	default:
		return "unknown"
	}
}

// Bound returns the class's worst-case end-to-end delivery bound. For
// ClassTAS, tasBoundNS (from Attrs.TASBoundNS) is returned as-is.
func (c Class) Bound(tasBoundNS uint64) uint64 {
	switch c {
	case ClassA:
		return 2_000_000
	case ClassB:
		return 50_000_000
	default:
		return tasBoundNS
	}
}

// DefaultPCP returns the 802.1Q priority code point a class maps to
// absent a differing value from the SRP domain.
func (c Class) DefaultPCP() int {
	switch c {
	case ClassA:
		return 3
	case ClassB:
		return 2
	default:
		return 0
	}
}

const (
	// MinIntervalNS is the smallest permitted channel period: the wire
	// time of a minimum-size Ethernet frame at 1Gbps.
	MinIntervalNS = 528
	// MaxIntervalNS is the largest permitted channel period, one hour.
	MaxIntervalNS = 3_600_000_000_000
	// MaxPayloadSize is the largest permitted payload, keeping
	// size+header at or under the untagged Ethernet MTU.
	MaxPayloadSize = 1476
	// MaxNameLen bounds a channel's display name.
	MaxNameLen = 32

	headerBytes   = 24 // AVTP common header
	overheadBytes = 22 // Ethernet header(14) + vlan tag(4) + FCS(4)
)

// Attrs are a channel's static, user-declared attributes.
type Attrs struct {
	StreamID uint64
	Dst      net.HardwareAddr
	Class    Class
	Size     uint16
	// IntervalNS is the channel's period in nanoseconds.
	IntervalNS uint64
	Name       string
	// TASBoundNS is the presentation-time bound for ClassTAS channels.
	TASBoundNS uint64
	// BreakThresholdUS, if non-zero, triggers a LatencyViolation
	// once a reconstructed capture delta exceeds it.
	BreakThresholdUS uint64
	// LinkBitsPerSec is the egress link speed used to size-check the
	// channel against one interval's worth of bandwidth; it defaults to
	// 1 Gbps when zero.
	LinkBitsPerSec uint64
}

// Validate enforces every attribute constraint, returning
// ncerr.ErrInvalidAttribute wrapped with the specific violation on failure.
func (a Attrs) Validate() error {
	if a.StreamID == 0 {
		return fmt.Errorf("%w: stream id must not be zero", ncerr.ErrInvalidAttribute)
	}
	if len(a.Dst) != 6 {
		return fmt.Errorf("%w: destination mac must be 6 octets, got %d", ncerr.ErrInvalidAttribute, len(a.Dst))
	}
	if len(a.Name) > MaxNameLen {
		return fmt.Errorf("%w: display name %q exceeds %d octets", ncerr.ErrInvalidAttribute, a.Name, MaxNameLen)
	}
	if a.Size < 1 || a.Size > MaxPayloadSize {
		return fmt.Errorf("%w: size %d outside [1,%d]", ncerr.ErrInvalidAttribute, a.Size, MaxPayloadSize)
	}
	if a.IntervalNS < MinIntervalNS || a.IntervalNS > MaxIntervalNS {
		return fmt.Errorf("%w: interval_ns %d outside [%d,%d]", ncerr.ErrInvalidAttribute, a.IntervalNS, MinIntervalNS, MaxIntervalNS)
	}

	linkBps := a.LinkBitsPerSec
	if linkBps == 0 {
		linkBps = 1_000_000_000
	}
	bytesPerInterval := a.IntervalNS * linkBps / (8 * 1_000_000_000)
	if uint64(a.Size)+headerBytes+overheadBytes > bytesPerInterval {
		return fmt.Errorf("%w: size %d + header(%d) + overhead(%d) exceeds %d bytes deliverable in one %dns interval at %d bps",
			ncerr.ErrInvalidAttribute, a.Size, headerBytes, overheadBytes, bytesPerInterval, a.IntervalNS, linkBps)
	}
	return nil
}

// FrameBytes is the total wire size of one frame from this channel: its
// payload plus the AVTP common header.
func (a Attrs) FrameBytes() int {
	return int(a.Size) + headerBytes
}
