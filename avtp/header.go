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

// Package avtp implements the AVTP common header (IEEE 1722) framing used
// by netchan streams: a fixed, positional, network-byte-order 24 octet
// header carrying a 64-bit stream ID, a 32-bit AVTP timestamp and the
// payload length.
package avtp

import (
	"encoding/binary"
	"fmt"
)

// Subtype is the AVTP subtype carried by every netchan frame.
const Subtype = 0x7F

// HeaderSize is the wire size of the common header, in octets.
const HeaderSize = 24

// Version is the only AVTP version netchan emits.
const Version = 0

// Header is the AVTP common header (4.4.3/4.4.4 of IEEE 1722-2016), laid
// out exactly as it goes on the wire. Receivers MUST tolerate any value in
// the reserved fields.
type Header struct {
	Subtype uint8

	SV      bool  // stream_id valid
	Version uint8
	MR      bool  // media clock restart
	FSD     uint8 // format specific data (2 bits)
	TV      bool  // timestamp valid

	SeqNr uint8

	TU   bool  // timestamp uncertain
	FSD1 uint8 // format specific data (7 bits)

	StreamID uint64

	// AVTPTimestamp is the lower 32 bits of a TAI nanosecond count.
	AVTPTimestamp uint32

	// SDL is the stream data length: the payload size in octets.
	SDL uint16
}

// Marshal writes the header into b (which must be at least HeaderSize
// bytes) in network byte order.
func (h *Header) Marshal(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("avtp: buffer too small: %d < %d", len(b), HeaderSize)
	}

	b[0] = h.Subtype

	var flags uint8
	if h.SV {
		flags |= 1 << 7
	}
	flags |= (h.Version & 0x7) << 4
	if h.MR {
		flags |= 1 << 3
	}
	flags |= (h.FSD & 0x3) << 1
	if h.TV {
		flags |= 1
	}
	b[1] = flags

	b[2] = h.SeqNr

	var b3 uint8
	if h.TU {
		b3 |= 1 << 7
	}
	b3 |= h.FSD1 & 0x7F
	b[3] = b3

	binary.BigEndian.PutUint64(b[4:12], h.StreamID)
	binary.BigEndian.PutUint32(b[12:16], h.AVTPTimestamp)
	// bytes 16:20 reserved
	binary.BigEndian.PutUint16(b[20:22], h.SDL)
	// bytes 22:24 reserved

	return nil
}

// Unmarshal reads a header from b. Reserved fields are ignored.
func (h *Header) Unmarshal(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("avtp: short frame: %d < %d", len(b), HeaderSize)
	}

	h.Subtype = b[0]

	flags := b[1]
	h.SV = flags&(1<<7) != 0
	h.Version = (flags >> 4) & 0x7
	h.MR = flags&(1<<3) != 0
	h.FSD = (flags >> 1) & 0x3
	h.TV = flags&1 != 0

	h.SeqNr = b[2]

	b3 := b[3]
	h.TU = b3&(1<<7) != 0
	h.FSD1 = b3 & 0x7F

	h.StreamID = binary.BigEndian.Uint64(b[4:12])
	h.AVTPTimestamp = binary.BigEndian.Uint32(b[12:16])
	h.SDL = binary.BigEndian.Uint16(b[20:22])

	return nil
}

// ProbeStreamID reads only the stream ID out of a raw frame without fully
// unmarshalling it, for the NetHandler demux fast path.
func ProbeStreamID(b []byte) (uint64, error) {
	if len(b) < HeaderSize {
		return 0, fmt.Errorf("avtp: short frame: %d < %d", len(b), HeaderSize)
	}
	return binary.BigEndian.Uint64(b[4:12]), nil
}
