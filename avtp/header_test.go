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

package avtp

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Subtype:       Subtype,
		SV:            true,
		Version:       Version,
		TV:            true,
		SeqNr:         0x00,
		StreamID:      42,
		AVTPTimestamp: 0xDEADBEEF,
		SDL:           8,
	}

	buf := make([]byte, HeaderSize)
	require.NoError(t, h.Marshal(buf))

	var got Header
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, *h, got)
}

func TestHeaderSeqNrWrap(t *testing.T) {
	h := &Header{SeqNr: 0xFF}
	buf := make([]byte, HeaderSize)
	h.SeqNr++ // wraps to 0x00, mirroring the per-send pre-increment
	require.NoError(t, h.Marshal(buf))
	require.Equal(t, uint8(0x00), buf[2])
}

func TestProbeStreamID(t *testing.T) {
	h := &Header{StreamID: 0x0102030405060708}
	buf := make([]byte, HeaderSize)
	require.NoError(t, h.Marshal(buf))

	sid, err := ProbeStreamID(buf)
	require.NoError(t, err)
	require.Equal(t, h.StreamID, sid)
}

func TestProbeStreamIDShortFrame(t *testing.T) {
	_, err := ProbeStreamID(make([]byte, 4))
	require.Error(t, err)
}

// TestHeaderOverEthernetFrame demonstrates that a netchan frame decodes as
// an ordinary Ethernet payload: the AVTP header rides directly after the
// Ethernet header, at the TSN EtherType.
func TestHeaderOverEthernetFrame(t *testing.T) {
	const etherTypeTSN = 0x22F0

	h := &Header{Subtype: Subtype, SV: true, TV: true, StreamID: 7, SDL: 4}
	payload := make([]byte, HeaderSize+int(h.SDL))
	require.NoError(t, h.Marshal(payload))
	copy(payload[HeaderSize:], []byte{0xDE, 0xAD, 0xBE, 0xEF})

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x01, 0x00, 0x5E, 0x00, 0x00, 0x01},
		EthernetType: layers.EthernetType(etherTypeTSN),
	}

	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(sb, opts, eth, gopacket.Payload(payload)))

	pkt := gopacket.NewPacket(sb.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	ethLayer, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.True(t, ok)
	require.Equal(t, layers.EthernetType(etherTypeTSN), ethLayer.EthernetType)

	var got Header
	require.NoError(t, got.Unmarshal(ethLayer.Payload))
	require.Equal(t, h.StreamID, got.StreamID)
	require.Equal(t, h.SDL, got.SDL)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, ethLayer.Payload[HeaderSize:HeaderSize+4])
}
