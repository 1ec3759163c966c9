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

package srp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdvertiseMsgFormat(t *testing.T) {
	a := StreamAttrs{
		StreamID:    StreamID(0x0011223344556677),
		Dst:         net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
		VLANID:      0x0002,
		PacketBytes: 64,
		IntervalTU:  1,
		PCP:         3,
		LatencyUS:   3900,
	}
	msg := advertiseMsg(true, a)
	require.Equal(t, "S++:S=0011223344556677,A=AABBCCDDEEFF,V=0002,Z=64,I=1,P=96,L=3900", msg)

	msg = advertiseMsg(false, a)
	require.Equal(t, "S--:S=0011223344556677,A=AABBCCDDEEFF,V=0002,Z=64,I=1,P=96,L=3900", msg)
}

func TestListenerMsgFormat(t *testing.T) {
	require.Equal(t, "S+L:L=0000000000000005, D=2", listenerMsg(true, StreamID(5)))
	require.Equal(t, "S-L:L=0000000000000005, D=3", listenerMsg(false, StreamID(5)))
}

func TestParseTalkerAttr(t *testing.T) {
	sid, dst, err := parseTalkerAttr("SJO T:S=0011223344556677,A=aabbccddeeff,V=0002")
	require.NoError(t, err)
	require.Equal(t, StreamID(0x0011223344556677), sid)
	require.Equal(t, net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, dst)
}

func TestParseDomainAttr(t *testing.T) {
	id, prio, vid, err := parseDomainAttr("SJO D:C=6,P=3,V=0002")
	require.NoError(t, err)
	require.Equal(t, 6, id)
	require.Equal(t, 3, prio)
	require.Equal(t, uint16(2), vid)
}

func TestParseListenerAttr(t *testing.T) {
	sid, substate, err := parseListenerAttr("SJO L:D=2,S=0000000000000009")
	require.NoError(t, err)
	require.Equal(t, StreamID(9), sid)
	require.Equal(t, 2, substate)
}

func TestUpdateDomainSelectsClassByID(t *testing.T) {
	c := &Client{talkers: map[StreamID]net.HardwareAddr{}, listenCt: map[StreamID]int{}}
	c.updateDomain(ClassAID, 3, 0x0002)
	a, b := c.Domains()
	require.True(t, a.Valid)
	require.False(t, b.Valid)
	require.Equal(t, 3, a.Priority)

	c.updateDomain(5, 2, 0x0002)
	a, b = c.Domains()
	require.True(t, a.Valid)
	require.True(t, b.Valid)
}

func TestDispatchListenerAskFailedIgnored(t *testing.T) {
	var joined bool
	c := &Client{
		talkers:  map[StreamID]net.HardwareAddr{},
		listenCt: map[StreamID]int{},
		h: Handlers{
			ListenerJoin: func(StreamID, int) { joined = true },
		},
	}
	require.NoError(t, c.dispatch("S+L:L=0000000000000001, D=1"))
	require.False(t, joined)
	require.Equal(t, 0, c.listenCt[StreamID(1)])

	require.NoError(t, c.dispatch("S+L:L=0000000000000001, D=2"))
	require.True(t, joined)
	require.Equal(t, 1, c.listenCt[StreamID(1)])
}

func TestDispatchTalkerNewAndLeave(t *testing.T) {
	var gotNew, gotLeave bool
	c := &Client{
		talkers:  map[StreamID]net.HardwareAddr{},
		listenCt: map[StreamID]int{},
		h: Handlers{
			TalkerNew:   func(StreamID, net.HardwareAddr) { gotNew = true },
			TalkerLeave: func(StreamID, net.HardwareAddr) { gotLeave = true },
		},
	}
	require.NoError(t, c.dispatch("SJO T:S=0011223344556677,A=aabbccddeeff,V=0002"))
	require.True(t, gotNew)
	_, ok := c.talkers[StreamID(0x0011223344556677)]
	require.True(t, ok)

	require.NoError(t, c.dispatch("SLE T:S=0011223344556677,A=aabbccddeeff,V=0002"))
	require.True(t, gotLeave)
	_, ok = c.talkers[StreamID(0x0011223344556677)]
	require.False(t, ok)
}

func TestSplitLines(t *testing.T) {
	lines := splitLines([]byte("S??\x00SJO D:C=6,P=3,V=0002\n\x00"))
	require.Equal(t, []string{"S??", "SJO D:C=6,P=3,V=0002"}, lines)
}
