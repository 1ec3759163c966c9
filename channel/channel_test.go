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

package channel

import (
	"net"
	"testing"
	"time"

	"github.com/netchan-go/netchan/ncerr"
	"github.com/netchan-go/netchan/rawsock"
	"github.com/stretchr/testify/require"
)

func testAttrs(streamID uint64, intervalNS uint64) Attrs {
	return Attrs{
		StreamID:   streamID,
		Dst:        net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01},
		Class:      ClassB,
		Size:       8,
		IntervalNS: intervalNS,
		Name:       "test",
	}
}

func openLoopbackTx(t *testing.T) *rawsock.TxSocket {
	t.Helper()
	rx, err := rawsock.OpenRx("lo")
	if err != nil {
		t.Skipf("raw sockets unavailable in this sandbox (need CAP_NET_RAW): %v", err)
	}
	defer rx.Close()

	tx, err := rawsock.OpenTx(rx.Ifindex, [6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}, 3)
	require.NoError(t, err)
	return tx
}

// TestDeliverAndReadRoundTrip exercises the Rx half in isolation: a
// delivered sample's payload and reconstructed capture time come back
// bit-for-bit from Read without involving a real socket.
func TestDeliverAndReadRoundTrip(t *testing.T) {
	ch, err := NewRx(testAttrs(42, 20_000_000), Deps{})
	require.NoError(t, err)
	ch.MarkReady()

	sentAVTP := uint32(1_000_000_000)
	recvPTP := uint64(1_005_000_000) // recv low32 - sent low32 = 5ms delta
	ch.Deliver(Sample{
		RxHWNS:    recvPTP,
		RecvPTPNS: recvPTP,
		AVTPTS:    sentAVTP,
		SeqNr:     7,
		Payload:   []byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0},
	})

	buf := make([]byte, 8)
	capture, n, err := ch.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0}, buf)
	require.Equal(t, recvPTP-5_000_000, capture)
}

func TestReadBeforeReadyReturnsNotReady(t *testing.T) {
	ch, err := NewRx(testAttrs(1, 20_000_000), Deps{})
	require.NoError(t, err)

	_, _, err = ch.Read(make([]byte, 8))
	require.ErrorIs(t, err, ncerr.ErrNotReady)
}

func TestReadAfterDestroyReturnsShuttingDown(t *testing.T) {
	ch, err := NewRx(testAttrs(1, 20_000_000), Deps{})
	require.NoError(t, err)
	ch.MarkReady()
	ch.Destroy()

	_, _, err = ch.Read(make([]byte, 8))
	require.ErrorIs(t, err, ncerr.ErrShuttingDown)
}

// TestBreakThresholdTriggersOnBreach checks that a delta exceeding
// the configured break threshold reports ErrLatencyViolation and invokes
// OnBreach exactly once.
func TestBreakThresholdTriggersOnBreach(t *testing.T) {
	a := testAttrs(1, 20_000_000)
	a.BreakThresholdUS = 1000 // 1ms

	var breached int
	ch, err := NewRx(a, Deps{
		OnBreach: func(_ *Channel, err error) {
			breached++
			require.ErrorIs(t, err, ncerr.ErrLatencyViolation)
		},
	})
	require.NoError(t, err)
	ch.MarkReady()

	// delta = 2ms, over the 1ms threshold
	ch.Deliver(Sample{RecvPTPNS: 2_000_000, AVTPTS: 0, Payload: make([]byte, 8)})

	_, _, err = ch.Read(make([]byte, 8))
	require.ErrorIs(t, err, ncerr.ErrLatencyViolation)
	require.Equal(t, 1, breached)
}

func TestUpdateRejectsWrongSize(t *testing.T) {
	tx := openLoopbackTx(t)
	defer tx.Close()

	ch, err := NewTx(testAttrs(1, 20_000_000), tx, Deps{})
	require.NoError(t, err)

	err = ch.Update(0, []byte{1, 2, 3})
	require.ErrorIs(t, err, ncerr.ErrInvalidAttribute)
}

func TestSeqNrWrapsAndStartsAtZero(t *testing.T) {
	tx := openLoopbackTx(t)
	defer tx.Close()

	ch, err := NewTx(testAttrs(1, 20_000_000), tx, Deps{})
	require.NoError(t, err)
	ch.MarkReady()

	payload := make([]byte, 8)
	require.NoError(t, ch.Update(0, payload))
	require.Equal(t, uint8(0x00), ch.header.SeqNr)
	require.NoError(t, ch.Update(0, payload))
	require.Equal(t, uint8(0x01), ch.header.SeqNr)

	ch.seqnr = 0xFF
	require.NoError(t, ch.Update(0, payload))
	require.Equal(t, uint8(0x00), ch.header.SeqNr)
}

func TestTrySendReturnsRateGated(t *testing.T) {
	tx := openLoopbackTx(t)
	defer tx.Close()

	ch, err := NewTx(testAttrs(3, 500_000_000), tx, Deps{})
	require.NoError(t, err)
	ch.MarkReady()

	payload := make([]byte, 8)
	_, err = ch.SendNow(payload)
	require.NoError(t, err)

	require.NoError(t, ch.Update(0, payload))
	launch := uint64(0)
	_, err = ch.TrySend(&launch)
	require.ErrorIs(t, err, ncerr.ErrRateGated)
	require.Positive(t, ch.TimeToTxNS())
}

// TestRateGateBlocksSecondSend: two back-to-back
// SendNow calls on a channel with a 100ms interval must have the second
// one block for most of that interval.
func TestRateGateBlocksSecondSend(t *testing.T) {
	tx := openLoopbackTx(t)
	defer tx.Close()

	const intervalNS = 100_000_000 // 100ms, kept short to bound test time
	ch, err := NewTx(testAttrs(2, intervalNS), tx, Deps{})
	require.NoError(t, err)
	ch.MarkReady()

	payload := make([]byte, 8)
	_, err = ch.SendNow(payload)
	require.NoError(t, err)

	start := time.Now()
	_, err = ch.SendNow(payload)
	require.NoError(t, err)
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}
