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

package ptptime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToAVTP32(t *testing.T) {
	require.Equal(t, uint32(0xDEADBEEF), ToAVTP32(0xDEADBEEF))
	require.Equal(t, uint32(0x00000001), ToAVTP32(1<<32+1))
}

func TestReconstructCaptureExact(t *testing.T) {
	sentPTP := uint64(1_000_000_000)
	recvPTP := sentPTP + 5_000_000

	cap := ReconstructCapture(recvPTP, ToAVTP32(sentPTP))
	require.Equal(t, sentPTP, cap)
}

func TestReconstructCaptureWrap(t *testing.T) {
	// sender's low32 is just past the wrap point from the receiver's
	// low32, so naive subtraction underflows and must be corrected by
	// adding back 2^32.
	sendLow := uint32(0xFFFFFFF0)
	sentPTP := uint64(sendLow)
	recvPTP := sentPTP + 0x20 // receive happens shortly after, wrapping low32 to 0x10

	cap := ReconstructCapture(recvPTP, sendLow)
	require.Equal(t, sentPTP, cap)
}

func TestReconstructCaptureKnownDelta(t *testing.T) {
	// avtp_ts=T, recv_ptp_ns=T+5e6: reconstructed capture must be
	// recv_ptp_ns-5e6.
	const T = uint64(123_456_789_000)
	recv := T + 5_000_000
	require.Equal(t, T, ReconstructCapture(recv, ToAVTP32(T)))
}
