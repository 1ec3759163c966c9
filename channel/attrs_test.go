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

	"github.com/netchan-go/netchan/ncerr"
	"github.com/stretchr/testify/require"
)

func validAttrs() Attrs {
	return Attrs{
		StreamID:   42,
		Dst:        net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01},
		Class:      ClassB,
		Size:       8,
		IntervalNS: 20_000_000,
		Name:       "valid",
	}
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, validAttrs().Validate())
}

func TestValidateRejectsZeroStreamID(t *testing.T) {
	a := validAttrs()
	a.StreamID = 0
	require.ErrorIs(t, a.Validate(), ncerr.ErrInvalidAttribute)
}

func TestValidateRejectsBadMAC(t *testing.T) {
	a := validAttrs()
	a.Dst = net.HardwareAddr{1, 2, 3}
	require.ErrorIs(t, a.Validate(), ncerr.ErrInvalidAttribute)
}

func TestValidateRejectsLongName(t *testing.T) {
	a := validAttrs()
	a.Name = "a-name-well-over-the-thirty-two-octet-limit"
	require.ErrorIs(t, a.Validate(), ncerr.ErrInvalidAttribute)
}

func TestValidateIntervalBounds(t *testing.T) {
	a := validAttrs()
	a.IntervalNS = MinIntervalNS - 1
	require.ErrorIs(t, a.Validate(), ncerr.ErrInvalidAttribute)

	a.IntervalNS = MaxIntervalNS + 1
	require.ErrorIs(t, a.Validate(), ncerr.ErrInvalidAttribute)

	a.IntervalNS = MinIntervalNS
	a.Size = 1 // one payload byte fits a 528ns interval at 1Gbps? 528/8=66 bytes
	require.NoError(t, a.Validate())
}

func TestValidateSizeBounds(t *testing.T) {
	a := validAttrs()
	a.Size = 0
	require.ErrorIs(t, a.Validate(), ncerr.ErrInvalidAttribute)

	a.Size = MaxPayloadSize + 1
	require.ErrorIs(t, a.Validate(), ncerr.ErrInvalidAttribute)

	a.Size = MaxPayloadSize
	a.IntervalNS = 20_000_000
	require.NoError(t, a.Validate())
}

// TestValidateUtilisation pins the channel-fits-in-one-interval check: a
// full 1476 byte payload plus header and framing overhead is 1522 wire
// bytes, exactly 12176ns at 1Gbps. One nanosecond less of interval and
// the channel no longer fits.
func TestValidateUtilisation(t *testing.T) {
	a := validAttrs()
	a.Size = MaxPayloadSize
	a.IntervalNS = 12_176
	require.NoError(t, a.Validate())

	a.IntervalNS = 12_168 // one wire byte short
	require.ErrorIs(t, a.Validate(), ncerr.ErrInvalidAttribute)
}

func TestClassBounds(t *testing.T) {
	require.Equal(t, uint64(2_000_000), ClassA.Bound(0))
	require.Equal(t, uint64(50_000_000), ClassB.Bound(0))
	require.Equal(t, uint64(7_000_000), ClassTAS.Bound(7_000_000))
}

func TestFrameBytes(t *testing.T) {
	a := validAttrs()
	require.Equal(t, int(a.Size)+24, a.FrameBytes())
}
