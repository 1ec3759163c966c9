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

package rawsock

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOpenRxLoopback(t *testing.T) {
	rx, err := OpenRx("lo")
	if err != nil {
		t.Skipf("raw sockets unavailable in this sandbox (need CAP_NET_RAW): %v", err)
	}
	defer rx.Close()

	require.True(t, rx.IsLoopback)
	require.Greater(t, rx.Fd, 0)
}

func TestOpenTxLoopback(t *testing.T) {
	rx, err := OpenRx("lo")
	if err != nil {
		t.Skipf("raw sockets unavailable in this sandbox: %v", err)
	}
	defer rx.Close()

	tx, err := OpenTx(rx.Ifindex, [6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}, 3)
	require.NoError(t, err)
	defer tx.Close()

	require.Greater(t, tx.Fd, 0)
	require.Equal(t, uint8(6), tx.Addr.Halen)
}

func TestDrainErrorQueueEmpty(t *testing.T) {
	rx, err := OpenRx("lo")
	if err != nil {
		t.Skipf("raw sockets unavailable in this sandbox: %v", err)
	}
	defer rx.Close()

	tx, err := OpenTx(rx.Ifindex, [6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}, 3)
	require.NoError(t, err)
	defer tx.Close()

	if err := unix.SetNonblock(tx.Fd, true); err != nil {
		t.Fatalf("setting nonblock: %v", err)
	}

	se, err := tx.DrainErrorQueue()
	require.NoError(t, err)
	require.Nil(t, se)
}

func TestSchedErrorKindString(t *testing.T) {
	require.Equal(t, "invalid-param", SchedErrorInvalidParam.String())
	require.Equal(t, "missed-deadline", SchedErrorMissed.String())
	require.Equal(t, "other", SchedErrorOther.String())
}
