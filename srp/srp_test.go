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
	"time"

	"github.com/stretchr/testify/require"
)

// fakeMRPD listens on the well-known mrpd port so Client can be
// exercised without a real mrpd daemon. It sends nothing itself; each
// test scripts its own replies on the returned socket.
func fakeMRPD(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: MRPDPort})
	if err != nil {
		t.Skipf("cannot bind mrpd port %d in this sandbox: %v", MRPDPort, err)
	}
	return conn
}

func TestAwaitDomainUnblocksOnAnnouncement(t *testing.T) {
	srv := fakeMRPD(t)
	defer srv.Close()

	go func() {
		buf := make([]byte, 64)
		n, raddr, err := srv.ReadFromUDP(buf)
		if err != nil || n == 0 {
			return
		}
		_, _ = srv.WriteToUDP([]byte("SJO D:C=6,P=3,V=0002"), raddr)
	}()

	c, err := New(Handlers{})
	require.NoError(t, err)
	defer c.Close()

	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- c.AwaitDomain(done) }()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitDomain did not unblock")
	}

	a, _ := c.Domains()
	require.True(t, a.Valid)
	require.Equal(t, 3, a.Priority)
}

func TestAwaitDomainAbortsOnDone(t *testing.T) {
	srv := fakeMRPD(t)
	defer srv.Close()

	c, err := New(Handlers{})
	require.NoError(t, err)
	defer c.Close()

	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- c.AwaitDomain(done) }()

	time.Sleep(10 * time.Millisecond)
	close(done)

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitDomain did not abort")
	}
}

func TestAwaitTalkerUnblocksOnAdvertise(t *testing.T) {
	srv := fakeMRPD(t)
	defer srv.Close()

	var raddrCh = make(chan *net.UDPAddr, 1)
	go func() {
		buf := make([]byte, 256)
		n, raddr, err := srv.ReadFromUDP(buf)
		if err != nil || n == 0 {
			return
		}
		raddrCh <- raddr
	}()

	c, err := New(Handlers{})
	require.NoError(t, err)
	defer c.Close()

	sid := StreamID(0x0011223344556677)
	require.NoError(t, c.AdvertiseTalker(StreamAttrs{StreamID: sid}))

	raddr := <-raddrCh
	_, err = srv.WriteToUDP([]byte("SJO T:S=0011223344556677,A=aabbccddeeff,V=0002"), raddr)
	require.NoError(t, err)

	done := make(chan struct{})
	dst, err := c.AwaitTalker(sid, done)
	require.NoError(t, err)
	require.Equal(t, net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, dst)
}
