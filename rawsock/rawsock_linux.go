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

//go:build linux

package rawsock

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// EtherTypeTSN is the EtherType carried by netchan AVTP frames.
const EtherTypeTSN = 0x22F0

// RxTimeout is the Rx socket's SO_RCVTIMEO: the Rx thread observes
// shutdown within this bound.
const RxTimeout = 250 * time.Millisecond

// RxSocket wraps the promiscuous AF_PACKET Rx socket shared by all
// channels registered on one NetHandler.
type RxSocket struct {
	Fd         int
	Ifindex    int
	IsLoopback bool
}

// OpenRx creates and configures the NetHandler's single Rx raw socket:
// ETH_P_ALL, 250ms receive timeout, nanosecond receive timestamping,
// bound to ifname and joined in promiscuous mode.
func OpenRx(ifname string) (*RxSocket, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("rawsock: creating Rx socket: %w", err)
	}

	tv := unix.NsecToTimeval(RxTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsock: setting Rx timeout: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsock: enabling SO_TIMESTAMPNS: %w", err)
	}

	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsock: looking up interface %s: %w", ifname, err)
	}

	sa := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsock: binding Rx socket to %s: %w", ifname, err)
	}

	isLoopback := iface.Flags&net.FlagLoopback != 0

	mreq := &unix.PacketMreq{
		Ifindex: int32(iface.Index), //#nosec G115
		Type:    unix.PACKET_MR_PROMISC,
	}
	if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, mreq); err != nil {
		// Promiscuous membership on loopback commonly fails/no-ops;
		// it is best-effort everywhere.
		log.Warningf("rawsock: could not enable promiscuous mode on %s: %v", ifname, err)
	}

	return &RxSocket{Fd: fd, Ifindex: iface.Index, IsLoopback: isLoopback}, nil
}

// Close closes the Rx socket.
func (r *RxSocket) Close() error {
	if r == nil || r.Fd < 0 {
		return nil
	}
	err := unix.Close(r.Fd)
	r.Fd = -1
	return err
}

// ReadFrame blocks (up to RxTimeout) for one frame, returning its bytes
// and the kernel SO_TIMESTAMPNS receive time. A timeout is reported as
// unix.EAGAIN/unix.EWOULDBLOCK, which callers should treat as a
// non-fatal empty poll.
func (r *RxSocket) ReadFrame(buf []byte) (n int, rxHWNS uint64, err error) {
	oob := make([]byte, 128)
	n, oobn, _, _, err := unix.Recvmsg(r.Fd, buf, oob, 0)
	if err != nil {
		return 0, 0, err
	}
	rxHWNS, _ = parseTimestampNS(oob[:oobn])
	return n, rxHWNS, nil
}

// parseTimestampNS extracts the SO_TIMESTAMPNS control message (a
// struct timespec) from a control buffer.
func parseTimestampNS(oob []byte) (uint64, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, fmt.Errorf("rawsock: parsing control messages: %w", err)
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SO_TIMESTAMPNS {
			if len(m.Data) < 16 {
				continue
			}
			sec := int64(binary.LittleEndian.Uint64(m.Data[0:8]))
			nsec := int64(binary.LittleEndian.Uint64(m.Data[8:16]))
			return uint64(sec)*1e9 + uint64(nsec), nil
		}
	}
	return 0, fmt.Errorf("rawsock: no SO_TIMESTAMPNS control message present")
}

// TxSocket is a per-channel AF_PACKET datagram socket with launch-time
// scheduling enabled.
type TxSocket struct {
	Fd   int
	Addr unix.SockaddrLinklayer
}

// OpenTx creates a channel's Tx socket: AF_PACKET/SOCK_DGRAM on the TSN
// EtherType, SO_PRIORITY set from prio, and SO_TXTIME enabled with
// clockid=CLOCK_TAI and REPORT_ERRORS|DEADLINE_MODE.
func OpenTx(ifindex int, dst [6]byte, prio int) (*TxSocket, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM, int(htons(EtherTypeTSN)))
	if err != nil {
		return nil, fmt.Errorf("rawsock: creating Tx socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, prio); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsock: setting SO_PRIORITY: %w", err)
	}

	txtime := unix.SockTxtime{
		Clockid: unix.CLOCK_TAI,
		Flags:   unix.SOF_TXTIME_REPORT_ERRORS | unix.SOF_TXTIME_DEADLINE_MODE,
	}
	if err := unix.SetsockoptSockTxtime(fd, unix.SOL_SOCKET, unix.SO_TXTIME, &txtime); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsock: enabling SO_TXTIME: %w", err)
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(EtherTypeTSN),
		Ifindex:  ifindex,
		Halen:    6,
	}
	copy(addr.Addr[:6], dst[:])

	return &TxSocket{Fd: fd, Addr: addr}, nil
}

// Close closes the Tx socket.
func (t *TxSocket) Close() error {
	if t == nil || t.Fd < 0 {
		return nil
	}
	err := unix.Close(t.Fd)
	t.Fd = -1
	return err
}

// Send transmits frame with the requested CLOCK_TAI launch time attached
// as an SCM_TXTIME control message.
func (t *TxSocket) Send(frame []byte, launchNS uint64) (int, error) {
	oob := txtimeControlMessage(launchNS)
	return unix.SendmsgN(t.Fd, frame, oob, &t.Addr, 0)
}

// txtimeControlMessage builds the SCM_TXTIME cmsg carrying a uint64
// launch time in nanoseconds.
func txtimeControlMessage(launchNS uint64) []byte {
	space := unix.CmsgSpace(8)
	b := make([]byte, space)
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[0]))
	h.Level = unix.SOL_SOCKET
	h.Type = unix.SCM_TXTIME
	h.SetLen(unix.CmsgLen(8))
	data := b[unix.CmsgLen(0):unix.CmsgLen(8)]
	binary.LittleEndian.PutUint64(data, launchNS)
	return b
}

// DrainErrorQueue reads and classifies one pending entry from the Tx
// socket's MSG_ERRQUEUE. It returns nil, nil if no error is currently
// pending.
func (t *TxSocket) DrainErrorQueue() (*SchedError, error) {
	oob := make([]byte, unix.CmsgSpace(int(unsafe.Sizeof(unix.SockExtendedErr{}))))
	buf := make([]byte, 0)
	_, oobn, _, _, err := unix.Recvmsg(t.Fd, buf, oob, unix.MSG_ERRQUEUE)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("rawsock: reading error queue: %w", err)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("rawsock: parsing error queue cmsg: %w", err)
	}
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET || len(m.Data) < int(unsafe.Sizeof(unix.SockExtendedErr{})) {
			continue
		}
		serr := (*unix.SockExtendedErr)(unsafe.Pointer(&m.Data[0]))
		launchNS := uint64(serr.Data)<<32 | uint64(serr.Info)
		kind := SchedErrorOther
		switch serr.Code {
		case unix.SO_EE_CODE_TXTIME_INVALID_PARAM:
			kind = SchedErrorInvalidParam
		case unix.SO_EE_CODE_TXTIME_MISSED:
			kind = SchedErrorMissed
		}
		return &SchedError{Kind: kind, LaunchNS: launchNS}, nil
	}
	return nil, nil
}

func htons(v int) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(v)) //#nosec G115
	return binary.NativeEndian.Uint16(b)
}
