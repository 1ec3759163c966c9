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

// Package ptptime implements the PTP-synchronised time and delay engine:
// reading the NIC's PTP hardware clock (PHC), converting between the
// 64-bit TAI nanosecond domain and the 32-bit AVTP timestamp domain, and
// sleeping until presentation deadlines.
package ptptime

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// clockInvalid is returned by PHC reads when no PHC handle is open.
const clockInvalid = 0

// PHC is a handle on a NIC's PTP hardware clock device.
type PHC struct {
	f *os.File
}

// OpenByInterface resolves ifname's associated /dev/ptp<n> via
// ETHTOOL_GET_TS_INFO and opens it. A failure to find or open a PHC is
// non-fatal to callers: NetHandler creation continues with a nil PHC and
// timestamps become zero.
func OpenByInterface(ifname string) (*PHC, error) {
	device, err := phcDeviceForInterface(ifname)
	if err != nil {
		return nil, fmt.Errorf("ptptime: resolving PHC for %s: %w", ifname, err)
	}

	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ptptime: opening %s: %w", device, err)
	}
	return &PHC{f: f}, nil
}

// Close releases the PHC file handle. Idempotent.
func (p *PHC) Close() error {
	if p == nil || p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}

// clockID derives the dynamic clockid_t for clock_gettime(2) from a PHC fd,
// per the (~fd << 3) | 3 FD_TO_CLOCKID convention.
func (p *PHC) clockID() int32 {
	fd := p.f.Fd()
	return int32((^int(fd) << 3) | 3) //#nosec G115
}

// NowNS returns the current PHC time as 64-bit TAI nanoseconds, or 0 if
// handle is nil/invalid; callers treat 0 as "no PTP available".
func (p *PHC) NowNS() uint64 {
	if p == nil || p.f == nil {
		return clockInvalid
	}
	var ts unix.Timespec
	if err := unix.ClockGettime(p.clockID(), &ts); err != nil {
		log.Warningf("ptptime: clock_gettime on PHC failed: %v", err)
		return clockInvalid
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}

// TAINowNS reads system CLOCK_TAI directly (used when no PHC is available,
// e.g. on "lo").
func TAINowNS() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_TAI, &ts); err != nil {
		// CLOCK_TAI is always present on modern Linux; fall back to
		// realtime rather than panicking a real-time thread.
		now := time.Now()
		return uint64(now.Unix())*1e9 + uint64(now.Nanosecond())
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}

// ToAVTP32 returns the lower 32 bits of a 64-bit TAI nanosecond count, the
// value carried on the wire as avtp_timestamp.
func ToAVTP32(ns uint64) uint32 {
	return uint32(ns & 0xFFFFFFFF)
}

// ReconstructCapture rebuilds the 64-bit TAI capture time from a received
// AVTP timestamp and the local receive-time PHC reading: compute the
// 32-bit delta between the receiver's and sender's low words (wrapping
// on underflow), then subtract it from the full-width receive time.
func ReconstructCapture(recvPTPNS uint64, avtpSendLow32 uint32) uint64 {
	recvLow32 := ToAVTP32(recvPTPNS)
	delta := int64(recvLow32) - int64(avtpSendLow32)
	if delta < 0 {
		delta += 1 << 32
	}
	return recvPTPNS - uint64(delta)
}
