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
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ConvergenceThreshold is the wake-error magnitude under which a
// caller may stop re-issuing DelayUntil.
const ConvergenceThreshold = 50 * time.Microsecond

// WakeSample is one observation of a DelayUntil call, handed to an
// optional recorder (netlog.Logger implements this shape) for the
// wake-delay ring.
type WakeSample struct {
	PTPTargetNS int64
	CPUTargetNS int64
	CPUActualNS int64
}

// Recorder receives WakeSample observations; netlog.Logger satisfies it.
type Recorder interface {
	RecordWake(WakeSample)
}

// DelayUntil sleeps the calling goroutine's OS thread until ptpTargetNS
// (a TAI nanosecond instant read from phc, or TAINowNS if phc is nil) has
// been reached, reconstructing the equivalent point on CLOCK_MONOTONIC
// since there is no absolute-sleep primitive on a PHC-style clock. If rec
// is non-nil, the actual vs. requested wake time is recorded.
//
// Callers needing tight convergence should call this in a loop
// while the returned error exceeds ConvergenceThreshold.
func DelayUntil(phc *PHC, ptpTargetNS uint64, rec Recorder) (wakeError time.Duration, err error) {
	var ptpNow uint64
	if phc != nil {
		ptpNow = phc.NowNS()
	}
	if ptpNow == clockInvalid {
		ptpNow = TAINowNS()
	}

	var monoNow unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &monoNow); err != nil {
		return 0, fmt.Errorf("ptptime: reading CLOCK_MONOTONIC: %w", err)
	}
	monoNowNS := int64(monoNow.Sec)*1e9 + int64(monoNow.Nsec)

	delta := int64(ptpTargetNS) - int64(ptpNow)
	monoTargetNS := monoNowNS + delta

	target := unix.NsecToTimespec(monoTargetNS)
	for {
		sleepErr := unix.ClockNanosleep(unix.CLOCK_MONOTONIC, unix.TIMER_ABSTIME, &target, nil)
		if sleepErr == nil || sleepErr != unix.EINTR {
			if sleepErr != nil {
				return 0, fmt.Errorf("ptptime: clock_nanosleep: %w", sleepErr)
			}
			break
		}
	}

	var actual unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &actual); err != nil {
		return 0, fmt.Errorf("ptptime: reading CLOCK_MONOTONIC after sleep: %w", err)
	}
	actualNS := int64(actual.Sec)*1e9 + int64(actual.Nsec)
	wakeError = time.Duration(actualNS - monoTargetNS)

	if rec != nil {
		rec.RecordWake(WakeSample{
			PTPTargetNS: int64(ptpTargetNS),
			CPUTargetNS: monoTargetNS,
			CPUActualNS: actualNS,
		})
	}

	return wakeError, nil
}

// PeriodicTimer drives a cycle-by-cycle absolute sleep loop anchored to a
// base instant and phase offset, for periodic callers. The Tx rate gate
// does not use it (it sleeps with DelayUntil), and the SRP monitor's
// 100ms cadence comes from a read deadline on its UDP socket.
type PeriodicTimer struct {
	clockID  int32
	baseNS   int64
	phaseNS  int64
	periodNS int64
	cycle    int64
}

// NewPeriodicTimer initialises a timer that will fire at
// baseNS+phaseNS+n*periodNS for n=0,1,2,....
func NewPeriodicTimer(clockID int32, baseNS, phaseNS, periodNS int64) *PeriodicTimer {
	return &PeriodicTimer{clockID: clockID, baseNS: baseNS, phaseNS: phaseNS, periodNS: periodNS}
}

// NextCycle blocks until the next scheduled instant and advances the
// internal cycle counter.
func (t *PeriodicTimer) NextCycle() error {
	target := t.baseNS + t.phaseNS + t.cycle*t.periodNS
	ts := unix.NsecToTimespec(target)
	for {
		err := unix.ClockNanosleep(t.clockID, unix.TIMER_ABSTIME, &ts, nil)
		if err == nil {
			break
		}
		if err != unix.EINTR {
			return fmt.Errorf("ptptime: periodic timer sleep: %w", err)
		}
	}
	t.cycle++
	return nil
}
