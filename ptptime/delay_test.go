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
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDelayUntilSleepsToTarget(t *testing.T) {
	now := TAINowNS()
	const wait = 30 * time.Millisecond

	start := time.Now()
	_, err := DelayUntil(nil, now+uint64(wait.Nanoseconds()), nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), wait-2*time.Millisecond)
}

func TestDelayUntilRecordsWakeSample(t *testing.T) {
	rec := &fakeRecorder{}
	now := TAINowNS()
	_, err := DelayUntil(nil, now+uint64(time.Millisecond.Nanoseconds()), rec)
	require.NoError(t, err)
	require.Len(t, rec.samples, 1)
}

type fakeRecorder struct {
	samples []WakeSample
}

func (f *fakeRecorder) RecordWake(s WakeSample) { f.samples = append(f.samples, s) }

func TestPeriodicTimerAdvancesByPeriod(t *testing.T) {
	const period = 20 * time.Millisecond
	base := int64(TAINowNS())
	pt := NewPeriodicTimer(unix.CLOCK_TAI, base, 0, period.Nanoseconds())

	start := time.Now()
	require.NoError(t, pt.NextCycle())
	require.NoError(t, pt.NextCycle())
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, period-2*time.Millisecond)
	require.Equal(t, int64(2), pt.cycle)
}
