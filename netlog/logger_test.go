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

package netlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/netchan-go/netchan/ptptime"
	"github.com/stretchr/testify/require"
)

func TestResetDoesNotFlush(t *testing.T) {
	dir := t.TempDir()
	l := New(filepath.Join(dir, "stream"))
	l.Append(SampleRecord{StreamID: 42, SeqNr: 1})
	l.Reset()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFlushWritesRotatedCSV(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "stream")
	l := New(base)
	l.Append(SampleRecord{StreamID: 42, Size: 8, SeqNr: 1, AVTPNS: 100, RecvPTPNS: 200})
	l.Flush()

	data, err := os.ReadFile(base + "-0.csv")
	require.NoError(t, err)
	require.Contains(t, string(data), "stream_id,sz,seqnr,avtp_ns,cap_ptp_ns,send_ptp_ns,tx_ns,rx_ns,recv_ptp_ns")
	require.Contains(t, string(data), "42,8,1,100,0,0,0,0,200")

	l.Append(SampleRecord{StreamID: 7})
	l.Flush()
	_, err = os.Stat(base + "-1.csv")
	require.NoError(t, err)
}

func TestFlushSkipsEmptyBuffers(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "stream")
	l := New(base)
	l.Flush()

	_, err := os.Stat(base + "-0.csv")
	require.True(t, os.IsNotExist(err))
}

func TestRecordWake(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "stream")
	l := New(base)
	l.RecordWake(ptptime.WakeSample{PTPTargetNS: 1, CPUTargetNS: 2, CPUActualNS: 3})
	l.Flush()

	data, err := os.ReadFile(base + "_d-0.csv")
	require.NoError(t, err)
	require.Contains(t, string(data), "ptp_target,cpu_target,cpu_actual")
	require.Contains(t, string(data), "1,2,3")
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	require.NotPanics(t, func() {
		l.Append(SampleRecord{})
		l.RecordWake(ptptime.WakeSample{})
		l.Reset()
		l.Flush()
	})
}
