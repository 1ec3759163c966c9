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

// Package netlog implements the bounded in-memory ring that records every
// sample's timing for offline analysis, and its rotated-CSV flush.
package netlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/netchan-go/netchan/ptptime"
	log "github.com/sirupsen/logrus"
)

// ringSize holds roughly 6 hours of 50Hz traffic for a single stream.
const ringSize = 50 * 3600 * 6

// SampleRecord is one Tx or Rx timing entry.
type SampleRecord struct {
	StreamID  uint64
	Size      uint16
	SeqNr     uint8
	AVTPNS    uint64
	CapPTPNS  uint64
	SendPTPNS uint64
	TxNS      uint64
	RxNS      uint64
	RecvPTPNS uint64
}

// WakeDelayRecord is one DelayUntil wake observation.
type WakeDelayRecord struct {
	PTPTargetNS int64
	CPUTargetNS int64
	CPUActualNS int64
}

// Logger is a mutex-guarded pair of ring buffers, one for Tx/Rx timing
// samples and one for wake-delay observations. A nil *Logger is a valid
// no-op logger so channels and the NetHandler can hold one
// unconditionally.
type Logger struct {
	mu sync.Mutex

	base      string
	rotation  int
	samples   []SampleRecord
	sampleIdx int
	wakes     []WakeDelayRecord
	wakeIdx   int
}

// New creates a Logger that will flush rotated CSVs under base
// ("<base>-<n>.csv" and "<base>_d-<n>.csv"). base == "" disables flushing
// but still records in memory (useful for tests).
func New(base string) *Logger {
	return &Logger{
		base:    base,
		samples: make([]SampleRecord, ringSize),
		wakes:   make([]WakeDelayRecord, ringSize),
	}
}

// Append records one Tx/Rx sample, flushing and rotating if the ring is
// full.
func (l *Logger) Append(r SampleRecord) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sampleIdx >= len(l.samples) {
		l.flushLocked()
	}
	l.samples[l.sampleIdx] = r
	l.sampleIdx++
}

// RecordWake implements ptptime.Recorder, feeding the wake-delay ring.
func (l *Logger) RecordWake(s ptptime.WakeSample) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.wakeIdx >= len(l.wakes) {
		l.flushLocked()
	}
	l.wakes[l.wakeIdx] = WakeDelayRecord{
		PTPTargetNS: s.PTPTargetNS,
		CPUTargetNS: s.CPUTargetNS,
		CPUActualNS: s.CPUActualNS,
	}
	l.wakeIdx++
}

// Reset zeroes both ring indices without flushing, discarding whatever
// was buffered.
func (l *Logger) Reset() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sampleIdx = 0
	l.wakeIdx = 0
}

// Flush forces a rotated CSV flush of whatever is currently buffered.
func (l *Logger) Flush() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked()
}

func (l *Logger) flushLocked() {
	if l.base == "" {
		l.sampleIdx = 0
		l.wakeIdx = 0
		return
	}

	if l.sampleIdx > 0 {
		if err := writeSamplesCSV(fmt.Sprintf("%s-%d.csv", l.base, l.rotation), l.samples[:l.sampleIdx]); err != nil {
			log.Errorf("netlog: flushing sample log: %v", err)
		}
	}
	if l.wakeIdx > 0 {
		if err := writeWakesCSV(fmt.Sprintf("%s_d-%d.csv", l.base, l.rotation), l.wakes[:l.wakeIdx]); err != nil {
			log.Errorf("netlog: flushing wake-delay log: %v", err)
		}
	}

	l.rotation++
	l.sampleIdx = 0
	l.wakeIdx = 0
}

func writeSamplesCSV(path string, rows []SampleRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"stream_id", "sz", "seqnr", "avtp_ns", "cap_ptp_ns", "send_ptp_ns", "tx_ns", "rx_ns", "recv_ptp_ns"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			strconv.FormatUint(r.StreamID, 10),
			strconv.FormatUint(uint64(r.Size), 10),
			strconv.FormatUint(uint64(r.SeqNr), 10),
			strconv.FormatUint(r.AVTPNS, 10),
			strconv.FormatUint(r.CapPTPNS, 10),
			strconv.FormatUint(r.SendPTPNS, 10),
			strconv.FormatUint(r.TxNS, 10),
			strconv.FormatUint(r.RxNS, 10),
			strconv.FormatUint(r.RecvPTPNS, 10),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeWakesCSV(path string, rows []WakeDelayRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"ptp_target", "cpu_target", "cpu_actual"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			strconv.FormatInt(r.PTPTargetNS, 10),
			strconv.FormatInt(r.CPUTargetNS, 10),
			strconv.FormatInt(r.CPUActualNS, 10),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
