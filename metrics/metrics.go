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

// Package metrics exposes the Prometheus collectors netchan's channel
// and nethandler packages increment: Tx/Rx frame counts, rate-gate
// stalls, SchedError counts by kind, an SRP domain validity gauge and a
// hash map occupancy gauge. Both packages import this one directly rather than threading
// a collector interface through Deps.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// TxFrames counts frames successfully handed to the kernel per stream.
	TxFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netchan",
		Name:      "tx_frames_total",
		Help:      "Frames transmitted, labeled by stream id.",
	}, []string{"stream_id"})

	// RxFrames counts frames handed to a Ready channel per stream,
	// including those then dropped on a full pipe (see RxDropped).
	RxFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netchan",
		Name:      "rx_frames_total",
		Help:      "Frames delivered to a channel, labeled by stream id.",
	}, []string{"stream_id"})

	// RxDropped counts Rx samples dropped because a channel's pipe was full.
	RxDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netchan",
		Name:      "rx_dropped_total",
		Help:      "Rx samples dropped due to a full channel pipe, labeled by stream id.",
	}, []string{"stream_id"})

	// RxNoRoute counts Rx frames with no matching registered stream.
	RxNoRoute = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netchan",
		Name:      "rx_no_route_total",
		Help:      "Rx frames whose stream id matched no registered channel.",
	})

	// RateGateStalls counts Send calls that had to block on the rate gate.
	RateGateStalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netchan",
		Name:      "tx_rate_gate_stalls_total",
		Help:      "Send calls that blocked on the per-channel rate gate, labeled by stream id.",
	}, []string{"stream_id"})

	// SchedErrors counts launch-time Qdisc errors observed on the Tx
	// error queue, labeled by stream id and SchedErrorKind string.
	SchedErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netchan",
		Name:      "tx_sched_errors_total",
		Help:      "Launch-time Qdisc errors observed, labeled by stream id and kind.",
	}, []string{"stream_id", "kind"})

	// LatencyViolations counts break-threshold crossings per stream.
	LatencyViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netchan",
		Name:      "rx_latency_violations_total",
		Help:      "Break-threshold crossings observed, labeled by stream id.",
	}, []string{"stream_id"})

	// SRPDomainValid reports, per class label ("A" or "B"), whether that
	// class's SRP domain has been discovered (1) or not (0).
	SRPDomainValid = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "netchan",
		Name:      "srp_domain_valid",
		Help:      "1 if the SRP domain for this class has been discovered, else 0.",
	}, []string{"class"})

	// HandlerHashMapLoad reports the current occupancy of a NetHandler's
	// Stream ID hash map.
	HandlerHashMapLoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "netchan",
		Name:      "hashmap_occupancy",
		Help:      "Current number of occupied slots in the NetHandler's Stream ID hash map.",
	})
)

// Registry is the collector set a NetHandler registers on construction;
// wrapped so embedders can register it against their own
// prometheus.Registerer instead of the global DefaultRegisterer.
func Registry() []prometheus.Collector {
	return []prometheus.Collector{
		TxFrames, RxFrames, RxDropped, RxNoRoute,
		RateGateStalls, SchedErrors, LatencyViolations,
		SRPDomainValid, HandlerHashMapLoad,
	}
}

// MustRegister registers every netchan collector against r, panicking on
// a duplicate registration (mirrors prometheus.MustRegister's contract).
func MustRegister(r prometheus.Registerer) {
	r.MustRegister(Registry()...)
}
