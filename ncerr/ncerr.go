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

// Package ncerr holds the closed set of sentinel errors shared by the
// channel and nethandler packages, so they never have to compare errors by
// string matching and neither depends on the other for this alone.
package ncerr

import "errors"

var (
	// ErrInvalidAttribute means a channel's declared attributes fail validation.
	ErrInvalidAttribute = errors.New("netchan: invalid channel attribute")
	// ErrInvalidInterface means the requested NIC could not be found or used.
	ErrInvalidInterface = errors.New("netchan: invalid interface")
	// ErrSocketError wraps a system-level socket operation failure.
	ErrSocketError = errors.New("netchan: socket error")
	// ErrDuplicateStream means register_channel was called with a Stream ID already present.
	ErrDuplicateStream = errors.New("netchan: duplicate stream id")
	// ErrTableFull means the NetHandler's hash map has no free slot left.
	ErrTableFull = errors.New("netchan: hash map full")
	// ErrNoRoute means an Rx frame's Stream ID has no registered channel. Informational, not fatal.
	ErrNoRoute = errors.New("netchan: no route for stream id")
	// ErrNotReady means a channel was used before it reached the Ready state.
	ErrNotReady = errors.New("netchan: channel not ready")
	// ErrRateGated means a non-blocking send was requested while now < next_tx_ns.
	ErrRateGated = errors.New("netchan: send rate-gated")
	// ErrLatencyViolation means the configured break threshold was crossed.
	ErrLatencyViolation = errors.New("netchan: latency break threshold exceeded")
	// ErrShuttingDown means the call was made during or after destroy.
	ErrShuttingDown = errors.New("netchan: shutting down")
)
