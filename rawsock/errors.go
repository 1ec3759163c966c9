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

// Package rawsock builds the Rx and Tx sockets netchan channels run on:
// a promiscuous AF_PACKET raw socket with SO_TIMESTAMPNS for reception,
// and a per-channel AF_PACKET datagram socket with SO_TXTIME launch-time
// scheduling and SO_PRIORITY for transmission.
package rawsock

import "fmt"

// SchedErrorKind classifies a launch-time Qdisc error read from the
// socket's error queue.
type SchedErrorKind int

const (
	// SchedErrorOther is a launch-time error that doesn't map to one of
	// the two well-known SO_EE codes.
	SchedErrorOther SchedErrorKind = iota
	// SchedErrorInvalidParam is SO_EE_CODE_TXTIME_INVALID_PARAM.
	SchedErrorInvalidParam
	// SchedErrorMissed is SO_EE_CODE_TXTIME_MISSED: the requested launch
	// time had already passed by the time the Qdisc looked at it.
	SchedErrorMissed
)

func (k SchedErrorKind) String() string {
	switch k {
	case SchedErrorInvalidParam:
		return "invalid-param"
	case SchedErrorMissed:
		return "missed-deadline"
	default:
		return "other"
	}
}

// SchedError is returned from Channel.Send when the kernel's TXTIME error
// queue reports a problem with a previously requested launch time. The
// channel remains usable after a SchedError.
type SchedError struct {
	Kind     SchedErrorKind
	LaunchNS uint64
}

func (e *SchedError) Error() string {
	return fmt.Sprintf("rawsock: launch-time error (%s) for launch_ns=%d", e.Kind, e.LaunchNS)
}
