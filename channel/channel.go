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

package channel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/netchan-go/netchan/avtp"
	"github.com/netchan-go/netchan/metrics"
	"github.com/netchan-go/netchan/ncerr"
	"github.com/netchan-go/netchan/netlog"
	"github.com/netchan-go/netchan/ptptime"
	"github.com/netchan-go/netchan/rawsock"
)

// State is a channel's lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateReady
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Direction says whether a channel sends or receives; a channel is one
// or the other, never both.
type Direction int

const (
	DirTx Direction = iota
	DirRx
)

// rxQueueDepth bounds the buffered channel that hands samples from the
// NetHandler's Rx callback to the application. A Go channel of
// fixed-size structs gives single-writer, in-order, non-serialising
// delivery without the PIPE_BUF atomicity concern a byte-stream pipe
// would raise.
const rxQueueDepth = 64

// Sample is one Rx delivery: the reconstructed metadata plus payload
// handed from the NetHandler's Rx callback to the application.
type Sample struct {
	RxHWNS    uint64
	RecvPTPNS uint64
	AVTPTS    uint32
	SeqNr     uint8
	Payload   []byte
}

// Deps are the collaborators a Channel needs from its owning NetHandler,
// passed explicitly at creation instead of a back-reference, so channel
// never imports nethandler.
type Deps struct {
	PHC    *ptptime.PHC
	Logger *netlog.Logger
	Tracer netlog.Tracer
	// OnBreach is invoked (from Read) when a break
	// threshold is crossed, so the owning NetHandler can begin an
	// orderly shutdown.
	OnBreach func(ch *Channel, err error)
}

// Channel is one registered stream's Tx or Rx runtime state.
type Channel struct {
	attrs Attrs
	dir   Direction
	deps  Deps

	state atomic.Int32

	mu     sync.Mutex
	header avtp.Header
	seqnr  uint8 // pre-incremented; first send emits 0x00

	// Tx-side.
	tx       *rawsock.TxSocket
	nextTxNS uint64
	payload  []byte

	// Rx-side.
	rx chan Sample
}

// NewTx constructs a Tx channel over an already-opened Tx socket. The
// caller (nethandler) is responsible for SRP advertisement/await before
// marking it Ready.
func NewTx(a Attrs, tx *rawsock.TxSocket, deps Deps) (*Channel, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if deps.Tracer == nil {
		deps.Tracer = netlog.NopTracer{}
	}
	ch := &Channel{
		attrs:   a,
		dir:     DirTx,
		deps:    deps,
		tx:      tx,
		payload: make([]byte, a.Size),
		seqnr:   0xFF,
	}
	ch.header = avtp.Header{Subtype: avtp.Subtype, SV: true, StreamID: a.StreamID}
	return ch, nil
}

// NewRx constructs an Rx channel. The caller (nethandler) registers it
// in the Stream ID hash map and feeds it samples via Deliver.
func NewRx(a Attrs, deps Deps) (*Channel, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if deps.Tracer == nil {
		deps.Tracer = netlog.NopTracer{}
	}
	ch := &Channel{
		attrs: a,
		dir:   DirRx,
		deps:  deps,
		rx:    make(chan Sample, rxQueueDepth),
	}
	return ch, nil
}

// Attrs returns the channel's static attributes.
func (ch *Channel) Attrs() Attrs { return ch.attrs }

// Direction reports whether this is a Tx or Rx channel.
func (ch *Channel) Direction() Direction { return ch.dir }

// State returns the channel's current lifecycle state.
func (ch *Channel) State() State { return State(ch.state.Load()) }

// MarkReady transitions the channel from Created to Ready; called by
// the NetHandler once any SRP negotiation for this channel has
// completed.
func (ch *Channel) MarkReady() { ch.state.Store(int32(StateReady)) }

// Ready reports whether the channel may carry samples.
func (ch *Channel) Ready() bool { return ch.State() == StateReady }

// BeginStop transitions toward Stopping so in-flight public calls start
// observing ShuttingDown instead of blocking on acquired resources; the
// NetHandler flips every channel here before joining its Rx thread.
func (ch *Channel) BeginStop() {
	ch.state.CompareAndSwap(int32(StateReady), int32(StateStopping))
}

// Destroy idempotently tears the channel down: for Tx, closes the
// socket; for Rx, closes the sample channel, unblocking any reader. SRP
// leave/unadvertise is the caller's (nethandler's) responsibility since
// it owns the SRP client.
func (ch *Channel) Destroy() {
	prior := State(ch.state.Swap(int32(StateStopped)))
	if prior == StateStopped {
		return
	}
	if ch.dir == DirTx {
		_ = ch.tx.Close()
		return
	}
	close(ch.rx)
}

func (ch *Channel) checkUsable() error {
	switch ch.State() {
	case StateStopping, StateStopped:
		return ncerr.ErrShuttingDown
	case StateCreated:
		return ncerr.ErrNotReady
	default:
		return nil
	}
}

// streamLabel is the metrics label identifying this channel's stream.
func (ch *Channel) streamLabel() string {
	return fmt.Sprintf("%016x", ch.attrs.StreamID)
}

func (ch *Channel) phcNow() uint64 {
	if ch.deps.PHC == nil {
		return ptptime.TAINowNS()
	}
	now := ch.deps.PHC.NowNS()
	if now == 0 {
		return ptptime.TAINowNS()
	}
	return now
}

// Update frames the next PDU: pre-increments seqnr, stamps the
// caller-supplied lower-32-bit AVTP timestamp with tv=1, writes sdl, and
// copies data into the channel's payload slot.
func (ch *Channel) Update(tsAVTP uint32, data []byte) error {
	if err := ch.checkUsable(); err != nil {
		return err
	}
	if ch.dir != DirTx {
		return fmt.Errorf("%w: update called on a non-Tx channel", ncerr.ErrInvalidAttribute)
	}
	if len(data) != len(ch.payload) {
		return fmt.Errorf("%w: update payload length %d != channel size %d", ncerr.ErrInvalidAttribute, len(data), len(ch.payload))
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.seqnr++
	ch.header.SeqNr = ch.seqnr
	ch.header.TV = true
	ch.header.AVTPTimestamp = tsAVTP
	ch.header.SDL = ch.attrs.Size
	copy(ch.payload, data)
	return nil
}

// frameLocked marshals the header and payload into one wire frame.
// Caller must hold ch.mu.
func (ch *Channel) frameLocked() ([]byte, error) {
	buf := make([]byte, avtp.HeaderSize+len(ch.payload))
	if err := ch.header.Marshal(buf); err != nil {
		return nil, fmt.Errorf("channel: marshaling header: %w", err)
	}
	copy(buf[avtp.HeaderSize:], ch.payload)
	return buf, nil
}

// Send transmits the currently-framed PDU at
// *launchNS, rate-gating (blocking) if that instant precedes next_tx_ns,
// clamping to "now" if it is already in the past, and writing back the
// effective launch time actually requested of the kernel. A non-nil
// *rawsock.SchedError may be returned alongside a positive byte count:
// the frame was sent, but the launch-time Qdisc reported trouble with a
// previously queued send.
func (ch *Channel) Send(launchNS *uint64) (int, error) {
	return ch.send(launchNS, true)
}

// TrySend is the non-blocking variant of Send: instead of sleeping on
// the rate gate it returns ncerr.ErrRateGated, leaving next_tx_ns and
// the framed PDU untouched so the caller can retry after TimeToTxNS.
func (ch *Channel) TrySend(launchNS *uint64) (int, error) {
	return ch.send(launchNS, false)
}

func (ch *Channel) send(launchNS *uint64, block bool) (int, error) {
	if err := ch.checkUsable(); err != nil {
		return 0, err
	}
	if ch.dir != DirTx {
		return 0, fmt.Errorf("%w: send called on a non-Tx channel", ncerr.ErrInvalidAttribute)
	}

	ch.mu.Lock()
	frame, err := ch.frameLocked()
	next := ch.nextTxNS
	ch.mu.Unlock()
	if err != nil {
		return 0, err
	}

	now := ch.phcNow()
	effective := *launchNS
	if effective < now {
		effective = now
	}
	if effective < next {
		if !block {
			return 0, ncerr.ErrRateGated
		}
		metrics.RateGateStalls.WithLabelValues(ch.streamLabel()).Inc()
		if _, dErr := ptptime.DelayUntil(ch.deps.PHC, next, ch.deps.Logger); dErr != nil {
			return 0, fmt.Errorf("%w: rate gate sleep: %v", ncerr.ErrSocketError, dErr)
		}
		effective = next
	}
	*launchNS = effective

	n, sendErr := ch.tx.Send(frame, effective)
	if sendErr != nil {
		return 0, fmt.Errorf("%w: %v", ncerr.ErrSocketError, sendErr)
	}
	metrics.TxFrames.WithLabelValues(ch.streamLabel()).Inc()

	ch.mu.Lock()
	if effective > ch.nextTxNS {
		ch.nextTxNS = effective
	}
	ch.nextTxNS += ch.attrs.IntervalNS
	seqnr := ch.seqnr
	avtpTS := ch.header.AVTPTimestamp
	ch.mu.Unlock()

	ch.deps.Logger.Append(netlog.SampleRecord{
		StreamID:  ch.attrs.StreamID,
		Size:      ch.attrs.Size,
		SeqNr:     seqnr,
		AVTPNS:    uint64(avtpTS),
		SendPTPNS: effective,
		TxNS:      effective,
	})

	var schedErr error
	if se, dErr := ch.tx.DrainErrorQueue(); dErr == nil && se != nil {
		metrics.SchedErrors.WithLabelValues(ch.streamLabel(), se.Kind.String()).Inc()
		schedErr = se
	}
	return n, schedErr
}

// SendNow captures the current PHC time,
// frames data with it, and sends with launch_ns equal to the capture
// time.
func (ch *Channel) SendNow(data []byte) (int, error) {
	_, n, err := ch.sendNow(data)
	return n, err
}

func (ch *Channel) sendNow(data []byte) (tCap uint64, n int, err error) {
	tCap = ch.phcNow()
	if err := ch.Update(ptptime.ToAVTP32(tCap), data); err != nil {
		return tCap, 0, err
	}
	launch := tCap
	n, err = ch.Send(&launch)
	return tCap, n, err
}

// SendNowWait is SendNow followed by an absolute sleep until
// t_cap+class_bound, for class A/B channels that want to pace the
// caller to the channel's own cadence.
func (ch *Channel) SendNowWait(data []byte) (int, error) {
	tCap, n, err := ch.sendNow(data)
	if err != nil {
		return n, err
	}
	bound := ch.attrs.Class.Bound(ch.attrs.TASBoundNS)
	if _, dErr := ptptime.DelayUntil(ch.deps.PHC, tCap+bound, ch.deps.Logger); dErr != nil {
		return n, fmt.Errorf("%w: send_now_wait sleep: %v", ncerr.ErrSocketError, dErr)
	}
	return n, nil
}

// TimeToTxNS reports how many nanoseconds remain until the rate gate
// will next admit a send without blocking; zero or negative means the
// gate is already open.
func (ch *Channel) TimeToTxNS() int64 {
	ch.mu.Lock()
	next := ch.nextTxNS
	ch.mu.Unlock()
	return int64(next) - int64(ch.phcNow())
}

// Deliver hands one Rx sample to the channel's pipe. Called from the
// NetHandler's Rx path; never blocks: a full queue drops the sample,
// since a stalled application must not stall the demux thread.
func (ch *Channel) Deliver(s Sample) {
	if ch.dir != DirRx {
		return
	}
	// Samples flow only between Ready and Stopping; a stopped channel's
	// pipe is already closed.
	if st := ch.State(); st != StateReady && st != StateStopping {
		return
	}
	metrics.RxFrames.WithLabelValues(ch.streamLabel()).Inc()
	select {
	case ch.rx <- s:
	default:
		metrics.RxDropped.WithLabelValues(ch.streamLabel()).Inc()
	}
}

// Read blocks for one delivered sample,
// reconstructs its 64-bit TAI capture time, and copies as much of its
// payload as fits into buf (if buf is non-nil). It returns the reconstructed
// capture time and, if a break threshold is configured and crossed, a
// wrapped ncerr.ErrLatencyViolation after invoking the owning
// NetHandler's shutdown via deps.OnBreach.
func (ch *Channel) Read(buf []byte) (capturePTPNS uint64, n int, err error) {
	if ch.dir != DirRx {
		return 0, 0, fmt.Errorf("%w: read called on a non-Rx channel", ncerr.ErrInvalidAttribute)
	}
	if err := ch.checkUsable(); err != nil {
		return 0, 0, err
	}

	s, ok := <-ch.rx
	if !ok {
		return 0, 0, ncerr.ErrShuttingDown
	}

	capture := ptptime.ReconstructCapture(s.RecvPTPNS, s.AVTPTS)
	deltaNS := int64(s.RecvPTPNS) - int64(capture)

	if buf != nil {
		n = copy(buf, s.Payload)
	}

	if ch.attrs.BreakThresholdUS > 0 && deltaNS/1000 > int64(ch.attrs.BreakThresholdUS) {
		ch.deps.Tracer.Mark(fmt.Sprintf("netchan: latency break on stream %016x: delta=%dns threshold=%dus",
			ch.attrs.StreamID, deltaNS, ch.attrs.BreakThresholdUS))
		if ch.deps.OnBreach != nil {
			ch.deps.OnBreach(ch, ncerr.ErrLatencyViolation)
		}
		return capture, n, ncerr.ErrLatencyViolation
	}

	return capture, n, nil
}

// ReadWait is Read followed by an absolute sleep
// until the reconstructed capture time plus the channel's class bound.
func (ch *Channel) ReadWait(buf []byte) (capturePTPNS uint64, n int, err error) {
	capture, n, err := ch.Read(buf)
	if err != nil {
		return capture, n, err
	}
	bound := ch.attrs.Class.Bound(ch.attrs.TASBoundNS)
	if _, dErr := ptptime.DelayUntil(ch.deps.PHC, capture+bound, ch.deps.Logger); dErr != nil {
		return capture, n, fmt.Errorf("%w: read_wait sleep: %v", ncerr.ErrSocketError, dErr)
	}
	return capture, n, nil
}
