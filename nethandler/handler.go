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

package nethandler

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/netchan-go/netchan/avtp"
	"github.com/netchan-go/netchan/channel"
	"github.com/netchan-go/netchan/metrics"
	"github.com/netchan-go/netchan/ncerr"
	"github.com/netchan-go/netchan/netlog"
	"github.com/netchan-go/netchan/ptptime"
	"github.com/netchan-go/netchan/rawsock"
	"github.com/netchan-go/netchan/srp"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// ethHeaderLen is the untagged Ethernet II header size (dst+src+ethertype).
const ethHeaderLen = 14

var registerMetricsOnce sync.Once

// Handler is the NetHandler: owns the Rx raw
// socket, the Stream ID hash map, the Rx goroutine, the Tx/Rx channel
// lists, the SRP client and the logger.
type Handler struct {
	cfg Config

	rx          *rawsock.RxSocket
	phc         *ptptime.PHC
	logger      *netlog.Logger
	tracer      netlog.Tracer
	latencyFile *os.File
	srpClient   *srp.Client

	table *hashMap

	listMu  sync.Mutex
	txChans []*channel.Channel
	rxChans []*channel.Channel

	running atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	eg      *errgroup.Group

	shutdownCh  chan struct{}
	destroyOnce sync.Once

	vlanOnce sync.Once
	vlanErr  error
}

// New creates a NetHandler bound to cfg.Iface. It opens
// the promiscuous Rx socket, the PHC (best-effort), the logger and,
// if cfg.UseSRP, the SRP client; allocates the Stream ID hash map; and
// attempts the best-effort mlockall/DMA-latency pin. It does not start
// the Rx goroutine; call Start for that.
func New(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ncerr.ErrInvalidAttribute, err)
	}
	if !ifaceExists(cfg.Iface) {
		return nil, fmt.Errorf("%w: %s", ncerr.ErrInvalidInterface, cfg.Iface)
	}

	registerMetricsOnce.Do(func() {
		metrics.MustRegister(prometheus.DefaultRegisterer)
	})

	if cfg.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	rx, err := rawsock.OpenRx(cfg.Iface)
	if err != nil {
		return nil, fmt.Errorf("%w: opening rx socket: %v", ncerr.ErrSocketError, err)
	}

	h := &Handler{
		cfg:        cfg,
		rx:         rx,
		logger:     netlog.New(cfg.LogFile),
		tracer:     netlog.NopTracer{},
		table:      newHashMap(cfg.HashMapSize),
		shutdownCh: make(chan struct{}),
	}

	if !rx.IsLoopback {
		if phc, perr := ptptime.OpenByInterface(cfg.Iface); perr != nil {
			log.Warningf("nethandler: PHC unavailable on %s, timestamps will read 0: %v", cfg.Iface, perr)
		} else {
			h.phc = phc
		}
	}

	if cfg.Ftrace {
		if t, terr := netlog.OpenFtrace(); terr != nil {
			log.Warningf("nethandler: ftrace unavailable, tracing disabled: %v", terr)
		} else {
			h.tracer = t
		}
	}

	if err := rawsock.LockMemory(); err != nil {
		rawsock.WarnBestEffort("mlockall", err)
	}
	if !cfg.KeepCState {
		if f, err := rawsock.PinDMALatency(); err != nil {
			rawsock.WarnBestEffort("DMA latency pin", err)
		} else {
			h.latencyFile = f
		}
	}

	if cfg.UseSRP {
		client, err := srp.New(srp.Handlers{
			TalkerNew:     h.onTalkerNew,
			TalkerLeave:   h.onTalkerLeave,
			ListenerJoin:  h.onListenerJoin,
			ListenerLeave: h.onListenerLeave,
		})
		if err != nil {
			_ = rx.Close()
			_ = h.phc.Close()
			if h.latencyFile != nil {
				_ = h.latencyFile.Close()
			}
			if ft, ok := h.tracer.(*netlog.FtraceTracer); ok {
				_ = ft.Close()
			}
			return nil, fmt.Errorf("%w: starting srp client: %v", ncerr.ErrSocketError, err)
		}
		h.srpClient = client
	}

	return h, nil
}

// Start launches the Rx goroutine under an errgroup derived from ctx.
// The Rx goroutine returns when the caller cancels ctx, when Stop is
// called, or when the Rx socket becomes unrecoverable. Only Stop runs
// the channel and socket teardown; cancelling ctx or the Rx goroutine
// returning on its own does not.
func (h *Handler) Start(ctx context.Context) error {
	if h.stopped.Load() {
		return ncerr.ErrShuttingDown
	}
	if !h.running.CompareAndSwap(false, true) {
		return fmt.Errorf("nethandler: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	eg, egCtx := errgroup.WithContext(ctx)
	h.eg = eg
	eg.Go(func() error {
		h.rxLoop(egCtx)
		return nil
	})
	return nil
}

// Stop requests an orderly shutdown: the Rx goroutine observes it
// within one RxTimeout interval and every channel's
// SRP leave/unadvertise and socket/pipe teardown runs.
func (h *Handler) Stop() error {
	h.destroyOnce.Do(func() {
		h.running.Store(false)
		h.stopped.Store(true)
		close(h.shutdownCh)

		h.listMu.Lock()
		for _, ch := range h.txChans {
			ch.BeginStop()
		}
		for _, ch := range h.rxChans {
			ch.BeginStop()
		}
		h.listMu.Unlock()
		if h.cancel != nil {
			h.cancel()
		}
		if h.eg != nil {
			_ = h.eg.Wait()
		}

		h.listMu.Lock()
		tx := append([]*channel.Channel(nil), h.txChans...)
		rxs := append([]*channel.Channel(nil), h.rxChans...)
		h.listMu.Unlock()

		for _, ch := range tx {
			h.destroyChannel(ch)
		}
		for _, ch := range rxs {
			h.destroyChannel(ch)
		}

		if h.srpClient != nil {
			if h.vlanErr == nil {
				domainA, domainB := h.srpClient.Domains()
				for _, d := range []srp.Domain{domainA, domainB} {
					if d.Valid {
						_ = h.srpClient.LeaveVLANIface(h.cfg.Iface, d.VLANID)
					}
				}
			}
			_ = h.srpClient.Close()
		}
		h.logger.Flush()
		_ = h.rx.Close()
		_ = h.phc.Close()
		if h.latencyFile != nil {
			_ = h.latencyFile.Close()
		}
		if ft, ok := h.tracer.(*netlog.FtraceTracer); ok {
			_ = ft.Close()
		}
	})
	return nil
}

// Destroy is an alias for Stop; both are the same
// idempotent teardown.
func (h *Handler) Destroy() error { return h.Stop() }

func (h *Handler) destroyChannel(ch *channel.Channel) {
	if h.cfg.UseSRP && h.srpClient != nil {
		a := ch.Attrs()
		if ch.Direction() == channel.DirTx {
			_ = h.srpClient.UnadvertiseTalker(srp.StreamAttrs{StreamID: srp.StreamID(a.StreamID)})
		} else {
			_ = h.srpClient.LeaveListener(srp.StreamID(a.StreamID))
		}
	}
	ch.Destroy()
}

// SetVerbose toggles the package-wide logrus level.
func (h *Handler) SetVerbose(v bool) {
	h.cfg.Verbose = v
	if v {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// SetSRP enables or disables SRP negotiation for channels created after
// this call. Enabling opens the mrpd control socket on demand; disabling
// closes it and makes channel creation non-blocking again; the API
// shape is identical either way.
func (h *Handler) SetSRP(use bool) error {
	if err := h.checkUsable(); err != nil {
		return err
	}
	if use == h.cfg.UseSRP {
		return nil
	}
	if !use {
		h.cfg.UseSRP = false
		if h.srpClient != nil {
			err := h.srpClient.Close()
			h.srpClient = nil
			return err
		}
		return nil
	}
	client, err := srp.New(srp.Handlers{
		TalkerNew:     h.onTalkerNew,
		TalkerLeave:   h.onTalkerLeave,
		ListenerJoin:  h.onListenerJoin,
		ListenerLeave: h.onListenerLeave,
	})
	if err != nil {
		return fmt.Errorf("%w: starting srp client: %v", ncerr.ErrSocketError, err)
	}
	h.srpClient = client
	h.cfg.UseSRP = true
	return nil
}

// SetTxPrio overrides a traffic class's SO_PRIORITY/PCP for Tx sockets
// opened after this call.
func (h *Handler) SetTxPrio(cl channel.Class, prio int) {
	if h.cfg.TxPrio == nil {
		h.cfg.TxPrio = make(map[channel.Class]int)
	}
	h.cfg.TxPrio[cl] = prio
}

// avtpHeaderOffset returns payload[ethHeaderLen:] if the frame is
// untagged Ethernet II carrying EtherTypeTSN; VLAN-tagged frames (which
// would add 4 bytes before the real EtherType) are not demultiplexed by
// this fast path and are silently dropped, the same treatment unknown
// stream ids get.
func avtpHeaderOffset(frame []byte) ([]byte, bool) {
	if len(frame) < ethHeaderLen+avtp.HeaderSize {
		return nil, false
	}
	ethertype := binary.BigEndian.Uint16(frame[12:14])
	if ethertype != rawsock.EtherTypeTSN {
		return nil, false
	}
	return frame[ethHeaderLen:], true
}

// rxLoop is the Rx thread loop: recvmsg with a 250ms timeout,
// capturing recv_ptp_ns immediately, extracting rx_hw_ns from the
// kernel timestamp, then feeding the frame to feedPDU.
func (h *Handler) rxLoop(ctx context.Context) {
	buf := make([]byte, 1600)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !h.running.Load() {
			return
		}

		n, rxHWNS, err := h.rx.ReadFrame(buf)
		recvPTPNS := h.phcNow()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if isFatalSocketErr(err) {
				log.Errorf("nethandler: rx socket unrecoverable, stopping: %v", err)
				return
			}
			log.Warningf("nethandler: rx read error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		avtpFrame, ok := avtpHeaderOffset(buf[:n])
		if !ok {
			continue
		}
		if err := h.feedPDU(avtpFrame, rxHWNS, recvPTPNS); err != nil {
			log.Debugf("nethandler: feed_pdu: %v", err)
		}
	}
}

func (h *Handler) phcNow() uint64 {
	if h.phc == nil {
		return ptptime.TAINowNS()
	}
	now := h.phc.NowNS()
	if now == 0 {
		return ptptime.TAINowNS()
	}
	return now
}

// feedPDU parses the AVTP header, looks up the
// Stream ID, and on a hit delivers the reconstructed sample to the
// matching Rx channel and appends an Rx timing record. Unknown streams
// return ncerr.ErrNoRoute, which is informational, not an error state.
func (h *Handler) feedPDU(frame []byte, rxHWNS, recvPTPNS uint64) error {
	var hdr avtp.Header
	if err := hdr.Unmarshal(frame); err != nil {
		return fmt.Errorf("nethandler: unmarshaling avtp header: %w", err)
	}

	ch, ok := h.table.lookup(hdr.StreamID)
	if !ok {
		metrics.RxNoRoute.Inc()
		return fmt.Errorf("%w: stream id %016x", ncerr.ErrNoRoute, hdr.StreamID)
	}

	end := int(avtp.HeaderSize) + int(hdr.SDL)
	if end > len(frame) {
		return fmt.Errorf("nethandler: sdl %d exceeds frame length %d", hdr.SDL, len(frame))
	}
	payload := make([]byte, hdr.SDL)
	copy(payload, frame[avtp.HeaderSize:end])

	ch.Deliver(channel.Sample{
		RxHWNS:    rxHWNS,
		RecvPTPNS: recvPTPNS,
		AVTPTS:    hdr.AVTPTimestamp,
		SeqNr:     hdr.SeqNr,
		Payload:   payload,
	})

	h.logger.Append(netlog.SampleRecord{
		StreamID:  hdr.StreamID,
		Size:      hdr.SDL,
		SeqNr:     hdr.SeqNr,
		AVTPNS:    uint64(hdr.AVTPTimestamp),
		CapPTPNS:  ptptime.ReconstructCapture(recvPTPNS, hdr.AVTPTimestamp),
		RxNS:      rxHWNS,
		RecvPTPNS: recvPTPNS,
	})

	return nil
}

func isTimeout(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, os.ErrDeadlineExceeded)
}

// isFatalSocketErr reports whether err means the Rx socket itself is no
// longer usable (EBADF, ENETDOWN); any other read error leaves the Rx
// loop running.
func isFatalSocketErr(err error) bool {
	return errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENETDOWN)
}
