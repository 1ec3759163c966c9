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
	"fmt"
	"net"

	"github.com/netchan-go/netchan/channel"
	"github.com/netchan-go/netchan/metrics"
	"github.com/netchan-go/netchan/ncerr"
	"github.com/netchan-go/netchan/rawsock"
	"github.com/netchan-go/netchan/srp"
	log "github.com/sirupsen/logrus"
)

// doneCh returns the channel closed once Stop has been requested, so SRP
// await calls made from inside CreateTx/CreateRx wake up on shutdown.
func (h *Handler) doneCh() <-chan struct{} {
	return h.shutdownCh
}

// checkUsable makes a destroy in progress surface as ShuttingDown on
// subsequent public calls, promptly and without blocking on acquired
// resources.
func (h *Handler) checkUsable() error {
	if h.stopped.Load() {
		return ncerr.ErrShuttingDown
	}
	return nil
}

// ensureVLANJoined runs the one-time VLAN join the first
// time any channel needs SRP: mrpd's "V++" declaration plus the
// rtnetlink-resolved ifindex/promiscuous-mode bookkeeping for the VLAN
// sub-interface, and domain registration for both negotiated classes.
func (h *Handler) ensureVLANJoined() error {
	h.vlanOnce.Do(func() {
		domainA, domainB := h.srpClient.Domains()
		for _, d := range []srp.Domain{domainA, domainB} {
			if !d.Valid {
				continue
			}
			classLabel := "B"
			if d.ID == srp.ClassAID {
				classLabel = "A"
			}
			metrics.SRPDomainValid.WithLabelValues(classLabel).Set(1)
			if err := h.srpClient.JoinVLANIface(h.cfg.Iface, d.VLANID); err != nil {
				h.vlanErr = fmt.Errorf("%w: joining vlan %d: %v", ncerr.ErrSocketError, d.VLANID, err)
				return
			}
			if err := h.srpClient.RegisterDomain(d.ID, d.Priority, d.VLANID); err != nil {
				h.vlanErr = fmt.Errorf("%w: registering domain %d: %v", ncerr.ErrSocketError, d.ID, err)
				return
			}
		}
	})
	return h.vlanErr
}

// defaultAccumulatedLatency is the accumulated-latency value advertised
// with every talker stream, matching mrpd's conventional default.
const defaultAccumulatedLatency = 3900

// framesPerMeasurementInterval converts a channel's period into MSRP's
// frames-per-class-measurement-interval (125us for class A, 250us for
// class B), the integer unit mrpd's S++ I= field expects. A channel
// slower than one frame per measurement interval still reserves one.
func framesPerMeasurementInterval(a channel.Attrs) int {
	measurementNS := uint64(125_000)
	if a.Class == channel.ClassB {
		measurementNS = 250_000
	}
	if a.IntervalNS >= measurementNS {
		return 1
	}
	return int(measurementNS / a.IntervalNS)
}

// domainFor picks the negotiated SRP domain a class's streams belong to:
// class A gets the class A domain when discovered, everything else falls
// back to whichever domain is valid.
func (h *Handler) domainFor(cl channel.Class) (srp.Domain, bool) {
	domainA, domainB := h.srpClient.Domains()
	if cl == channel.ClassA && domainA.Valid {
		return domainA, true
	}
	if domainB.Valid {
		return domainB, true
	}
	if domainA.Valid {
		return domainA, true
	}
	return srp.Domain{}, false
}

// CreateTx opens the channel's Tx
// socket, optionally advertises it over SRP and awaits a listener, then
// marks it Ready and adds it to the Tx list.
func (h *Handler) CreateTx(a channel.Attrs) (*channel.Channel, error) {
	if err := h.checkUsable(); err != nil {
		return nil, err
	}
	if a.LinkBitsPerSec == 0 {
		a.LinkBitsPerSec = h.cfg.LinkBitsPerSec
	}

	var dst [6]byte
	copy(dst[:], a.Dst)
	prio := h.cfg.txPrio(a.Class)
	tx, err := rawsock.OpenTx(h.rx.Ifindex, dst, prio)
	if err != nil {
		return nil, fmt.Errorf("%w: opening tx socket: %v", ncerr.ErrSocketError, err)
	}

	ch, err := channel.NewTx(a, tx, channel.Deps{
		PHC:      h.phc,
		Logger:   h.logger,
		Tracer:   h.tracer,
		OnBreach: h.onBreach,
	})
	if err != nil {
		_ = tx.Close()
		return nil, err
	}

	if h.cfg.UseSRP && h.srpClient != nil {
		if err := h.srpClient.AwaitDomain(h.doneCh()); err != nil {
			_ = tx.Close()
			return nil, fmt.Errorf("%w: %v", ncerr.ErrShuttingDown, err)
		}
		if err := h.ensureVLANJoined(); err != nil {
			_ = tx.Close()
			return nil, err
		}
		sa := srp.StreamAttrs{
			StreamID:    srp.StreamID(a.StreamID),
			Dst:         a.Dst,
			PacketBytes: a.FrameBytes(),
			IntervalTU:  framesPerMeasurementInterval(a),
			PCP:         prio,
			LatencyUS:   defaultAccumulatedLatency,
		}
		if d, ok := h.domainFor(a.Class); ok {
			sa.VLANID = d.VLANID
			sa.PCP = d.Priority
		}
		if err := h.srpClient.AdvertiseTalker(sa); err != nil {
			_ = tx.Close()
			return nil, fmt.Errorf("%w: advertising talker: %v", ncerr.ErrSocketError, err)
		}
		if err := h.srpClient.AwaitListener(srp.StreamID(a.StreamID), h.doneCh()); err != nil {
			_ = tx.Close()
			return nil, fmt.Errorf("%w: %v", ncerr.ErrShuttingDown, err)
		}
	}

	ch.MarkReady()
	h.listMu.Lock()
	h.txChans = append(h.txChans, ch)
	h.listMu.Unlock()
	return ch, nil
}

// CreateRx registers the channel in
// the Stream ID hash map, optionally joins as an SRP listener and awaits
// a talker advertisement, then marks it Ready and adds it to the Rx
// list. Inserting into the hash map is only safe before the Rx
// thread starts, or under the caller's guarantee of a unique Stream ID;
// Start must be called after all statically-known Rx channels are
// created unless that guarantee holds.
func (h *Handler) CreateRx(a channel.Attrs) (*channel.Channel, error) {
	if err := h.checkUsable(); err != nil {
		return nil, err
	}
	if a.LinkBitsPerSec == 0 {
		a.LinkBitsPerSec = h.cfg.LinkBitsPerSec
	}
	if a.BreakThresholdUS == 0 {
		a.BreakThresholdUS = h.cfg.BreakUS
	}

	ch, err := channel.NewRx(a, channel.Deps{
		PHC:      h.phc,
		Logger:   h.logger,
		Tracer:   h.tracer,
		OnBreach: h.onBreach,
	})
	if err != nil {
		return nil, err
	}

	if err := h.table.insert(a.StreamID, ch); err != nil {
		return nil, err
	}

	if h.cfg.UseSRP && h.srpClient != nil {
		if err := h.srpClient.AwaitDomain(h.doneCh()); err != nil {
			return nil, fmt.Errorf("%w: %v", ncerr.ErrShuttingDown, err)
		}
		if err := h.ensureVLANJoined(); err != nil {
			return nil, err
		}
		if err := h.srpClient.JoinListener(srp.StreamID(a.StreamID)); err != nil {
			return nil, fmt.Errorf("%w: joining listener: %v", ncerr.ErrSocketError, err)
		}
		if _, err := h.srpClient.AwaitTalker(srp.StreamID(a.StreamID), h.doneCh()); err != nil {
			return nil, fmt.Errorf("%w: %v", ncerr.ErrShuttingDown, err)
		}
	}

	ch.MarkReady()
	h.listMu.Lock()
	h.rxChans = append(h.rxChans, ch)
	h.listMu.Unlock()
	return ch, nil
}

// onBreach is channel.Deps.OnBreach: a channel's break-threshold crossing
// triggers this NetHandler's own orderly shutdown.
func (h *Handler) onBreach(ch *channel.Channel, err error) {
	a := ch.Attrs()
	metrics.LatencyViolations.WithLabelValues(fmt.Sprintf("%016x", a.StreamID)).Inc()
	log.Errorf("nethandler: latency break threshold crossed on stream %016x, shutting down: %v", a.StreamID, err)
	go func() { _ = h.Stop() }()
}

func (h *Handler) onTalkerNew(sid srp.StreamID, dst net.HardwareAddr) {
	log.Debugf("nethandler: talker advertisement for stream %016x at %s", uint64(sid), dst)
}

func (h *Handler) onTalkerLeave(sid srp.StreamID, dst net.HardwareAddr) {
	log.Debugf("nethandler: talker left for stream %016x at %s", uint64(sid), dst)
}

func (h *Handler) onListenerJoin(sid srp.StreamID, substate int) {
	log.Debugf("nethandler: listener joined for stream %016x (substate %d)", uint64(sid), substate)
}

func (h *Handler) onListenerLeave(sid srp.StreamID, substate int) {
	log.Debugf("nethandler: listener left for stream %016x (substate %d)", uint64(sid), substate)
}
