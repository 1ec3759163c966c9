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

package srp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/netchan-go/netchan/rawsock"
	log "github.com/sirupsen/logrus"
)

var errShuttingDown = errors.New("shutting down")

// JoinVLAN requests membership of the VLAN identified by vid. Both
// class A and B streams share one VLAN, so vid is supplied by the
// caller rather than read back from domain state.
func (c *Client) JoinVLAN(vid uint16) error {
	return c.send(fmt.Sprintf("V++:I=%04x", vid))
}

// LeaveVLAN undoes JoinVLAN.
func (c *Client) LeaveVLAN(vid uint16) error {
	return c.send(fmt.Sprintf("V--:I=%04x", vid))
}

// JoinVLANIface is JoinVLAN plus the ifindex/promiscuous-mode bookkeeping
// a VLAN sub-interface needs: mrpd's "V++" only negotiates the
// reservation, it doesn't touch the kernel device, so a NetHandler bound
// to a VLAN sub-interface (e.g. "eth0.100") must separately resolve its
// ifindex and request promiscuous delivery. Best-effort: a sub-interface
// that doesn't exist (untagged deployments) is not an error.
func (c *Client) JoinVLANIface(parentIface string, vid uint16) error {
	if err := c.JoinVLAN(vid); err != nil {
		return err
	}
	name := fmt.Sprintf("%s.%d", parentIface, vid)
	ifindex, err := rawsock.ResolveIfindex(name)
	if err != nil {
		log.Debugf("srp: VLAN sub-interface %s not present, skipping promiscuous toggle: %v", name, err)
		return nil
	}
	if err := rawsock.SetPromiscuous(ifindex, true); err != nil {
		log.Warningf("srp: setting promiscuous mode on %s: %v", name, err)
	}
	return nil
}

// LeaveVLANIface undoes JoinVLANIface.
func (c *Client) LeaveVLANIface(parentIface string, vid uint16) error {
	name := fmt.Sprintf("%s.%d", parentIface, vid)
	if ifindex, err := rawsock.ResolveIfindex(name); err == nil {
		if err := rawsock.SetPromiscuous(ifindex, false); err != nil {
			log.Warningf("srp: clearing promiscuous mode on %s: %v", name, err)
		}
	}
	return c.LeaveVLAN(vid)
}

// RegisterDomain registers the NetHandler's presence in a traffic
// class's reservation domain.
func (c *Client) RegisterDomain(classID, priority int, vid uint16) error {
	return c.send(fmt.Sprintf("S+D:C=%d,P=%d,V=%04x", classID, priority, vid))
}

// UnregisterDomain undoes RegisterDomain.
func (c *Client) UnregisterDomain(classID, priority int, vid uint16) error {
	return c.send(fmt.Sprintf("S-D:C=%d,P=%d,V=%04x", classID, priority, vid))
}

// StreamAttrs is the subset of a channel's SRP-relevant attributes
// needed to advertise or join a stream.
type StreamAttrs struct {
	StreamID    StreamID
	Dst         net.HardwareAddr
	VLANID      uint16
	PacketBytes int
	IntervalTU  int
	PCP         int
	LatencyUS   int
}

// AdvertiseTalker sends a talker stream advertisement (S++).
func (c *Client) AdvertiseTalker(a StreamAttrs) error {
	return c.send(advertiseMsg(true, a))
}

// UnadvertiseTalker withdraws a talker stream advertisement (S--).
func (c *Client) UnadvertiseTalker(a StreamAttrs) error {
	return c.send(advertiseMsg(false, a))
}

func advertiseMsg(advertise bool, a StreamAttrs) string {
	verb := "--"
	if advertise {
		verb = "++"
	}
	dst := a.Dst
	if len(dst) != 6 {
		dst = make(net.HardwareAddr, 6)
	}
	return fmt.Sprintf("S%s:S=%016X,A=%02X%02X%02X%02X%02X%02X,V=%04X,Z=%d,I=%d,P=%d,L=%d",
		verb, uint64(a.StreamID),
		dst[0], dst[1], dst[2], dst[3], dst[4], dst[5],
		a.VLANID, a.PacketBytes, a.IntervalTU, a.PCP<<5, a.LatencyUS)
}

// JoinListener requests listener membership for sid (S+L).
func (c *Client) JoinListener(sid StreamID) error {
	return c.send(listenerMsg(true, sid))
}

// LeaveListener withdraws listener membership for sid (S-L).
func (c *Client) LeaveListener(sid StreamID) error {
	return c.send(listenerMsg(false, sid))
}

func listenerMsg(join bool, sid StreamID) string {
	verb, substate := "+", 2
	if !join {
		verb, substate = "-", 3
	}
	return fmt.Sprintf("S%sL:L=%016x, D=%d", verb, uint64(sid), substate)
}

// listenerAskFailed is the MSRP substate at/below which a listener join
// is not yet considered acknowledging readiness.
const listenerAskFailed = 1

// AwaitTalker blocks until a talker advertisement for sid has been
// observed, returning its destination MAC, or done is closed.
func (c *Client) AwaitTalker(sid StreamID, done <-chan struct{}) (net.HardwareAddr, error) {
	for {
		c.mu.Lock()
		dst, ok := c.talkers[sid]
		c.mu.Unlock()
		if ok {
			return dst, nil
		}
		select {
		case <-done:
			return nil, fmt.Errorf("srp: awaiting talker for stream %016x aborted: %w", uint64(sid), errShuttingDown)
		case <-time.After(DomainDiscoveryPoll):
		}
	}
}

// AwaitListener blocks until at least one listener has acknowledged
// readiness for sid, or done is closed.
func (c *Client) AwaitListener(sid StreamID, done <-chan struct{}) error {
	for {
		c.mu.Lock()
		n := c.listenCt[sid]
		c.mu.Unlock()
		if n > 0 {
			return nil
		}
		select {
		case <-done:
			return fmt.Errorf("srp: awaiting listener for stream %016x aborted: %w", uint64(sid), errShuttingDown)
		case <-time.After(DomainDiscoveryPoll):
		}
	}
}

// dispatch parses and applies one line received from mrpd.
func (c *Client) dispatch(line string) error {
	switch {
	case strings.HasPrefix(line, "SNE T:"), strings.HasPrefix(line, "SJO T:"):
		sid, dst, err := parseTalkerAttr(line)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.talkers[sid] = dst
		c.mu.Unlock()
		if c.h.TalkerNew != nil {
			c.h.TalkerNew(sid, dst)
		}

	case strings.HasPrefix(line, "SLE T:"):
		sid, dst, err := parseTalkerAttr(line)
		if err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.talkers, sid)
		c.mu.Unlock()
		if c.h.TalkerLeave != nil {
			c.h.TalkerLeave(sid, dst)
		}

	case strings.HasPrefix(line, "SJO D:"), strings.HasPrefix(line, "D:"):
		id, prio, vid, err := parseDomainAttr(line)
		if err != nil {
			return err
		}
		c.updateDomain(id, prio, vid)

	case strings.HasPrefix(line, "S+L:"), strings.HasPrefix(line, "SJO L:"), strings.HasPrefix(line, "SJN L:"):
		sid, substate, err := parseListenerAttr(line)
		if err != nil {
			return err
		}
		if substate <= listenerAskFailed {
			return nil
		}
		c.mu.Lock()
		c.listenCt[sid]++
		c.mu.Unlock()
		if c.h.ListenerJoin != nil {
			c.h.ListenerJoin(sid, substate)
		}

	case strings.HasPrefix(line, "S-L:"), strings.HasPrefix(line, "SLE L:"):
		sid, substate, err := parseListenerAttr(line)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.listenCt[sid] > 0 {
			c.listenCt[sid]--
		}
		c.mu.Unlock()
		if c.h.ListenerLeave != nil {
			c.h.ListenerLeave(sid, substate)
		}
	}
	return nil
}

func (c *Client) updateDomain(id, prio int, vid uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == ClassAID {
		c.domainA = Domain{ID: id, Priority: prio, VLANID: vid, Valid: true}
	} else {
		c.domainB = Domain{ID: id, Priority: prio, VLANID: vid, Valid: true}
	}
}

// field extracts the value following "key=" up to the next comma or end
// of s, case-sensitively, mirroring mrpd's flat attribute-list wire
// format ("S=...,A=...,V=...").
func field(s, key string) (string, bool) {
	idx := strings.Index(s, key+"=")
	if idx < 0 {
		return "", false
	}
	rest := s[idx+len(key)+1:]
	if end := strings.IndexAny(rest, ",\n"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest), true
}

func parseTalkerAttr(line string) (StreamID, net.HardwareAddr, error) {
	sHex, ok := field(line, "S")
	if !ok {
		return 0, nil, fmt.Errorf("srp: no stream id in %q", line)
	}
	sid, err := strconv.ParseUint(sHex, 16, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("srp: parsing stream id %q: %w", sHex, err)
	}

	aHex, ok := field(line, "A")
	if !ok {
		return 0, nil, fmt.Errorf("srp: no destination mac in %q", line)
	}
	dst, err := parseMAC(aHex)
	if err != nil {
		return 0, nil, err
	}
	return StreamID(sid), dst, nil
}

func parseMAC(hex string) (net.HardwareAddr, error) {
	if len(hex) < 12 {
		return nil, fmt.Errorf("srp: mac field %q too short", hex)
	}
	mac := make(net.HardwareAddr, 6)
	for i := range mac {
		b, err := strconv.ParseUint(hex[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("srp: parsing mac byte from %q: %w", hex, err)
		}
		mac[i] = byte(b)
	}
	return mac, nil
}

func parseDomainAttr(line string) (id, priority int, vid uint16, err error) {
	cStr, ok := field(line, "C")
	if !ok {
		return 0, 0, 0, fmt.Errorf("srp: no class id in %q", line)
	}
	pStr, ok := field(line, "P")
	if !ok {
		return 0, 0, 0, fmt.Errorf("srp: no priority in %q", line)
	}
	vStr, ok := field(line, "V")
	if !ok {
		return 0, 0, 0, fmt.Errorf("srp: no vlan id in %q", line)
	}

	c64, err := strconv.ParseInt(cStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("srp: parsing class id %q: %w", cStr, err)
	}
	p64, err := strconv.ParseInt(pStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("srp: parsing priority %q: %w", pStr, err)
	}
	v64, err := strconv.ParseUint(vStr, 16, 16)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("srp: parsing vlan id %q: %w", vStr, err)
	}
	return int(c64), int(p64), uint16(v64), nil
}

func parseListenerAttr(line string) (StreamID, int, error) {
	dStr, ok := field(line, "D")
	if !ok {
		return 0, 0, fmt.Errorf("srp: no substate in %q", line)
	}
	substate, err := strconv.Atoi(dStr)
	if err != nil {
		return 0, 0, fmt.Errorf("srp: parsing substate %q: %w", dStr, err)
	}

	// mrpd notifications carry the stream id under S=; our own listener
	// requests (echoed back by some daemons) carry it under L=.
	lHex, ok := field(line, "S")
	if !ok {
		lHex, ok = field(line, "L")
	}
	if !ok {
		return 0, 0, fmt.Errorf("srp: no stream id in %q", line)
	}
	sid, err := strconv.ParseUint(lHex, 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("srp: parsing stream id %q: %w", lHex, err)
	}
	return StreamID(sid), substate, nil
}

// splitLines splits a datagram payload into its constituent mrpd
// messages; mrpd may batch several newline- or null-terminated lines
// into one UDP payload.
func splitLines(buf []byte) []string {
	raw := strings.FieldsFunc(string(buf), func(r rune) bool {
		return r == '\n' || r == '\x00'
	})
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
