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

// Package srp implements the SRP/MRP client: a text protocol over
// UDP to a local mrpd daemon that negotiates bandwidth reservation and
// reports talker/listener arrival and departure.
package srp

import (
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// MRPDPort is the UDP port mrpd listens for client control messages on.
const MRPDPort = 7500

// DomainDiscoveryPoll is the spin interval used while a caller is
// blocked awaiting domain discovery, talker arrival or listener arrival.
const DomainDiscoveryPoll = 20 * time.Millisecond

// monitorPoll is the Read deadline the monitor goroutine uses on its UDP
// socket, bounding how quickly it notices shutdown.
const monitorPoll = 100 * time.Millisecond

// StreamID is a 64-bit AVTP stream identifier, carried hex-encoded on
// the wire to mrpd.
type StreamID uint64

// ClassAID is the domain class identifier mrpd uses for AVB class A;
// anything else observed in a domain announcement is class B.
const ClassAID = 6

// Domain holds one traffic class's negotiated reservation parameters, as
// learned from mrpd's "SJO D:" announcements.
type Domain struct {
	ID       int
	Priority int
	VLANID   uint16
	Valid    bool
}

// Handlers lets a NetHandler observe asynchronous SRP events without the
// srp package depending on nethandler (avoiding an import cycle).
type Handlers struct {
	// TalkerNew/TalkerLeave report a talker's stream advertisement
	// arriving or leaving, for Rx channels awaiting a talker.
	TalkerNew   func(sid StreamID, dst net.HardwareAddr)
	TalkerLeave func(sid StreamID, dst net.HardwareAddr)
	// ListenerJoin/ListenerLeave report a listener's readiness state
	// for a Tx channel's stream, identified by its substate.
	ListenerJoin  func(sid StreamID, substate int)
	ListenerLeave func(sid StreamID, substate int)
}

// Client owns the single UDP control socket to mrpd and the monitor
// goroutine that parses its replies.
type Client struct {
	conn *net.UDPConn
	h    Handlers

	mu       sync.Mutex
	domainA  Domain
	domainB  Domain
	talkers  map[StreamID]net.HardwareAddr
	listenCt map[StreamID]int

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New opens the mrpd control socket and starts the monitor goroutine.
// The caller must still call AwaitDomain, RegisterDomain and JoinVLAN
// before advertising or awaiting streams.
func New(h Handlers) (*Client, error) {
	raddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: MRPDPort}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("srp: dialing mrpd: %w", err)
	}

	c := &Client{
		conn:     conn,
		h:        h,
		talkers:  make(map[StreamID]net.HardwareAddr),
		listenCt: make(map[StreamID]int),
		done:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.monitor()
	return c, nil
}

// Close stops the monitor goroutine and closes the control socket. Safe
// to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return c.conn.Close()
}

func (c *Client) send(msg string) error {
	_, err := c.conn.Write([]byte(msg))
	if err != nil {
		return fmt.Errorf("srp: sending %q: %w", msg, err)
	}
	return nil
}

// monitor polls the control socket every 100ms, parsing and dispatching
// every line mrpd sends, until Close is called.
func (c *Client) monitor() {
	defer c.wg.Done()

	buf := make([]byte, 1522)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(monitorPoll)); err != nil {
			log.Warningf("srp: setting monitor read deadline: %v", err)
			return
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-c.done:
				return
			default:
				log.Warningf("srp: monitor read: %v", err)
				continue
			}
		}

		for _, line := range splitLines(buf[:n]) {
			if err := c.dispatch(line); err != nil {
				log.Warningf("srp: processing mrpd message %q: %v", line, err)
			}
		}
	}
}

// AwaitDomain sends the domain discovery request and blocks until mrpd
// reports at least one of {class A, class B} valid, or done is closed.
func (c *Client) AwaitDomain(done <-chan struct{}) error {
	if err := c.send("S??"); err != nil {
		return err
	}
	for {
		c.mu.Lock()
		ready := c.domainA.Valid || c.domainB.Valid
		c.mu.Unlock()
		if ready {
			return nil
		}
		select {
		case <-done:
			return fmt.Errorf("srp: domain discovery aborted: %w", errShuttingDown)
		case <-time.After(DomainDiscoveryPoll):
		}
	}
}

// Domains returns the current class A and class B domain state.
func (c *Client) Domains() (a, b Domain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.domainA, c.domainB
}
