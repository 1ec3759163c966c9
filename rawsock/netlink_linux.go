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

package rawsock

import (
	"fmt"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// ResolveIfindex looks up name's kernel ifindex over rtnetlink, the
// netlink-native alternative to the SIOCGIFINDEX ioctl (OpenRx resolves
// its interface with net.InterfaceByName; OpenTx is handed an ifindex).
// srp's VLAN join bookkeeping calls this to resolve a
// VLAN sub-interface (e.g. "eth0.100") that may not yet be reflected in
// a cached net.Interfaces() listing.
func ResolveIfindex(name string) (int, error) {
	conn, err := rtnetlink.Dial(&netlink.Config{})
	if err != nil {
		return 0, fmt.Errorf("rawsock: dialing rtnetlink: %w", err)
	}
	defer conn.Close()

	links, err := conn.Link.List()
	if err != nil {
		return 0, fmt.Errorf("rawsock: listing links over rtnetlink: %w", err)
	}
	for _, l := range links {
		if l.Attributes != nil && l.Attributes.Name == name {
			return int(l.Index), nil
		}
	}
	return 0, fmt.Errorf("rawsock: interface %q not found via rtnetlink", name)
}

// SetPromiscuous toggles IFF_PROMISC on ifindex via an RTM_NEWLINK
// request, in place of the SIOCSIFFLAGS ioctl an ifreq-based
// implementation would use. OpenRx normally gets promiscuous delivery
// for free through its PACKET_MR_PROMISC membership; this is the
// explicit equivalent for a VLAN sub-interface joined purely for SRP
// bookkeeping, which carries no raw socket of its own.
func SetPromiscuous(ifindex int, on bool) error {
	conn, err := rtnetlink.Dial(&netlink.Config{})
	if err != nil {
		return fmt.Errorf("rawsock: dialing rtnetlink: %w", err)
	}
	defer conn.Close()

	var flags uint32
	if on {
		flags = unix.IFF_PROMISC
	}
	msg := &rtnetlink.LinkMessage{
		Family: unix.AF_UNSPEC,
		Index:  uint32(ifindex),
		Flags:  flags,
		Change: unix.IFF_PROMISC,
	}
	if err := conn.Link.Set(msg); err != nil {
		return fmt.Errorf("rawsock: setting IFF_PROMISC via rtnetlink: %w", err)
	}
	return nil
}
