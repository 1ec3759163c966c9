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

	"github.com/netchan-go/netchan/channel"
	"github.com/netchan-go/netchan/metrics"
	"github.com/netchan-go/netchan/ncerr"
)

// slot is one entry of the Stream ID hash map: an open-addressing,
// linear-probe table. Tombstones are never created; channels are only
// ever removed in bulk at NetHandler destroy.
type slot struct {
	occupied bool
	streamID uint64
	ch       *channel.Channel
}

// hashMap is the NetHandler's Stream ID -> Rx channel demultiplexing
// table. It is safe for concurrent reads from the Rx thread once built;
// writes (insert) must happen only before the Rx thread starts, or
// under the caller's external guarantee that the new Stream ID is
// unique and no other insert races it.
type hashMap struct {
	slots []slot
}

func newHashMap(h uint) *hashMap {
	return &hashMap{slots: make([]slot, h)}
}

// insert adds ch under sid using linear probing starting at sid modulo
// the slot count. Returns ncerr.ErrDuplicateStream if sid is already
// registered, or ncerr.ErrTableFull if every slot was probed without
// finding an empty one.
func (m *hashMap) insert(sid uint64, ch *channel.Channel) error {
	h := len(m.slots)
	if h == 0 {
		return fmt.Errorf("%w: hash map has zero capacity", ncerr.ErrTableFull)
	}
	start := int(sid % uint64(h)) //#nosec G115
	for i := 0; i < h; i++ {
		idx := (start + i) % h
		s := &m.slots[idx]
		if s.occupied {
			if s.streamID == sid {
				return fmt.Errorf("%w: stream id %016x", ncerr.ErrDuplicateStream, sid)
			}
			continue
		}
		s.occupied = true
		s.streamID = sid
		s.ch = ch
		metrics.HandlerHashMapLoad.Inc()
		return nil
	}
	return fmt.Errorf("%w: all %d slots probed for stream id %016x", ncerr.ErrTableFull, h, sid)
}

// lookup finds the channel registered for sid, probing linearly from
// sid mod H until either a match or an empty slot is found (an empty
// slot terminates the probe sequence since insert never leaves a gap
// behind an occupied slot for the same probe chain; see note above on
// tombstone-free removal).
func (m *hashMap) lookup(sid uint64) (*channel.Channel, bool) {
	h := len(m.slots)
	if h == 0 {
		return nil, false
	}
	start := int(sid % uint64(h)) //#nosec G115
	for i := 0; i < h; i++ {
		s := &m.slots[(start+i)%h]
		if !s.occupied {
			return nil, false
		}
		if s.streamID == sid {
			return s.ch, true
		}
	}
	return nil, false
}
