// lanes.go - per-connection egress queue length tracking
// Copyright (C) 2024  David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package proxy

import (
	"sync"

	"github.com/katzenpost/mixproxy/common"
)

// LaneQueueLengths tracks how much unsent data is queued on the mix
// network egress path for each connection.  The transport owner updates
// it; sessions read it to pace their TCP consumption.
type LaneQueueLengths struct {
	sync.Mutex

	lanes map[common.ConnectionID]int
}

// NewLaneQueueLengths creates an empty tracker.
func NewLaneQueueLengths() *LaneQueueLengths {
	return &LaneQueueLengths{
		lanes: make(map[common.ConnectionID]int),
	}
}

// Set records the current queue length for a lane.
func (l *LaneQueueLengths) Set(id common.ConnectionID, length int) {
	l.Lock()
	defer l.Unlock()
	l.lanes[id] = length
}

// Get returns the last recorded queue length for a lane, zero if the
// lane was never reported.
func (l *LaneQueueLengths) Get(id common.ConnectionID) int {
	l.Lock()
	defer l.Unlock()
	return l.lanes[id]
}

// Forget drops the lane's entry.
func (l *LaneQueueLengths) Forget(id common.ConnectionID) {
	l.Lock()
	defer l.Unlock()
	delete(l.lanes, id)
}
