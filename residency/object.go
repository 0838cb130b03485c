// Copyright 2019-2020 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package residency

import (
	"context"
	"sync"

	"github.com/OhGameKillers/gpuresidency/device"
)

// Status is where a ManagedObject currently sits relative to physical video
// memory.
type Status int

const (
	// Untracked objects are not known to the manager.
	Untracked Status = iota
	// Resident objects currently occupy physical video memory.
	Resident
	// Evicted objects have been paged out of physical video memory.
	Evicted
)

// String names the status.
func (s Status) String() string {
	switch s {
	case Resident:
		return "resident"
	case Evicted:
		return "evicted"
	default:
		return "untracked"
	}
}

// ManagedObject is one pageable allocation the manager tracks residency for.
// Objects transition Untracked -> {Resident,Evicted} on BeginTracking, cycle
// between Resident and Evicted exclusively via the paging worker and the LRU
// trimming operations, and return to Untracked on EndTracking.
type ManagedObject struct {
	Handle device.Handle
	Size   int64

	status Status

	// lastGPUSyncPoint is the generation of the most recent device-wide sync
	// point that referenced this object.
	lastGPUSyncPoint uint64
	// lastUsedTicks is the clock reading at the last reference to this object.
	lastUsedTicks int64

	// position in the LRU list it currently belongs to; nil if untracked.
	elem *lruElem
}

// Status reports the object's current residency state.
func (o *ManagedObject) Status() Status {
	return o.status
}

// registry is the set of all currently tracked objects plus the LRU that
// orders them, guarded by a single registry lock (spec: "registry lock").
// BeginTracking/EndTracking and the paging worker's ProcessPagingWork, from
// just after its initial clock and sync-point sample onward, hold this lock.
type registry struct {
	mu  sync.Mutex
	lru lru
}

func newRegistry() *registry {
	return &registry{lru: newLRU()}
}

// BeginTracking starts tracking obj. By default it is inserted Resident; if
// startEvicted is set it is inserted Evicted and an immediate device Evict is
// issued for it, mirroring a freshly-created resource the application has not
// referenced yet.
func (r *registry) BeginTracking(ctx context.Context, dev device.Device, obj *ManagedObject, startEvicted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if obj.elem != nil {
		return residencyError("BeginTracking: object already tracked")
	}

	status := Resident
	if startEvicted {
		status = Evicted
	}
	obj.status = status
	obj.elem = r.lru.insert(obj, status)

	if startEvicted {
		if err := dev.Evict(ctx, []device.Pageable{{Handle: obj.Handle, Size: obj.Size}}); err != nil {
			return wrapError(KindOutOfMemoryDevice, err, "BeginTracking: initial evict of %v failed", obj.Handle)
		}
	}

	return nil
}

// EndTracking stops tracking obj, removing it from whichever LRU list it is
// currently in.
func (r *registry) EndTracking(obj *ManagedObject) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if obj.elem == nil {
		return residencyError("EndTracking: object not tracked")
	}

	r.lru.remove(obj)
	obj.status = Untracked
	obj.elem = nil

	return nil
}
