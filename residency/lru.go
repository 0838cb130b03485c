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

import "container/list"

// lruElem is an object's position within one of the two LRU lists, wrapping
// the intrusive handle/index-arena design from the original with the
// standard library's doubly-linked list: deterministic O(1) insert, remove,
// and move-to-tail, without hand-rolled pointer arithmetic.
type lruElem struct {
	list *list.List
	e    *list.Element
}

// lru holds the two ordered object lists (Resident, Evicted) the spec
// describes, plus the running aggregates callers need without a full scan.
// Every method here assumes the caller already holds the registry lock.
type lru struct {
	resident *list.List
	evicted  *list.List

	numResident  int
	numEvicted   int
	residentBytes int64
}

func newLRU() lru {
	return lru{
		resident: list.New(),
		evicted:  list.New(),
	}
}

func (l *lru) listFor(status Status) *list.List {
	if status == Resident {
		return l.resident
	}
	return l.evicted
}

// insert adds obj, fresh, to the tail of the list for status.
func (l *lru) insert(obj *ManagedObject, status Status) *lruElem {
	lst := l.listFor(status)
	e := lst.PushBack(obj)
	if status == Resident {
		l.numResident++
		l.residentBytes += obj.Size
	} else {
		l.numEvicted++
	}
	return &lruElem{list: lst, e: e}
}

// remove takes obj out of whichever list it currently occupies.
func (l *lru) remove(obj *ManagedObject) {
	if obj.elem == nil {
		return
	}
	obj.elem.list.Remove(obj.elem.e)
	if obj.elem.list == l.resident {
		l.numResident--
		l.residentBytes -= obj.Size
	} else {
		l.numEvicted--
	}
	obj.elem = nil
}

// touch moves obj, which must already be Resident, to the tail (freshest
// position) of the resident list.
func (l *lru) touch(obj *ManagedObject) {
	if obj.status != Resident || obj.elem == nil {
		return
	}
	l.resident.MoveToBack(obj.elem.e)
}

// markResident transitions obj from Evicted to Resident, placing it at the
// tail (freshest) of the resident list.
func (l *lru) markResident(obj *ManagedObject) {
	if obj.status != Evicted {
		return
	}
	l.remove(obj)
	obj.status = Resident
	obj.elem = l.insert(obj, Resident)
}

// markEvicted transitions obj from Resident to Evicted, placing it at the
// tail of the evicted list.
func (l *lru) markEvicted(obj *ManagedObject) {
	if obj.status != Resident {
		return
	}
	l.remove(obj)
	obj.status = Evicted
	obj.elem = l.insert(obj, Evicted)
}

// trimToSyncPointInclusive walks the resident list from head (stalest) to
// tail, evicting objects until either currentUsage drops below
// currentBudget, or it reaches an object referenced by a sync point newer
// than syncPointID (inclusive boundary: objects referenced exactly at
// syncPointID are still eligible). It returns the objects it evicted, in
// walk order, for the caller to hand to device.Evict as one batch.
func (l *lru) trimToSyncPointInclusive(currentUsage, currentBudget int64, syncPointID uint64) []*ManagedObject {
	var evicted []*ManagedObject

	next := l.resident.Front()
	for next != nil && currentUsage >= currentBudget {
		obj := next.Value.(*ManagedObject)
		if obj.lastGPUSyncPoint > syncPointID {
			break
		}

		after := next.Next()
		l.markEvicted(obj)
		currentUsage -= obj.Size
		evicted = append(evicted, obj)
		next = after
	}

	return evicted
}

// trimAged walks the resident list from head to tail, evicting objects that
// have neither been referenced at or after gateGeneration, nor used within
// gracePeriodTicks of now. It stops at the first object that fails either
// aging test, since the list stays ordered by non-decreasing
// lastGPUSyncPoint and a stale-enough prefix exhausts quickly.
func (l *lru) trimAged(gateGeneration uint64, nowTicks, gracePeriodTicks int64) []*ManagedObject {
	var evicted []*ManagedObject

	next := l.resident.Front()
	for next != nil {
		obj := next.Value.(*ManagedObject)
		if obj.lastGPUSyncPoint >= gateGeneration {
			break
		}
		if nowTicks-obj.lastUsedTicks <= gracePeriodTicks {
			break
		}

		after := next.Next()
		l.markEvicted(obj)
		evicted = append(evicted, obj)
		next = after
	}

	return evicted
}

// residentHeadSyncPoint returns the lastGPUSyncPoint of the stalest resident
// object (the resident list's head), and whether one exists. The paging
// worker uses this to tell whether any resident object is still safe to trim
// for a given generation before giving up and surfacing an out-of-memory
// error.
func (l *lru) residentHeadSyncPoint() (uint64, bool) {
	front := l.resident.Front()
	if front == nil {
		return 0, false
	}
	return front.Value.(*ManagedObject).lastGPUSyncPoint, true
}

// NumResident returns the number of currently resident objects.
func (l *lru) NumResident() int { return l.numResident }

// NumEvicted returns the number of currently evicted objects.
func (l *lru) NumEvicted() int { return l.numEvicted }

// ResidentBytes returns the sum of the sizes of all resident objects.
func (l *lru) ResidentBytes() int64 { return l.residentBytes }
