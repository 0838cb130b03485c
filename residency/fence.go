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
	"container/list"
	"sync"
	"time"

	"github.com/OhGameKillers/gpuresidency/device"
)

// syncPointPollInterval is how often waitForSyncPoint re-checks fence
// progress while blocked. Real GPU fence waits are typically implemented as
// a short spin/poll loop CPU-side; we do the same rather than invent an
// additional OS wait-handle abstraction purely for this.
const syncPointPollInterval = 200 * time.Microsecond

// queueFence is the per-queue fence ledger entry: the device.Fence itself
// plus the next value EnqueueSyncPoint will need to have been signaled.
type queueFence struct {
	fence      device.Fence
	nextValue  uint64
}

// queueSyncPoint is a snapshot of one queue's fence and the value it must
// reach for this sync point to be considered complete.
type queueSyncPoint struct {
	fence         device.Fence
	lastUsedValue uint64
}

func (q queueSyncPoint) completed() (bool, error) {
	value, err := q.fence.Completed()
	if err != nil {
		return false, err
	}
	return value >= q.lastUsedValue, nil
}

// deviceWideSyncPoint is a point in time across every queue known when it was
// created. Queues discovered afterwards are intentionally not represented;
// see the design notes on sync point creation-time queue snapshots.
type deviceWideSyncPoint struct {
	generation uint64
	queues     []queueSyncPoint
}

func (s *deviceWideSyncPoint) completed() (bool, error) {
	for _, q := range s.queues {
		done, err := q.completed()
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
	}
	return true, nil
}


// fenceLedger tracks one fence per distinct queue and the in-flight
// device-wide sync points, guarded by the worker-facing lock: EnqueueSyncPoint
// is called by the application thread (submission coordinator) while
// WaitForSyncPoint and firstUncompletedGeneration are called by the paging
// worker. DequeueCompleted is not called by the paging worker.
type fenceLedger struct {
	mu sync.Mutex

	queues       map[device.CommandQueue]*queueFence
	numQueuesSeen int

	inFlight   *list.List // of *deviceWideSyncPoint, oldest (lowest generation) at front
	generation uint64
}

func newFenceLedger() *fenceLedger {
	return &fenceLedger{
		queues:   make(map[device.CommandQueue]*queueFence),
		inFlight: list.New(),
	}
}

// fenceFor resolves or creates the fence for queue, creating a new device
// fence and bumping numQueuesSeen the first time queue is referenced.
func (f *fenceLedger) fenceFor(dev device.Device, queue device.CommandQueue) (*queueFence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if qf, ok := f.queues[queue]; ok {
		return qf, nil
	}

	fence, err := dev.CreateFence(0)
	if err != nil {
		return nil, wrapError(KindOSResource, err, "failed to create fence for new queue")
	}

	qf := &queueFence{fence: fence, nextValue: 1}
	f.queues[queue] = qf
	f.numQueuesSeen++

	return qf, nil
}

// nextGeneration allocates the next sync-point generation id, incrementing
// the counter as its own step in the submission coordinator's locked block.
func (f *fenceLedger) nextGeneration() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.generation
	f.generation++
	return g
}

// enqueueSyncPoint snapshots every known queue fence's (fence, nextValue-1)
// pair into a new device-wide sync point at generation g, and appends it to
// the in-flight list.
func (f *fenceLedger) enqueueSyncPoint(g uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	point := &deviceWideSyncPoint{generation: g}
	for _, qf := range f.queues {
		point.queues = append(point.queues, queueSyncPoint{
			fence:         qf.fence,
			lastUsedValue: qf.nextValue - 1,
		})
	}
	f.inFlight.PushBack(point)
}

// dequeueCompleted pops completed device-wide sync points from the head of
// the in-flight list and returns the first uncompleted one, or nil if none
// remain.
func (f *fenceLedger) dequeueCompleted() (*deviceWideSyncPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		front := f.inFlight.Front()
		if front == nil {
			return nil, nil
		}
		point := front.Value.(*deviceWideSyncPoint)
		done, err := point.completed()
		if err != nil {
			return nil, err
		}
		if !done {
			return point, nil
		}
		f.inFlight.Remove(front)
	}
}

// waitForSyncPoint blocks until the device-wide sync point with the given
// generation is known complete, destroying any stale entries with an older
// generation it passes on the way. If id is already past the head (i.e.
// already observed complete and removed), it returns immediately.
func (f *fenceLedger) waitForSyncPoint(id uint64) error {
	for {
		f.mu.Lock()
		front := f.inFlight.Front()
		if front == nil {
			f.mu.Unlock()
			return nil
		}
		point := front.Value.(*deviceWideSyncPoint)
		if point.generation < id {
			f.inFlight.Remove(front)
			f.mu.Unlock()
			continue
		}
		if point.generation > id {
			// the point we were waiting for is already gone: it must have
			// completed and been dequeued already.
			f.mu.Unlock()
			return nil
		}

		done, err := point.completed()
		if err != nil {
			f.mu.Unlock()
			return err
		}
		if done {
			f.inFlight.Remove(front)
			f.mu.Unlock()
			return nil
		}
		f.mu.Unlock()

		time.Sleep(syncPointPollInterval)
	}
}

// firstUncompletedGeneration reports the generation of the first uncompleted
// in-flight sync point, and whether one exists.
func (f *fenceLedger) firstUncompletedGeneration() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	front := f.inFlight.Front()
	if front == nil {
		return 0, false
	}
	return front.Value.(*deviceWideSyncPoint).generation, true
}
