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

	"golang.org/x/sync/errgroup"

	"github.com/OhGameKillers/gpuresidency/device"
)

// ResidencySet names the objects a batch of command lists references. The
// application builds one per submission (or reuses one across many) by
// Insert-ing every object a recorded command list touches.
type ResidencySet struct {
	objects []*ManagedObject
}

// NewResidencySet returns an empty residency set.
func NewResidencySet() *ResidencySet {
	return &ResidencySet{}
}

// Insert adds obj to the set. Duplicate inserts are harmless; the set is
// flattened and de-duplicated when a submission is built.
func (s *ResidencySet) Insert(obj *ManagedObject) {
	s.objects = append(s.objects, obj)
}

// Reset empties the set so it can be reused for the next recording.
func (s *ResidencySet) Reset() {
	s.objects = s.objects[:0]
}

// submissionBatch pairs command lists with the residency sets they reference
// (lists[i] with sets[i]), the unit ExecuteCommandLists splits recursively.
type submissionBatch struct {
	lists []device.CommandList
	sets  []*ResidencySet
}

func (b submissionBatch) flattenObjects() []*ManagedObject {
	seen := make(map[*ManagedObject]bool)
	var flat []*ManagedObject
	for _, set := range b.sets {
		for _, obj := range set.objects {
			if seen[obj] {
				continue
			}
			seen[obj] = true
			flat = append(flat, obj)
		}
	}
	return flat
}

func (b submissionBatch) totalBytes() int64 {
	var total int64
	for _, obj := range b.flattenObjects() {
		total += obj.Size
	}
	return total
}

// ExecuteCommandLists submits lists to queue, guaranteeing every object
// referenced by residencySets is made resident before the GPU executes them
// and is recorded against the resulting sync point so it is not prematurely
// trimmed. When the referenced working set exceeds the combined device
// budget, the batch is recursively split in half and the two halves are
// submitted concurrently: this is the submission coordinator's six-step
// algorithm.
func (m *Manager) ExecuteCommandLists(ctx context.Context, queue device.CommandQueue, lists []device.CommandList, residencySets []*ResidencySet) error {
	ctx, span := startSpan(ctx, "ExecuteCommandLists")
	defer span.End()

	return m.executeBatch(ctx, queue, submissionBatch{lists: lists, sets: residencySets})
}

func (m *Manager) executeBatch(ctx context.Context, queue device.CommandQueue, batch submissionBatch) error {
	// Step 1: query the combined budget.
	info, err := queryMemoryInfo(m.adapter, m.nodeMask)
	if err != nil {
		return err
	}

	// Step 2: the union of referenced objects is already available via
	// flattenObjects; nothing further to compute here.

	// Step 3: recursive concurrent split when the batch doesn't fit. Both
	// halves run to completion regardless of whether the other fails, and
	// their errors (if any) are combined: unlike a plain errgroup.Wait,
	// which would silently drop whichever half's error lost the race, a
	// caller observing a failure here sees everything that went wrong.
	if len(batch.lists) > 1 && batch.totalBytes() > info.budget() {
		mid := len(batch.lists) / 2
		first := submissionBatch{lists: batch.lists[:mid], sets: batch.sets[:mid]}
		rest := submissionBatch{lists: batch.lists[mid:], sets: batch.sets[mid:]}

		var g errgroup.Group
		var firstErr, restErr error
		g.Go(func() error {
			firstErr = m.executeBatch(ctx, queue, first)
			return firstErr
		})
		g.Go(func() error {
			restErr = m.executeBatch(ctx, queue, rest)
			return restErr
		})
		g.Wait() // errgroup.Wait blocks for both goroutines regardless of which failed first.
		return appendError(firstErr, restErr)
	}

	return m.submitLocked(ctx, queue, batch)
}

// submitLocked performs steps 4-6 under the submission lock: resolving the
// queue's fence, enqueueing the paging work, and the GPU-side
// wait/submit/signal block plus the device-wide sync point bookkeeping.
// The submission lock is always acquired before the worker-facing lock is
// touched (via workQueue.push and fences.enqueueSyncPoint), matching the
// manager's lock order.
func (m *Manager) submitLocked(ctx context.Context, queue device.CommandQueue, batch submissionBatch) error {
	m.submissionMu.Lock()
	defer m.submissionMu.Unlock()

	qf, err := m.fences.fenceFor(m.device, queue)
	if err != nil {
		return err
	}

	generation := m.fences.nextGeneration()
	objects := batch.flattenObjects()

	// The gate-fence value for this submission, strictly greater than any
	// value waited on by an earlier submission; the increment happens here,
	// under the submission lock, before the value is handed to both the
	// enqueued job and the GPU-side wait below.
	gateValue := m.gateFenceValue + 1
	m.gateFenceValue = gateValue

	job := asyncWorkload{
		objects:            objects,
		generation:         generation,
		fenceValueToSignal: gateValue,
	}
	if err := m.pushWork(ctx, job); err != nil {
		return err
	}

	waitValue := qf.nextValue
	qf.nextValue++

	if err := queue.Wait(m.gateFence, gateValue); err != nil {
		return wrapError(KindDeviceLost, err, "ExecuteCommandLists: GPU wait on gate fence failed")
	}
	if err := queue.ExecuteCommandLists(ctx, batch.lists); err != nil {
		return wrapError(KindDeviceLost, err, "ExecuteCommandLists: submission failed")
	}
	if err := queue.Signal(qf.fence, waitValue); err != nil {
		return wrapError(KindDeviceLost, err, "ExecuteCommandLists: GPU signal failed")
	}

	m.fences.enqueueSyncPoint(generation)

	return nil
}
