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
	"sync/atomic"

	"github.com/OhGameKillers/gpuresidency/device"
)

// asyncWorkload is one unit of paging work produced by the submission
// coordinator and consumed by the paging worker: the objects referenced by a
// submission, the generation it belongs to, and the gate-fence value to
// signal once paging for it completes. The gate fence itself is owned by the
// Manager, not carried per-job.
type asyncWorkload struct {
	objects            []*ManagedObject
	generation         uint64
	fenceValueToSignal uint64
}

// asyncWorkQueue is the bounded producer/consumer handoff between the
// submission coordinator (producer) and the paging worker (consumer). The
// spec describes a hand-rolled SPSC ring with monotonic head/tail counters
// sized MaxLatency+1; a buffered channel gives the same bounded-backpressure
// behavior (ExecuteCommandLists blocks once MaxLatency submissions are
// outstanding) without reimplementing ring-buffer bookkeeping.
type asyncWorkQueue struct {
	ch       chan asyncWorkload
	occupied int64 // atomic, for introspection/metrics only
}

func newAsyncWorkQueue(maxLatency int) *asyncWorkQueue {
	if maxLatency < 1 {
		maxLatency = 1
	}
	return &asyncWorkQueue{ch: make(chan asyncWorkload, maxLatency)}
}

// push enqueues a workload, blocking if the ring is at MaxLatency capacity.
func (q *asyncWorkQueue) push(ctx context.Context, w asyncWorkload) error {
	select {
	case q.ch <- w:
		atomic.AddInt64(&q.occupied, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pop dequeues the next workload, blocking until one is available or the
// queue is closed (shutdown).
func (q *asyncWorkQueue) pop() (asyncWorkload, bool) {
	w, ok := <-q.ch
	if ok {
		atomic.AddInt64(&q.occupied, -1)
	}
	return w, ok
}

// occupancy reports the approximate number of outstanding workloads.
func (q *asyncWorkQueue) occupancy() int64 {
	return atomic.LoadInt64(&q.occupied)
}

func (q *asyncWorkQueue) close() {
	close(q.ch)
}

// opStats are the cumulative device operation counters the collector
// reports; plain atomics rather than a prometheus type directly, so the
// paging worker has no prometheus import of its own.
type opStats struct {
	makeResidentCalls int64
	evictCalls        int64
	makeResidentBytes int64
	evictBytes        int64
}

type opStatsSnapshot struct {
	makeResidentCalls int64
	evictCalls        int64
	makeResidentBytes int64
	evictBytes        int64
}

// recordMakeResident counts one MakeResident call of n objects totalling bytes.
func (s *opStats) recordMakeResident(n int, bytes int64) {
	atomic.AddInt64(&s.makeResidentCalls, 1)
	atomic.AddInt64(&s.makeResidentBytes, bytes)
}

// recordEvict counts one Evict call of n objects totalling bytes.
func (s *opStats) recordEvict(n int, bytes int64) {
	atomic.AddInt64(&s.evictCalls, 1)
	atomic.AddInt64(&s.evictBytes, bytes)
}

func (s *opStats) snapshot() opStatsSnapshot {
	return opStatsSnapshot{
		makeResidentCalls: atomic.LoadInt64(&s.makeResidentCalls),
		evictCalls:        atomic.LoadInt64(&s.evictCalls),
		makeResidentBytes: atomic.LoadInt64(&s.makeResidentBytes),
		evictBytes:        atomic.LoadInt64(&s.evictBytes),
	}
}

// pagingWorker drains the async work queue, bringing newly-referenced
// objects resident and trimming aged/over-budget ones, per spec section 4.D.
type pagingWorker struct {
	m *Manager
}

// run drains the work queue until it is closed, processing one job at a
// time. In inline mode the manager calls processJob directly instead of
// starting this goroutine.
func (w *pagingWorker) run() {
	for {
		job, ok := w.m.workQueue.pop()
		if !ok {
			return
		}
		if err := w.processJob(context.Background(), job); err != nil {
			w.m.recordWorkerError(err)
		}
	}
}

// processJob implements ProcessPagingWork: the five-step algorithm gating
// object residency on device budget and GPU progress.
func (w *pagingWorker) processJob(ctx context.Context, job asyncWorkload) error {
	ctx, span := startSpan(ctx, "ProcessPagingWork")
	defer span.End()

	m := w.m

	// Step 1: sample the clock and the first uncompleted sync point before
	// touching the registry, so TrimAged below sees a consistent snapshot.
	now := m.clock.Ticks()
	uncompletedGen, hasUncompleted := m.fences.firstUncompletedGeneration()

	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()

	// Step 2: bring newly-referenced objects resident in the LRU bookkeeping
	// (not yet on the device) and stamp them with this job's generation.
	var toMakeResident []*ManagedObject
	for _, obj := range job.objects {
		if obj.status == Evicted {
			m.registry.lru.markResident(obj)
			toMakeResident = append(toMakeResident, obj)
		}
		obj.lastGPUSyncPoint = job.generation
		obj.lastUsedTicks = now
		m.registry.lru.touch(obj)
	}

	// Step 3: trim objects that have aged out under the current budget
	// pressure, and evict them from the device in one batch.
	local, err := m.adapter.QueryVideoMemoryInfo(m.nodeMask, device.Local)
	if err != nil {
		return wrapError(KindBudgetQuery, err, "ProcessPagingWork: local budget query failed")
	}
	grace := m.gracePeriod.current(local)
	gateGeneration := job.generation
	if hasUncompleted {
		gateGeneration = uncompletedGen
	}
	aged := m.registry.lru.trimAged(gateGeneration, now, grace)
	if len(aged) > 0 {
		if err := m.evict(ctx, aged); err != nil {
			return err
		}
	}

	if len(toMakeResident) == 0 {
		return m.signalGate(job.fenceValueToSignal)
	}

	// Step 4: the budget-respecting batching loop.
	remaining := toMakeResident
	for len(remaining) > 0 {
		if err := m.budgetLimiter.Wait(ctx); err != nil {
			return wrapError(KindOSResource, err, "ProcessPagingWork: budget query rate limiter wait failed")
		}
		info, err := queryMemoryInfo(m.adapter, m.nodeMask)
		if err != nil {
			return err
		}
		available := info.available()

		batch, rest := takePrefixByBudget(remaining, available)

		if len(batch) > 0 {
			if err := m.makeResident(ctx, batch); err != nil {
				return err
			}
		}

		if len(rest) == 0 {
			break
		}

		// Nothing fit and nothing safe left to trim: surface OOM.
		residentHead, headTagged := m.registry.lru.residentHeadSyncPoint()
		noSafeTrim := !hasUncompleted || (headTagged && residentHead >= job.generation)
		if len(batch) == 0 && noSafeTrim {
			if err := m.makeResident(ctx, rest); err != nil {
				return wrapError(KindOutOfMemoryDevice, err,
					"ProcessPagingWork: exhausted safe eviction candidates, final MakeResident failed")
			}
			break
		}

		// Pick a sync point to wait on, never the one we are paging for.
		target := uncompletedGen
		if target == job.generation && target > 0 {
			target--
		}
		if err := m.fences.waitForSyncPoint(target); err != nil {
			return wrapError(KindDeviceLost, err, "ProcessPagingWork: wait for sync point %d failed", target)
		}

		inflatedUsage := info.usage() + sumSizes(rest)
		trimmed := m.registry.lru.trimToSyncPointInclusive(inflatedUsage, info.budget(), target)
		if len(trimmed) > 0 {
			if err := m.evict(ctx, trimmed); err != nil {
				return err
			}
		}

		uncompletedGen, hasUncompleted = m.fences.firstUncompletedGeneration()
		remaining = rest
	}

	// Step 5: unblock the GPU timeline waiting on the gate fence.
	return m.signalGate(job.fenceValueToSignal)
}

// takePrefixByBudget greedily takes the longest prefix of objs whose sizes
// sum to at most available, returning (batch, rest).
func takePrefixByBudget(objs []*ManagedObject, available int64) ([]*ManagedObject, []*ManagedObject) {
	if available <= 0 {
		return nil, objs
	}
	var used int64
	for i, obj := range objs {
		if used+obj.Size > available {
			return objs[:i], objs[i:]
		}
		used += obj.Size
	}
	return objs, nil
}

func sumSizes(objs []*ManagedObject) int64 {
	var total int64
	for _, obj := range objs {
		total += obj.Size
	}
	return total
}
