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

// Package residency implements a GPU object residency manager: it decides,
// independently of application logic, which pageable objects physically
// occupy video memory at any moment, making sure every object a submitted
// command list references is resident before the GPU executes it while
// keeping total residency within the adapter's reported budget.
package residency

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/OhGameKillers/gpuresidency/device"
	logpkg "github.com/OhGameKillers/gpuresidency/pkg/log"
)

var log = logpkg.NewLogger("residency")

const (
	// defaultMaxLatency bounds how many ExecuteCommandLists submissions may
	// be outstanding in the paging pipeline before producers block.
	defaultMaxLatency = 8
	// defaultNodeMask selects every node on adapters that don't support
	// multiple nodes.
	defaultNodeMask = 0x1
	// defaultBudgetQueryRate bounds the paging worker's batching loop to at
	// most this many adapter budget re-queries per second.
	defaultBudgetQueryRate = 200
)

// Manager is a GPU residency manager bound to one device, one adapter, and
// one monotonic clock. A Manager is safe for concurrent use: BeginTracking,
// EndTracking, and ExecuteCommandLists may all be called from different
// goroutines, following the lock order documented on submissionMu.
type Manager struct {
	device  device.Device
	adapter device.Adapter
	clock   device.Clock

	nodeMask uint32

	registry    *registry
	fences      *fenceLedger
	gracePeriod gracePeriod

	// gateFence is the single manager-owned fence used to block every queue
	// until paging for its submission completes. Unlike per-queue fences
	// (one per device.CommandQueue, created lazily), there is exactly one of
	// these for the Manager's whole lifetime: created once in Initialize,
	// waited/signaled at a monotonically increasing value per submission.
	// gateFenceValue is the last value handed out and is touched only under
	// submissionMu; the paging worker signals gateFence without holding it.
	gateFence      device.Fence
	gateFenceValue uint64

	// submissionMu is the submission lock: held for the full duration of
	// submitLocked's GPU wait/submit/signal block. It is always acquired
	// before any worker-facing state (workQueue, fences) is touched. In
	// inline mode the paging work, which takes the registry lock, runs while
	// it is held; the registry lock is always the innermost.
	submissionMu sync.Mutex

	workQueue *asyncWorkQueue
	stats     opStats

	inline bool
	worker *pagingWorker
	wg     sync.WaitGroup

	errMu   sync.Mutex
	lastErr error

	closed bool

	// budgetLimiter throttles how often the paging worker's batching loop
	// may re-query the adapter's budget while it retries trimming; without
	// it a pathologically contended workload could hammer the adapter query
	// on every loop iteration.
	budgetLimiter *rate.Limiter
}

// ManagerOption configures optional Manager construction parameters.
type ManagerOption func(*Manager)

// WithNodeMask selects which adapter nodes budget queries and residency
// operations apply to. Defaults to node 0 only.
func WithNodeMask(mask uint32) ManagerOption {
	return func(m *Manager) { m.nodeMask = mask }
}

// WithMaxLatency bounds the number of outstanding ExecuteCommandLists
// submissions the paging pipeline will admit before producers block,
// sizing the async work queue's ring capacity.
func WithMaxLatency(n int) ManagerOption {
	return func(m *Manager) { m.workQueue = newAsyncWorkQueue(n) }
}

// WithBudgetQueryRate overrides how many times per second the paging
// worker's batching loop may re-query the adapter's budget while retrying a
// trim-and-make-resident cycle.
func WithBudgetQueryRate(perSecond float64) ManagerOption {
	return func(m *Manager) { m.budgetLimiter = rate.NewLimiter(rate.Limit(perSecond), 1) }
}

// WithInlineWorker runs paging work synchronously on the submitting
// goroutine instead of handing it to a dedicated worker goroutine. Useful
// for tests and single-threaded embedders that want deterministic ordering
// at the cost of ExecuteCommandLists blocking until paging completes.
func WithInlineWorker() ManagerOption {
	return func(m *Manager) { m.inline = true }
}

// NewManager builds a Manager bound to dev/adapter/clock, applying opts.
// Call Initialize before use.
func NewManager(dev device.Device, adapter device.Adapter, clock device.Clock, opts ...ManagerOption) *Manager {
	m := &Manager{
		device:   dev,
		adapter:  adapter,
		clock:    clock,
		nodeMask: defaultNodeMask,

		registry: newRegistry(),
		fences:   newFenceLedger(),

		workQueue:     newAsyncWorkQueue(defaultMaxLatency),
		budgetLimiter: rate.NewLimiter(rate.Limit(defaultBudgetQueryRate), 1),
	}
	m.gracePeriod = newGracePeriod(clock, int64(opt.MinGracePeriod/1_000_000_000), int64(opt.MaxGracePeriod/1_000_000_000))
	m.worker = &pagingWorker{m: m}

	for _, o := range opts {
		o(m)
	}

	return m
}

// Initialize creates the manager-owned gate fence, starts the background
// paging worker (unless WithInlineWorker was given), and registers the
// manager's metrics collector. The collector is registered under one shared
// name, so only the first Manager initialized in a process gets it; for any
// later Manager the registration failure is logged and Initialize succeeds.
func (m *Manager) Initialize() error {
	gateFence, err := m.device.CreateFence(0)
	if err != nil {
		return wrapError(KindOSResource, err, "Initialize: failed to create gate fence")
	}
	m.gateFence = gateFence

	if err := registerMetrics(m); err != nil {
		log.Warn("Initialize: metrics collector not registered: %v", err)
	}
	if !m.inline {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.worker.run()
		}()
	}
	return nil
}

// Close shuts the paging worker down and waits for it to drain. Close is
// idempotent: calling it more than once is a harmless no-op after the first.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if !m.inline {
		m.workQueue.close()
		m.wg.Wait()
	}
	return nil
}

// BeginTracking starts tracking obj for residency, per registry.BeginTracking.
func (m *Manager) BeginTracking(ctx context.Context, obj *ManagedObject, startEvicted bool) error {
	if !startEvicted && bool(opt.StartObjectsEvicted) {
		startEvicted = true
	}
	return m.registry.BeginTracking(ctx, m.device, obj, startEvicted)
}

// EndTracking stops tracking obj.
func (m *Manager) EndTracking(obj *ManagedObject) error {
	return m.registry.EndTracking(obj)
}

// pushWork hands job to the paging worker, either through the async queue or
// (in inline mode) by running it synchronously on the caller's goroutine. In
// inline mode the returned error is already a classified worker failure
// (KindOutOfMemoryDevice, KindBudgetQuery, ...); only a genuine failure to
// enqueue (the async path, when the context is canceled while the ring is
// full) is reported as KindOSResource.
func (m *Manager) pushWork(ctx context.Context, job asyncWorkload) error {
	if m.inline {
		return m.worker.processJob(ctx, job)
	}
	if err := m.workQueue.push(ctx, job); err != nil {
		return wrapError(KindOSResource, err, "ExecuteCommandLists: failed to enqueue paging work")
	}
	return nil
}

// evict removes objs from the device and records the operation in stats.
func (m *Manager) evict(ctx context.Context, objs []*ManagedObject) error {
	pageables, bytes := toPageables(objs)
	if err := m.device.Evict(ctx, pageables); err != nil {
		return wrapError(KindOutOfMemoryDevice, err, "evict of %d objects failed", len(objs))
	}
	m.stats.recordEvict(len(objs), bytes)
	return nil
}

// makeResident brings objs onto the device and records the operation in
// stats. Callers are responsible for having already reserved budget for
// this batch and for reverting the LRU state on failure.
func (m *Manager) makeResident(ctx context.Context, objs []*ManagedObject) error {
	pageables, bytes := toPageables(objs)
	if err := m.device.MakeResident(ctx, pageables); err != nil {
		return wrapError(KindOutOfMemoryDevice, err, "make resident of %d objects failed", len(objs))
	}
	m.stats.recordMakeResident(len(objs), bytes)
	return nil
}

// signalGate advances the manager's gate fence to value, releasing GPU-side
// work waiting on it.
func (m *Manager) signalGate(value uint64) error {
	if err := m.gateFence.Signal(value); err != nil {
		return wrapError(KindDeviceLost, err, "signal of gate fence to %d failed", value)
	}
	return nil
}

// recordWorkerError remembers the most recent paging-worker failure and logs
// it; ProcessPagingWork runs detached from any caller able to observe its
// return value directly when queued asynchronously.
func (m *Manager) recordWorkerError(err error) {
	m.errMu.Lock()
	m.lastErr = err
	m.errMu.Unlock()
	log.Error("paging worker: %v", err)
}

// LastWorkerError returns the most recent error the background paging
// worker encountered, or nil if none has occurred.
func (m *Manager) LastWorkerError() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.lastErr
}

func toPageables(objs []*ManagedObject) ([]device.Pageable, int64) {
	pageables := make([]device.Pageable, len(objs))
	var bytes int64
	for i, obj := range objs {
		pageables[i] = device.Pageable{Handle: obj.Handle, Size: obj.Size}
		bytes += obj.Size
	}
	return pageables, bytes
}
