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

// Package fake provides a deterministic, in-memory implementation of the
// device package's capabilities, for use by tests and the demo binary. It
// never talks to real hardware: residency tracking is kept in ordinary maps
// and fences are simple counters.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OhGameKillers/gpuresidency/device"
)

// Device is an in-memory device.Device. Evict/MakeResident just record
// which handles are currently considered resident; ForceMakeResidentError
// lets a test inject a failure on the next MakeResident call.
type Device struct {
	mu       sync.Mutex
	resident map[device.Handle]bool

	// failNextMakeResident, if set, is returned (and cleared) by the next
	// MakeResident call instead of succeeding.
	failNextMakeResident error
}

// NewDevice creates a new fake Device.
func NewDevice() *Device {
	return &Device{resident: make(map[device.Handle]bool)}
}

// FailNextMakeResident arranges for the next MakeResident call to fail with err.
func (d *Device) FailNextMakeResident(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNextMakeResident = err
}

// Evict implements device.Device.
func (d *Device) Evict(_ context.Context, objs []device.Pageable) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range objs {
		delete(d.resident, o.Handle)
	}
	return nil
}

// MakeResident implements device.Device.
func (d *Device) MakeResident(_ context.Context, objs []device.Pageable) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNextMakeResident != nil {
		err := d.failNextMakeResident
		d.failNextMakeResident = nil
		return err
	}
	for _, o := range objs {
		d.resident[o.Handle] = true
	}
	return nil
}

// CreateFence implements device.Device.
func (d *Device) CreateFence(initialValue uint64) (device.Fence, error) {
	return newFence(initialValue), nil
}

// IsResident reports whether handle is currently considered resident. For
// tests only.
func (d *Device) IsResident(handle device.Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resident[handle]
}

// fence is an in-memory device.Fence: a monotonic counter guarded by a mutex.
type fence struct {
	mu        sync.Mutex
	completed uint64
}

func newFence(initial uint64) *fence {
	return &fence{completed: initial}
}

// Completed implements device.Fence.
func (f *fence) Completed() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed, nil
}

// Signal implements device.Fence.
func (f *fence) Signal(value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value < f.completed {
		return fmt.Errorf("fake: fence signal %d is not monotonic (current %d)", value, f.completed)
	}
	f.completed = value
	return nil
}

// Queue is an in-memory device.CommandQueue. GPU-side Wait/Signal are
// executed synchronously and in submission order by a single internal
// goroutine, so ExecuteCommandLists returning is equivalent to "queued",
// and a queued Wait() holds back every op queued after it (not the caller)
// until the target is reached.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []queueOp
}

type queueOpKind int

const (
	opWait queueOpKind = iota
	opSignal
	opExecute
)

type queueOp struct {
	kind  queueOpKind
	fence device.Fence
	value uint64
	lists []device.CommandList
}

// NewQueue creates a new fake Queue and starts its execution pump.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Wait implements device.CommandQueue: it enqueues a GPU-side wait that the
// queue's pump will block on in submission order.
func (q *Queue) Wait(fence device.Fence, value uint64) error {
	q.enqueue(queueOp{kind: opWait, fence: fence, value: value})
	return nil
}

// Signal implements device.CommandQueue.
func (q *Queue) Signal(fence device.Fence, value uint64) error {
	q.enqueue(queueOp{kind: opSignal, fence: fence, value: value})
	return nil
}

// ExecuteCommandLists implements device.CommandQueue.
func (q *Queue) ExecuteCommandLists(_ context.Context, lists []device.CommandList) error {
	q.enqueue(queueOp{kind: opExecute, lists: lists})
	return nil
}

func (q *Queue) enqueue(op queueOp) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, op)
	q.cond.Signal()
}

// run drains queued ops in order, blocking on waits the way a real GPU
// timeline would.
func (q *Queue) run() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 {
			q.cond.Wait()
		}
		op := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		switch op.kind {
		case opWait:
			for {
				completed, _ := op.fence.Completed()
				if completed >= op.value {
					break
				}
				time.Sleep(50 * time.Microsecond)
			}
		case opSignal:
			_ = op.fence.Signal(op.value)
		case opExecute:
			// recording/execution of command lists is outside this scope.
		}
	}
}

// Adapter is an in-memory device.Adapter with settable per-segment budgets.
type Adapter struct {
	mu    sync.Mutex
	usage map[device.Segment]int64
	budget map[device.Segment]int64
}

// NewAdapter creates a fake Adapter with the given local/non-local budgets.
func NewAdapter(localBudget, nonLocalBudget int64) *Adapter {
	return &Adapter{
		usage: make(map[device.Segment]int64),
		budget: map[device.Segment]int64{
			device.Local:    localBudget,
			device.NonLocal: nonLocalBudget,
		},
	}
}

// QueryVideoMemoryInfo implements device.Adapter.
func (a *Adapter) QueryVideoMemoryInfo(_ uint32, segment device.Segment) (device.MemoryInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return device.MemoryInfo{
		Budget:       a.budget[segment],
		CurrentUsage: a.usage[segment],
	}, nil
}

// SetUsage sets the simulated current usage for segment. For tests only.
func (a *Adapter) SetUsage(segment device.Segment, usage int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage[segment] = usage
}

// SetBudget sets the simulated budget for segment. For tests only.
func (a *Adapter) SetBudget(segment device.Segment, budget int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.budget[segment] = budget
}
