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

// Package device declares the small capability set the residency manager
// consumes from an explicit graphics API: making objects resident in or
// evicting them from physical video memory, querying the adapter's video
// memory budget, and fences for interlocking CPU paging with GPU progress.
//
// Nothing in this package allocates GPU memory, records command lists, or
// otherwise implements a graphics API; it only declares the capabilities a
// real backend must provide. See the fake subpackage for a deterministic
// in-memory implementation used by tests and the demo binary.
package device

import "context"

// Handle is an opaque reference to an underlying GPU object, owned and
// interpreted only by the Device implementation.
type Handle interface{}

// Pageable describes one object a Device can make resident or evict: an
// opaque handle plus the object's known size in bytes.
type Pageable struct {
	Handle Handle
	Size   int64
}

// Device is the graphics device capability consumed by the paging worker.
type Device interface {
	// Evict removes objs from physical video memory.
	Evict(ctx context.Context, objs []Pageable) error
	// MakeResident brings objs into physical video memory. A partial
	// failure (some objects resident, some not) may be reported as a
	// single error for the whole batch; see residency's error handling.
	MakeResident(ctx context.Context, objs []Pageable) error
	// CreateFence creates a new GPU fence starting at initialValue.
	CreateFence(initialValue uint64) (Fence, error)
}

// Fence is a GPU timeline: a monotonically increasing 64-bit value signaled
// by either the GPU (via a queue) or the CPU (the manager's gate fence).
type Fence interface {
	// Completed returns the highest value the fence has reached so far.
	Completed() (uint64, error)
	// Signal advances the fence to value from the CPU side. Used only for
	// the manager-owned gate fence; queue fences are signaled by the GPU
	// through CommandQueue.Signal.
	Signal(value uint64) error
}

// CommandList is an opaque, already-recorded unit of GPU work.
type CommandList interface{}

// CommandQueue is the graphics command-queue capability: submission plus
// GPU-side fence wait/signal.
type CommandQueue interface {
	// Wait blocks the GPU timeline of this queue until fence reaches value.
	Wait(fence Fence, value uint64) error
	// Signal schedules a GPU-side signal of fence to value once prior work
	// on this queue has completed.
	Signal(fence Fence, value uint64) error
	// ExecuteCommandLists submits lists for execution on this queue.
	ExecuteCommandLists(ctx context.Context, lists []CommandList) error
}

// Segment identifies a video memory segment an Adapter reports budget for.
type Segment int

const (
	// Local is video memory local to the adapter (e.g. dedicated VRAM).
	Local Segment = iota
	// NonLocal is video memory not local to the adapter (e.g. shared system memory).
	NonLocal
)

// String returns the name of the segment.
func (s Segment) String() string {
	switch s {
	case Local:
		return "local"
	case NonLocal:
		return "non-local"
	default:
		return "unknown"
	}
}

// MemoryInfo reports the OS-provided budget and current usage for one segment.
type MemoryInfo struct {
	// Budget is how much video memory this process is permitted to use.
	Budget int64
	// CurrentUsage is how much video memory this process currently uses.
	CurrentUsage int64
}

// Adapter is the adapter-level budget query capability.
type Adapter interface {
	// QueryVideoMemoryInfo reports budget and usage for segment on the nodes
	// selected by nodeMask.
	QueryVideoMemoryInfo(nodeMask uint32, segment Segment) (MemoryInfo, error)
}

// Clock is a high-resolution monotonic counter with a known tick frequency,
// used to timestamp object references and compute the eviction grace period.
type Clock interface {
	// Ticks returns the current value of the monotonic counter.
	Ticks() int64
	// Frequency returns the number of ticks per second.
	Frequency() int64
}
