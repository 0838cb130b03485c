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
	"github.com/OhGameKillers/gpuresidency/device"
)

// segmentInfo pairs an adapter's local and non-local memory info together,
// the unit the budget policy and the batching loop reason about.
type segmentInfo struct {
	local    device.MemoryInfo
	nonLocal device.MemoryInfo
}

// usage is the union of local and non-local current usage.
func (s segmentInfo) usage() int64 {
	return s.local.CurrentUsage + s.nonLocal.CurrentUsage
}

// budget is the union of local and non-local budget.
func (s segmentInfo) budget() int64 {
	return s.local.Budget + s.nonLocal.Budget
}

// available is budget() - usage(), floored at zero.
func (s segmentInfo) available() int64 {
	a := s.budget() - s.usage()
	if a < 0 {
		return 0
	}
	return a
}

// queryMemoryInfo queries both segments for nodeMask on adapter.
func queryMemoryInfo(adapter device.Adapter, nodeMask uint32) (segmentInfo, error) {
	local, err := adapter.QueryVideoMemoryInfo(nodeMask, device.Local)
	if err != nil {
		return segmentInfo{}, wrapError(KindBudgetQuery, err, "failed to query local video memory info")
	}
	nonLocal, err := adapter.QueryVideoMemoryInfo(nodeMask, device.NonLocal)
	if err != nil {
		return segmentInfo{}, wrapError(KindBudgetQuery, err, "failed to query non-local video memory info")
	}
	return segmentInfo{local: local, nonLocal: nonLocal}, nil
}

// gracePeriod computes the current eviction grace period in clock ticks:
// when memory pressure is low (usage far below budget) aged objects get a
// long grace period before they are evicted; as pressure rises the grace
// period shrinks towards the minimum.
type gracePeriod struct {
	minTicks int64
	maxTicks int64
}

// newGracePeriod builds a gracePeriod expressing minDuration/maxDuration in
// clock ticks at the given clock frequency.
func newGracePeriod(clock device.Clock, min, max int64) gracePeriod {
	freq := clock.Frequency()
	return gracePeriod{
		minTicks: min * freq,
		maxTicks: max * freq,
	}
}

// current returns the grace period, in ticks, for the given local segment
// usage/budget: GetCurrentEvictionGracePeriod(localInfo) =
// clamp(MaxGraceTicks * (1 - min(1, Usage/Budget)), MinGraceTicks, MaxGraceTicks).
func (g gracePeriod) current(local device.MemoryInfo) int64 {
	if local.Budget <= 0 {
		return g.minTicks
	}

	ratio := float64(local.CurrentUsage) / float64(local.Budget)
	if ratio > 1 {
		ratio = 1
	}

	ticks := int64(float64(g.maxTicks) * (1 - ratio))
	if ticks < g.minTicks {
		return g.minTicks
	}
	if ticks > g.maxTicks {
		return g.maxTicks
	}
	return ticks
}
