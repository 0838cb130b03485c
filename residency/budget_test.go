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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OhGameKillers/gpuresidency/device"
	"github.com/OhGameKillers/gpuresidency/device/fake"
)

func TestSegmentInfoAvailableFloorsAtZero(t *testing.T) {
	info := segmentInfo{
		local:    device.MemoryInfo{Budget: 100, CurrentUsage: 150},
		nonLocal: device.MemoryInfo{Budget: 0, CurrentUsage: 0},
	}
	require.Equal(t, int64(0), info.available())
	require.Equal(t, int64(150), info.usage())
	require.Equal(t, int64(100), info.budget())
}

func TestQueryMemoryInfo(t *testing.T) {
	a := fake.NewAdapter(1000, 200)
	a.SetUsage(device.Local, 300)
	a.SetUsage(device.NonLocal, 50)

	info, err := queryMemoryInfo(a, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1200), info.budget())
	require.Equal(t, int64(350), info.usage())
	require.Equal(t, int64(850), info.available())
}

func TestGracePeriodClampsBetweenMinAndMax(t *testing.T) {
	clock := fixedClock{freq: 1}
	g := newGracePeriod(clock, 2, 60)

	// no pressure at all: grace period should be at its maximum.
	idle := g.current(device.MemoryInfo{Budget: 1000, CurrentUsage: 0})
	require.Equal(t, int64(60), idle)

	// fully saturated: grace period should collapse to its minimum.
	saturated := g.current(device.MemoryInfo{Budget: 1000, CurrentUsage: 1000})
	require.Equal(t, int64(2), saturated)

	// halfway: grace period should sit between the two bounds.
	mid := g.current(device.MemoryInfo{Budget: 1000, CurrentUsage: 500})
	require.Greater(t, mid, int64(2))
	require.Less(t, mid, int64(60))
}

func TestGracePeriodZeroBudgetIsMinimum(t *testing.T) {
	clock := fixedClock{freq: 1}
	g := newGracePeriod(clock, 2, 60)

	require.Equal(t, int64(2), g.current(device.MemoryInfo{Budget: 0, CurrentUsage: 0}))
}

type fixedClock struct {
	freq int64
}

func (c fixedClock) Ticks() int64     { return 0 }
func (c fixedClock) Frequency() int64 { return c.freq }
