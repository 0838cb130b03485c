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

package fake_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OhGameKillers/gpuresidency/device"
	"github.com/OhGameKillers/gpuresidency/device/fake"
)

func TestDeviceMakeResidentEvict(t *testing.T) {
	d := fake.NewDevice()
	h := "object-a"

	require.False(t, d.IsResident(h))

	err := d.MakeResident(context.Background(), []device.Pageable{{Handle: h, Size: 1024}})
	require.NoError(t, err)
	require.True(t, d.IsResident(h))

	err = d.Evict(context.Background(), []device.Pageable{{Handle: h, Size: 1024}})
	require.NoError(t, err)
	require.False(t, d.IsResident(h))
}

func TestDeviceFailNextMakeResident(t *testing.T) {
	d := fake.NewDevice()
	injected := require.New(t)

	boom := context.DeadlineExceeded
	d.FailNextMakeResident(boom)

	err := d.MakeResident(context.Background(), []device.Pageable{{Handle: "x", Size: 1}})
	injected.ErrorIs(err, boom)
	injected.False(d.IsResident("x"))

	// the injected failure is one-shot.
	err = d.MakeResident(context.Background(), []device.Pageable{{Handle: "x", Size: 1}})
	injected.NoError(err)
	injected.True(d.IsResident("x"))
}

func TestFenceMonotonic(t *testing.T) {
	d := fake.NewDevice()
	f, err := d.CreateFence(0)
	require.NoError(t, err)

	completed, err := f.Completed()
	require.NoError(t, err)
	require.Equal(t, uint64(0), completed)

	require.NoError(t, f.Signal(5))
	completed, err = f.Completed()
	require.NoError(t, err)
	require.Equal(t, uint64(5), completed)

	require.Error(t, f.Signal(4))
}

func TestQueueWaitBlocksUntilSignal(t *testing.T) {
	d := fake.NewDevice()
	f, err := d.CreateFence(0)
	require.NoError(t, err)

	after, err := d.CreateFence(0)
	require.NoError(t, err)

	q := fake.NewQueue()
	require.NoError(t, q.Wait(f, 1))
	require.NoError(t, q.ExecuteCommandLists(context.Background(), nil))
	require.NoError(t, q.Signal(after, 1))

	time.Sleep(50 * time.Millisecond)
	completed, err := after.Completed()
	require.NoError(t, err)
	require.Equal(t, uint64(0), completed, "signal queued behind the wait ran before the wait was satisfied")

	require.NoError(t, f.Signal(1))

	require.Eventually(t, func() bool {
		c, _ := after.Completed()
		return c == 1
	}, time.Second, time.Millisecond, "signal queued behind the wait did not run after the fence was signaled")
}

func TestAdapterQueryVideoMemoryInfo(t *testing.T) {
	a := fake.NewAdapter(1000, 500)
	a.SetUsage(device.Local, 200)

	info, err := a.QueryVideoMemoryInfo(0, device.Local)
	require.NoError(t, err)
	require.Equal(t, int64(1000), info.Budget)
	require.Equal(t, int64(200), info.CurrentUsage)

	a.SetBudget(device.NonLocal, 750)
	info, err = a.QueryVideoMemoryInfo(0, device.NonLocal)
	require.NoError(t, err)
	require.Equal(t, int64(750), info.Budget)
}
