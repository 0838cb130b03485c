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
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OhGameKillers/gpuresidency/device/fake"
)

func TestFenceLedgerFenceForIsIdempotent(t *testing.T) {
	dev := fake.NewDevice()
	queue := fake.NewQueue()
	ledger := newFenceLedger()

	qf1, err := ledger.fenceFor(dev, queue)
	require.NoError(t, err)
	qf2, err := ledger.fenceFor(dev, queue)
	require.NoError(t, err)

	require.Same(t, qf1, qf2)
	require.Equal(t, 1, ledger.numQueuesSeen)
}

func TestFenceLedgerEnqueueAndDequeueCompleted(t *testing.T) {
	dev := fake.NewDevice()
	queue := fake.NewQueue()
	ledger := newFenceLedger()

	qf, err := ledger.fenceFor(dev, queue)
	require.NoError(t, err)
	qf.nextValue = 2 // pretend one submission already happened

	g := ledger.nextGeneration()
	ledger.enqueueSyncPoint(g)

	gen, ok := ledger.firstUncompletedGeneration()
	require.True(t, ok)
	require.Equal(t, g, gen)

	point, err := ledger.dequeueCompleted()
	require.NoError(t, err)
	require.NotNil(t, point)
	require.Equal(t, g, point.generation)

	_, ok = ledger.firstUncompletedGeneration()
	require.True(t, ok, "sync point stays in flight until its fence value is reached")

	require.NoError(t, qf.fence.Signal(1))

	point, err = ledger.dequeueCompleted()
	require.NoError(t, err)
	require.Nil(t, point, "the completed sync point is popped and none remains")

	_, ok = ledger.firstUncompletedGeneration()
	require.False(t, ok, "sync point leaves the in-flight list once its fence value is reached")
}

func TestFenceLedgerWaitForSyncPointReturnsOnceSignaled(t *testing.T) {
	dev := fake.NewDevice()
	queue := fake.NewQueue()
	ledger := newFenceLedger()

	qf, err := ledger.fenceFor(dev, queue)
	require.NoError(t, err)
	qf.nextValue = 2

	g := ledger.nextGeneration()
	ledger.enqueueSyncPoint(g)

	done := make(chan error, 1)
	go func() { done <- ledger.waitForSyncPoint(g) }()

	select {
	case <-done:
		t.Fatal("waitForSyncPoint returned before the fence was signaled")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, qf.fence.Signal(1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waitForSyncPoint did not return after the fence was signaled")
	}
}

func TestFenceLedgerWaitForSyncPointPastGenerationReturnsImmediately(t *testing.T) {
	ledger := newFenceLedger()
	// No in-flight points at all: any generation is trivially "complete".
	require.NoError(t, ledger.waitForSyncPoint(42))
}

func TestDeviceWideSyncPointCompletedRequiresAllQueues(t *testing.T) {
	dev := fake.NewDevice()

	f1, err := dev.CreateFence(0)
	require.NoError(t, err)
	f2, err := dev.CreateFence(0)
	require.NoError(t, err)

	point := &deviceWideSyncPoint{
		generation: 1,
		queues: []queueSyncPoint{
			{fence: f1, lastUsedValue: 1},
			{fence: f2, lastUsedValue: 1},
		},
	}

	done, err := point.completed()
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, f1.Signal(1))
	done, err = point.completed()
	require.NoError(t, err)
	require.False(t, done, "only one of two queues has reached its value")

	require.NoError(t, f2.Signal(1))
	done, err = point.completed()
	require.NoError(t, err)
	require.True(t, done)
}
