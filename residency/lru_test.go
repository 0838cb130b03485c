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

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/OhGameKillers/gpuresidency/device"
)

func handlesOf(objs []*ManagedObject) []device.Handle {
	handles := make([]device.Handle, len(objs))
	for i, o := range objs {
		handles[i] = o.Handle
	}
	return handles
}

func newTestObject(handle string, size int64) *ManagedObject {
	return &ManagedObject{Handle: handle, Size: size}
}

func TestLRUInsertRemove(t *testing.T) {
	l := newLRU()

	a := newTestObject("a", 10)
	a.elem = l.insert(a, Resident)
	a.status = Resident

	require.Equal(t, 1, l.NumResident())
	require.Equal(t, int64(10), l.ResidentBytes())

	l.remove(a)
	require.Equal(t, 0, l.NumResident())
	require.Equal(t, int64(0), l.ResidentBytes())
}

func TestLRUTouchMovesToTail(t *testing.T) {
	l := newLRU()

	a := newTestObject("a", 1)
	a.status = Resident
	a.lastGPUSyncPoint = 1
	a.elem = l.insert(a, Resident)

	b := newTestObject("b", 1)
	b.status = Resident
	b.lastGPUSyncPoint = 2
	b.elem = l.insert(b, Resident)

	l.touch(a)

	head, ok := l.residentHeadSyncPoint()
	require.True(t, ok)
	require.Equal(t, b.lastGPUSyncPoint, head)
}

func TestLRUMarkResidentEvicted(t *testing.T) {
	l := newLRU()

	a := newTestObject("a", 5)
	a.status = Evicted
	a.elem = l.insert(a, Evicted)
	require.Equal(t, 1, l.NumEvicted())

	l.markResident(a)
	require.Equal(t, Resident, a.status)
	require.Equal(t, 0, l.NumEvicted())
	require.Equal(t, 1, l.NumResident())

	l.markEvicted(a)
	require.Equal(t, Evicted, a.status)
	require.Equal(t, 0, l.NumResident())
	require.Equal(t, 1, l.NumEvicted())
}

func TestLRUTrimToSyncPointInclusive(t *testing.T) {
	l := newLRU()

	objs := []*ManagedObject{
		newTestObject("a", 100),
		newTestObject("b", 100),
		newTestObject("c", 100),
	}
	objs[0].lastGPUSyncPoint = 1
	objs[1].lastGPUSyncPoint = 2
	objs[2].lastGPUSyncPoint = 5

	for _, o := range objs {
		o.status = Resident
		o.elem = l.insert(o, Resident)
	}

	// budget allows 100 resident; usage is 300: trim everything at or below
	// sync point 2, but never touch the one stamped 5.
	trimmed := l.trimToSyncPointInclusive(300, 100, 2)

	require.Len(t, trimmed, 2)
	require.Equal(t, "a", trimmed[0].Handle)
	require.Equal(t, "b", trimmed[1].Handle)
	require.Equal(t, Resident, objs[2].status)
	require.Equal(t, 1, l.NumResident())
	require.Equal(t, 2, l.NumEvicted())
}

func TestLRUTrimToSyncPointInclusiveStopsWhenUnderBudget(t *testing.T) {
	l := newLRU()

	a := newTestObject("a", 50)
	a.status = Resident
	a.elem = l.insert(a, Resident)
	b := newTestObject("b", 50)
	b.status = Resident
	b.elem = l.insert(b, Resident)

	trimmed := l.trimToSyncPointInclusive(100, 60, 10)

	require.Len(t, trimmed, 1)
	require.Equal(t, "a", trimmed[0].Handle)
	require.Equal(t, Resident, b.status)
}

func TestLRUTrimAged(t *testing.T) {
	l := newLRU()

	stale := newTestObject("stale", 1)
	stale.status = Resident
	stale.lastGPUSyncPoint = 1
	stale.lastUsedTicks = 0
	stale.elem = l.insert(stale, Resident)

	fresh := newTestObject("fresh", 1)
	fresh.status = Resident
	fresh.lastGPUSyncPoint = 1
	fresh.lastUsedTicks = 1000
	fresh.elem = l.insert(fresh, Resident)

	trimmed := l.trimAged(5 /* gateGeneration */, 1000 /* now */, 100 /* grace */)

	require.Len(t, trimmed, 1)
	require.Equal(t, "stale", trimmed[0].Handle)
	require.Equal(t, Resident, fresh.status)
}

func TestLRUTrimToSyncPointInclusivePreservesResidentOrder(t *testing.T) {
	l := newLRU()

	objs := []*ManagedObject{
		newTestObject("a", 100),
		newTestObject("b", 100),
		newTestObject("c", 100),
		newTestObject("d", 100),
	}
	for i, o := range objs {
		o.status = Resident
		o.lastGPUSyncPoint = uint64(i)
		o.elem = l.insert(o, Resident)
	}

	trimmed := l.trimToSyncPointInclusive(400, 100, 2)

	want := []device.Handle{"a", "b", "c"}
	if diff := cmp.Diff(want, handlesOf(trimmed)); diff != "" {
		t.Errorf("trimmed handles mismatch (-want +got):\n%s", diff)
	}

	remaining, ok := l.residentHeadSyncPoint()
	require.True(t, ok)
	require.Equal(t, objs[3].lastGPUSyncPoint, remaining)
}

func TestLRUTrimAgedStopsAtGateGeneration(t *testing.T) {
	l := newLRU()

	stillInFlight := newTestObject("in-flight", 1)
	stillInFlight.status = Resident
	stillInFlight.lastGPUSyncPoint = 10
	stillInFlight.lastUsedTicks = 0
	stillInFlight.elem = l.insert(stillInFlight, Resident)

	trimmed := l.trimAged(5 /* gateGeneration, older than object's sync point */, 100000, 1)

	require.Empty(t, trimmed)
	require.Equal(t, Resident, stillInFlight.status)
}
