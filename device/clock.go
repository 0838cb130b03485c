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

package device

import "golang.org/x/sys/unix"

// monotonicFrequency is the tick frequency we report for SystemClock: we
// express ticks in nanoseconds, so frequency is simply one billion.
const monotonicFrequency = int64(1e9)

// systemClock is a Clock backed by CLOCK_MONOTONIC.
type systemClock struct{}

// NewSystemClock returns a Clock reading the OS monotonic clock, with ticks
// expressed in nanoseconds.
func NewSystemClock() Clock {
	return systemClock{}
}

// Ticks returns the current monotonic timestamp in nanoseconds.
func (systemClock) Ticks() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC failing is not a condition we can recover from;
		// the residency manager would have nothing meaningful to timestamp.
		panic("device: CLOCK_MONOTONIC unavailable: " + err.Error())
	}
	return ts.Nano()
}

// Frequency returns the number of ticks per second (nanoseconds per second).
func (systemClock) Frequency() int64 {
	return monotonicFrequency
}
