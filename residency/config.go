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
	"strconv"

	"github.com/OhGameKillers/gpuresidency/pkg/config"
	"github.com/OhGameKillers/gpuresidency/pkg/utils"
)

const (
	// defaultMinGracePeriod is the default MinEvictionGracePeriod.
	defaultMinGracePeriod = config.Duration(2_000_000_000) // 2s, in nanoseconds
	// defaultMaxGracePeriod is the default MaxEvictionGracePeriod.
	defaultMaxGracePeriod = config.Duration(60_000_000_000) // 60s, in nanoseconds
	// defaultStartObjectsEvicted is the default for StartObjectsEvicted.
	defaultStartObjectsEvicted = enabledFlag(false)
)

// enabledFlag is a bool accepting the wider set of command-line spellings
// pkg/utils.ParseEnabled understands ("on"/"off", "yes"/"no", ...), wired in
// as a flag.Value so pkg/config's registration picks it up directly instead
// of falling back to the strict true/false the plain bool kind would parse.
type enabledFlag bool

func (e *enabledFlag) String() string {
	if e == nil {
		return "false"
	}
	return strconv.FormatBool(bool(*e))
}

func (e *enabledFlag) Set(value string) error {
	parsed, err := utils.ParseEnabled(value)
	if err != nil {
		return residencyError("invalid StartObjectsEvicted value %q: %v", value, err)
	}
	*e = enabledFlag(parsed)
	return nil
}

// options are the ambient, operator-facing knobs for the residency manager:
// every algorithmic parameter the spec mandates as a construction parameter
// (MaxLatency, the device, the adapter) stays a constructor argument, not a
// runtime-configurable option.
type options struct {
	// MinGracePeriod is the floor of the eviction grace period under heavy
	// memory pressure.
	MinGracePeriod config.Duration
	// MaxGracePeriod is the ceiling of the eviction grace period under light
	// memory pressure.
	MaxGracePeriod config.Duration
	// StartObjectsEvicted controls whether newly tracked objects default to
	// Evicted rather than Resident.
	StartObjectsEvicted enabledFlag
}

// opt holds our active configuration.
var opt = defaultOptions().(*options)

func defaultOptions() interface{} {
	return &options{
		MinGracePeriod:      defaultMinGracePeriod,
		MaxGracePeriod:      defaultMaxGracePeriod,
		StartObjectsEvicted: defaultStartObjectsEvicted,
	}
}

func configNotify(_ config.Event, _ config.Source) error {
	log.Info("residency configuration is now %v", opt)
	return nil
}

func init() {
	config.Register("residency", "GPU residency manager eviction and paging policy.",
		opt, defaultOptions, config.WithNotify(configNotify))
}
