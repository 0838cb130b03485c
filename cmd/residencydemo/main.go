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

// Command residencydemo drives a residency.Manager against the fake,
// in-memory device backend to show objects migrating between Resident and
// Evicted as a sequence of submissions exceeds a deliberately small video
// memory budget.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/OhGameKillers/gpuresidency/device"
	"github.com/OhGameKillers/gpuresidency/device/fake"
	"github.com/OhGameKillers/gpuresidency/pkg/instrumentation"
	"github.com/OhGameKillers/gpuresidency/pkg/pidfile"
	"github.com/OhGameKillers/gpuresidency/residency"

	logger "github.com/OhGameKillers/gpuresidency/pkg/log"
)

var (
	localBudget = flag.Int64("local-budget", 4096, "simulated local video memory budget, in bytes")
	objectSize  = flag.Int64("object-size", 1024, "size of each demo object, in bytes")
	objectCount = flag.Int("object-count", 8, "number of demo objects to create")
)

func main() {
	log := logger.Default()

	flag.Parse()
	if len(flag.Args()) != 0 {
		log.Error("unknown command-line arguments: %s", strings.Join(flag.Args(), ","))
		flag.Usage()
		os.Exit(1)
	}

	if err := pidfile.Write(); err != nil {
		log.Fatal("failed to write PID file: %v", err)
	}
	defer pidfile.Remove()

	if err := instrumentation.Start(); err != nil {
		log.Fatal("failed to start instrumentation: %v", err)
	}
	defer instrumentation.Stop()

	if err := run(log); err != nil {
		log.Fatal("demo run failed: %v", err)
	}
}

func run(log logger.Logger) error {
	dev := fake.NewDevice()
	adapter := fake.NewAdapter(*localBudget, 0)
	queue := fake.NewQueue()

	m := residency.NewManager(dev, adapter, device.NewSystemClock(), residency.WithInlineWorker())
	if err := m.Initialize(); err != nil {
		return err
	}
	defer m.Close()

	objs := make([]*residency.ManagedObject, *objectCount)
	lists := make([]device.CommandList, *objectCount)
	sets := make([]*residency.ResidencySet, *objectCount)

	for i := range objs {
		handle := fmt.Sprintf("object-%d", i)
		objs[i] = &residency.ManagedObject{Handle: handle, Size: *objectSize}
		if err := m.BeginTracking(context.Background(), objs[i], true); err != nil {
			return err
		}

		set := residency.NewResidencySet()
		set.Insert(objs[i])
		sets[i] = set
		lists[i] = handle
	}

	log.Info("submitting %d command lists referencing %d bytes total against a %d byte budget",
		*objectCount, *objectSize*int64(*objectCount), *localBudget)

	if err := m.ExecuteCommandLists(context.Background(), queue, lists, sets); err != nil {
		return err
	}

	for _, obj := range objs {
		log.Info("object %v: %s (device resident: %v)", obj.Handle, obj.Status(), dev.IsResident(obj.Handle))
	}

	for _, obj := range objs {
		if err := m.EndTracking(obj); err != nil {
			return err
		}
	}

	return nil
}
