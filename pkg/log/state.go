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

package log

import (
	"fmt"
	"sync"
)

// logState is the single piece of global, lockable runtime state shared by
// every logger instance: which sources are enabled, which are debugging,
// which backend is active, and the registry of known backends.
type logState struct {
	sync.RWMutex
	level    Level               // lowest unsuppressed severity
	active   Backend             // currently active backend
	backend  map[string]BackendFn // registered backend constructors
	configs  map[logger]config   // per-logger enable/debug state
	sources  map[logger]string   // per-logger source name
	bySource map[string]logger   // source name to existing logger, for Get
	nextID   uint16              // next logger id to hand out
	forced   bool                // forced (signal-toggled) full debugging
}

// log is our runtime state. The name deliberately shadows the package name:
// it is only ever referenced from within this package.
var log = &logState{
	backend: map[string]BackendFn{},
	configs: map[logger]config{},
	sources: map[logger]string{},
	level:   DefaultLevel,
	active:  createFmtBackend(),
}

// get returns the existing logger for source, creating one if necessary.
func (s *logState) get(source string) Logger {
	s.Lock()
	defer s.Unlock()

	if id, ok := s.bySource[source]; ok {
		return id
	}

	id := logger(s.nextID)
	s.nextID++

	enabled, found := srcMatch(opt.Enable, source)
	if !found {
		enabled = true
	}
	debugging, _ := srcMatch(opt.Debug, source)

	s.configs[id] = mkConfig(id, enabled, debugging)
	s.sources[id] = source
	if s.bySource == nil {
		s.bySource = map[string]logger{}
	}
	s.bySource[source] = id

	return id
}

// setLevel sets the lowest severity level passed through to the backend.
// Callers must hold the log lock.
func (s *logState) setLevel(level Level) {
	s.level = level
}

// setBackend activates the registered backend with the given name. Callers
// must hold the log lock.
func (s *logState) setBackend(name string) error {
	fn, ok := s.backend[name]
	if !ok {
		return loggerError("unknown logger backend %q", name)
	}

	next := fn()
	if s.active != nil {
		s.active.Stop()
	}
	s.active = next

	return nil
}

// update reconfigures all known loggers against possibly new enable/debug
// source maps. A nil map leaves that half of the configuration untouched.
// Callers must hold the log lock.
func (s *logState) update(enable, debug srcmap) {
	for source, id := range s.bySource {
		cfg := s.configs[id]
		if enable != nil {
			if v, ok := srcMatch(enable, source); ok {
				cfg.setLogging(v)
			}
		}
		if debug != nil {
			if v, ok := srcMatch(debug, source); ok {
				cfg.setDebugging(v)
			}
		}
		s.configs[id] = cfg
	}
}

// forceDebug sets the forced (signal-toggled) full debugging state.
func (s *logState) forceDebug(state bool) {
	s.forced = state
}

// debugForced returns the forced (signal-toggled) full debugging state.
func (s *logState) debugForced() bool {
	return s.forced
}

// srcMatch looks up source in sm, falling back to a "*" wildcard entry.
func srcMatch(sm srcmap, source string) (bool, bool) {
	if v, ok := sm[source]; ok {
		return v, true
	}
	if v, ok := sm["*"]; ok {
		return v, true
	}
	return false, false
}

// SetLevel sets the lowest severity level passed through to the backend.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.setLevel(level)
}

// SetBackend activates the registered backend with the given name.
func SetBackend(name string) error {
	log.Lock()
	defer log.Unlock()
	return log.setBackend(name)
}

// Get returns the logger for source, creating one on first use.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// loggerError produces a formatted logger-specific error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
