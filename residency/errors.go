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
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Kind classifies the failures the manager can produce or propagate.
type Kind int

const (
	// KindOutOfMemoryHost is raised when a host-side allocation (manager
	// bookkeeping, worker structures) fails.
	KindOutOfMemoryHost Kind = iota
	// KindOutOfMemoryDevice is raised when the device cannot make a batch
	// resident even after trimming everything it safely can.
	KindOutOfMemoryDevice
	// KindDeviceLost is raised when the device reports it is no longer usable.
	KindDeviceLost
	// KindOSResource is raised when an OS-level resource (event, thread) is
	// unavailable.
	KindOSResource
	// KindBudgetQuery is raised when an adapter budget query fails; the
	// ExecuteCommandLists call or paging job that made the query returns it
	// and goes no further.
	KindBudgetQuery
)

// String names the error kind.
func (k Kind) String() string {
	switch k {
	case KindOutOfMemoryHost:
		return "out-of-memory (host)"
	case KindOutOfMemoryDevice:
		return "out-of-memory (device)"
	case KindDeviceLost:
		return "device lost"
	case KindOSResource:
		return "OS resource"
	case KindBudgetQuery:
		return "budget query"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with the Kind of failure it represents, so
// callers can branch on category without string matching.
type Error struct {
	Kind Kind
	err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

// Unwrap exposes the wrapped error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.err
}

// newError builds a new error of the given Kind from a formatted message, stack-annotated via
// github.com/pkg/errors so the deepest failure site survives propagation to
// the caller of ExecuteCommandLists.
func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, err: errors.Wrapf(fmt.Errorf(format, args...), "residency")}
}

// wrapError wraps an existing error with a Kind.
func wrapError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, err: errors.Wrapf(err, format, args...)}
}

// residencyError produces a formatted, kind-less residency-specific error for
// conditions that are programming errors rather than runtime failure modes.
func residencyError(format string, args ...interface{}) error {
	return fmt.Errorf("residency: "+format, args...)
}

// appendError accumulates non-nil errors from the concurrent halves of a
// split ExecuteCommandLists call into a single multierror, or nil if none.
func appendError(errs ...error) error {
	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr == nil {
		return nil
	}
	return merr
}
