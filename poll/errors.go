// SPDX-License-Identifier: Apache-2.0

package poll

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"perun.network/perun-icp-agent/principal"
	"perun.network/perun-icp-agent/requestid"
)

var (
	// ErrTimeout is returned by a Strategy once its deadline is reached.
	ErrTimeout = errors.New("poll timed out")
	// ErrUnknownStatus is returned for request statuses that are not
	// defined.
	ErrUnknownStatus = errors.New("unknown request status")
)

// AmbiguousOutcomeError is returned if a request is done but its reply was
// never observed. The request was executed, its result is lost.
type AmbiguousOutcomeError struct {
	CanisterID principal.Principal
	RequestID  requestid.RequestID
}

func (e *AmbiguousOutcomeError) Error() string {
	return fmt.Sprintf("request %v to canister %v is done but its reply was never observed", e.RequestID, e.CanisterID)
}

// TimeoutError is returned if a request does not reach a terminal status
// in time.
type TimeoutError struct {
	CanisterID principal.Principal
	RequestID  requestid.RequestID
	// Last is the last observed status.
	Last  Status
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %v to canister %v still %s after %v", e.RequestID, e.CanisterID, e.Last, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
