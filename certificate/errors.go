// SPDX-License-Identifier: Apache-2.0

package certificate

import "github.com/pkg/errors"

var (
	// ErrMalformed is returned for certificates missing required parts.
	ErrMalformed = errors.New("malformed certificate")
	// ErrBadSignature is returned if the root hash signature does not verify.
	ErrBadSignature = errors.New("invalid certificate signature")
	// ErrNestedDelegation is returned for delegations that are delegated.
	ErrNestedDelegation = errors.New("nested delegation")
	// ErrCanisterNotInRange is returned if a subnet delegation does not
	// cover the canister.
	ErrCanisterNotInRange = errors.New("canister not in delegated ranges")
	// ErrStale is returned for certificates older than the accepted age.
	ErrStale = errors.New("certificate time out of bounds")
)

// VerificationError is returned for certificates that cannot be trusted. It
// is always fatal.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	return "certificate verification: " + e.Reason + ": " + e.Err.Error()
}

func (e *VerificationError) Unwrap() error { return e.Err }
