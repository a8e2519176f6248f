// SPDX-License-Identifier: Apache-2.0

package envelope

import "fmt"

// Query statuses.
const (
	StatusReplied  = "replied"
	StatusRejected = "rejected"
)

// RejectCode classifies a rejection by the replica or a canister.
type RejectCode uint64

// The reject codes of the Internet Computer.
const (
	SysFatal           RejectCode = 1
	SysTransient       RejectCode = 2
	DestinationInvalid RejectCode = 3
	CanisterReject     RejectCode = 4
	CanisterError      RejectCode = 5
)

func (c RejectCode) String() string {
	switch c {
	case SysFatal:
		return "SYS_FATAL"
	case SysTransient:
		return "SYS_TRANSIENT"
	case DestinationInvalid:
		return "DESTINATION_INVALID"
	case CanisterReject:
		return "CANISTER_REJECT"
	case CanisterError:
		return "CANISTER_ERROR"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint64(c))
}

// Reply carries the Candid encoded result of a method.
type Reply struct {
	Arg []byte `cbor:"arg"`
}

// QueryResponse is the body returned by the query endpoint.
type QueryResponse struct {
	Status        string     `cbor:"status"`
	Reply         *Reply     `cbor:"reply,omitempty"`
	RejectCode    RejectCode `cbor:"reject_code,omitempty"`
	RejectMessage string     `cbor:"reject_message,omitempty"`
	ErrorCode     string     `cbor:"error_code,omitempty"`
}

// ReadStateResponse is the body returned by the read_state endpoint.
type ReadStateResponse struct {
	Certificate []byte `cbor:"certificate"`
}

// Status is the document returned by the status endpoint.
type Status struct {
	ICAPIVersion        string `cbor:"ic_api_version"`
	ImplVersion         string `cbor:"impl_version,omitempty"`
	ReplicaHealthStatus string `cbor:"replica_health_status,omitempty"`
	RootKey             []byte `cbor:"root_key,omitempty"`
}

// RejectError is returned when the replica or the canister rejects a
// request.
type RejectError struct {
	Code      RejectCode
	Message   string
	ErrorCode string
}

func (e *RejectError) Error() string {
	msg := fmt.Sprintf("rejected (%v): %s", e.Code, e.Message)
	if e.ErrorCode != "" {
		msg += " [" + e.ErrorCode + "]"
	}
	return msg
}

// Err returns the rejection of a query response, or nil if it was replied.
func (r *QueryResponse) Err() error {
	switch r.Status {
	case StatusReplied:
		if r.Reply == nil {
			return &RejectError{Code: SysFatal, Message: "replied without reply"}
		}
		return nil
	case StatusRejected:
		return &RejectError{Code: r.RejectCode, Message: r.RejectMessage, ErrorCode: r.ErrorCode}
	}
	return &RejectError{Code: SysFatal, Message: "unknown query status " + r.Status}
}
