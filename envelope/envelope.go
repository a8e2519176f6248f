// SPDX-License-Identifier: Apache-2.0

// Package envelope defines the CBOR messages exchanged with a replica and
// their deterministic encoding.
package envelope // import "perun.network/perun-icp-agent/envelope"

import (
	"bytes"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"perun.network/perun-icp-agent/principal"
	"perun.network/perun-icp-agent/requestid"
)

// SelfDescribeTag is the CBOR tag 55799 that prefixes every message.
var SelfDescribeTag = []byte{0xd9, 0xd9, 0xf7}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxNestedLevels: 64}).DecMode(); err != nil {
		panic(err)
	}
}

// RequestType tells the replica how to process a request.
type RequestType string

// The request types.
const (
	Call      RequestType = "call"
	Query     RequestType = "query"
	ReadState RequestType = "read_state"
)

// Request is the content of an envelope.
type Request struct {
	Type          RequestType
	CanisterID    principal.Principal
	MethodName    string
	Arg           []byte
	Sender        principal.Principal
	IngressExpiry uint64
	// Nonce makes otherwise equal calls distinct. Optional.
	Nonce []byte
	// Paths are the state tree paths requested by read_state.
	Paths [][][]byte
}

// fields returns the request as the field map that is both hashed into the
// request id and encoded on the wire.
func (r Request) fields() map[string]any {
	m := map[string]any{
		"request_type":   string(r.Type),
		"sender":         nonNil(r.Sender.Raw),
		"ingress_expiry": r.IngressExpiry,
	}
	switch r.Type {
	case ReadState:
		paths := make([][][]byte, len(r.Paths))
		for i, p := range r.Paths {
			paths[i] = make([][]byte, len(p))
			for j, seg := range p {
				paths[i][j] = nonNil(seg)
			}
		}
		m["paths"] = paths
	default:
		m["canister_id"] = nonNil(r.CanisterID.Raw)
		m["method_name"] = r.MethodName
		m["arg"] = nonNil(r.Arg)
	}
	if r.Nonce != nil {
		m["nonce"] = r.Nonce
	}
	return m
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// ID returns the request id.
func (r Request) ID() (requestid.RequestID, error) {
	return requestid.Of(r.fields())
}

// MarshalCBOR implements cbor.Marshaler.
func (r Request) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(r.fields())
}

type requestWire struct {
	Type          RequestType `cbor:"request_type"`
	CanisterID    []byte      `cbor:"canister_id"`
	MethodName    string      `cbor:"method_name"`
	Arg           []byte      `cbor:"arg"`
	Sender        []byte      `cbor:"sender"`
	IngressExpiry uint64      `cbor:"ingress_expiry"`
	Nonce         []byte      `cbor:"nonce"`
	Paths         [][][]byte  `cbor:"paths"`
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (r *Request) UnmarshalCBOR(data []byte) error {
	var w requestWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "decoding request")
	}
	if len(w.CanisterID) > principal.MaxLength || len(w.Sender) > principal.MaxLength {
		return principal.ErrTooLong
	}
	*r = Request{
		Type:          w.Type,
		CanisterID:    principal.Principal{Raw: nonNil(w.CanisterID)},
		MethodName:    w.MethodName,
		Arg:           w.Arg,
		Sender:        principal.Principal{Raw: nonNil(w.Sender)},
		IngressExpiry: w.IngressExpiry,
		Nonce:         w.Nonce,
		Paths:         w.Paths,
	}
	return nil
}

// Delegation authorizes another key to sign on behalf of a sender.
type Delegation struct {
	PubKey     []byte                `cbor:"pubkey"`
	Expiration uint64                `cbor:"expiration"`
	Targets    []principal.Principal `cbor:"targets,omitempty"`
}

// SignedDelegation is a delegation with the delegator's signature.
type SignedDelegation struct {
	Delegation Delegation `cbor:"delegation"`
	Signature  []byte     `cbor:"signature"`
}

// Envelope is the authenticated wrapper of a request. Requests of the
// anonymous sender are sent without key and signature.
type Envelope struct {
	Content          Request            `cbor:"content"`
	SenderPubKey     []byte             `cbor:"sender_pubkey,omitempty"`
	SenderSig        []byte             `cbor:"sender_sig,omitempty"`
	SenderDelegation []SignedDelegation `cbor:"sender_delegation,omitempty"`
}

// Marshal encodes v deterministically and prefixes the self-describe tag.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding cbor")
	}
	return append(append([]byte{}, SelfDescribeTag...), data...), nil
}

// Unmarshal decodes a CBOR message with or without the self-describe tag.
func Unmarshal(data []byte, v any) error {
	data = bytes.TrimPrefix(data, SelfDescribeTag)
	return errors.Wrap(decMode.Unmarshal(data, v), "decoding cbor")
}
