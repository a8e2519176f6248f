// SPDX-License-Identifier: Apache-2.0

// Package poll drives an update call to its outcome by reading its status
// from certified state until it is terminal.
package poll // import "perun.network/perun-icp-agent/poll"

import (
	"bytes"
	"context"

	"github.com/aviate-labs/leb128"
	"github.com/pkg/errors"

	"perun.network/go-perun/log"

	"perun.network/perun-icp-agent/certificate"
	"perun.network/perun-icp-agent/envelope"
	"perun.network/perun-icp-agent/principal"
	"perun.network/perun-icp-agent/requestid"
)

// Status is the state of a request.
type Status string

// The request statuses. Submitted and TimedOut are never certified by a
// replica, they mark the start and the end of a poll.
const (
	Submitted  Status = "submitted"
	Unknown    Status = "unknown"
	Received   Status = "received"
	Processing Status = "processing"
	Replied    Status = "replied"
	Rejected   Status = "rejected"
	Done       Status = "done"
	TimedOut   Status = "timed_out"
)

// IsTerminal tells whether no further transitions follow.
func (s Status) IsTerminal() bool {
	switch s {
	case Replied, Rejected, Done, TimedOut:
		return true
	}
	return false
}

// Reader reads certified state. The certificate must be verified.
type Reader interface {
	ReadState(ctx context.Context, canisterID principal.Principal, paths [][][]byte) (*certificate.Certificate, error)
}

// Poller polls the status of requests. It is safe for concurrent use, every
// poll gets its own Strategy.
type Poller struct {
	log     log.Embedding
	reader  Reader
	factory Factory
	clock   Clock
}

// New returns a Poller that reads from r and waits with strategies from f.
func New(r Reader, f Factory) *Poller {
	return &Poller{
		log:     log.MakeEmbedding(log.Default()),
		reader:  r,
		factory: f,
		clock:   RealClock{},
	}
}

// NewWithPolicy returns a Poller that waits as the policy says.
func NewWithPolicy(r Reader, p Policy, clock Clock) *Poller {
	pl := New(r, p.WithDefaults().Factory(clock))
	pl.clock = clock
	return pl
}

var (
	pathRequestStatus = []byte("request_status")
	pathStatus        = []byte("status")
	pathReply         = []byte("reply")
	pathRejectCode    = []byte("reject_code")
	pathRejectMessage = []byte("reject_message")
	pathErrorCode     = []byte("error_code")
)

// Poll reads the status of the request until it is terminal. It returns the
// reply for Replied, an *envelope.RejectError for Rejected, an
// *AmbiguousOutcomeError for Done and a *TimeoutError if the strategy gives
// up. Errors of the Reader are returned right away.
func (p *Poller) Poll(ctx context.Context, canisterID principal.Principal, id requestid.RequestID) ([]byte, error) {
	strategy := p.factory()
	start := p.clock.Now()
	paths := [][][]byte{{pathRequestStatus, id[:]}}

	last := Submitted
	for {
		cert, err := p.reader.ReadState(ctx, canisterID, paths)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading status of request %v", id)
		}
		status, err := requestStatus(cert, id)
		if err != nil {
			return nil, err
		}
		if status != last {
			p.log.Log().Debugf("Request %v: %s -> %s", id, last, status)
			last = status
		}

		switch status {
		case Replied:
			reply, ok := cert.LookupLeaf(pathRequestStatus, id[:], pathReply)
			if !ok {
				return nil, &certificate.VerificationError{Reason: "replied request without reply", Err: certificate.ErrMalformed}
			}
			return reply, nil
		case Rejected:
			return nil, rejection(cert, id)
		case Done:
			return nil, &AmbiguousOutcomeError{CanisterID: canisterID, RequestID: id}
		}

		if err := strategy.Wait(ctx); err != nil {
			if errors.Is(err, ErrTimeout) {
				p.log.Log().Warnf("Request %v to %v timed out in status %s", id, canisterID, last)
				return nil, &TimeoutError{CanisterID: canisterID, RequestID: id, Last: last, After: p.clock.Now().Sub(start)}
			}
			return nil, err
		}
	}
}

func requestStatus(cert *certificate.Certificate, id requestid.RequestID) (Status, error) {
	v, lookup := cert.Lookup(pathRequestStatus, id[:], pathStatus)
	switch lookup {
	case certificate.Absent, certificate.Unknown:
		return Unknown, nil
	case certificate.NotALeaf:
		return "", &certificate.VerificationError{Reason: "request status is not a leaf", Err: certificate.ErrMalformed}
	}
	switch s := Status(v); s {
	case Received, Processing, Replied, Rejected, Done:
		return s, nil
	}
	return "", errors.Wrapf(ErrUnknownStatus, "%q", v)
}

func rejection(cert *certificate.Certificate, id requestid.RequestID) error {
	rawCode, ok := cert.LookupLeaf(pathRequestStatus, id[:], pathRejectCode)
	if !ok {
		return &certificate.VerificationError{Reason: "rejected request without reject_code", Err: certificate.ErrMalformed}
	}
	code, err := leb128.DecodeUnsigned(bytes.NewReader(rawCode))
	if err != nil || !code.IsUint64() {
		return &certificate.VerificationError{Reason: "decoding reject_code", Err: certificate.ErrMalformed}
	}
	msg, _ := cert.LookupLeaf(pathRequestStatus, id[:], pathRejectMessage)
	errCode, _ := cert.LookupLeaf(pathRequestStatus, id[:], pathErrorCode)
	return &envelope.RejectError{
		Code:      envelope.RejectCode(code.Uint64()),
		Message:   string(msg),
		ErrorCode: string(errCode),
	}
}
