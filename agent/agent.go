// SPDX-License-Identifier: Apache-2.0

// Package agent talks to the HTTP interface of an Internet Computer replica.
package agent // import "perun.network/perun-icp-agent/agent"

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"perun.network/go-perun/log"

	"perun.network/perun-icp-agent/certificate"
	"perun.network/perun-icp-agent/envelope"
	"perun.network/perun-icp-agent/identity"
	"perun.network/perun-icp-agent/poll"
	"perun.network/perun-icp-agent/principal"
	"perun.network/perun-icp-agent/requestid"
)

// MainnetRootKey is the DER encoded root key of the IC mainnet.
var MainnetRootKey = mustDecodeHex("308182301d060d2b0601040182dc7c0503010201060c2b0601040182dc7c05030201036100" +
	"814c0e6ec71fab583b08bd81373c255c3c371b2e84863c98a4f1e08b74235d14fb5d9c0cd546d9685f913a0c0b2cc5341583bf4b4392e467db96d65b9bb4cb717112f8472e0d5a4d14505ffd7484b01291091c5f87b98883463f98091a0baaae")

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Endpoints of the HTTP interface.
const (
	endpointCall      = "call"
	endpointQuery     = "query"
	endpointReadState = "read_state"
	apiPrefix         = "/api/v2/"
)

// Agent sends calls, queries and read_state requests to a replica. It is
// safe for concurrent use.
type Agent struct {
	log.Embedding

	cfg       Config
	host      *url.URL
	transport Transport
	clock     poll.Clock
	nonces    bool

	mu      sync.RWMutex
	id      identity.Identity
	rootKey []byte
}

// Option configures an Agent.
type Option func(*Agent)

// WithTransport replaces the HTTP transport.
func WithTransport(t Transport) Option { return func(a *Agent) { a.transport = t } }

// WithIdentity sets the sender of all requests. The default is anonymous.
func WithIdentity(id identity.Identity) Option { return func(a *Agent) { a.id = id } }

// WithLogger replaces the logger.
func WithLogger(l log.Logger) Option { return func(a *Agent) { a.Embedding = log.MakeEmbedding(l) } }

// WithClock replaces the clock used for expiries and polling.
func WithClock(c poll.Clock) Option { return func(a *Agent) { a.clock = c } }

// WithRootKey trusts the DER encoded root key instead of the mainnet key.
func WithRootKey(der []byte) Option {
	return func(a *Agent) { a.rootKey = append([]byte{}, der...) }
}

// WithNonces enables or disables the random nonce of calls.
func WithNonces(enabled bool) Option { return func(a *Agent) { a.nonces = enabled } }

// New creates an Agent. If cfg.FetchRootKey is set, the root key is
// fetched from the replica.
func New(ctx context.Context, cfg Config, opts ...Option) (*Agent, error) {
	cfg = cfg.withDefaults()
	host, err := url.Parse(strings.TrimRight(cfg.Host, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing host %q", cfg.Host)
	}
	a := &Agent{
		Embedding: log.MakeEmbedding(log.Default()),
		cfg:       cfg,
		host:      host,
		transport: DefaultHTTPTransport(),
		clock:     poll.RealClock{},
		nonces:    true,
		id:        identity.Anonymous{},
		rootKey:   MainnetRootKey,
	}
	for _, opt := range opts {
		opt(a)
	}
	if cfg.FetchRootKey {
		if err := a.FetchRootKey(ctx); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Config returns the configuration of the agent.
func (a *Agent) Config() Config { return a.cfg }

// Identity returns the current identity.
func (a *Agent) Identity() identity.Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

// ReplaceIdentity sets the identity of all later requests.
func (a *Agent) ReplaceIdentity(id identity.Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.id = id
}

// InvalidateIdentity drops the identity. Later requests fail with
// identity.ErrIdentityInvalid until ReplaceIdentity is called.
func (a *Agent) InvalidateIdentity() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if inv, ok := a.id.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
	a.id = nil
}

// RootKey returns the trusted DER encoded root key.
func (a *Agent) RootKey() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rootKey
}

// Status fetches the status document of the replica.
func (a *Agent) Status(ctx context.Context) (*envelope.Status, error) {
	u := a.host.JoinPath(apiPrefix, "status").String()
	resp, err := a.transport.Do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, &TransportError{Endpoint: "status", Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &TransportError{Endpoint: "status", StatusCode: resp.StatusCode, Body: resp.Body}
	}
	var status envelope.Status
	if err := envelope.Unmarshal(resp.Body, &status); err != nil {
		return nil, errors.WithMessage(err, "status")
	}
	return &status, nil
}

// FetchRootKey replaces the trusted root key by the one the replica
// reports. Never use it against the mainnet.
func (a *Agent) FetchRootKey(ctx context.Context) error {
	status, err := a.Status(ctx)
	if err != nil {
		return err
	}
	if len(status.RootKey) == 0 {
		return errors.New("replica status without root key")
	}
	if _, err := certificate.ParsePublicKey(status.RootKey); err != nil {
		return errors.WithMessage(err, "fetched root key")
	}
	a.Log().Warnf("Trusting root key fetched from %v", a.host)
	a.mu.Lock()
	a.rootKey = status.RootKey
	a.mu.Unlock()
	return nil
}

// Call submits an update call. It returns once the replica accepted the
// call; use a poll.Poller with the returned request id for the result.
func (a *Agent) Call(ctx context.Context, canisterID principal.Principal, method string, arg []byte) (requestid.RequestID, *HTTPMeta, error) {
	req := envelope.Request{
		Type:       envelope.Call,
		CanisterID: canisterID,
		MethodName: method,
		Arg:        arg,
	}
	if a.nonces {
		nonce, err := uuid.NewRandom()
		if err != nil {
			return requestid.RequestID{}, nil, errors.Wrap(err, "generating nonce")
		}
		req.Nonce = nonce[:]
	}
	id, resp, err := a.send(ctx, endpointCall, req)
	if err != nil {
		return requestid.RequestID{}, nil, err
	}
	a.Log().Debugf("Call %v.%s accepted as %v", canisterID, method, id)
	return id, &HTTPMeta{StatusCode: resp.StatusCode, Header: resp.Header}, nil
}

// Query runs a query call and returns its reply. A rejection is returned as
// an *envelope.RejectError.
func (a *Agent) Query(ctx context.Context, canisterID principal.Principal, method string, arg []byte) ([]byte, error) {
	req := envelope.Request{
		Type:       envelope.Query,
		CanisterID: canisterID,
		MethodName: method,
		Arg:        arg,
	}
	id, resp, err := a.send(ctx, endpointQuery, req)
	if err != nil {
		return nil, err
	}
	var qr envelope.QueryResponse
	if err := envelope.Unmarshal(resp.Body, &qr); err != nil {
		return nil, errors.WithMessagef(err, "query %v.%s", canisterID, method)
	}
	if err := qr.Err(); err != nil {
		a.Log().Debugf("Query %v.%s (%v) rejected: %v", canisterID, method, id, err)
		return nil, err
	}
	return qr.Reply.Arg, nil
}

// ReadState reads paths of the state tree and returns the certificate after
// verifying it against the root key.
func (a *Agent) ReadState(ctx context.Context, canisterID principal.Principal, paths [][][]byte) (*certificate.Certificate, error) {
	req := envelope.Request{
		Type:       envelope.ReadState,
		CanisterID: canisterID,
		Paths:      paths,
	}
	_, resp, err := a.send(ctx, endpointReadState, req)
	if err != nil {
		return nil, err
	}
	var rs envelope.ReadStateResponse
	if err := envelope.Unmarshal(resp.Body, &rs); err != nil {
		return nil, errors.WithMessagef(err, "read_state %v", canisterID)
	}
	cert, err := certificate.Parse(rs.Certificate)
	if err != nil {
		return nil, err
	}
	var opts []certificate.VerifyOption
	if a.cfg.CertificateMaxAge > 0 {
		opts = append(opts, certificate.WithMaxAge(a.clock.Now, a.cfg.CertificateMaxAge))
	}
	if err := cert.Verify(a.RootKey(), canisterID, opts...); err != nil {
		return nil, err
	}
	return cert, nil
}

// send signs, encodes and posts a request. The canister id in the URL is
// the effective canister id of the request.
func (a *Agent) send(ctx context.Context, endpoint string, req envelope.Request) (requestid.RequestID, *Response, error) {
	id := a.Identity()
	if id == nil {
		return requestid.RequestID{}, nil, identity.ErrIdentityInvalid
	}
	req.Sender = id.Sender()
	req.IngressExpiry = a.expiry()

	reqID, err := req.ID()
	if err != nil {
		return requestid.RequestID{}, nil, err
	}
	env := &envelope.Envelope{Content: req}
	if err := id.TransformRequest(env); err != nil {
		return requestid.RequestID{}, nil, errors.WithMessagef(err, "%s %v.%s", endpoint, req.CanisterID, req.MethodName)
	}
	body, err := envelope.Marshal(env)
	if err != nil {
		return requestid.RequestID{}, nil, err
	}

	u := a.host.JoinPath(apiPrefix, "canister", req.CanisterID.Encode(), endpoint).String()
	header := http.Header{"Content-Type": []string{ContentTypeCBOR}}
	a.Log().Debugf("%s %v.%s request %v", endpoint, req.CanisterID, req.MethodName, reqID)
	resp, err := a.transport.Do(ctx, http.MethodPost, u, header, body)
	if err != nil {
		return reqID, nil, &TransportError{CanisterID: req.CanisterID, Method: req.MethodName, Endpoint: endpoint, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return reqID, nil, &TransportError{
			CanisterID: req.CanisterID,
			Method:     req.MethodName,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       resp.Body,
		}
	}
	return reqID, resp, nil
}

// expiry returns the ingress expiry of a request created now.
func (a *Agent) expiry() uint64 {
	return uint64(a.clock.Now().Add(a.cfg.IngressExpiry - a.cfg.ClockDrift).UnixNano())
}

// Poller returns a poller that reads through the agent and waits as
// configured.
func (a *Agent) Poller() *poll.Poller {
	return poll.NewWithPolicy(a, a.cfg.Poll, a.clock)
}
