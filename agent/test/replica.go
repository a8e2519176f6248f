// SPDX-License-Identifier: Apache-2.0

// Package test provides an in-process replica for tests of the agent stack.
package test // import "perun.network/perun-icp-agent/agent/test"

import (
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/aviate-labs/leb128"
	"github.com/cloudflare/circl/sign/bls"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"perun.network/perun-icp-agent/certificate"
	"perun.network/perun-icp-agent/envelope"
	"perun.network/perun-icp-agent/identity"
	"perun.network/perun-icp-agent/poll"
	"perun.network/perun-icp-agent/principal"
	"perun.network/perun-icp-agent/requestid"
)

// Handler executes a method on its Candid encoded argument and returns the
// Candid encoded reply. Returning an *envelope.RejectError rejects with its
// code, any other error rejects with envelope.CanisterError.
type Handler func(arg []byte) ([]byte, error)

// Method is a method of a simulated canister.
type Method struct {
	Name    string
	Handler Handler
}

type request struct {
	pending []poll.Status
	reply   []byte
	reject  *envelope.RejectError
}

// Replica serves the HTTP interface for simulated canisters. It signs its
// certificates with its own root key.
type Replica struct {
	mu        sync.Mutex
	key       *bls.PrivateKey[bls.KeyG2SigG1]
	rootKey   []byte
	canisters map[string]map[string]Handler
	requests  map[requestid.RequestID]*request
	script    []poll.Status
	failures  []int
	received  []envelope.Envelope
	now       func() time.Time

	router chi.Router
}

// NewReplica creates a replica whose key is derived from rng.
func NewReplica(rng io.Reader) (*Replica, error) {
	ikm := make([]byte, 32)
	if _, err := io.ReadFull(rng, ikm); err != nil {
		return nil, err
	}
	key, err := bls.KeyGen[bls.KeyG2SigG1](ikm, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "generating replica key")
	}
	rootKey, err := certificate.EncodePublicKey(key.PublicKey())
	if err != nil {
		return nil, err
	}

	r := &Replica{
		key:       key,
		rootKey:   rootKey,
		canisters: make(map[string]map[string]Handler),
		requests:  make(map[requestid.RequestID]*request),
		now:       time.Now,
	}
	router := chi.NewRouter()
	router.Get("/api/v2/status", r.handleStatus)
	router.Post("/api/v2/canister/{canisterID}/call", r.handleCall)
	router.Post("/api/v2/canister/{canisterID}/query", r.handleQuery)
	router.Post("/api/v2/canister/{canisterID}/read_state", r.handleReadState)
	r.router = router
	return r, nil
}

// Start serves the replica until the returned server is closed.
func (r *Replica) Start() *httptest.Server {
	return httptest.NewServer(r)
}

// ServeHTTP implements http.Handler.
func (r *Replica) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}

// RootKey returns the DER encoded root key of the replica.
func (r *Replica) RootKey() []byte { return r.rootKey }

// AddCanister installs a canister.
func (r *Replica) AddCanister(id principal.Principal, methods ...Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handlers := make(map[string]Handler)
	for _, m := range methods {
		handlers[m.Name] = m.Handler
	}
	r.canisters[string(id.Raw)] = handlers
}

// Script sets the statuses that the next calls pass through before their
// outcome is certified, one status per read_state request.
func (r *Replica) Script(statuses ...poll.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script = statuses
}

// FailNext answers the next requests with the given HTTP status codes.
func (r *Replica) FailNext(codes ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, codes...)
}

// Received returns the envelopes received so far.
func (r *Replica) Received() []envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]envelope.Envelope{}, r.received...)
}

func (r *Replica) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeCBOR(w, http.StatusOK, envelope.Status{
		ICAPIVersion:        "0.18.0",
		ReplicaHealthStatus: "healthy",
		RootKey:             r.rootKey,
	})
}

// receive decodes and authenticates an envelope. It writes the error
// response and returns false if the request is refused.
func (r *Replica) receive(w http.ResponseWriter, req *http.Request) (*envelope.Envelope, bool) {
	r.mu.Lock()
	if len(r.failures) > 0 {
		code := r.failures[0]
		r.failures = r.failures[1:]
		r.mu.Unlock()
		http.Error(w, "injected failure", code)
		return nil, false
	}
	r.mu.Unlock()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	var env envelope.Envelope
	if err := envelope.Unmarshal(body, &env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if canisterID, err := principal.Decode(chi.URLParam(req, "canisterID")); err != nil ||
		(env.Content.Type != envelope.ReadState && !canisterID.Equal(env.Content.CanisterID)) {
		http.Error(w, "canister id mismatch", http.StatusBadRequest)
		return nil, false
	}
	if uint64(r.now().UnixNano()) > env.Content.IngressExpiry {
		http.Error(w, "request expired", http.StatusBadRequest)
		return nil, false
	}
	if !env.Content.Sender.Equal(principal.Anonymous) {
		if !principal.NewSelfAuthenticating(env.SenderPubKey).Equal(env.Content.Sender) {
			http.Error(w, "sender does not match public key", http.StatusForbidden)
			return nil, false
		}
		id, err := env.Content.ID()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return nil, false
		}
		if err := identity.VerifySignature(env.SenderPubKey, id.SignatureMessage(), env.SenderSig); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return nil, false
		}
	}

	r.mu.Lock()
	r.received = append(r.received, env)
	r.mu.Unlock()
	return &env, true
}

func (r *Replica) execute(content envelope.Request) ([]byte, *envelope.RejectError) {
	r.mu.Lock()
	methods, ok := r.canisters[string(content.CanisterID.Raw)]
	r.mu.Unlock()
	if !ok {
		return nil, &envelope.RejectError{Code: envelope.DestinationInvalid, Message: "canister not found", ErrorCode: "IC0301"}
	}
	handler, ok := methods[content.MethodName]
	if !ok {
		return nil, &envelope.RejectError{Code: envelope.CanisterError, Message: "method not found: " + content.MethodName, ErrorCode: "IC0536"}
	}
	reply, err := handler(content.Arg)
	if err != nil {
		var reject *envelope.RejectError
		if errors.As(err, &reject) {
			return nil, reject
		}
		return nil, &envelope.RejectError{Code: envelope.CanisterError, Message: err.Error(), ErrorCode: "IC0503"}
	}
	return reply, nil
}

func (r *Replica) handleCall(w http.ResponseWriter, req *http.Request) {
	env, ok := r.receive(w, req)
	if !ok {
		return
	}
	id, err := env.Content.ID()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply, reject := r.execute(env.Content)

	r.mu.Lock()
	r.requests[id] = &request{
		pending: append([]poll.Status{}, r.script...),
		reply:   reply,
		reject:  reject,
	}
	r.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (r *Replica) handleQuery(w http.ResponseWriter, req *http.Request) {
	env, ok := r.receive(w, req)
	if !ok {
		return
	}
	reply, reject := r.execute(env.Content)
	if reject != nil {
		writeCBOR(w, http.StatusOK, envelope.QueryResponse{
			Status:        envelope.StatusRejected,
			RejectCode:    reject.Code,
			RejectMessage: reject.Message,
			ErrorCode:     reject.ErrorCode,
		})
		return
	}
	writeCBOR(w, http.StatusOK, envelope.QueryResponse{
		Status: envelope.StatusReplied,
		Reply:  &envelope.Reply{Arg: reply},
	})
}

func (r *Replica) handleReadState(w http.ResponseWriter, req *http.Request) {
	env, ok := r.receive(w, req)
	if !ok {
		return
	}

	statuses := []*certificate.Node{}
	r.mu.Lock()
	for _, path := range env.Content.Paths {
		if len(path) != 2 || string(path[0]) != "request_status" || len(path[1]) != requestid.Size {
			continue
		}
		var id requestid.RequestID
		copy(id[:], path[1])
		if rq, ok := r.requests[id]; ok {
			statuses = append(statuses, certificate.Labeled(id[:], rq.certify()))
		}
	}
	r.mu.Unlock()

	tree := certificate.Subtree(
		certificate.Labeled([]byte("time"), certificate.Leaf(certificate.EncodeTime(r.now()))),
		certificate.Labeled([]byte("request_status"), certificate.Subtree(statuses...)),
	)
	cert := &certificate.Certificate{Tree: tree, Signature: bls.Sign(r.key, certificate.RootMessage(tree))}
	data, err := cert.Marshal()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeCBOR(w, http.StatusOK, envelope.ReadStateResponse{Certificate: data})
}

// certify advances the request by one scripted status and returns its
// status subtree.
func (rq *request) certify() *certificate.Node {
	if len(rq.pending) > 0 {
		s := rq.pending[0]
		if !s.IsTerminal() {
			rq.pending = rq.pending[1:]
		}
		return certificate.Subtree(certificate.Labeled([]byte("status"), certificate.Leaf([]byte(s))))
	}
	if rq.reject != nil {
		code, err := leb128.EncodeUnsigned(new(big.Int).SetUint64(uint64(rq.reject.Code)))
		if err != nil {
			panic(err)
		}
		return certificate.Subtree(
			certificate.Labeled([]byte("status"), certificate.Leaf([]byte(poll.Rejected))),
			certificate.Labeled([]byte("reject_code"), certificate.Leaf(code)),
			certificate.Labeled([]byte("reject_message"), certificate.Leaf([]byte(rq.reject.Message))),
			certificate.Labeled([]byte("error_code"), certificate.Leaf([]byte(rq.reject.ErrorCode))),
		)
	}
	return certificate.Subtree(
		certificate.Labeled([]byte("status"), certificate.Leaf([]byte(poll.Replied))),
		certificate.Labeled([]byte("reply"), certificate.Leaf(rq.reply)),
	)
}

func writeCBOR(w http.ResponseWriter, code int, v any) {
	data, err := envelope.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
