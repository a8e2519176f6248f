// SPDX-License-Identifier: Apache-2.0

// Package actor calls the methods of a canister through its Candid service
// type.
package actor // import "perun.network/perun-icp-agent/actor"

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"perun.network/go-perun/log"

	"perun.network/perun-icp-agent/agent"
	"perun.network/perun-icp-agent/candid"
	"perun.network/perun-icp-agent/poll"
	"perun.network/perun-icp-agent/principal"
	"perun.network/perun-icp-agent/requestid"
)

// ErrUnknownMethod is returned for methods the service does not declare.
var ErrUnknownMethod = errors.New("unknown method")

// Agent sends the requests of an Actor. *agent.Agent implements it.
type Agent interface {
	Query(ctx context.Context, canisterID principal.Principal, method string, arg []byte) ([]byte, error)
	Call(ctx context.Context, canisterID principal.Principal, method string, arg []byte) (requestid.RequestID, *agent.HTTPMeta, error)
	Poller() *poll.Poller
}

// Method is a method declared by the service.
type Method struct {
	Name string
	Type *candid.Type
}

// IsQuery tells whether the method is called as a query.
func (m Method) IsQuery() bool {
	return m.Type.HasMode(candid.ModeQuery) || m.Type.HasMode(candid.ModeCompositeQuery)
}

// IsOneway tells whether the method returns nothing and is not awaited.
func (m Method) IsOneway() bool { return m.Type.HasMode(candid.ModeOneway) }

// Actor is a proxy of a canister. It is safe for concurrent use.
type Actor struct {
	log.Embedding

	canisterID principal.Principal
	agent      Agent
	poller     *poll.Poller
	methods    map[string]Method

	memoMu sync.Mutex
	memo   map[string]*memoEntry
}

type memoEntry struct {
	once  sync.Once
	value any
	err   error
}

// Option configures an Actor.
type Option func(*Actor)

// WithPoller replaces the poller of update calls, which defaults to the
// agent's.
func WithPoller(p *poll.Poller) Option { return func(a *Actor) { a.poller = p } }

// New creates an Actor for the canister that implements service.
func New(service *candid.Type, canisterID principal.Principal, ag Agent, opts ...Option) (*Actor, error) {
	if service == nil || service.Kind() != candid.KindService {
		return nil, errors.Errorf("actor needs a service type, got %v", service)
	}
	a := &Actor{
		Embedding:  log.MakeEmbedding(log.Default()),
		canisterID: canisterID,
		agent:      ag,
		methods:    make(map[string]Method),
		memo:       make(map[string]*memoEntry),
	}
	for _, m := range service.Methods() {
		if m.Type.Kind() != candid.KindFunc {
			return nil, errors.Errorf("method %s has type %v", m.Name, m.Type)
		}
		a.methods[m.Name] = Method{Name: m.Name, Type: m.Type}
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.poller == nil {
		a.poller = ag.Poller()
	}
	return a, nil
}

// CanisterID returns the canister of the actor.
func (a *Actor) CanisterID() principal.Principal { return a.canisterID }

// Method looks up a declared method.
func (a *Actor) Method(name string) (Method, error) {
	m, ok := a.methods[name]
	if !ok {
		return Method{}, &CallError{CanisterID: a.canisterID, Method: name, Err: ErrUnknownMethod}
	}
	return m, nil
}

// Methods returns the declared methods.
func (a *Actor) Methods() []Method {
	methods := make([]Method, 0, len(a.methods))
	for _, m := range a.methods {
		methods = append(methods, m)
	}
	return methods
}

// Call calls a method with the given arguments. Queries are answered
// directly, update calls are polled until they are done. The result is nil
// for methods without results, the single candid.Value for methods with one
// result and a []candid.Value otherwise.
func (a *Actor) Call(ctx context.Context, name string, args ...candid.Value) (any, error) {
	m, err := a.Method(name)
	if err != nil {
		return nil, err
	}
	wrap := func(err error) error {
		return &CallError{CanisterID: a.canisterID, Method: name, Err: err}
	}

	arg, err := candid.Encode(m.Type.Args(), args)
	if err != nil {
		return nil, wrap(err)
	}

	var reply []byte
	switch {
	case m.IsQuery():
		if reply, err = a.agent.Query(ctx, a.canisterID, name, arg); err != nil {
			return nil, wrap(err)
		}
	case m.IsOneway():
		id, _, err := a.agent.Call(ctx, a.canisterID, name, arg)
		if err != nil {
			return nil, wrap(err)
		}
		a.Log().Debugf("Oneway %v.%s submitted as %v", a.canisterID, name, id)
		return nil, nil
	default:
		id, _, err := a.agent.Call(ctx, a.canisterID, name, arg)
		if err != nil {
			return nil, wrap(err)
		}
		if reply, err = a.poller.Poll(ctx, a.canisterID, id); err != nil {
			return nil, &CallError{CanisterID: a.canisterID, Method: name, RequestID: &id, Err: err}
		}
	}

	values, err := candid.Decode(m.Type.Rets(), reply)
	if err != nil {
		return nil, wrap(err)
	}
	switch len(values) {
	case 0:
		return nil, nil
	case 1:
		return values[0], nil
	}
	return values, nil
}

// Memo calls a method without arguments once and caches its result for the
// lifetime of the actor or until ClearCache. Errors are cached as well,
// except for cancelled or expired contexts, after which the next caller
// tries again.
func (a *Actor) Memo(ctx context.Context, name string) (any, error) {
	a.memoMu.Lock()
	e, ok := a.memo[name]
	if !ok {
		e = new(memoEntry)
		a.memo[name] = e
	}
	a.memoMu.Unlock()

	e.once.Do(func() { e.value, e.err = a.Call(ctx, name) })
	if errors.Is(e.err, context.Canceled) || errors.Is(e.err, context.DeadlineExceeded) {
		a.memoMu.Lock()
		if a.memo[name] == e {
			delete(a.memo, name)
		}
		a.memoMu.Unlock()
	}
	return e.value, e.err
}

// ClearCache drops all results cached by Memo.
func (a *Actor) ClearCache() {
	a.memoMu.Lock()
	defer a.memoMu.Unlock()
	a.memo = make(map[string]*memoEntry)
}

// CallError is returned by Call. It names the canister and the method.
type CallError struct {
	CanisterID principal.Principal
	Method     string
	// RequestID is set for update calls that were accepted.
	RequestID *requestid.RequestID
	Err       error
}

func (e *CallError) Error() string {
	if e.RequestID != nil {
		return fmt.Sprintf("%v.%s (request %v): %v", e.CanisterID, e.Method, *e.RequestID, e.Err)
	}
	return fmt.Sprintf("%v.%s: %v", e.CanisterID, e.Method, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }
