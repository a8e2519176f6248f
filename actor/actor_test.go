// SPDX-License-Identifier: Apache-2.0

package actor_test

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ptest "polycry.pt/poly-go/test"

	"perun.network/perun-icp-agent/actor"
	"perun.network/perun-icp-agent/agent"
	"perun.network/perun-icp-agent/agent/test"
	"perun.network/perun-icp-agent/candid"
	"perun.network/perun-icp-agent/envelope"
	"perun.network/perun-icp-agent/identity"
	"perun.network/perun-icp-agent/poll"
	"perun.network/perun-icp-agent/principal"
)

var (
	ledgerID = principal.MustDecode("ryjl3-tyaaa-aaaaa-aaaba-cai")

	transferArgs = candid.RecordType(
		candid.Field{Name: "to", Type: candid.PrincipalType()},
		candid.Field{Name: "amount", Type: candid.Nat64Type()},
	)

	ledgerService = candid.ServiceType(
		candid.Method{Name: "symbol", Type: candid.FuncType(nil, []*candid.Type{candid.TextType()}, candid.ModeQuery)},
		candid.Method{Name: "metadata", Type: candid.FuncType(nil, []*candid.Type{candid.TextType(), candid.Nat8Type()}, candid.ModeQuery)},
		candid.Method{Name: "transfer", Type: candid.FuncType([]*candid.Type{transferArgs}, []*candid.Type{candid.NatType()})},
		candid.Method{Name: "notify", Type: candid.FuncType([]*candid.Type{candid.NatType()}, nil, candid.ModeOneway)},
		candid.Method{Name: "burn", Type: candid.FuncType([]*candid.Type{candid.NatType()}, nil)},
	)
)

// ledger is a canister that counts its invocations.
type ledger struct {
	symbolCalls atomic.Int32
	mu          sync.Mutex
	notified    []uint64
}

func (l *ledger) methods(t *testing.T) []test.Method {
	return []test.Method{
		{Name: "symbol", Handler: func(arg []byte) ([]byte, error) {
			l.symbolCalls.Add(1)
			return candid.Encode([]*candid.Type{candid.TextType()}, []candid.Value{candid.Text("ICP")})
		}},
		{Name: "metadata", Handler: func(arg []byte) ([]byte, error) {
			return candid.Encode(
				[]*candid.Type{candid.TextType(), candid.Nat8Type()},
				[]candid.Value{candid.Text("ICP"), candid.NewNat(8)},
			)
		}},
		{Name: "transfer", Handler: func(arg []byte) ([]byte, error) {
			vs, err := candid.Decode([]*candid.Type{transferArgs}, arg)
			require.NoError(t, err)
			rec, err := candid.AsRecord(vs[0])
			require.NoError(t, err)
			amount, err := rec.Field("amount")
			require.NoError(t, err)
			n, err := candid.AsNat(amount)
			require.NoError(t, err)
			if n.Sign() == 0 {
				return nil, &envelope.RejectError{Code: envelope.CanisterReject, Message: "zero amount"}
			}
			return hex.DecodeString("4449444c00017d2a")
		}},
		{Name: "notify", Handler: func(arg []byte) ([]byte, error) {
			vs, err := candid.Decode([]*candid.Type{candid.NatType()}, arg)
			require.NoError(t, err)
			n, _ := vs[0].(candid.Nat).Uint64()
			l.mu.Lock()
			l.notified = append(l.notified, n)
			l.mu.Unlock()
			return candid.Encode(nil, nil)
		}},
		{Name: "burn", Handler: func(arg []byte) ([]byte, error) {
			return candid.Encode(nil, nil)
		}},
	}
}

type setup struct {
	replica *test.Replica
	ledger  *ledger
	actor   *actor.Actor
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	rng := ptest.Prng(t)
	replica, err := test.NewReplica(rng)
	require.NoError(t, err)
	l := new(ledger)
	replica.AddCanister(ledgerID, l.methods(t)...)
	server := replica.Start()
	t.Cleanup(server.Close)

	id, err := identity.NewRandomEd25519Identity(rng)
	require.NoError(t, err)
	cfg := agent.DefaultConfig()
	cfg.Host = server.URL
	cfg.Poll = poll.Policy{Backoff: poll.Backoff{Initial: time.Millisecond, Multiplier: 2}, Timeout: 5 * time.Second}
	ag, err := agent.New(context.Background(), cfg, agent.WithIdentity(id), agent.WithRootKey(replica.RootKey()))
	require.NoError(t, err)

	a, err := actor.New(ledgerService, ledgerID, ag)
	require.NoError(t, err)
	return &setup{replica: replica, ledger: l, actor: a}
}

func transfer(amount uint64) candid.Record {
	return candid.NewRecord(
		candid.FieldValue{Name: "to", Value: candid.Principal{Principal: principal.MustDecode("2vxsx-fae")}},
		candid.FieldValue{Name: "amount", Value: candid.NewNat(amount)},
	)
}

func TestUpdateCallPassesThroughStatuses(t *testing.T) {
	s := newSetup(t)
	s.replica.Script(poll.Received, poll.Processing)

	res, err := s.actor.Call(context.Background(), "transfer", transfer(1000))
	require.NoError(t, err)
	n, err := candid.AsNat(res.(candid.Value))
	require.NoError(t, err)
	assert.Equal(t, int64(42), n.Int64())

	var readStates int
	for _, env := range s.replica.Received() {
		if env.Content.Type == envelope.ReadState {
			readStates++
		}
	}
	assert.Equal(t, 3, readStates)
}

func TestUpdateCallRejected(t *testing.T) {
	s := newSetup(t)
	_, err := s.actor.Call(context.Background(), "transfer", transfer(0))

	var callErr *actor.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "transfer", callErr.Method)
	assert.True(t, ledgerID.Equal(callErr.CanisterID))
	require.NotNil(t, callErr.RequestID)

	var rejectErr *envelope.RejectError
	require.ErrorAs(t, err, &rejectErr)
	assert.Equal(t, "zero amount", rejectErr.Message)
}

func TestQueryResults(t *testing.T) {
	s := newSetup(t)

	res, err := s.actor.Call(context.Background(), "symbol")
	require.NoError(t, err)
	assert.Equal(t, candid.Text("ICP"), res)

	res, err = s.actor.Call(context.Background(), "metadata")
	require.NoError(t, err)
	values, ok := res.([]candid.Value)
	require.True(t, ok, "two results are returned as a slice")
	require.Len(t, values, 2)
	assert.Equal(t, candid.Text("ICP"), values[0])

	res, err = s.actor.Call(context.Background(), "burn", candid.NewNat(1))
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestOneway(t *testing.T) {
	s := newSetup(t)
	res, err := s.actor.Call(context.Background(), "notify", candid.NewNat(7))
	require.NoError(t, err)
	assert.Nil(t, res)
	s.ledger.mu.Lock()
	assert.Equal(t, []uint64{7}, s.ledger.notified)
	s.ledger.mu.Unlock()
	for _, env := range s.replica.Received() {
		assert.NotEqual(t, envelope.ReadState, env.Content.Type, "oneway calls are not polled")
	}
}

func TestArgumentMismatchBeforeIO(t *testing.T) {
	s := newSetup(t)
	_, err := s.actor.Call(context.Background(), "transfer", candid.Text("not a record"))
	var encErr *candid.EncodeError
	require.ErrorAs(t, err, &encErr)

	_, err = s.actor.Call(context.Background(), "transfer")
	require.ErrorAs(t, err, &encErr)
	assert.Empty(t, s.replica.Received())

	_, err = s.actor.Call(context.Background(), "mint")
	require.ErrorIs(t, err, actor.ErrUnknownMethod)
}

func TestMemo(t *testing.T) {
	s := newSetup(t)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.actor.Memo(context.Background(), "symbol")
			assert.NoError(t, err)
			assert.Equal(t, candid.Text("ICP"), res)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), s.ledger.symbolCalls.Load())

	s.actor.ClearCache()
	_, err := s.actor.Memo(context.Background(), "symbol")
	require.NoError(t, err)
	assert.Equal(t, int32(2), s.ledger.symbolCalls.Load())
}

func TestMemoRetriesCancelled(t *testing.T) {
	s := newSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.actor.Memo(ctx, "symbol")
	require.ErrorIs(t, err, context.Canceled)

	res, err := s.actor.Memo(context.Background(), "symbol")
	require.NoError(t, err)
	assert.Equal(t, candid.Text("ICP"), res)
	assert.Equal(t, int32(1), s.ledger.symbolCalls.Load())

	_, err = s.actor.Memo(context.Background(), "symbol")
	require.NoError(t, err)
	assert.Equal(t, int32(1), s.ledger.symbolCalls.Load(), "the reply stays cached")
}

func TestMethods(t *testing.T) {
	s := newSetup(t)
	assert.Len(t, s.actor.Methods(), 5)
	m, err := s.actor.Method("symbol")
	require.NoError(t, err)
	assert.True(t, m.IsQuery())
	m, err = s.actor.Method("notify")
	require.NoError(t, err)
	assert.True(t, m.IsOneway())

	_, err = actor.New(candid.TextType(), ledgerID, nil)
	require.Error(t, err)
}
