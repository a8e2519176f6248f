// SPDX-License-Identifier: Apache-2.0

package envelope_test

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perun.network/perun-icp-agent/candid"
	"perun.network/perun-icp-agent/envelope"
	"perun.network/perun-icp-agent/principal"
)

var ledger = principal.MustDecode("ryjl3-tyaaa-aaaaa-aaaba-cai")

func transferArg(t *testing.T) []byte {
	t.Helper()
	typ := candid.RecordType(
		candid.Field{Name: "to", Type: candid.PrincipalType()},
		candid.Field{Name: "amount", Type: candid.Nat64Type()},
	)
	arg, err := candid.Encode([]*candid.Type{typ}, []candid.Value{candid.NewRecord(
		candid.FieldValue{Name: "to", Value: candid.Principal{Principal: principal.MustDecode("rt4r7-kaaaa-aaaaa-aatja-cai")}},
		candid.FieldValue{Name: "amount", Value: candid.NewNat(100_000_000)},
	)})
	require.NoError(t, err)
	return arg
}

func callEnvelope(t *testing.T) envelope.Envelope {
	return envelope.Envelope{
		Content: envelope.Request{
			Type:          envelope.Call,
			CanisterID:    ledger,
			MethodName:    "transfer",
			Arg:           transferArg(t),
			Sender:        principal.Anonymous,
			IngressExpiry: 1_700_000_000_000_000_000,
			Nonce:         []byte{1, 2, 3, 4},
		},
	}
}

func TestMarshalDeterministic(t *testing.T) {
	a, err := envelope.Marshal(callEnvelope(t))
	require.NoError(t, err)
	b, err := envelope.Marshal(callEnvelope(t))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, envelope.SelfDescribeTag, a[:3])
}

func TestRoundTrip(t *testing.T) {
	env := callEnvelope(t)
	env.SenderPubKey = []byte{0x30, 0x01}
	env.SenderSig = []byte{0xaa}
	data, err := envelope.Marshal(env)
	require.NoError(t, err)

	var got envelope.Envelope
	require.NoError(t, envelope.Unmarshal(data, &got))
	assert.Equal(t, env, got)

	want, err := env.Content.ID()
	require.NoError(t, err)
	id, err := got.Content.ID()
	require.NoError(t, err)
	assert.Equal(t, want, id)
}

func TestAnonymousEnvelopeIsUnsigned(t *testing.T) {
	data, err := envelope.Marshal(callEnvelope(t))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, envelope.Unmarshal(data, &m))
	assert.Contains(t, m, "content")
	assert.NotContains(t, m, "sender_pubkey")
	assert.NotContains(t, m, "sender_sig")
}

func TestManagementCanisterID(t *testing.T) {
	env := callEnvelope(t)
	env.Content.CanisterID = principal.ManagementCanister
	env.Content.Arg = nil
	data, err := envelope.Marshal(env)
	require.NoError(t, err)

	var wire struct {
		Content map[string]any `cbor:"content"`
	}
	require.NoError(t, envelope.Unmarshal(data, &wire))
	assert.Equal(t, []byte{}, wire.Content["canister_id"])
	assert.Equal(t, []byte{}, wire.Content["arg"])
}

func TestReadStateFields(t *testing.T) {
	req := envelope.Request{
		Type:          envelope.ReadState,
		Sender:        principal.Anonymous,
		IngressExpiry: 42,
		Paths:         [][][]byte{{[]byte("time")}},
	}
	data, err := envelope.Marshal(envelope.Envelope{Content: req})
	require.NoError(t, err)

	var wire struct {
		Content map[string]any `cbor:"content"`
	}
	require.NoError(t, envelope.Unmarshal(data, &wire))
	assert.NotContains(t, wire.Content, "canister_id")
	assert.NotContains(t, wire.Content, "method_name")
	assert.Contains(t, wire.Content, "paths")
}

// Decoding accepts maps in any key order and without the self-describe tag.
func TestUnmarshalForeignProducer(t *testing.T) {
	foreign := struct {
		Sender        []byte `cbor:"sender"`
		MethodName    string `cbor:"method_name"`
		IngressExpiry uint64 `cbor:"ingress_expiry"`
		Arg           []byte `cbor:"arg"`
		RequestType   string `cbor:"request_type"`
		CanisterID    []byte `cbor:"canister_id"`
	}{
		Sender:        principal.Anonymous.Raw,
		MethodName:    "hello",
		IngressExpiry: 7,
		Arg:           []byte("DIDL\x00\x00"),
		RequestType:   "query",
		CanisterID:    ledger.Raw,
	}
	data, err := cbor.Marshal(foreign)
	require.NoError(t, err)

	var req envelope.Request
	require.NoError(t, envelope.Unmarshal(data, &req))
	assert.Equal(t, envelope.Query, req.Type)
	assert.True(t, ledger.Equal(req.CanisterID))
	assert.Equal(t, "hello", req.MethodName)
	assert.EqualValues(t, 7, req.IngressExpiry)
}

// Two independently built but equal queries have the same request id.
func TestScenarioEqualQueries(t *testing.T) {
	build := func() envelope.Request {
		return envelope.Request{
			Type:          envelope.Query,
			CanisterID:    principal.MustDecode(ledger.Encode()),
			MethodName:    "account_balance",
			Arg:           transferArg(t),
			Sender:        principal.Anonymous,
			IngressExpiry: 1_700_000_000_000_000_000,
		}
	}
	a, err := build().ID()
	require.NoError(t, err)
	b, err := build().ID()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a[:], 32)

	withNonce := build()
	withNonce.Nonce = []byte{1}
	c, err := withNonce.ID()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestQueryResponse(t *testing.T) {
	replied := envelope.QueryResponse{Status: envelope.StatusReplied, Reply: &envelope.Reply{Arg: []byte("DIDL\x00\x00")}}
	data, err := envelope.Marshal(replied)
	require.NoError(t, err)
	var got envelope.QueryResponse
	require.NoError(t, envelope.Unmarshal(data, &got))
	assert.Equal(t, replied, got)

	rejected := envelope.QueryResponse{Status: envelope.StatusRejected, RejectCode: envelope.CanisterReject, RejectMessage: "no"}
	data, err = envelope.Marshal(rejected)
	require.NoError(t, err)
	got = envelope.QueryResponse{}
	require.NoError(t, envelope.Unmarshal(data, &got))
	assert.Equal(t, rejected, got)
	assert.Equal(t, "CANISTER_REJECT", got.RejectCode.String())

	var rejectErr *envelope.RejectError
	require.ErrorAs(t, got.Err(), &rejectErr)
	assert.Equal(t, envelope.CanisterReject, rejectErr.Code)
	assert.Equal(t, "no", rejectErr.Message)

	require.NoError(t, replied.Err())
	require.Error(t, (&envelope.QueryResponse{Status: "pending"}).Err())
}
