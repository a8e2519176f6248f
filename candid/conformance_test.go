// SPDX-License-Identifier: Apache-2.0

package candid_test

import (
	"testing"

	agentcandid "github.com/aviate-labs/agent-go/candid"
	"github.com/aviate-labs/agent-go/candid/idl"
	agentprincipal "github.com/aviate-labs/agent-go/principal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perun.network/perun-icp-agent/candid"
	"perun.network/perun-icp-agent/principal"
)

type transfer = struct {
	To     agentprincipal.Principal `ic:"to"`
	Amount uint64                   `ic:"amount"`
}

func transferType() *candid.Type {
	return candid.RecordType(
		candid.Field{Name: "to", Type: candid.PrincipalType()},
		candid.Field{Name: "amount", Type: candid.Nat64Type()},
	)
}

// Messages produced by the reference agent decode into equal values.
func TestDecodeReferenceAgentMessages(t *testing.T) {
	raw := []byte{0, 0, 0, 0, 0, 0, 4, 0xd2, 1, 1}
	data, err := idl.Marshal([]any{transfer{To: agentprincipal.Principal{Raw: raw}, Amount: 1_000_000}})
	require.NoError(t, err)

	dec, err := candid.Decode([]*candid.Type{transferType()}, data)
	require.NoError(t, err)
	rec, err := candid.AsRecord(dec[0])
	require.NoError(t, err)
	to, err := rec.Field("to")
	require.NoError(t, err)
	p, err := candid.AsPrincipal(to)
	require.NoError(t, err)
	assert.Equal(t, "rt4r7-kaaaa-aaaaa-aatja-cai", p.Encode())
	amount, err := rec.Field("amount")
	require.NoError(t, err)
	n, err := candid.AsNat(amount)
	require.NoError(t, err)
	assert.EqualValues(t, 1_000_000, n.Uint64())

	data, err = idl.Marshal([]any{"hello", true})
	require.NoError(t, err)
	dec, err = candid.Decode([]*candid.Type{candid.TextType(), candid.BoolType()}, data)
	require.NoError(t, err)
	assert.True(t, candid.Equal(candid.Text("hello"), dec[0]))
	assert.True(t, candid.Equal(candid.Bool(true), dec[1]))
}

// Messages produced here are accepted by the reference agent. Every value
// is checked as a message of its own.
func TestReferenceAgentDecodesMessages(t *testing.T) {
	for name, tc := range map[string]struct {
		typ   *candid.Type
		value candid.Value
		want  []string
	}{
		"record": {
			typ: transferType(),
			value: candid.NewRecord(
				candid.FieldValue{Name: "to", Value: candid.Principal{Principal: principal.Anonymous}},
				candid.FieldValue{Name: "amount", Value: candid.NewNat(42)},
			),
			want: []string{"2vxsx-fae", "42"},
		},
		"vec": {
			typ:   candid.VecType(candid.TextType()),
			value: candid.Vec{candid.Text("a"), candid.Text("b")},
			want:  []string{`"a"`, `"b"`},
		},
	} {
		t.Run(name, func(t *testing.T) {
			enc, err := candid.Encode([]*candid.Type{tc.typ}, []candid.Value{tc.value})
			require.NoError(t, err)

			text, err := agentcandid.DecodeValueString(enc)
			require.NoError(t, err)
			for _, w := range tc.want {
				assert.Contains(t, text, w)
			}
		})
	}
}
