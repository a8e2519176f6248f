// SPDX-License-Identifier: Apache-2.0

package candid_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perun.network/perun-icp-agent/candid"
	"perun.network/perun-icp-agent/principal"
)

func TestFieldIDs(t *testing.T) {
	ids := map[string]uint32{
		"to":     25979,
		"amount": 3573748184,
		"a":      97,
		"foo":    5097222,
		"name":   1224700491,
		"status": 100394802,
		"reply":  3871738154,
		"ok":     24860,
		"err":    5048165,
		"0":      0,
		"42":     42,
		"007":    candid.Hash("007"),
	}
	for label, id := range ids {
		assert.Equal(t, id, candid.LabelID(label), label)
	}
}

func TestFormatWithUnderscores(t *testing.T) {
	tests := map[int64]string{
		0:          "0",
		999:        "999",
		1000:       "1_000",
		1234567:    "1_234_567",
		-100000000: "-100_000_000",
	}
	for n, want := range tests {
		assert.Equal(t, want, candid.FormatWithUnderscores(big.NewInt(n)))
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		v    candid.Value
		want string
	}{
		{candid.NewNat(1000), "1_000"},
		{candid.NewInt(-5), "-5"},
		{candid.NewInt(5), "+5"},
		{candid.Bytes{0xde, 0xad}, `blob "\de\ad"`},
		{candid.Vec{candid.NewNat(1), candid.NewNat(2)}, "vec { 1; 2 }"},
		{candid.Vec{}, "vec {}"},
		{candid.None(), "null"},
		{candid.Some(candid.Text("x")), `opt "x"`},
		{candid.Principal{Principal: principal.ManagementCanister}, `principal "aaaaa-aa"`},
		{candid.Variant{Name: "ok", Value: candid.NewNat(1)}, "variant { ok = 1 }"},
		{candid.Variant{Name: "none", Value: candid.Null{}}, "variant { none }"},
		{
			candid.NewRecord(
				candid.FieldValue{Name: "amount", Value: candid.NewNat(1000)},
				candid.FieldValue{Name: "to", Value: candid.Principal{Principal: principal.Anonymous}},
			),
			`record { to = principal "2vxsx-fae"; amount = 1_000 }`,
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.v.String())
	}
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "record { to : principal; amount : nat64 }", transferType().String())

	l := candid.RecType()
	require.NoError(t, l.Fill(candid.OptType(candid.RecordType(
		candid.Field{Name: "head", Type: candid.NatType()},
		candid.Field{Name: "tail", Type: l},
	))))
	assert.Equal(t, "opt record { head : nat; tail : μ }", l.String())
}

func TestProjections(t *testing.T) {
	_, err := candid.AsRecord(candid.NewNat(1))
	var perr *candid.ProjectionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "record", perr.Want)

	_, err = candid.NewRecord().Field("missing")
	require.ErrorAs(t, err, &perr)

	b, err := candid.AsBytes(candid.Vec{candid.NewNat(1), candid.NewNat(255)})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 255}, b)
	_, err = candid.AsBytes(candid.Vec{candid.NewNat(256)})
	require.Error(t, err)

	vec, err := candid.AsVec(candid.Bytes{7})
	require.NoError(t, err)
	assert.True(t, candid.Equal(candid.Vec{candid.NewNat(7)}, candid.Vec(vec)))
}
