// SPDX-License-Identifier: Apache-2.0

package candid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perun.network/perun-icp-agent/candid"
)

func field(name string, t *candid.Type) candid.Field {
	return candid.Field{Name: name, Type: t}
}

func value(name string, v candid.Value) candid.FieldValue {
	return candid.FieldValue{Name: name, Value: v}
}

func reencode(t *testing.T, from, to *candid.Type, v candid.Value) (candid.Value, error) {
	t.Helper()
	enc, err := candid.Encode([]*candid.Type{from}, []candid.Value{v})
	require.NoError(t, err)
	dec, err := candid.Decode([]*candid.Type{to}, enc)
	if err != nil {
		return nil, err
	}
	return dec[0], nil
}

func TestSubtypeExtraOptionalField(t *testing.T) {
	v1 := candid.RecordType(field("to", candid.TextType()), field("amount", candid.NatType()))
	v2 := candid.RecordType(
		field("to", candid.TextType()),
		field("amount", candid.IntType()),
		field("memo", candid.OptType(candid.Nat64Type())),
		field("note", candid.NullType()),
		field("extra", candid.ReservedType()),
	)
	got, err := reencode(t, v1, v2, candid.NewRecord(
		value("to", candid.Text("bob")),
		value("amount", candid.NewNat(5)),
	))
	require.NoError(t, err)

	rec, err := candid.AsRecord(got)
	require.NoError(t, err)
	amount, err := rec.Field("amount")
	require.NoError(t, err)
	n, err := candid.AsInt(amount)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n.Int64())
	memo, err := rec.Field("memo")
	require.NoError(t, err)
	assert.True(t, candid.Equal(candid.None(), memo))
	note, err := rec.Field("note")
	require.NoError(t, err)
	assert.True(t, candid.Equal(candid.Null{}, note))
}

func TestSubtypeSkipsUnknownFields(t *testing.T) {
	wide := candid.RecordType(
		field("a", candid.NatType()),
		field("b", candid.VecType(candid.TextType())),
		field("c", candid.OptType(candid.RecordType(field("x", candid.IntType())))),
	)
	narrow := candid.RecordType(field("a", candid.NatType()))
	got, err := reencode(t, wide, narrow, candid.NewRecord(
		value("a", candid.NewNat(7)),
		value("b", candid.Vec{candid.Text("x"), candid.Text("y")}),
		value("c", candid.Some(candid.NewRecord(value("x", candid.NewInt(-1))))),
	))
	require.NoError(t, err)
	assert.True(t, candid.Equal(candid.NewRecord(value("a", candid.NewNat(7))), got))
}

func TestSubtypeMissingRequiredField(t *testing.T) {
	narrow := candid.RecordType(field("a", candid.NatType()))
	wide := candid.RecordType(field("a", candid.NatType()), field("b", candid.TextType()))
	_, err := reencode(t, narrow, wide, candid.NewRecord(value("a", candid.NewNat(1))))
	require.ErrorIs(t, err, candid.ErrTypeMismatch)
}

func TestSubtypeOpt(t *testing.T) {
	tests := []struct {
		name string
		from *candid.Type
		to   *candid.Type
		v    candid.Value
		want candid.Value
	}{
		{"null into opt", candid.NullType(), candid.OptType(candid.NatType()), candid.Null{}, candid.None()},
		{"reserved into opt", candid.ReservedType(), candid.OptType(candid.NatType()), candid.Reserved{}, candid.None()},
		{"bare into opt", candid.NatType(), candid.OptType(candid.NatType()), candid.NewNat(3), candid.Some(candid.NewNat(3))},
		{"nat into opt int", candid.NatType(), candid.OptType(candid.IntType()), candid.NewNat(3), candid.Some(candid.NewInt(3))},
		{"mismatch into opt", candid.TextType(), candid.OptType(candid.NatType()), candid.Text("x"), candid.None()},
		{
			"mismatched inner opt",
			candid.OptType(candid.TextType()), candid.OptType(candid.NatType()),
			candid.Some(candid.Text("x")), candid.None(),
		},
		{
			"variant with unknown alternative into opt",
			candid.VariantType(field("a", candid.NullType()), field("b", candid.NullType())),
			candid.OptType(candid.VariantType(field("a", candid.NullType()))),
			candid.Variant{Name: "b", Value: candid.Null{}}, candid.None(),
		},
		{"anything into reserved", candid.VecType(candid.TextType()), candid.ReservedType(), candid.Vec{candid.Text("z")}, candid.Reserved{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reencode(t, tt.from, tt.to, tt.v)
			require.NoError(t, err)
			assert.True(t, candid.Equal(tt.want, got), "got %v want %v", got, tt.want)
		})
	}
}

func TestSubtypeVariant(t *testing.T) {
	narrow := candid.VariantType(field("ok", candid.NatType()))
	wide := candid.VariantType(field("ok", candid.NatType()), field("err", candid.TextType()))

	got, err := reencode(t, narrow, wide, candid.Variant{Name: "ok", Value: candid.NewNat(1)})
	require.NoError(t, err)
	assert.True(t, candid.Equal(candid.Variant{Name: "ok", Value: candid.NewNat(1)}, got))

	_, err = reencode(t, wide, narrow, candid.Variant{Name: "err", Value: candid.Text("boom")})
	require.ErrorIs(t, err, candid.ErrTypeMismatch)
}

func TestSubtypeArguments(t *testing.T) {
	enc, err := candid.Encode(
		[]*candid.Type{candid.NatType(), candid.TextType()},
		[]candid.Value{candid.NewNat(1), candid.Text("dropped")},
	)
	require.NoError(t, err)

	dec, err := candid.Decode([]*candid.Type{candid.NatType()}, enc)
	require.NoError(t, err)
	assert.Len(t, dec, 1)

	dec, err = candid.Decode([]*candid.Type{candid.NatType(), candid.TextType(), candid.OptType(candid.BoolType())}, enc)
	require.NoError(t, err)
	assert.True(t, candid.Equal(candid.None(), dec[2]))
}

func TestSubtypeFixedWidthMustMatch(t *testing.T) {
	_, err := reencode(t, candid.Nat8Type(), candid.Nat16Type(), candid.NewNat(1))
	require.ErrorIs(t, err, candid.ErrTypeMismatch)

	got, err := reencode(t, candid.Nat8Type(), candid.OptType(candid.Nat16Type()), candid.NewNat(1))
	require.NoError(t, err)
	assert.True(t, candid.Equal(candid.None(), got))
}
