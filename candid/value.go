// SPDX-License-Identifier: Apache-2.0

package candid

import (
	"bytes"
	"math"
	"math/big"
	"sort"

	"perun.network/perun-icp-agent/principal"
)

// Value is a decoded or to-be-encoded Candid value. The set of
// implementations is closed; the declared Type decides the wire width of
// numbers, so Nat and Int cover all of their fixed-width variants.
type Value interface {
	isValue()
	String() string
}

type (
	// Null is the only value of null.
	Null struct{}
	// Bool is a bool value.
	Bool bool
	// Nat is an arbitrary-precision natural number, used for nat and
	// nat8..nat64.
	Nat struct{ v *big.Int }
	// Int is an arbitrary-precision integer, used for int and int8..int64.
	Int struct{ v *big.Int }
	// Float32 is a float32 value.
	Float32 float32
	// Float64 is a float64 value.
	Float64 float64
	// Text is a text value.
	Text string
	// Bytes is a vec nat8 value.
	Bytes []byte
	// Vec is a vector value.
	Vec []Value
	// Opt is an optional value. A nil Value is absent.
	Opt struct{ Value Value }
	// Record is a record value. Fields are matched to the type by label.
	Record []FieldValue
	// Variant is a variant value holding one alternative.
	Variant FieldValue
	// Principal is a principal value.
	Principal struct{ principal.Principal }
	// Reserved is the value of reserved.
	Reserved struct{}
	// Func is a reference to a public method of a service.
	Func struct {
		Service principal.Principal
		Method  string
	}
	// Service is a reference to a service.
	Service struct{ principal.Principal }
)

// FieldValue is a labeled value of a record or variant.
type FieldValue struct {
	Name  string
	Value Value
}

// ID returns the field id of the label.
func (f FieldValue) ID() uint32 {
	return LabelID(f.Name)
}

func (Null) isValue()      {}
func (Bool) isValue()      {}
func (Nat) isValue()       {}
func (Int) isValue()       {}
func (Float32) isValue()   {}
func (Float64) isValue()   {}
func (Text) isValue()      {}
func (Bytes) isValue()     {}
func (Vec) isValue()       {}
func (Opt) isValue()       {}
func (Record) isValue()    {}
func (Variant) isValue()   {}
func (Principal) isValue() {}
func (Reserved) isValue()  {}
func (Func) isValue()      {}
func (Service) isValue()   {}

// NewNat returns a Nat of n.
func NewNat(n uint64) Nat {
	return Nat{new(big.Int).SetUint64(n)}
}

// NewBigNat returns a Nat of a copy of n. Negative n is rejected when the
// value is encoded.
func NewBigNat(n *big.Int) Nat {
	return Nat{new(big.Int).Set(n)}
}

// BigInt returns a copy of the number.
func (n Nat) BigInt() *big.Int {
	if n.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(n.v)
}

// Uint64 returns the number if it fits into 64 bits.
func (n Nat) Uint64() (uint64, bool) {
	b := n.BigInt()
	return b.Uint64(), b.Sign() >= 0 && b.IsUint64()
}

// NewInt returns an Int of n.
func NewInt(n int64) Int {
	return Int{big.NewInt(n)}
}

// NewBigInt returns an Int of a copy of n.
func NewBigInt(n *big.Int) Int {
	return Int{new(big.Int).Set(n)}
}

// BigInt returns a copy of the number.
func (i Int) BigInt() *big.Int {
	if i.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(i.v)
}

// Int64 returns the number if it fits into 64 bits.
func (i Int) Int64() (int64, bool) {
	b := i.BigInt()
	return b.Int64(), b.IsInt64()
}

// Some returns a present optional value.
func Some(v Value) Opt {
	return Opt{Value: v}
}

// None returns an absent optional value.
func None() Opt {
	return Opt{}
}

// Get returns the inner value and whether it is present.
func (o Opt) Get() (Value, bool) {
	return o.Value, o.Value != nil
}

// payload returns the value of the alternative. A nil value is encoded as
// null.
func (v Variant) payload() Value {
	if v.Value == nil {
		return Null{}
	}
	return v.Value
}

// NewRecord builds a record from its fields.
func NewRecord(fields ...FieldValue) Record {
	return Record(fields)
}

// Field returns the value of the field with the given label.
func (r Record) Field(name string) (Value, error) {
	id := LabelID(name)
	for _, f := range r {
		if f.ID() == id {
			return f.Value, nil
		}
	}
	return nil, &ProjectionError{Want: "record field " + name, Got: r}
}

// sorted returns the fields ordered by id.
func (r Record) sorted() Record {
	s := append(Record{}, r...)
	sort.SliceStable(s, func(i, j int) bool { return s[i].ID() < s[j].ID() })
	return s
}

// AsRecord projects v to a Record.
func AsRecord(v Value) (Record, error) {
	if r, ok := v.(Record); ok {
		return r, nil
	}
	return nil, &ProjectionError{Want: "record", Got: v}
}

// AsVariant projects v to a Variant.
func AsVariant(v Value) (Variant, error) {
	if r, ok := v.(Variant); ok {
		return r, nil
	}
	return Variant{}, &ProjectionError{Want: "variant", Got: v}
}

// AsOpt projects v to an Opt.
func AsOpt(v Value) (Opt, error) {
	if r, ok := v.(Opt); ok {
		return r, nil
	}
	return Opt{}, &ProjectionError{Want: "opt", Got: v}
}

// AsBytes projects v to a byte slice. A Vec of nat values below 256 is
// accepted.
func AsBytes(v Value) ([]byte, error) {
	switch b := v.(type) {
	case Bytes:
		return b, nil
	case Vec:
		out := make([]byte, len(b))
		for i, e := range b {
			n, ok := e.(Nat)
			if !ok {
				return nil, &ProjectionError{Want: "vec nat8", Got: v}
			}
			u, ok := n.Uint64()
			if !ok || u > math.MaxUint8 {
				return nil, &ProjectionError{Want: "vec nat8", Got: v}
			}
			out[i] = byte(u)
		}
		return out, nil
	}
	return nil, &ProjectionError{Want: "blob", Got: v}
}

// AsText projects v to a string.
func AsText(v Value) (string, error) {
	if t, ok := v.(Text); ok {
		return string(t), nil
	}
	return "", &ProjectionError{Want: "text", Got: v}
}

// AsNat projects v to a natural number.
func AsNat(v Value) (*big.Int, error) {
	if n, ok := v.(Nat); ok {
		return n.BigInt(), nil
	}
	return nil, &ProjectionError{Want: "nat", Got: v}
}

// AsInt projects v to an integer. Nat values are accepted.
func AsInt(v Value) (*big.Int, error) {
	switch n := v.(type) {
	case Int:
		return n.BigInt(), nil
	case Nat:
		return n.BigInt(), nil
	}
	return nil, &ProjectionError{Want: "int", Got: v}
}

// AsBool projects v to a bool.
func AsBool(v Value) (bool, error) {
	if b, ok := v.(Bool); ok {
		return bool(b), nil
	}
	return false, &ProjectionError{Want: "bool", Got: v}
}

// AsVec projects v to a slice of values. Bytes are expanded to Nat values.
func AsVec(v Value) ([]Value, error) {
	switch vec := v.(type) {
	case Vec:
		return vec, nil
	case Bytes:
		out := make([]Value, len(vec))
		for i, b := range vec {
			out[i] = NewNat(uint64(b))
		}
		return out, nil
	}
	return nil, &ProjectionError{Want: "vec", Got: v}
}

// AsPrincipal projects v to a principal.
func AsPrincipal(v Value) (principal.Principal, error) {
	if p, ok := v.(Principal); ok {
		return p.Principal, nil
	}
	return principal.Principal{}, &ProjectionError{Want: "principal", Got: v}
}

// Equal reports whether two values are structurally equal. Record fields
// are compared by label regardless of order.
func Equal(a, b Value) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case Null:
		_, ok := b.(Null)
		return ok
	case Reserved:
		_, ok := b.(Reserved)
		return ok
	case Bool:
		y, ok := b.(Bool)
		return ok && x == y
	case Nat:
		y, ok := b.(Nat)
		return ok && x.BigInt().Cmp(y.BigInt()) == 0
	case Int:
		y, ok := b.(Int)
		return ok && x.BigInt().Cmp(y.BigInt()) == 0
	case Float32:
		y, ok := b.(Float32)
		return ok && (x == y || math.IsNaN(float64(x)) && math.IsNaN(float64(y)))
	case Float64:
		y, ok := b.(Float64)
		return ok && (x == y || math.IsNaN(float64(x)) && math.IsNaN(float64(y)))
	case Text:
		y, ok := b.(Text)
		return ok && x == y
	case Bytes:
		y, ok := b.(Bytes)
		return ok && bytes.Equal(x, y)
	case Vec:
		y, ok := b.(Vec)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case Opt:
		y, ok := b.(Opt)
		return ok && Equal(x.Value, y.Value)
	case Record:
		y, ok := b.(Record)
		if !ok || len(x) != len(y) {
			return false
		}
		xs, ys := x.sorted(), y.sorted()
		for i := range xs {
			if xs[i].ID() != ys[i].ID() || !Equal(xs[i].Value, ys[i].Value) {
				return false
			}
		}
		return true
	case Variant:
		y, ok := b.(Variant)
		return ok && x.ID() == y.ID() && Equal(x.payload(), y.payload())
	case Principal:
		y, ok := b.(Principal)
		return ok && x.Equal(y.Principal)
	case Func:
		y, ok := b.(Func)
		return ok && x.Method == y.Method && x.Service.Equal(y.Service)
	case Service:
		y, ok := b.(Service)
		return ok && x.Equal(y.Principal)
	}
	return false
}

// ID returns the field id of the alternative.
func (v Variant) ID() uint32 {
	return LabelID(v.Name)
}
