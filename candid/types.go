// Copyright 2023 - See NOTICE file for copyright holders.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package candid

import (
	"sort"
	"strings"
)

// Kind tags the shape of a Type.
type Kind int8

// The kinds of types. The values are the type opcodes of the wire format.
const (
	KindNull      Kind = -1
	KindBool      Kind = -2
	KindNat       Kind = -3
	KindInt       Kind = -4
	KindNat8      Kind = -5
	KindNat16     Kind = -6
	KindNat32     Kind = -7
	KindNat64     Kind = -8
	KindInt8      Kind = -9
	KindInt16     Kind = -10
	KindInt32     Kind = -11
	KindInt64     Kind = -12
	KindFloat32   Kind = -13
	KindFloat64   Kind = -14
	KindText      Kind = -15
	KindReserved  Kind = -16
	KindEmpty     Kind = -17
	KindOpt       Kind = -18
	KindVec       Kind = -19
	KindRecord    Kind = -20
	KindVariant   Kind = -21
	KindFunc      Kind = -22
	KindService   Kind = -23
	KindPrincipal Kind = -24

	// KindRec is a forward reference that is filled after construction. It
	// never appears on the wire.
	KindRec Kind = 0
)

var kindNames = map[Kind]string{
	KindNull: "null", KindBool: "bool", KindNat: "nat", KindInt: "int",
	KindNat8: "nat8", KindNat16: "nat16", KindNat32: "nat32", KindNat64: "nat64",
	KindInt8: "int8", KindInt16: "int16", KindInt32: "int32", KindInt64: "int64",
	KindFloat32: "float32", KindFloat64: "float64", KindText: "text",
	KindReserved: "reserved", KindEmpty: "empty", KindOpt: "opt", KindVec: "vec",
	KindRecord: "record", KindVariant: "variant", KindFunc: "func",
	KindService: "service", KindPrincipal: "principal", KindRec: "rec",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// primitive reports whether k is encoded inline as an opcode.
func (k Kind) primitive() bool {
	return k <= KindNull && k >= KindEmpty || k == KindPrincipal
}

// Function annotations.
const (
	ModeQuery          = "query"
	ModeOneway         = "oneway"
	ModeCompositeQuery = "composite_query"
)

var modeCodes = map[string]byte{ModeQuery: 1, ModeOneway: 2, ModeCompositeQuery: 3}

// Type is a node of the type graph. Types are immutable once built, except
// that a Rec node is filled exactly once. Types may be shared freely.
type Type struct {
	kind    Kind
	elem    *Type
	fields  []Field
	args    []*Type
	rets    []*Type
	modes   []string
	methods []Method
	rec     *Type
}

// Field is a labeled member of a record or variant type.
type Field struct {
	Name string
	Type *Type
}

// ID returns the numeric field id of the label.
func (f Field) ID() uint32 {
	return LabelID(f.Name)
}

// Method is a named function of a service type.
type Method struct {
	Name string
	Type *Type
}

var (
	nullType      = &Type{kind: KindNull}
	boolType      = &Type{kind: KindBool}
	natType       = &Type{kind: KindNat}
	intType       = &Type{kind: KindInt}
	nat8Type      = &Type{kind: KindNat8}
	nat16Type     = &Type{kind: KindNat16}
	nat32Type     = &Type{kind: KindNat32}
	nat64Type     = &Type{kind: KindNat64}
	int8Type      = &Type{kind: KindInt8}
	int16Type     = &Type{kind: KindInt16}
	int32Type     = &Type{kind: KindInt32}
	int64Type     = &Type{kind: KindInt64}
	float32Type   = &Type{kind: KindFloat32}
	float64Type   = &Type{kind: KindFloat64}
	textType      = &Type{kind: KindText}
	reservedType  = &Type{kind: KindReserved}
	emptyType     = &Type{kind: KindEmpty}
	principalType = &Type{kind: KindPrincipal}
)

func NullType() *Type      { return nullType }
func BoolType() *Type      { return boolType }
func NatType() *Type       { return natType }
func IntType() *Type       { return intType }
func Nat8Type() *Type      { return nat8Type }
func Nat16Type() *Type     { return nat16Type }
func Nat32Type() *Type     { return nat32Type }
func Nat64Type() *Type     { return nat64Type }
func Int8Type() *Type      { return int8Type }
func Int16Type() *Type     { return int16Type }
func Int32Type() *Type     { return int32Type }
func Int64Type() *Type     { return int64Type }
func Float32Type() *Type   { return float32Type }
func Float64Type() *Type   { return float64Type }
func TextType() *Type      { return textType }
func ReservedType() *Type  { return reservedType }
func EmptyType() *Type     { return emptyType }
func PrincipalType() *Type { return principalType }

// VecType returns the type of vectors of t.
func VecType(t *Type) *Type {
	return &Type{kind: KindVec, elem: t}
}

// BlobType is vec nat8.
func BlobType() *Type {
	return VecType(nat8Type)
}

// OptType returns the type of optional values of t.
func OptType(t *Type) *Type {
	return &Type{kind: KindOpt, elem: t}
}

// RecordType returns a record type. Fields are sorted by their ids.
func RecordType(fields ...Field) *Type {
	return &Type{kind: KindRecord, fields: sortFields(fields)}
}

// VariantType returns a variant type. Alternatives are sorted by their ids.
func VariantType(fields ...Field) *Type {
	return &Type{kind: KindVariant, fields: sortFields(fields)}
}

// TupleType returns a record with the numeric labels 0..n-1.
func TupleType(types ...*Type) *Type {
	fields := make([]Field, len(types))
	for i, t := range types {
		fields[i] = Field{Name: itoa(uint32(i)), Type: t}
	}
	return RecordType(fields...)
}

// FuncType returns a function type with the given annotations.
func FuncType(args, rets []*Type, modes ...string) *Type {
	return &Type{kind: KindFunc, args: args, rets: rets, modes: modes}
}

// ServiceType returns a service type. Methods are sorted by name.
func ServiceType(methods ...Method) *Type {
	ms := append([]Method{}, methods...)
	sort.Slice(ms, func(i, j int) bool { return ms[i].Name < ms[j].Name })
	return &Type{kind: KindService, methods: ms}
}

// RecType returns an unfilled recursive placeholder. It must be filled with
// Fill before the type is used.
func RecType() *Type {
	return &Type{kind: KindRec}
}

// Fill resolves the placeholder to target. It fails if the placeholder was
// already filled or target is a chain of placeholders leading back to it.
func (t *Type) Fill(target *Type) error {
	if t.kind != KindRec {
		return ErrNotRec
	}
	if t.rec != nil {
		return ErrRecAlreadyFilled
	}
	for r := target; r != nil && r.kind == KindRec; r = r.rec {
		if r == t {
			return ErrRecCycle
		}
	}
	t.rec = target
	return nil
}

// resolve follows Rec placeholders to the underlying type.
func (t *Type) resolve() (*Type, error) {
	for i := 0; t != nil && t.kind == KindRec; i++ {
		if t.rec == nil || i > MaxDepth {
			return nil, ErrRecUnresolved
		}
		t = t.rec
	}
	if t == nil {
		return nil, ErrNilType
	}
	return t, nil
}

// Kind returns the kind of the type with Rec placeholders resolved. An
// unresolved placeholder reports KindRec.
func (t *Type) Kind() Kind {
	r, err := t.resolve()
	if err != nil {
		return KindRec
	}
	return r.kind
}

// Elem returns the element type of vec and opt types.
func (t *Type) Elem() *Type { return t.mustResolve().elem }

// Fields returns the fields of record and variant types in wire order.
func (t *Type) Fields() []Field { return t.mustResolve().fields }

// Args returns the argument types of a function type.
func (t *Type) Args() []*Type { return t.mustResolve().args }

// Rets returns the result types of a function type.
func (t *Type) Rets() []*Type { return t.mustResolve().rets }

// Modes returns the annotations of a function type.
func (t *Type) Modes() []string { return t.mustResolve().modes }

// Methods returns the methods of a service type sorted by name.
func (t *Type) Methods() []Method { return t.mustResolve().methods }

// HasMode reports whether a function type carries the annotation.
func (t *Type) HasMode(mode string) bool {
	for _, m := range t.Modes() {
		if m == mode {
			return true
		}
	}
	return false
}

// Method looks up a method of a service type.
func (t *Type) Method(name string) (*Type, bool) {
	for _, m := range t.Methods() {
		if m.Name == name {
			return m.Type, true
		}
	}
	return nil, false
}

// Field looks up a record field or variant alternative by id.
func (t *Type) Field(id uint32) (Field, int, bool) {
	fields := t.Fields()
	i := sort.Search(len(fields), func(i int) bool { return fields[i].ID() >= id })
	if i < len(fields) && fields[i].ID() == id {
		return fields[i], i, true
	}
	return Field{}, -1, false
}

func (t *Type) mustResolve() *Type {
	r, err := t.resolve()
	if err != nil {
		return &Type{kind: KindRec}
	}
	return r
}

// String renders the type in Candid syntax. Recursive references are
// rendered as μ.
func (t *Type) String() string {
	var b strings.Builder
	t.write(&b, map[*Type]bool{})
	return b.String()
}

func (t *Type) write(b *strings.Builder, seen map[*Type]bool) {
	r, err := t.resolve()
	if err != nil {
		b.WriteString("rec?")
		return
	}
	if seen[r] {
		b.WriteString("μ")
		return
	}
	if r.kind.primitive() {
		b.WriteString(r.kind.String())
		return
	}
	seen[r] = true
	defer delete(seen, r)

	switch r.kind {
	case KindOpt, KindVec:
		b.WriteString(r.kind.String() + " ")
		r.elem.write(b, seen)
	case KindRecord, KindVariant:
		b.WriteString(r.kind.String() + " {")
		for i, f := range r.fields {
			if i > 0 {
				b.WriteString(";")
			}
			b.WriteString(" " + f.Name + " : ")
			f.Type.write(b, seen)
		}
		b.WriteString(" }")
	case KindFunc:
		b.WriteString("func ")
		writeTuple(b, r.args, seen)
		b.WriteString(" -> ")
		writeTuple(b, r.rets, seen)
		for _, m := range r.modes {
			b.WriteString(" " + m)
		}
	case KindService:
		b.WriteString("service {")
		for _, m := range r.methods {
			b.WriteString(" " + m.Name + " : ")
			m.Type.write(b, seen)
			b.WriteString(";")
		}
		b.WriteString(" }")
	}
}

func writeTuple(b *strings.Builder, ts []*Type, seen map[*Type]bool) {
	b.WriteString("(")
	for i, t := range ts {
		if i > 0 {
			b.WriteString(", ")
		}
		t.write(b, seen)
	}
	b.WriteString(")")
}

func sortFields(fields []Field) []Field {
	fs := append([]Field{}, fields...)
	sort.SliceStable(fs, func(i, j int) bool { return fs[i].ID() < fs[j].ID() })
	return fs
}
