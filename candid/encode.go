// SPDX-License-Identifier: Apache-2.0

package candid

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Magic starts every Candid message.
var Magic = []byte("DIDL")

// Encode serializes values under their declared types into a Candid
// message. The output is deterministic for equal inputs.
func Encode(types []*Type, values []Value) ([]byte, error) {
	if len(types) != len(values) {
		return nil, &EncodeError{Reason: fmt.Sprintf("%d types for %d values", len(types), len(values))}
	}
	tt := newTypeTable()
	refs := make([]int64, len(types))
	for i, t := range types {
		ref, err := tt.ref(t, 0)
		if err != nil {
			return nil, &EncodeError{Path: argPath(i), Reason: "building type table", Err: err}
		}
		refs[i] = ref
	}

	var buf bytes.Buffer
	buf.Write(Magic)
	appendUint(&buf, uint64(len(tt.entries)))
	for _, e := range tt.entries {
		buf.Write(e)
	}
	appendUint(&buf, uint64(len(refs)))
	for _, r := range refs {
		appendInt(&buf, r)
	}
	for i, v := range values {
		if err := encodeValue(&buf, types[i], v, argPath(i), 0); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func argPath(i int) string {
	return fmt.Sprintf("arg%d", i)
}

// typeTable collects the compound types of a message in post order. A type
// that is referenced while its own body is still being built gets its slot
// reserved at that point.
type typeTable struct {
	entries [][]byte
	index   map[*Type]int64
	bodies  map[string]int64
	open    map[*Type]bool
}

func newTypeTable() *typeTable {
	return &typeTable{
		index:  make(map[*Type]int64),
		bodies: make(map[string]int64),
		open:   make(map[*Type]bool),
	}
}

// ref returns the table reference of t: a negative opcode for primitive
// types and a table index otherwise.
func (tt *typeTable) ref(t *Type, depth int) (int64, error) {
	if depth > MaxDepth {
		return 0, ErrTooDeep
	}
	r, err := t.resolve()
	if err != nil {
		return 0, err
	}
	if r.kind.primitive() {
		return int64(r.kind), nil
	}
	if idx, ok := tt.index[r]; ok {
		return idx, nil
	}
	if tt.open[r] {
		idx := int64(len(tt.entries))
		tt.entries = append(tt.entries, nil)
		tt.index[r] = idx
		return idx, nil
	}

	tt.open[r] = true
	body, err := tt.body(r, depth)
	delete(tt.open, r)
	if err != nil {
		return 0, err
	}
	if idx, ok := tt.index[r]; ok {
		tt.entries[idx] = body
		return idx, nil
	}
	if idx, ok := tt.bodies[string(body)]; ok {
		tt.index[r] = idx
		return idx, nil
	}
	idx := int64(len(tt.entries))
	tt.entries = append(tt.entries, body)
	tt.index[r] = idx
	tt.bodies[string(body)] = idx
	return idx, nil
}

func (tt *typeTable) body(t *Type, depth int) ([]byte, error) {
	var buf bytes.Buffer
	appendInt(&buf, int64(t.kind))
	switch t.kind {
	case KindOpt, KindVec:
		ref, err := tt.ref(t.elem, depth+1)
		if err != nil {
			return nil, err
		}
		appendInt(&buf, ref)
	case KindRecord, KindVariant:
		appendUint(&buf, uint64(len(t.fields)))
		for i, f := range t.fields {
			if i > 0 && t.fields[i-1].ID() == f.ID() {
				return nil, errors.Errorf("duplicate field id %d (%s, %s)", f.ID(), t.fields[i-1].Name, f.Name)
			}
			ref, err := tt.ref(f.Type, depth+1)
			if err != nil {
				return nil, err
			}
			appendUint(&buf, uint64(f.ID()))
			appendInt(&buf, ref)
		}
	case KindFunc:
		if err := tt.refs(&buf, t.args, depth); err != nil {
			return nil, err
		}
		if err := tt.refs(&buf, t.rets, depth); err != nil {
			return nil, err
		}
		appendUint(&buf, uint64(len(t.modes)))
		for _, m := range t.modes {
			code, ok := modeCodes[m]
			if !ok {
				return nil, errors.Errorf("unknown function annotation %q", m)
			}
			buf.WriteByte(code)
		}
	case KindService:
		appendUint(&buf, uint64(len(t.methods)))
		for _, m := range t.methods {
			ref, err := tt.ref(m.Type, depth+1)
			if err != nil {
				return nil, err
			}
			appendUint(&buf, uint64(len(m.Name)))
			buf.WriteString(m.Name)
			appendInt(&buf, ref)
		}
	default:
		return nil, errors.Wrapf(ErrUnknownOpcode, "kind %v", t.kind)
	}
	return buf.Bytes(), nil
}

func (tt *typeTable) refs(buf *bytes.Buffer, ts []*Type, depth int) error {
	appendUint(buf, uint64(len(ts)))
	for _, t := range ts {
		ref, err := tt.ref(t, depth+1)
		if err != nil {
			return err
		}
		appendInt(buf, ref)
	}
	return nil
}

func encodeValue(buf *bytes.Buffer, t *Type, v Value, path string, depth int) error {
	if depth > MaxDepth {
		return &EncodeError{Path: path, Reason: "value", Err: ErrTooDeep}
	}
	r, err := t.resolve()
	if err != nil {
		return &EncodeError{Path: path, Reason: "type", Err: err}
	}
	mismatch := func() error {
		return &EncodeError{Path: path, Reason: fmt.Sprintf("cannot encode %T as %v", v, r.kind)}
	}

	switch r.kind {
	case KindNull:
		if _, ok := v.(Null); !ok {
			return mismatch()
		}
	case KindReserved:
	case KindEmpty:
		return &EncodeError{Path: path, Reason: "empty has no values"}
	case KindBool:
		b, ok := v.(Bool)
		if !ok {
			return mismatch()
		}
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindNat:
		n, ok := v.(Nat)
		if !ok {
			return mismatch()
		}
		if n.BigInt().Sign() < 0 {
			return &EncodeError{Path: path, Reason: "negative nat"}
		}
		if err := appendLEB(buf, n.BigInt()); err != nil {
			return &EncodeError{Path: path, Reason: "nat", Err: err}
		}
	case KindInt:
		n, err := AsInt(v)
		if err != nil {
			return mismatch()
		}
		if err := appendSLEB(buf, n); err != nil {
			return &EncodeError{Path: path, Reason: "int", Err: err}
		}
	case KindNat8, KindNat16, KindNat32, KindNat64, KindInt8, KindInt16, KindInt32, KindInt64:
		size, signed, _ := fixedWidth(r.kind)
		if _, isInt := v.(Int); isInt && !signed {
			return mismatch()
		}
		num, err := AsInt(v)
		if err != nil {
			return mismatch()
		}
		if !inRange(num, size, signed) {
			return &EncodeError{Path: path, Reason: fmt.Sprintf("%s out of range for %v", num, r.kind)}
		}
		buf.Write(fixedBytes(num, size))
	case KindFloat32:
		f, ok := v.(Float32)
		if !ok {
			return mismatch()
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(f)))
		buf.Write(b[:])
	case KindFloat64:
		f, ok := v.(Float64)
		if !ok {
			return mismatch()
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(float64(f)))
		buf.Write(b[:])
	case KindText:
		s, ok := v.(Text)
		if !ok {
			return mismatch()
		}
		if !utf8.ValidString(string(s)) {
			return &EncodeError{Path: path, Reason: "text is not valid utf-8"}
		}
		appendUint(buf, uint64(len(s)))
		buf.WriteString(string(s))
	case KindPrincipal:
		p, ok := v.(Principal)
		if !ok {
			return mismatch()
		}
		appendPrincipal(buf, p.Raw)
	case KindService:
		s, ok := v.(Service)
		if !ok {
			return mismatch()
		}
		appendPrincipal(buf, s.Raw)
	case KindFunc:
		f, ok := v.(Func)
		if !ok {
			return mismatch()
		}
		buf.WriteByte(1)
		appendPrincipal(buf, f.Service.Raw)
		appendUint(buf, uint64(len(f.Method)))
		buf.WriteString(f.Method)
	case KindOpt:
		o, ok := v.(Opt)
		if !ok {
			return mismatch()
		}
		if o.Value == nil {
			buf.WriteByte(0)
			return nil
		}
		buf.WriteByte(1)
		return encodeValue(buf, r.elem, o.Value, path+"?", depth+1)
	case KindVec:
		return encodeVec(buf, r, v, path, depth)
	case KindRecord:
		rec, ok := v.(Record)
		if !ok {
			return mismatch()
		}
		return encodeRecord(buf, r, rec, path, depth)
	case KindVariant:
		vv, ok := v.(Variant)
		if !ok {
			return mismatch()
		}
		f, idx, ok := r.Field(vv.ID())
		if !ok {
			return &EncodeError{Path: path, Reason: fmt.Sprintf("unknown variant alternative %q", vv.Name)}
		}
		appendUint(buf, uint64(idx))
		val := vv.Value
		if val == nil {
			val = Null{}
		}
		return encodeValue(buf, f.Type, val, path+"."+f.Name, depth+1)
	default:
		return &EncodeError{Path: path, Reason: "type", Err: ErrUnknownOpcode}
	}
	return nil
}

func appendPrincipal(buf *bytes.Buffer, raw []byte) {
	buf.WriteByte(1)
	appendUint(buf, uint64(len(raw)))
	buf.Write(raw)
}

func encodeVec(buf *bytes.Buffer, t *Type, v Value, path string, depth int) error {
	switch vec := v.(type) {
	case Bytes:
		if t.elem.Kind() != KindNat8 {
			return &EncodeError{Path: path, Reason: fmt.Sprintf("cannot encode blob as vec %v", t.elem.Kind())}
		}
		appendUint(buf, uint64(len(vec)))
		buf.Write(vec)
		return nil
	case Vec:
		appendUint(buf, uint64(len(vec)))
		for i, e := range vec {
			if err := encodeValue(buf, t.elem, e, fmt.Sprintf("%s[%d]", path, i), depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return &EncodeError{Path: path, Reason: fmt.Sprintf("cannot encode %T as vec", v)}
}

func encodeRecord(buf *bytes.Buffer, t *Type, rec Record, path string, depth int) error {
	byID := make(map[uint32]Value, len(rec))
	for _, f := range rec {
		if _, dup := byID[f.ID()]; dup {
			return &EncodeError{Path: path, Reason: fmt.Sprintf("duplicate field %q", f.Name)}
		}
		if _, _, ok := t.Field(f.ID()); !ok {
			return &EncodeError{Path: path, Reason: fmt.Sprintf("unknown field %q", f.Name)}
		}
		byID[f.ID()] = f.Value
	}
	for _, f := range t.fields {
		val, ok := byID[f.ID()]
		if !ok {
			switch f.Type.Kind() {
			case KindOpt:
				val = None()
			case KindNull:
				val = Null{}
			case KindReserved:
				val = Reserved{}
			default:
				return &EncodeError{Path: path, Reason: fmt.Sprintf("missing field %q", f.Name)}
			}
		}
		if err := encodeValue(buf, f.Type, val, path+"."+f.Name, depth+1); err != nil {
			return err
		}
	}
	return nil
}
