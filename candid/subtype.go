// SPDX-License-Identifier: Apache-2.0

package candid

// subtyper decides whether values of a wire type can be decoded into an
// expected type. Recursive types are compared coinductively: a pair under
// comparison is assumed to match.
type subtyper struct {
	memo map[[2]*Type]bool
}

func newSubtyper() *subtyper {
	return &subtyper{memo: make(map[[2]*Type]bool)}
}

func (s *subtyper) subtype(wire, exp *Type) bool {
	w, err := wire.resolve()
	if err != nil {
		return false
	}
	e, err := exp.resolve()
	if err != nil {
		return false
	}
	key := [2]*Type{w, e}
	if res, ok := s.memo[key]; ok {
		return res
	}
	s.memo[key] = true
	res := s.check(w, e)
	s.memo[key] = res
	return res
}

func (s *subtyper) check(w, e *Type) bool {
	switch {
	case e.kind == KindReserved, e.kind == KindOpt, w.kind == KindEmpty:
		return true
	case w.kind == KindNat && e.kind == KindInt:
		return true
	case w.kind != e.kind:
		return false
	}

	switch e.kind {
	case KindVec:
		return s.subtype(w.elem, e.elem)
	case KindRecord:
		for _, ef := range e.fields {
			wf, _, ok := w.Field(ef.ID())
			if !ok {
				if !defaultable(ef.Type) {
					return false
				}
				continue
			}
			if !s.subtype(wf.Type, ef.Type) {
				return false
			}
		}
		return true
	case KindVariant:
		for _, wf := range w.fields {
			ef, _, ok := e.Field(wf.ID())
			if !ok || !s.subtype(wf.Type, ef.Type) {
				return false
			}
		}
		return true
	case KindFunc:
		return s.tuple(w.rets, e.rets) && s.tuple(e.args, w.args)
	case KindService:
		for _, em := range e.methods {
			wm, ok := w.Method(em.Name)
			if !ok || !s.subtype(wm, em.Type) {
				return false
			}
		}
		return true
	}
	return true
}

// tuple compares argument sequences. Extra entries on the left are
// ignored, missing ones must be defaultable.
func (s *subtyper) tuple(ws, es []*Type) bool {
	for i, e := range es {
		if i >= len(ws) {
			if !defaultable(e) {
				return false
			}
			continue
		}
		if !s.subtype(ws[i], e) {
			return false
		}
	}
	return true
}

// defaultable reports whether a missing value of t can be filled in.
func defaultable(t *Type) bool {
	switch t.Kind() {
	case KindOpt, KindNull, KindReserved:
		return true
	}
	return false
}

func defaultValue(t *Type) Value {
	switch t.Kind() {
	case KindNull:
		return Null{}
	case KindReserved:
		return Reserved{}
	}
	return None()
}
