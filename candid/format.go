// SPDX-License-Identifier: Apache-2.0

package candid

// Candid text rendering of values, as printed by dfx.

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// FormatWithUnderscores groups the decimal digits of n by three.
func FormatWithUnderscores(n *big.Int) string {
	s := n.String()
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	parts := make([]string, 0, (len(s)+2)/3)
	for len(s) > 0 {
		chunkSize := len(s) % 3
		if chunkSize == 0 {
			chunkSize = 3
		}
		parts = append(parts, s[:chunkSize])
		s = s[chunkSize:]
	}
	return sign + strings.Join(parts, "_")
}

// formatBlob escapes every byte as \xx.
func formatBlob(data []byte) string {
	var result strings.Builder
	result.WriteString(`blob "`)
	for _, b := range data {
		fmt.Fprintf(&result, `\%02x`, b)
	}
	result.WriteString(`"`)
	return result.String()
}

func formatSeq(keyword string, elems []string) string {
	if len(elems) == 0 {
		return keyword + " {}"
	}
	return keyword + " { " + strings.Join(elems, "; ") + " }"
}

func formatLabel(name string) string {
	if name == "" {
		return "_"
	}
	return name
}

func (Null) String() string       { return "null" }
func (Reserved) String() string   { return "reserved" }
func (b Bool) String() string     { return strconv.FormatBool(bool(b)) }
func (n Nat) String() string      { return FormatWithUnderscores(n.BigInt()) }
func (i Int) String() string      { return fmt.Sprintf("%+d", i.BigInt()) }
func (f Float32) String() string  { return strconv.FormatFloat(float64(f), 'g', -1, 32) }
func (f Float64) String() string  { return strconv.FormatFloat(float64(f), 'g', -1, 64) }
func (t Text) String() string     { return strconv.Quote(string(t)) }
func (b Bytes) String() string    { return formatBlob(b) }
func (p Principal) String() string { return fmt.Sprintf("principal %q", p.Encode()) }
func (s Service) String() string  { return fmt.Sprintf("service %q", s.Encode()) }

func (f Func) String() string {
	return fmt.Sprintf("func %q.%s", f.Service.Encode(), f.Method)
}

func (v Vec) String() string {
	elems := make([]string, len(v))
	for i, e := range v {
		elems[i] = e.String()
	}
	return formatSeq("vec", elems)
}

func (o Opt) String() string {
	if o.Value == nil {
		return "null"
	}
	return "opt " + o.Value.String()
}

func (r Record) String() string {
	elems := make([]string, len(r))
	for i, f := range r.sorted() {
		elems[i] = formatLabel(f.Name) + " = " + f.Value.String()
	}
	return formatSeq("record", elems)
}

func (v Variant) String() string {
	if _, ok := v.Value.(Null); ok || v.Value == nil {
		return "variant { " + formatLabel(v.Name) + " }"
	}
	return "variant { " + formatLabel(v.Name) + " = " + v.Value.String() + " }"
}
