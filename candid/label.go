// SPDX-License-Identifier: Apache-2.0

package candid

import (
	"strconv"
)

// Hash returns the field id of a textual label: the sum over the UTF-8
// bytes b_i of b_i·223^(n-i), modulo 2^32.
func Hash(label string) uint32 {
	var h uint32
	for i := 0; i < len(label); i++ {
		h = h*223 + uint32(label[i])
	}
	return h
}

// LabelID returns the field id of a label. Labels that are decimal numbers
// within 32 bits are used literally.
func LabelID(label string) uint32 {
	if n, err := strconv.ParseUint(label, 10, 32); err == nil && itoa(uint32(n)) == label {
		return uint32(n)
	}
	return Hash(label)
}

func itoa(n uint32) string {
	return strconv.FormatUint(uint64(n), 10)
}
