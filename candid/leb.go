// SPDX-License-Identifier: Apache-2.0

package candid

import (
	"bytes"
	"math/big"

	"github.com/aviate-labs/leb128"
	"github.com/pkg/errors"
)

func appendLEB(buf *bytes.Buffer, n *big.Int) error {
	enc, err := leb128.EncodeUnsigned(n)
	if err != nil {
		return errors.Wrap(err, "encoding leb128")
	}
	buf.Write([]byte(enc))
	return nil
}

func appendSLEB(buf *bytes.Buffer, n *big.Int) error {
	enc, err := leb128.EncodeSigned(n)
	if err != nil {
		return errors.Wrap(err, "encoding sleb128")
	}
	buf.Write([]byte(enc))
	return nil
}

func appendUint(buf *bytes.Buffer, n uint64) {
	// Cannot fail for non-negative numbers.
	_ = appendLEB(buf, new(big.Int).SetUint64(n))
}

func appendInt(buf *bytes.Buffer, n int64) {
	_ = appendSLEB(buf, big.NewInt(n))
}

// readLEB reads an unsigned LEB128 number from data and returns it with
// the number of bytes consumed.
func readLEB(data []byte) (*big.Int, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrTruncated
	}
	r := bytes.NewReader(data)
	n, err := leb128.DecodeUnsigned(r)
	if err != nil {
		return nil, 0, ErrTruncated
	}
	return n, len(data) - r.Len(), nil
}

// readSLEB reads a signed LEB128 number from data and returns it with the
// number of bytes consumed.
func readSLEB(data []byte) (*big.Int, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrTruncated
	}
	r := bytes.NewReader(data)
	n, err := leb128.DecodeSigned(r)
	if err != nil {
		return nil, 0, ErrTruncated
	}
	return n, len(data) - r.Len(), nil
}

// fixedBytes returns the little-endian two's complement form of n in size
// bytes. n must be within range.
func fixedBytes(n *big.Int, size int) []byte {
	v := new(big.Int).Set(n)
	if v.Sign() < 0 {
		v.Add(v, new(big.Int).Lsh(big.NewInt(1), uint(size*8)))
	}
	be := v.Bytes()
	out := make([]byte, size)
	for i := 0; i < len(be) && i < size; i++ {
		out[i] = be[len(be)-1-i]
	}
	return out
}

// fromFixed parses little-endian bytes as an unsigned or two's complement
// number.
func fromFixed(le []byte, signed bool) *big.Int {
	be := make([]byte, len(le))
	for i := range le {
		be[len(le)-1-i] = le[i]
	}
	v := new(big.Int).SetBytes(be)
	if signed && len(le) > 0 && le[len(le)-1]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(len(le)*8)))
	}
	return v
}

// fixedWidth returns the byte size of fixed-width number kinds and whether
// the kind is signed.
func fixedWidth(k Kind) (size int, signed bool, ok bool) {
	switch k {
	case KindNat8:
		return 1, false, true
	case KindNat16:
		return 2, false, true
	case KindNat32:
		return 4, false, true
	case KindNat64:
		return 8, false, true
	case KindInt8:
		return 1, true, true
	case KindInt16:
		return 2, true, true
	case KindInt32:
		return 4, true, true
	case KindInt64:
		return 8, true, true
	}
	return 0, false, false
}

// inRange reports whether n fits the fixed-width kind.
func inRange(n *big.Int, size int, signed bool) bool {
	bits := uint(size * 8)
	if !signed {
		return n.Sign() >= 0 && n.BitLen() <= int(bits)
	}
	limit := new(big.Int).Lsh(big.NewInt(1), bits-1)
	return n.Cmp(new(big.Int).Neg(limit)) >= 0 && n.Cmp(limit) < 0
}
