// SPDX-License-Identifier: Apache-2.0

// Package requestid computes the representation-independent hash that
// identifies a request to the Internet Computer. The same id is signed by
// the sender and used to look up the status of a call in the state tree.
package requestid // import "perun.network/perun-icp-agent/requestid"

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"sort"

	"github.com/aviate-labs/leb128"
	"github.com/pkg/errors"

	"perun.network/perun-icp-agent/principal"
)

// Size is the length of a request id in bytes.
const Size = sha256.Size

// DomainSeparator prefixes a request id before it is signed.
var DomainSeparator = []byte("\x0Aic-request")

// ErrUnsupportedValue is returned for field values that have no hash
// representation.
var ErrUnsupportedValue = errors.New("unsupported request field value")

// RequestID identifies a request.
type RequestID [Size]byte

func (id RequestID) String() string {
	return hex.EncodeToString(id[:])
}

// SignatureMessage returns the bytes a sender signs to authenticate the
// request.
func (id RequestID) SignatureMessage() []byte {
	return append(append([]byte{}, DomainSeparator...), id[:]...)
}

// FromHex parses the hexadecimal form of a request id.
func FromHex(s string) (RequestID, error) {
	var id RequestID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.Wrap(err, "decoding request id")
	}
	if len(b) != Size {
		return id, errors.Errorf("request id of %d bytes", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Of hashes a request given as a map of field names to values. Fields with
// a nil value are absent and do not contribute to the id, so the result
// does not depend on how the map was built.
//
// Supported values are strings, byte slices, unsigned integers, non-negative
// big integers, principals, nested maps and arrays of supported values.
func Of(fields map[string]any) (RequestID, error) {
	sum, err := hashMap(fields)
	if err != nil {
		return RequestID{}, err
	}
	var id RequestID
	copy(id[:], sum)
	return id, nil
}

type pair struct {
	key, value []byte
}

func hashMap(fields map[string]any) ([]byte, error) {
	pairs := make([]pair, 0, len(fields))
	for k, v := range fields {
		if v == nil {
			continue
		}
		hv, err := hashValue(v)
		if err != nil {
			return nil, errors.WithMessagef(err, "field %q", k)
		}
		if hv == nil {
			continue
		}
		pairs = append(pairs, pair{key: hashBytes([]byte(k)), value: hv})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return bytes.Compare(pairs[i].key, pairs[j].key) < 0
	})

	h := sha256.New()
	for _, p := range pairs {
		h.Write(p.key)
		h.Write(p.value)
	}
	return h.Sum(nil), nil
}

// hashValue returns the hash of a field value, or nil if the value is an
// absent optional.
func hashValue(v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return hashBytes([]byte(x)), nil
	case []byte:
		return hashBytes(x), nil
	case principal.Principal:
		return hashBytes(x.Raw), nil
	case *principal.Principal:
		if x == nil {
			return nil, nil
		}
		return hashBytes(x.Raw), nil
	case RequestID:
		return hashBytes(x[:]), nil
	case uint64:
		return hashUint(new(big.Int).SetUint64(x))
	case uint32:
		return hashUint(new(big.Int).SetUint64(uint64(x)))
	case uint16:
		return hashUint(new(big.Int).SetUint64(uint64(x)))
	case uint8:
		return hashUint(new(big.Int).SetUint64(uint64(x)))
	case uint:
		return hashUint(new(big.Int).SetUint64(uint64(x)))
	case int:
		return hashUint(big.NewInt(int64(x)))
	case int64:
		return hashUint(big.NewInt(x))
	case *big.Int:
		if x == nil {
			return nil, nil
		}
		return hashUint(x)
	case map[string]any:
		return hashMap(x)
	case []any:
		return hashArray(len(x), func(i int) ([]byte, error) { return hashValue(x[i]) })
	case [][]byte:
		return hashArray(len(x), func(i int) ([]byte, error) { return hashBytes(x[i]), nil })
	case [][][]byte:
		return hashArray(len(x), func(i int) ([]byte, error) { return hashValue(x[i]) })
	case []map[string]any:
		return hashArray(len(x), func(i int) ([]byte, error) { return hashMap(x[i]) })
	}
	return nil, errors.Wrapf(ErrUnsupportedValue, "%T", v)
}

func hashUint(n *big.Int) ([]byte, error) {
	if n.Sign() < 0 {
		return nil, errors.Wrapf(ErrUnsupportedValue, "negative integer %s", n)
	}
	enc, err := leb128.EncodeUnsigned(n)
	if err != nil {
		return nil, errors.Wrap(err, "encoding integer")
	}
	return hashBytes([]byte(enc)), nil
}

func hashArray(n int, elem func(int) ([]byte, error)) ([]byte, error) {
	h := sha256.New()
	for i := 0; i < n; i++ {
		e, err := elem(i)
		if err != nil {
			return nil, errors.WithMessagef(err, "element %d", i)
		}
		if e == nil {
			return nil, errors.Wrapf(ErrUnsupportedValue, "absent element %d", i)
		}
		h.Write(e)
	}
	return h.Sum(nil), nil
}

func hashBytes(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
