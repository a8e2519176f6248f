// SPDX-License-Identifier: Apache-2.0

// Package principal implements the identifiers of callers and canisters on
// the Internet Computer and their checksummed textual form.
package principal // import "perun.network/perun-icp-agent/principal"

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"hash/crc32"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// MaxLength is the maximum length of a principal's raw form in bytes.
const MaxLength = 29

// Kind classifies a principal by its trailing tag byte.
type Kind uint8

const (
	// Opaque principals are assigned by the system, e.g. canister ids.
	Opaque Kind = iota
	// SelfAuthenticating principals are derived from a public key.
	SelfAuthenticating
	// Derived principals are derived from another principal.
	Derived
	// AnonymousKind is the kind of the anonymous principal.
	AnonymousKind
	// Reserved principals are not assigned.
	Reserved
)

const (
	tagSelfAuthenticating = 0x02
	tagDerived            = 0x03
	tagAnonymous          = 0x04
	tagReserved           = 0x7f
)

var (
	// ErrChecksum is returned when the textual form has a wrong checksum.
	ErrChecksum = errors.New("principal checksum mismatch")
	// ErrNotCanonical is returned when the textual form is not canonical.
	ErrNotCanonical = errors.New("principal text not canonical")
	// ErrTooLong is returned for raw forms longer than MaxLength.
	ErrTooLong = errors.New("principal exceeds maximum length")

	encoding = base32.StdEncoding.WithPadding(base32.NoPadding)
)

// Principal is an address-like identifier of a caller or a canister.
type Principal struct {
	Raw []byte
}

var (
	// ManagementCanister is the principal of the virtual management canister.
	ManagementCanister = Principal{Raw: []byte{}}
	// Anonymous is the principal used by unauthenticated callers.
	Anonymous = Principal{Raw: []byte{tagAnonymous}}
)

// New returns a principal with a copy of raw.
func New(raw []byte) (Principal, error) {
	if len(raw) > MaxLength {
		return Principal{}, errors.Wrapf(ErrTooLong, "%d bytes", len(raw))
	}
	return Principal{Raw: append([]byte{}, raw...)}, nil
}

// NewSelfAuthenticating derives the principal of a DER encoded public key.
func NewSelfAuthenticating(derPublicKey []byte) Principal {
	sum := sha256.Sum224(derPublicKey)
	return Principal{Raw: append(sum[:], tagSelfAuthenticating)}
}

// Decode parses the textual form of a principal.
func Decode(s string) (Principal, error) {
	raw, err := encoding.DecodeString(strings.ToUpper(strings.ReplaceAll(s, "-", "")))
	if err != nil {
		return Principal{}, errors.Wrapf(err, "decoding principal %q", s)
	}
	if len(raw) < crc32.Size {
		return Principal{}, errors.Errorf("principal %q too short", s)
	}
	p, err := New(raw[crc32.Size:])
	if err != nil {
		return Principal{}, err
	}
	if binary.BigEndian.Uint32(raw[:crc32.Size]) != crc32.ChecksumIEEE(p.Raw) {
		return Principal{}, errors.Wrapf(ErrChecksum, "principal %q", s)
	}
	if p.Encode() != s {
		return Principal{}, errors.Wrapf(ErrNotCanonical, "principal %q", s)
	}
	return p, nil
}

// MustDecode is like Decode but panics on malformed input.
func MustDecode(s string) Principal {
	p, err := Decode(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Encode returns the textual form: the CRC32 checksum prepended to the raw
// bytes, base32 encoded in lower case and grouped by five characters.
func (p Principal) Encode() string {
	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(p.Raw))
	buf = append(buf, p.Raw...)
	s := strings.ToLower(encoding.EncodeToString(buf))

	var b strings.Builder
	for i := 0; i < len(s); i += 5 {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + 5
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
	}
	return b.String()
}

func (p Principal) String() string {
	return p.Encode()
}

// Kind returns the class of the principal.
func (p Principal) Kind() Kind {
	if len(p.Raw) == 0 {
		return Opaque
	}
	switch p.Raw[len(p.Raw)-1] {
	case tagSelfAuthenticating:
		return SelfAuthenticating
	case tagDerived:
		return Derived
	case tagAnonymous:
		if len(p.Raw) == 1 {
			return AnonymousKind
		}
	case tagReserved:
		return Reserved
	}
	return Opaque
}

// Equal reports whether both principals have the same raw form.
func (p Principal) Equal(q Principal) bool {
	return bytes.Equal(p.Raw, q.Raw)
}

// Cmp compares the raw forms of two principals.
func (p Principal) Cmp(q Principal) int {
	return bytes.Compare(p.Raw, q.Raw)
}

// MarshalText implements encoding.TextMarshaler.
func (p Principal) MarshalText() ([]byte, error) {
	return []byte(p.Encode()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Principal) UnmarshalText(text []byte) error {
	d, err := Decode(string(text))
	if err != nil {
		return err
	}
	*p = d
	return nil
}

// MarshalCBOR encodes the principal as a byte string.
func (p Principal) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(append([]byte{}, p.Raw...))
}

// UnmarshalCBOR decodes a principal from a byte string.
func (p *Principal) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "decoding principal")
	}
	d, err := New(raw)
	if err != nil {
		return err
	}
	*p = d
	return nil
}

// AccountIdentifier identifies a ledger account owned by a principal.
type AccountIdentifier [32]byte

// SubAccount selects one of the accounts of a principal.
type SubAccount [32]byte

// DefaultSubAccount is the all-zero subaccount.
var DefaultSubAccount SubAccount

// AccountIdentifier returns the ledger account of p for the given
// subaccount: CRC32 ‖ SHA-224("\x0Aaccount-id" ‖ p ‖ subaccount).
func (p Principal) AccountIdentifier(sub SubAccount) AccountIdentifier {
	h := sha256.New224()
	h.Write([]byte("\x0Aaccount-id"))
	h.Write(p.Raw)
	h.Write(sub[:])
	sum := h.Sum(nil)

	var id AccountIdentifier
	binary.BigEndian.PutUint32(id[:4], crc32.ChecksumIEEE(sum))
	copy(id[4:], sum)
	return id
}

func (a AccountIdentifier) String() string {
	return hex.EncodeToString(a[:])
}
