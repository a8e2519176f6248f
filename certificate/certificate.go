// SPDX-License-Identifier: Apache-2.0

// Package certificate parses and verifies the certificates a replica returns
// for read_state requests.
package certificate // import "perun.network/perun-icp-agent/certificate"

import (
	"bytes"
	"math/big"
	"time"

	"github.com/aviate-labs/leb128"
	"github.com/cloudflare/circl/sign/bls"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"perun.network/perun-icp-agent/envelope"
	"perun.network/perun-icp-agent/principal"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxNestedLevels: 2 * maxTreeDepth}).DecMode(); err != nil {
		panic(err)
	}
}

// stateRootDomain prefixes the root hash in the signed message.
var stateRootDomain = domainSep("ic-state-root")

// Certificate is a signed hash tree over the replicated state.
type Certificate struct {
	Tree       *Node       `cbor:"tree"`
	Signature  []byte      `cbor:"signature"`
	Delegation *Delegation `cbor:"delegation,omitempty"`
}

// Delegation lets a subnet sign on behalf of the root key. Its certificate
// is signed by the root key and certifies the subnet's public key.
type Delegation struct {
	SubnetID    []byte `cbor:"subnet_id"`
	Certificate []byte `cbor:"certificate"`
}

// Parse decodes a certificate. A leading self-describe tag is accepted.
func Parse(data []byte) (*Certificate, error) {
	var c Certificate
	if err := decMode.Unmarshal(bytes.TrimPrefix(data, envelope.SelfDescribeTag), &c); err != nil {
		return nil, &VerificationError{Reason: "parsing certificate", Err: err}
	}
	if c.Tree == nil {
		return nil, &VerificationError{Reason: "certificate without tree", Err: ErrMalformed}
	}
	return &c, nil
}

// Marshal encodes the certificate.
func (c *Certificate) Marshal() ([]byte, error) {
	return encMode.Marshal(c)
}

// Lookup looks up an exact path in the certified tree.
func (c *Certificate) Lookup(path ...[]byte) ([]byte, LookupStatus) {
	return c.Tree.Lookup(path...)
}

// LookupLeaf returns the leaf at path if the tree proves it exists.
func (c *Certificate) LookupLeaf(path ...[]byte) ([]byte, bool) {
	v, status := c.Tree.Lookup(path...)
	return v, status == Found
}

// LookupSubtree returns the subtree at path.
func (c *Certificate) LookupSubtree(path ...[]byte) (*Node, LookupStatus) {
	return c.Tree.LookupSubtree(path...)
}

// Time returns the certified /time of the state.
func (c *Certificate) Time() (time.Time, error) {
	v, ok := c.LookupLeaf([]byte("time"))
	if !ok {
		return time.Time{}, &VerificationError{Reason: "certificate without /time", Err: ErrMalformed}
	}
	ns, err := leb128.DecodeUnsigned(bytes.NewReader(v))
	if err != nil {
		return time.Time{}, &VerificationError{Reason: "decoding /time", Err: err}
	}
	if !ns.IsInt64() {
		return time.Time{}, &VerificationError{Reason: "/time out of range", Err: ErrMalformed}
	}
	return time.Unix(0, ns.Int64()), nil
}

// EncodeTime encodes t as a /time leaf.
func EncodeTime(t time.Time) []byte {
	v, err := leb128.EncodeUnsigned(big.NewInt(t.UnixNano()))
	if err != nil {
		panic("logic error: encoding a non-negative time should not fail")
	}
	return v
}

// RootMessage returns the message that is signed for the tree.
func RootMessage(tree *Node) []byte {
	root := tree.Digest()
	return append(append([]byte{}, stateRootDomain...), root[:]...)
}

// VerifyOption configures Verify.
type VerifyOption func(*verifyConfig)

type verifyConfig struct {
	now    func() time.Time
	maxAge time.Duration
}

// WithMaxAge rejects certificates whose /time lies more than maxAge before
// or after now().
func WithMaxAge(now func() time.Time, maxAge time.Duration) VerifyOption {
	return func(c *verifyConfig) {
		c.now = now
		c.maxAge = maxAge
	}
}

// Verify checks the signature of the certificate against the DER encoded
// root key. If the certificate is delegated, the delegation must be signed
// by the root key and cover canisterID. The management canister is exempt
// from the range check.
func (c *Certificate) Verify(rootKey []byte, canisterID principal.Principal, opts ...VerifyOption) error {
	var cfg verifyConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	key := rootKey
	if c.Delegation != nil {
		var err error
		if key, err = c.Delegation.verify(rootKey, canisterID); err != nil {
			return err
		}
	}
	if err := c.verifySignature(key); err != nil {
		return err
	}

	if cfg.now != nil {
		t, err := c.Time()
		if err != nil {
			return err
		}
		if age := cfg.now().Sub(t); age > cfg.maxAge || -age > cfg.maxAge {
			return &VerificationError{Reason: "certificate time " + t.String(), Err: ErrStale}
		}
	}
	return nil
}

func (c *Certificate) verifySignature(derKey []byte) error {
	pub, err := ParsePublicKey(derKey)
	if err != nil {
		return &VerificationError{Reason: "parsing public key", Err: err}
	}
	if !bls.Verify(pub, RootMessage(c.Tree), c.Signature) {
		return &VerificationError{Reason: "checking state root signature", Err: ErrBadSignature}
	}
	return nil
}

// verify checks the delegation certificate and returns the subnet key.
func (d *Delegation) verify(rootKey []byte, canisterID principal.Principal) ([]byte, error) {
	cert, err := Parse(d.Certificate)
	if err != nil {
		return nil, err
	}
	if cert.Delegation != nil {
		return nil, &VerificationError{Reason: "delegation certificate", Err: ErrNestedDelegation}
	}
	if err := cert.verifySignature(rootKey); err != nil {
		return nil, errors.WithMessage(err, "delegation")
	}

	subnet := []byte("subnet")
	key, ok := cert.LookupLeaf(subnet, d.SubnetID, []byte("public_key"))
	if !ok {
		return nil, &VerificationError{Reason: "delegation without subnet public key", Err: ErrMalformed}
	}
	if len(canisterID.Raw) == 0 {
		return key, nil
	}

	raw, ok := cert.LookupLeaf(subnet, d.SubnetID, []byte("canister_ranges"))
	if !ok {
		return nil, &VerificationError{Reason: "delegation without canister ranges", Err: ErrMalformed}
	}
	var ranges [][2][]byte
	if err := decMode.Unmarshal(raw, &ranges); err != nil {
		return nil, &VerificationError{Reason: "decoding canister ranges", Err: err}
	}
	for _, r := range ranges {
		if bytes.Compare(r[0], canisterID.Raw) <= 0 && bytes.Compare(canisterID.Raw, r[1]) <= 0 {
			return key, nil
		}
	}
	return nil, &VerificationError{Reason: "canister " + canisterID.String(), Err: ErrCanisterNotInRange}
}

// derPrefix is the DER header of a BLS12-381 G2 public key.
var derPrefix = []byte{
	0x30, 0x81, 0x82, 0x30, 0x1d, 0x06, 0x0d, 0x2b, 0x06, 0x01, 0x04, 0x01, 0x82, 0xdc, 0x7c, 0x05,
	0x03, 0x01, 0x02, 0x01, 0x06, 0x0c, 0x2b, 0x06, 0x01, 0x04, 0x01, 0x82, 0xdc, 0x7c, 0x05, 0x03,
	0x02, 0x01, 0x03, 0x61, 0x00,
}

// publicKeySize is the size of a compressed G2 point.
const publicKeySize = 96

// ParsePublicKey decodes a DER encoded BLS public key.
func ParsePublicKey(der []byte) (*bls.PublicKey[bls.KeyG2SigG1], error) {
	if len(der) != len(derPrefix)+publicKeySize || !bytes.HasPrefix(der, derPrefix) {
		return nil, errors.Wrapf(ErrMalformed, "BLS public key of %d bytes", len(der))
	}
	pub := new(bls.PublicKey[bls.KeyG2SigG1])
	if err := pub.UnmarshalBinary(der[len(derPrefix):]); err != nil {
		return nil, errors.Wrap(err, "decoding G2 point")
	}
	return pub, nil
}

// EncodePublicKey returns the DER encoding of a BLS public key.
func EncodePublicKey(pub *bls.PublicKey[bls.KeyG2SigG1]) ([]byte, error) {
	raw, err := pub.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encoding G2 point")
	}
	return append(append([]byte{}, derPrefix...), raw...), nil
}
