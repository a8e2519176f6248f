// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/sha256"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/pkg/errors"

	"perun.network/perun-icp-agent/envelope"
	"perun.network/perun-icp-agent/principal"
)

const pemTypeECPrivateKey = "EC PRIVATE KEY"

// Secp256k1Identity signs requests with an ECDSA key on secp256k1, the
// key type created by dfx.
type Secp256k1Identity struct {
	key         *btcec.PrivateKey
	der         []byte
	sender      principal.Principal
	invalidated atomic.Bool
}

// NewSecp256k1Identity returns the identity of key.
func NewSecp256k1Identity(key *btcec.PrivateKey) *Secp256k1Identity {
	der, err := secp256k1DER(key.PubKey())
	if err != nil {
		panic("logic error: encoding a valid public key should not fail")
	}
	return &Secp256k1Identity{
		key:    key,
		der:    der,
		sender: principal.NewSelfAuthenticating(der),
	}
}

// NewRandomSecp256k1Identity generates a fresh key.
func NewRandomSecp256k1Identity() (*Secp256k1Identity, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generating secp256k1 key")
	}
	return NewSecp256k1Identity(key), nil
}

// ecPrivateKey is the SEC 1 structure of an EC private key.
type ecPrivateKey struct {
	Version       int
	PrivateKey    []byte
	NamedCurveOID asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	PublicKey     asn1.BitString        `asn1:"optional,explicit,tag:1"`
}

// NewSecp256k1IdentityFromPEM loads the first SEC 1 "EC PRIVATE KEY" block
// of a PEM file. Other blocks, such as "EC PARAMETERS", are skipped.
func NewSecp256k1IdentityFromPEM(data []byte) (*Secp256k1Identity, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, ErrNoPrivateKey
		}
		if block.Type != pemTypeECPrivateKey {
			continue
		}
		var k ecPrivateKey
		if _, err := asn1.Unmarshal(block.Bytes, &k); err != nil {
			return nil, errors.Wrap(err, "parsing EC private key")
		}
		if len(k.NamedCurveOID) != 0 && !k.NamedCurveOID.Equal(oidSecp256k1) {
			return nil, errors.Wrapf(ErrUnsupportedKey, "curve %v", k.NamedCurveOID)
		}
		key, _ := btcec.PrivKeyFromBytes(k.PrivateKey)
		return NewSecp256k1Identity(key), nil
	}
}

// ToPEM encodes the private key as a SEC 1 PEM block.
func (id *Secp256k1Identity) ToPEM() ([]byte, error) {
	pub := id.key.PubKey().SerializeUncompressed()
	der, err := asn1.Marshal(ecPrivateKey{
		Version:       1,
		PrivateKey:    id.key.Serialize(),
		NamedCurveOID: oidSecp256k1,
		PublicKey:     asn1.BitString{Bytes: pub, BitLength: len(pub) * 8},
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding EC private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeECPrivateKey, Bytes: der}), nil
}

// Sender returns the self-authenticating principal of the key.
func (id *Secp256k1Identity) Sender() principal.Principal { return id.sender }

// PublicKey returns the DER encoded public key.
func (id *Secp256k1Identity) PublicKey() []byte { return id.der }

type ecdsaSignature struct {
	R, S *big.Int
}

// Sign signs the SHA-256 hash of msg and returns the 64 byte r ‖ s form.
func (id *Secp256k1Identity) Sign(msg []byte) ([]byte, error) {
	if id.invalidated.Load() {
		return nil, ErrIdentityInvalid
	}
	hash := sha256.Sum256(msg)
	der := ecdsa.Sign(id.key, hash[:]).Serialize()

	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, errors.Wrap(err, "parsing signature")
	}
	out := make([]byte, 64)
	sig.R.FillBytes(out[:32])
	sig.S.FillBytes(out[32:])
	return out, nil
}

// TransformRequest signs the envelope.
func (id *Secp256k1Identity) TransformRequest(env *envelope.Envelope) error {
	return signEnvelope(id, env)
}

// Invalidate makes all later signing attempts fail.
func (id *Secp256k1Identity) Invalidate() {
	id.invalidated.Store(true)
}

func secp256k1DER(pub *btcec.PublicKey) ([]byte, error) {
	curve, err := asn1.Marshal(oidSecp256k1)
	if err != nil {
		return nil, err
	}
	point := pub.SerializeUncompressed()
	return asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: algorithmIdentifier{
			Algorithm:  oidECPublicKey,
			Parameters: asn1.RawValue{FullBytes: curve},
		},
		PublicKey: asn1.BitString{Bytes: point, BitLength: len(point) * 8},
	})
}

func verifySecp256k1(point, msg, sig []byte) error {
	pub, err := btcec.ParsePubKey(point)
	if err != nil {
		return errors.Wrap(ErrUnsupportedKey, err.Error())
	}
	if len(sig) != 64 {
		return errors.Wrapf(ErrInvalidSignature, "signature of %d bytes", len(sig))
	}
	der, err := asn1.Marshal(ecdsaSignature{
		R: new(big.Int).SetBytes(sig[:32]),
		S: new(big.Int).SetBytes(sig[32:]),
	})
	if err != nil {
		return errors.Wrap(err, "encoding signature")
	}
	parsed, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, err.Error())
	}
	hash := sha256.Sum256(msg)
	if !parsed.Verify(hash[:], pub) {
		return ErrInvalidSignature
	}
	return nil
}
