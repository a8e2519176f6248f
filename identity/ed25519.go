// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"io"
	"sync"

	ed "github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"github.com/pkg/errors"

	"perun.network/perun-icp-agent/envelope"
	"perun.network/perun-icp-agent/principal"
)

const pemTypePrivateKey = "PRIVATE KEY"

// ed25519DERPrefix is the DER SubjectPublicKeyInfo header of an Ed25519 key.
var ed25519DERPrefix = []byte{0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00}

// Ed25519Identity signs requests with an Ed25519 key.
type Ed25519Identity struct {
	mu     sync.RWMutex
	key    ed.PrivateKey // nil once invalidated.
	der    []byte
	sender principal.Principal
}

// NewEd25519Identity returns the identity of key.
func NewEd25519Identity(key ed.PrivateKey) *Ed25519Identity {
	pub := key.Public().(ed.PublicKey)
	der := append(append([]byte{}, ed25519DERPrefix...), pub...)
	return &Ed25519Identity{
		key:    append(ed.PrivateKey{}, key...),
		der:    der,
		sender: principal.NewSelfAuthenticating(der),
	}
}

// NewRandomEd25519Identity generates a key from rng.
func NewRandomEd25519Identity(rng io.Reader) (*Ed25519Identity, error) {
	_, sk, err := ed.GenerateKey(rng)
	if err != nil {
		return nil, errors.Wrap(err, "generating ed25519 key")
	}
	return NewEd25519Identity(sk), nil
}

type pkcs8 struct {
	Version    int
	Algo       pkix.AlgorithmIdentifier
	PrivateKey []byte
	Attributes asn1.RawValue  `asn1:"optional,tag:0"`
	PublicKey  asn1.BitString `asn1:"optional,tag:1"`
}

// NewEd25519IdentityFromPEM loads a PKCS #8 "PRIVATE KEY" block holding an
// Ed25519 key.
func NewEd25519IdentityFromPEM(data []byte) (*Ed25519Identity, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, ErrNoPrivateKey
		}
		if block.Type != pemTypePrivateKey {
			continue
		}
		var k pkcs8
		if _, err := asn1.Unmarshal(block.Bytes, &k); err != nil {
			return nil, errors.Wrap(err, "parsing PKCS #8 key")
		}
		if !k.Algo.Algorithm.Equal(oidEd25519) {
			return nil, errors.Wrapf(ErrUnsupportedKey, "algorithm %v", k.Algo.Algorithm)
		}
		var seed []byte
		if _, err := asn1.Unmarshal(k.PrivateKey, &seed); err != nil {
			return nil, errors.Wrap(err, "parsing Ed25519 seed")
		}
		if len(seed) != ed.SeedSize {
			return nil, errors.Errorf("Ed25519 seed of %d bytes", len(seed))
		}
		return NewEd25519Identity(ed.NewKeyFromSeed(seed)), nil
	}
}

// ToPEM encodes the private key as a PKCS #8 PEM block.
func (id *Ed25519Identity) ToPEM() ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.key == nil {
		return nil, ErrIdentityInvalid
	}
	seed, err := asn1.Marshal(id.key.Seed())
	if err != nil {
		return nil, errors.Wrap(err, "encoding seed")
	}
	der, err := asn1.Marshal(struct {
		Version    int
		Algo       pkix.AlgorithmIdentifier
		PrivateKey []byte
	}{Algo: pkix.AlgorithmIdentifier{Algorithm: oidEd25519}, PrivateKey: seed})
	if err != nil {
		return nil, errors.Wrap(err, "encoding PKCS #8 key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
}

// Sender returns the self-authenticating principal of the key.
func (id *Ed25519Identity) Sender() principal.Principal { return id.sender }

// PublicKey returns the DER encoded public key.
func (id *Ed25519Identity) PublicKey() []byte { return id.der }

// Sign signs msg.
func (id *Ed25519Identity) Sign(msg []byte) ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.key == nil {
		return nil, ErrIdentityInvalid
	}
	return id.key.Sign(nil, msg, crypto.Hash(0))
}

// TransformRequest signs the envelope.
func (id *Ed25519Identity) TransformRequest(env *envelope.Envelope) error {
	return signEnvelope(id, env)
}

// Invalidate wipes the private key. All later signing attempts fail.
func (id *Ed25519Identity) Invalidate() {
	id.mu.Lock()
	defer id.mu.Unlock()
	for i := range id.key {
		id.key[i] = 0
	}
	id.key = nil
}

func verifyEd25519(pub, msg, sig []byte) error {
	if len(pub) != ed.PublicKeySize {
		return errors.Wrapf(ErrUnsupportedKey, "Ed25519 key of %d bytes", len(pub))
	}
	if !ed.Verify(ed.PublicKey(pub), msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}
