// SPDX-License-Identifier: Apache-2.0

// Package identity provides the senders of requests to the Internet
// Computer: the anonymous sender and key pairs that sign their requests.
package identity // import "perun.network/perun-icp-agent/identity"

import (
	"encoding/asn1"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"

	"perun.network/perun-icp-agent/envelope"
	"perun.network/perun-icp-agent/principal"
)

var (
	// ErrIdentityInvalid is returned when an invalidated identity signs.
	ErrIdentityInvalid = errors.New("identity has been invalidated")
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrUnsupportedKey is returned for public keys of unknown schemes.
	ErrUnsupportedKey = errors.New("unsupported public key")
	// ErrNoPrivateKey is returned when a PEM file holds no usable key.
	ErrNoPrivateKey = errors.New("no private key found")
)

// Identity is the sender of a request.
type Identity interface {
	// Sender returns the principal the requests are sent as.
	Sender() principal.Principal
	// PublicKey returns the DER encoded public key, or nil if the identity
	// does not sign.
	PublicKey() []byte
	// Sign signs a message.
	Sign(msg []byte) ([]byte, error)
	// TransformRequest authenticates an envelope before it is sent.
	TransformRequest(env *envelope.Envelope) error
}

// Anonymous is the identity of unauthenticated requests.
type Anonymous struct{}

// Sender returns the anonymous principal.
func (Anonymous) Sender() principal.Principal { return principal.Anonymous }

// PublicKey returns nil.
func (Anonymous) PublicKey() []byte { return nil }

// Sign returns no signature.
func (Anonymous) Sign([]byte) ([]byte, error) { return nil, nil }

// TransformRequest leaves the envelope unsigned.
func (Anonymous) TransformRequest(env *envelope.Envelope) error {
	env.SenderPubKey = nil
	env.SenderSig = nil
	return nil
}

// signEnvelope attaches the public key of id and its signature over the
// request id of the content.
func signEnvelope(id Identity, env *envelope.Envelope) error {
	reqID, err := env.Content.ID()
	if err != nil {
		return errors.WithMessage(err, "computing request id")
	}
	sig, err := id.Sign(reqID.SignatureMessage())
	if err != nil {
		return err
	}
	env.SenderPubKey = id.PublicKey()
	env.SenderSig = sig
	return nil
}

var (
	oidEd25519     = asn1.ObjectIdentifier{1, 3, 101, 112}
	oidECPublicKey = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSecp256k1   = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type subjectPublicKeyInfo struct {
	Algorithm algorithmIdentifier
	PublicKey asn1.BitString
}

// VerifySignature checks a sender signature over msg made by the key with
// the given DER encoding. Ed25519 and secp256k1 keys are supported.
func VerifySignature(derPublicKey, msg, sig []byte) error {
	var spki subjectPublicKeyInfo
	rest, err := asn1.Unmarshal(derPublicKey, &spki)
	if err != nil || len(rest) != 0 {
		return errors.Wrap(ErrUnsupportedKey, "malformed DER public key")
	}
	key := spki.PublicKey.RightAlign()

	switch {
	case spki.Algorithm.Algorithm.Equal(oidEd25519):
		return verifyEd25519(key, msg, sig)
	case spki.Algorithm.Algorithm.Equal(oidECPublicKey):
		var curve asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(spki.Algorithm.Parameters.FullBytes, &curve); err != nil || !curve.Equal(oidSecp256k1) {
			return errors.Wrap(ErrUnsupportedKey, "unknown curve")
		}
		return verifySecp256k1(key, msg, sig)
	}
	return errors.Wrapf(ErrUnsupportedKey, "algorithm %v", spki.Algorithm.Algorithm)
}

// FromPEM loads an identity from a PEM file as written by dfx. The first
// Ed25519 or secp256k1 private key found is used.
func FromPEM(data []byte) (Identity, error) {
	for rest := data; ; {
		var block *pem.Block
		if block, rest = pem.Decode(rest); block == nil {
			return nil, ErrNoPrivateKey
		}
		switch block.Type {
		case pemTypePrivateKey:
			return NewEd25519IdentityFromPEM(pem.EncodeToMemory(block))
		case pemTypeECPrivateKey:
			return NewSecp256k1IdentityFromPEM(pem.EncodeToMemory(block))
		}
	}
}

// LoadPEM reads the identity stored in the PEM file at path.
func LoadPEM(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading identity")
	}
	id, err := FromPEM(data)
	return id, errors.WithMessagef(err, "loading %s", path)
}
