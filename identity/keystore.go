// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"

	ed "github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"github.com/pkg/errors"

	"perun.network/go-perun/log"

	"perun.network/perun-icp-agent/principal"
)

// ErrUnknownIdentity is returned for principals that the keystore does not
// hold.
var ErrUnknownIdentity = errors.New("no such identity")

// Keystore derives Ed25519 identities from a random seed and an index. Only
// the seed and the indices of identities in use are stored, so a generated
// identity is not persisted until IncrementUsage is called on it. Once it is
// no longer used (as indicated by DecrementUsage), it is forgotten.
type Keystore struct {
	log.Embedding

	mutex sync.Mutex
	file  string

	seed    [24]byte                 // the keystore's random seed.
	next    uint64                   // the next identity's index.
	entries map[string]*keystoreItem // identities in use, by raw principal.
}

type keystoreItem struct {
	index    uint64
	useCount uint32
	id       *Ed25519Identity
}

var bo = binary.LittleEndian

// NewRAMKeystore creates an unpersisted Keystore.
func NewRAMKeystore(gen io.Reader) (*Keystore, error) {
	ks := newKeystore("")
	if _, err := io.ReadFull(gen, ks.seed[:]); err != nil {
		return nil, errors.Wrap(err, "reading random seed")
	}
	return ks, nil
}

// CreateOrLoadKeystore loads the keystore from path, otherwise it creates a
// new one and saves it to path.
func CreateOrLoadKeystore(path string, gen io.Reader) (*Keystore, error) {
	ks := newKeystore(path)
	if file, err := os.ReadFile(path); err == nil {
		if err := ks.load(bytes.NewReader(file)); err != nil {
			return nil, errors.Wrapf(err, "loading keystore %s", path)
		}
		return ks, nil
	}
	if _, err := io.ReadFull(gen, ks.seed[:]); err != nil {
		return nil, errors.Wrap(err, "reading random seed")
	}
	if err := ks.save(); err != nil {
		return nil, err
	}
	return ks, nil
}

func newKeystore(path string) *Keystore {
	return &Keystore{
		Embedding: log.MakeEmbedding(log.Default()),
		file:      path,
		entries:   make(map[string]*keystoreItem),
	}
}

func (ks *Keystore) load(r io.Reader) error {
	if _, err := io.ReadFull(r, ks.seed[:]); err != nil {
		return err
	}
	if err := binary.Read(r, bo, &ks.next); err != nil {
		return err
	}
	var n uint32
	if err := binary.Read(r, bo, &n); err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		var size uint8
		if err := binary.Read(r, bo, &size); err != nil {
			return err
		}
		if int(size) > principal.MaxLength {
			return principal.ErrTooLong
		}
		raw := make([]byte, size)
		if _, err := io.ReadFull(r, raw); err != nil {
			return err
		}
		item := &keystoreItem{}
		if err := binary.Read(r, bo, &item.index); err != nil {
			return err
		}
		if err := binary.Read(r, bo, &item.useCount); err != nil {
			return err
		}
		ks.entries[string(raw)] = item
	}
	return nil
}

func (ks *Keystore) save() error {
	if ks.file == "" {
		return nil
	}

	file := new(bytes.Buffer)
	file.Write(ks.seed[:])
	if err := binary.Write(file, bo, ks.next); err != nil {
		return errors.Wrap(err, "writing next index")
	}

	var used uint32
	for _, item := range ks.entries {
		if item.useCount > 0 {
			used++
		}
	}
	if err := binary.Write(file, bo, used); err != nil {
		return errors.Wrap(err, "writing identity count")
	}
	for raw, item := range ks.entries {
		if item.useCount == 0 {
			continue
		}
		file.WriteByte(uint8(len(raw)))
		file.WriteString(raw)
		if err := binary.Write(file, bo, item.index); err != nil {
			return errors.Wrap(err, "writing identity index")
		}
		if err := binary.Write(file, bo, item.useCount); err != nil {
			return errors.Wrap(err, "writing identity use count")
		}
	}
	return errors.Wrap(os.WriteFile(ks.file, file.Bytes(), 0600), "writing keystore")
}

func (ks *Keystore) derive(index uint64) *Ed25519Identity {
	seed := new(bytes.Buffer)
	seed.Write(ks.seed[:])
	if err := binary.Write(seed, bo, index); err != nil {
		panic("logic error: writing to a buffer should not fail")
	}

	_, sk, err := ed.GenerateKey(seed)
	if err != nil {
		panic("logic error: generating key should not have failed")
	}
	return NewEd25519Identity(sk)
}

// NewIdentity derives a fresh identity. It is not persisted until
// IncrementUsage is called on its principal.
func (ks *Keystore) NewIdentity() *Ed25519Identity {
	ks.mutex.Lock()
	defer ks.mutex.Unlock()

	id := ks.derive(ks.next)
	ks.entries[string(id.Sender().Raw)] = &keystoreItem{index: ks.next, id: id}
	ks.next++
	return id
}

// Identity returns the identity of the principal p.
func (ks *Keystore) Identity(p principal.Principal) (*Ed25519Identity, error) {
	ks.mutex.Lock()
	defer ks.mutex.Unlock()

	item, ok := ks.entries[string(p.Raw)]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownIdentity, "principal %s", p)
	}
	if item.id == nil {
		item.id = ks.derive(item.index)
	}
	return item.id, nil
}

// InvalidateAll invalidates all identities handed out so far. They are
// derived again on the next call to Identity.
func (ks *Keystore) InvalidateAll() {
	ks.mutex.Lock()
	defer ks.mutex.Unlock()

	for _, item := range ks.entries {
		if item.id != nil {
			item.id.Invalidate()
			item.id = nil
		}
	}
}

// IncrementUsage tracks how many times an identity is in use. Use
// DecrementUsage when it is no longer used. Once the counter reaches 0, the
// identity is forgotten.
func (ks *Keystore) IncrementUsage(p principal.Principal) error {
	ks.mutex.Lock()
	defer ks.mutex.Unlock()

	item, ok := ks.entries[string(p.Raw)]
	if !ok {
		return errors.Wrapf(ErrUnknownIdentity, "principal %s", p)
	}
	item.useCount++
	return ks.save()
}

// DecrementUsage complements IncrementUsage.
func (ks *Keystore) DecrementUsage(p principal.Principal) error {
	ks.mutex.Lock()
	defer ks.mutex.Unlock()

	key := string(p.Raw)
	item, ok := ks.entries[key]
	if !ok {
		return errors.Wrapf(ErrUnknownIdentity, "principal %s", p)
	}
	if item.useCount == 0 {
		ks.Log().Warnf("DecrementUsage: unused identity %s", p)
		return nil
	}
	item.useCount--
	if item.useCount == 0 {
		if item.id != nil {
			item.id.Invalidate()
		}
		delete(ks.entries, key)
	}
	return ks.save()
}
