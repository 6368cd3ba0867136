// Package identity owns the device keypair: generation on first run,
// sealing of the private ring at rest, and the published onion binding.
// The sealed ring is only opened on demand inside WithPrivateRing and the
// plaintext is wiped on every exit path.
package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"enclave-chat/go-node/internal/crypto"
	"enclave-chat/go-node/internal/securestore"
	"enclave-chat/go-node/pkg/models"
)

const ringTable = "identity_ring"

var (
	ErrInvalidOnion = errors.New("onion is not a canonical v3 address")
	ErrNoIdentity   = errors.New("no active identity")
)

// Store is the slice of the sealed store the vault needs.
type Store interface {
	ActiveIdentity() (models.Identity, bool, error)
	SaveIdentity(models.Identity) error
}

// Vault serves the device identity.
type Vault struct {
	mu         sync.Mutex
	store      Store
	passphrase string
	deviceName string
	now        func() time.Time
}

// NewVault wires the vault over the identity table. passphrase is the store
// master passphrase used to seal the private ring.
func NewVault(store Store, passphrase, deviceName string) *Vault {
	return &Vault{
		store:      store,
		passphrase: passphrase,
		deviceName: deviceName,
		now:        time.Now,
	}
}

// EnsureIdentity returns the active identity, generating and persisting one
// on first run.
func (v *Vault) EnsureIdentity() (models.Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing, ok, err := v.store.ActiveIdentity()
	if err != nil {
		return models.Identity{}, err
	}
	if ok {
		return existing, nil
	}

	pair, err := crypto.GenerateKeyPair(v.deviceName)
	if err != nil {
		return models.Identity{}, fmt.Errorf("identity generation: %w", err)
	}
	defer securestore.Zero(pair.PrivateRing)

	sealed, err := securestore.Seal(v.passphrase, ringTable, pair.PrivateRing)
	if err != nil {
		return models.Identity{}, fmt.Errorf("seal private ring: %w", err)
	}
	id := models.Identity{
		Fingerprint:      pair.Fingerprint,
		PublicKey:        pair.PublicRing,
		SealedPrivateKey: sealed,
		Active:           true,
		CreatedAt:        v.now().UTC(),
	}
	if err := v.store.SaveIdentity(id); err != nil {
		return models.Identity{}, err
	}
	return id, nil
}

// BindOnion records the published onion on the identity. Rebinding the same
// onion is a no-op; a different canonical v3 onion replaces the previous one.
func (v *Vault) BindOnion(onion string) (models.Identity, error) {
	canonical, err := models.CanonicalOnion(onion)
	if err != nil {
		return models.Identity{}, ErrInvalidOnion
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	id, ok, err := v.store.ActiveIdentity()
	if err != nil {
		return models.Identity{}, err
	}
	if !ok {
		return models.Identity{}, ErrNoIdentity
	}
	if id.Onion == canonical {
		return id, nil
	}
	id.Onion = canonical
	if err := v.store.SaveIdentity(id); err != nil {
		return models.Identity{}, err
	}
	return id, nil
}

// ActiveIdentity exposes the current identity row to the pipelines.
func (v *Vault) ActiveIdentity() (models.Identity, bool, error) {
	return v.store.ActiveIdentity()
}

// HasValidOnion reports whether the active identity carries a canonical
// published onion.
func (v *Vault) HasValidOnion() bool {
	id, ok, err := v.store.ActiveIdentity()
	if err != nil || !ok {
		return false
	}
	return models.IsCanonicalOnion(id.Onion)
}

// WithPrivateRing opens the sealed private ring, hands the plaintext to fn,
// and wipes it afterwards regardless of fn's outcome.
func (v *Vault) WithPrivateRing(fn func(privRing []byte) error) error {
	id, ok, err := v.store.ActiveIdentity()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoIdentity
	}
	ring, err := securestore.Open(v.passphrase, ringTable, id.SealedPrivateKey)
	if err != nil {
		return fmt.Errorf("open private ring: %w", err)
	}
	defer securestore.Zero(ring)
	return fn(ring)
}
