package signing

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/pro-utkarshM/axiom-ebpf/internal/types"
)

// MaxTrustedKeys bounds the keyring.
const MaxTrustedKeys = 16

// TrustedKey is one admitted signer.
type TrustedKey struct {
	ID     types.KeyID
	Public ed25519.PublicKey
	// Caps lists the capability names this key may endorse via
	// FlagRequiresCap envelopes.
	Caps []string
}

// Keyring holds the signers whose envelopes are admitted.
type Keyring struct {
	mu   sync.RWMutex
	keys map[types.KeyID]TrustedKey
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[types.KeyID]TrustedKey)}
}

// Add trusts a public key.
func (k *Keyring) Add(pub ed25519.PublicKey, caps ...string) (types.KeyID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return types.KeyID{}, fmt.Errorf("%w: public key length %d", ErrBadKey, len(pub))
	}
	id, err := types.KeyIDFromPublicKey(pub)
	if err != nil {
		return types.KeyID{}, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[id]; ok {
		return id, fmt.Errorf("%w: %s", ErrDuplicateKey, id)
	}
	if len(k.keys) >= MaxTrustedKeys {
		return types.KeyID{}, fmt.Errorf("%w: limit %d", ErrKeyringFull, MaxTrustedKeys)
	}
	k.keys[id] = TrustedKey{ID: id, Public: append(ed25519.PublicKey(nil), pub...), Caps: caps}
	return id, nil
}

// Remove forgets a signer.
func (k *Keyring) Remove(id types.KeyID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[id]; !ok {
		return false
	}
	delete(k.keys, id)
	return true
}

// Get returns the trusted key registered under id.
func (k *Keyring) Get(id types.KeyID) (TrustedKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[id]
	return key, ok
}

// Len returns the number of trusted signers.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Verify parses raw and checks its signature against the keyring. now
// is the verifier's clock in unix nanoseconds, used for envelopes with
// an expiry deadline.
func (k *Keyring) Verify(raw []byte, now uint64) (*Envelope, error) {
	env, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	key, ok := k.Get(env.SignerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, env.SignerID)
	}
	msg := signedMessage(env.Flags, env.Digest, env.SignerID, env.Timestamp)
	if !env.Signature.Verify(key.Public, msg) {
		return nil, ErrBadSignature
	}
	if env.HasFlag(FlagHasExpiry) && now >= env.Timestamp {
		return nil, fmt.Errorf("%w: deadline %d, now %d", ErrExpired, env.Timestamp, now)
	}
	return env, nil
}
