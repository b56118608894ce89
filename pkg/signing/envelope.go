// Package signing implements the signed program envelope and the
// keyring of trusted signers. Only envelopes carrying a valid ed25519
// signature from a trusted key are admitted for loading.
//
// Envelope wire layout, little-endian:
//
//	offset  size  field
//	0       4     magic "RBPF"
//	4       1     version (1)
//	5       1     flags
//	6       2     reserved (zero)
//	8       32    SHA3-256 digest of the program bytes
//	40      64    ed25519 signature over the digest
//	104     8     signer id (first 8 bytes of the public key)
//	112     8     timestamp, unix nanoseconds
//	120     -     program bytes
package signing

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/pro-utkarshM/axiom-ebpf/internal/types"
)

var (
	ErrTruncated      = errors.New("signing: envelope truncated")
	ErrBadMagic       = errors.New("signing: bad magic")
	ErrBadVersion     = errors.New("signing: unsupported version")
	ErrBadReserved    = errors.New("signing: reserved bytes not zero")
	ErrDigestMismatch = errors.New("signing: digest mismatch")
	ErrBadSignature   = errors.New("signing: signature verification failed")
	ErrUnknownSigner  = errors.New("signing: unknown signer")
	ErrExpired        = errors.New("signing: envelope expired")
	ErrKeyringFull    = errors.New("signing: keyring full")
	ErrDuplicateKey   = errors.New("signing: key already trusted")
	ErrBadKey         = errors.New("signing: bad key")
)

// Envelope format constants.
const (
	Magic      = "RBPF"
	Version    = 1
	HeaderSize = 120
)

// Envelope flag bits.
const (
	FlagRequiresCap = 1 << 0 // loading requires an elevated capability
	FlagDebugBuild  = 1 << 1
	FlagHasExpiry   = 1 << 2 // timestamp is an expiry deadline
)

// Envelope is a parsed signed program container.
type Envelope struct {
	Version   uint8
	Flags     uint8
	Digest    types.Digest
	Signature types.Signature
	SignerID  types.KeyID
	Timestamp uint64
	Program   []byte
}

// HasFlag reports whether the envelope carries the given flag bit.
func (e *Envelope) HasFlag(flag uint8) bool { return e.Flags&flag != 0 }

// digestOf hashes the program bytes the way signers do.
func digestOf(program []byte) types.Digest {
	return types.Digest(sha3.Sum256(program))
}

// signedMessage is the byte string the ed25519 signature covers: the
// whole header except the signature field itself. Flipping any header
// bit therefore invalidates the envelope.
func signedMessage(flags uint8, digest types.Digest, signer types.KeyID, timestamp uint64) []byte {
	msg := make([]byte, 0, 56)
	msg = append(msg, Magic...)
	msg = append(msg, Version, flags, 0, 0)
	msg = append(msg, digest.Bytes()...)
	msg = append(msg, signer.Bytes()...)
	msg = binary.LittleEndian.AppendUint64(msg, timestamp)
	return msg
}

// Sign wraps program in an envelope signed with priv.
func Sign(priv ed25519.PrivateKey, program []byte, flags uint8, timestamp uint64) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key length %d", ErrBadKey, len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	signer, err := types.KeyIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	digest := digestOf(program)
	sig := ed25519.Sign(priv, signedMessage(flags, digest, signer, timestamp))

	out := make([]byte, HeaderSize+len(program))
	copy(out[0:4], Magic)
	out[4] = Version
	out[5] = flags
	copy(out[8:40], digest.Bytes())
	copy(out[40:104], sig)
	copy(out[104:112], signer.Bytes())
	binary.LittleEndian.PutUint64(out[112:120], timestamp)
	copy(out[HeaderSize:], program)
	return out, nil
}

// Parse splits raw into an Envelope without checking the signature.
// The digest is recomputed and compared in constant time.
func Parse(raw []byte) (*Envelope, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(raw))
	}
	if string(raw[0:4]) != Magic {
		return nil, ErrBadMagic
	}
	if raw[4] != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, raw[4])
	}
	if raw[6] != 0 || raw[7] != 0 {
		return nil, ErrBadReserved
	}
	env := &Envelope{
		Version:   raw[4],
		Flags:     raw[5],
		Timestamp: binary.LittleEndian.Uint64(raw[112:120]),
		Program:   raw[HeaderSize:],
	}
	copy(env.Digest[:], raw[8:40])
	copy(env.Signature[:], raw[40:104])
	copy(env.SignerID[:], raw[104:112])

	computed := digestOf(env.Program)
	if subtle.ConstantTimeCompare(computed[:], env.Digest[:]) != 1 {
		return nil, ErrDigestMismatch
	}
	return env, nil
}

// ProgramID derives the content identity of the envelope.
func (e *Envelope) ProgramID() types.ProgramID {
	return types.Fingerprint(e.Digest.Bytes())
}
