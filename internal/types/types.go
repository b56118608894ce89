// Package types defines the core identifier and cryptographic value types
// shared across the axiom-ebpf engine.
//
// ProgramIDs are content fingerprints: the BLAKE3 hash of the signed program
// envelope. KeyIDs identify trusted signing keys by a truncated public key.
// Both render as text the way operators see them in logs and stores.
package types

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Size constants for core types.
const (
	ProgramIDSize = 32
	KeyIDSize     = 8
	DigestSize    = 32
	SignatureSize = 64
)

var (
	// ErrInvalidProgramID is returned when a program id has invalid length.
	ErrInvalidProgramID = errors.New("invalid program id: must be 32 bytes")

	// ErrInvalidKeyID is returned when a key id has invalid length.
	ErrInvalidKeyID = errors.New("invalid key id: must be 8 bytes")

	// ErrInvalidDigest is returned when a digest has invalid length.
	ErrInvalidDigest = errors.New("invalid digest: must be 32 bytes")

	// ErrInvalidSignature is returned when a signature has invalid length.
	ErrInvalidSignature = errors.New("invalid signature: must be 64 bytes")
)

// ProgramID is the stable identity of a loaded program: the BLAKE3
// fingerprint of its signed envelope bytes.
type ProgramID [ProgramIDSize]byte

// Fingerprint computes the ProgramID for a byte blob.
func Fingerprint(data []byte) ProgramID {
	return ProgramID(blake3.Sum256(data))
}

// ProgramIDFromBase58 parses a base58-encoded program id.
func ProgramIDFromBase58(s string) (ProgramID, error) {
	var id ProgramID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], data)
	return id, nil
}

// ProgramIDFromBytes creates a ProgramID from a byte slice.
func ProgramIDFromBytes(b []byte) (ProgramID, error) {
	var id ProgramID
	if len(b) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ProgramID) String() string {
	return base58.Encode(id[:])
}

// IsZero returns true if the id is all zeros.
func (id ProgramID) IsZero() bool {
	return id == ProgramID{}
}

// Equals returns true if two program ids are equal.
func (id ProgramID) Equals(other ProgramID) bool {
	return id == other
}

// Bytes returns the id as a byte slice.
func (id ProgramID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ProgramID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ProgramID) UnmarshalText(text []byte) error {
	parsed, err := ProgramIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// KeyID identifies a trusted signing key: the first 8 bytes of the
// Ed25519 public key.
type KeyID [KeyIDSize]byte

// KeyIDFromPublicKey derives the key id from an Ed25519 public key.
func KeyIDFromPublicKey(pub ed25519.PublicKey) (KeyID, error) {
	var id KeyID
	if len(pub) != ed25519.PublicKeySize {
		return id, ErrInvalidKeyID
	}
	copy(id[:], pub[:KeyIDSize])
	return id, nil
}

// KeyIDFromBytes creates a KeyID from a byte slice.
func KeyIDFromBytes(b []byte) (KeyID, error) {
	var id KeyID
	if len(b) != KeyIDSize {
		return id, ErrInvalidKeyID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the hex-encoded representation.
func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero returns true if the key id is all zeros.
func (k KeyID) IsZero() bool {
	return k == KeyID{}
}

// Bytes returns the key id as a byte slice.
func (k KeyID) Bytes() []byte {
	return k[:]
}

// Digest is a 32-byte cryptographic digest over program bytes.
type Digest [DigestSize]byte

// DigestFromBytes creates a Digest from a byte slice.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, ErrInvalidDigest
	}
	copy(d[:], b)
	return d, nil
}

// Hex returns the hex-encoded representation.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// String returns the hex-encoded representation.
func (d Digest) String() string {
	return d.Hex()
}

// IsZero returns true if the digest is all zeros.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Equals returns true if two digests are equal.
func (d Digest) Equals(other Digest) bool {
	return d == other
}

// Bytes returns the digest as a byte slice.
func (d Digest) Bytes() []byte {
	return d[:]
}

// Signature is a 64-byte Ed25519 signature.
type Signature [SignatureSize]byte

// SignatureFromBytes creates a Signature from a byte slice.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureSize {
		return sig, ErrInvalidSignature
	}
	copy(sig[:], b)
	return sig, nil
}

// String returns the base58-encoded representation.
func (s Signature) String() string {
	return base58.Encode(s[:])
}

// IsZero returns true if the signature is all zeros.
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// Verify checks this signature over a message with a public key.
func (s Signature) Verify(pub ed25519.PublicKey, message []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, s[:])
}

// Bytes returns the signature as a byte slice.
func (s Signature) Bytes() []byte {
	return s[:]
}
