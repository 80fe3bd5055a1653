// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity provides author and replica key material for arbor.
//
// Every operation in the log is signed with an ed25519 key. The author
// identifier is the key's fingerprint, so an operation names the key that
// must verify it. Private key seeds are held sealed in a memguard enclave and
// are only decrypted for the duration of a single Sign call.
//
// Only the public half and the fingerprint are ever handed to other
// components (see Keyring).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"
)

// FingerprintBytes is how many bytes of the SHA-256 of a public key form a fingerprint.
const FingerprintBytes = 16

// keyFileVersion is bumped if the on-disk key file layout changes.
const keyFileVersion = 1

var (
	// ErrInvalidPublicKey is returned when a public key has the wrong length.
	ErrInvalidPublicKey = errors.New("invalid ed25519 public key")

	// ErrIdentityDestroyed is returned when signing with a destroyed identity.
	ErrIdentityDestroyed = errors.New("identity has been destroyed")

	// ErrInvalidKeyFile is returned when a key file cannot be decoded.
	ErrInvalidKeyFile = errors.New("invalid key file")
)

// Identity is an ed25519 keypair whose private half is sealed in memory.
//
// Description:
//
//	The seed is stored in a memguard.Enclave (encrypted at rest in memory).
//	Sign opens the enclave into a locked buffer, derives the private key,
//	signs, and wipes both before returning.
//
// Thread Safety: Safe for concurrent use.
type Identity struct {
	fingerprint string
	publicKey   ed25519.PublicKey

	mu      sync.RWMutex
	enclave *memguard.Enclave
}

// Generate creates a new random identity.
//
// Description:
//
//	Draws a fresh ed25519 keypair from crypto/rand and seals the seed.
//	The returned handle signs without exposing the seed.
//
// Outputs:
//
//	*Identity - The new identity.
//	error - Non-nil if the system random source fails.
//
// Thread Safety: Safe for concurrent use.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	defer memguard.WipeBytes(priv)

	seed := make([]byte, ed25519.SeedSize)
	copy(seed, priv.Seed())
	return fromSeed(pub, seed), nil
}

// FromSeed builds an identity from a 32-byte ed25519 seed.
//
// The seed slice is wiped before returning.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		memguard.WipeBytes(seed)
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrInvalidKeyFile, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	defer memguard.WipeBytes(priv)

	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, priv.Public().(ed25519.PublicKey))
	return fromSeed(pub, seed), nil
}

// fromSeed seals seed (wiping it) and returns the identity.
func fromSeed(pub ed25519.PublicKey, seed []byte) *Identity {
	return &Identity{
		fingerprint: Fingerprint(pub),
		publicKey:   pub,
		enclave:     memguard.NewEnclave(seed),
	}
}

// Fingerprint returns the author identifier derived from the public key.
func (id *Identity) Fingerprint() string {
	return id.fingerprint
}

// PublicKey returns a copy of the public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(id.publicKey))
	copy(out, id.publicKey)
	return out
}

// Sign signs canonical operation bytes.
//
// Description:
//
//	Opens the sealed seed, signs msg, and wipes the derived private key.
//
// Inputs:
//
//	msg - The canonical bytes to sign.
//
// Outputs:
//
//	[]byte - 64-byte ed25519 signature.
//	error - Non-nil if the identity was destroyed or the enclave cannot be opened.
//
// Thread Safety: Safe for concurrent use.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()

	if id.enclave == nil {
		return nil, ErrIdentityDestroyed
	}

	buf, err := id.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	priv := ed25519.NewKeyFromSeed(buf.Bytes())
	defer memguard.WipeBytes(priv)

	return ed25519.Sign(priv, msg), nil
}

// Destroy drops the sealed seed. Further Sign calls fail.
func (id *Identity) Destroy() {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.enclave = nil
}

// Fingerprint derives the author identifier for a public key.
//
// Description:
//
//	Hex encoding of the first FingerprintBytes bytes of SHA-256(public key).
//
// Thread Safety: Safe for concurrent use (stateless).
func Fingerprint(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:FingerprintBytes])
}

// Verify checks an ed25519 signature over canonical bytes.
//
// Returns false for malformed keys or signatures instead of panicking.
//
// Thread Safety: Safe for concurrent use (stateless).
func Verify(msg, sig []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// keyFile is the on-disk form written by Save.
type keyFile struct {
	Version     int    `json:"version"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
	Seed        string `json:"seed"`
}

// Save writes the identity to path with owner-only permissions.
//
// Description:
//
//	Intended for the operator CLI, which is the calling context that owns
//	the key. The seed is hex encoded. Parent directories are created with 0700.
//
// Inputs:
//
//	path - Destination file. Overwritten if it exists.
//
// Outputs:
//
//	error - Non-nil if the enclave cannot be opened or the file cannot be written.
func (id *Identity) Save(path string) error {
	id.mu.RLock()
	defer id.mu.RUnlock()

	if id.enclave == nil {
		return ErrIdentityDestroyed
	}

	buf, err := id.enclave.Open()
	if err != nil {
		return fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	data, err := json.MarshalIndent(keyFile{
		Version:     keyFileVersion,
		Fingerprint: id.fingerprint,
		PublicKey:   hex.EncodeToString(id.publicKey),
		Seed:        hex.EncodeToString(buf.Bytes()),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode key file: %w", err)
	}
	defer memguard.WipeBytes(data)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write key file %s: %w", path, err)
	}
	return nil
}

// Load reads an identity written by Save.
//
// The fingerprint stored in the file must match the one derived from the seed.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	defer memguard.WipeBytes(data)

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFile, err)
	}
	if kf.Version != keyFileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidKeyFile, kf.Version)
	}

	seed, err := hex.DecodeString(kf.Seed)
	if err != nil {
		return nil, fmt.Errorf("%w: seed: %v", ErrInvalidKeyFile, err)
	}
	id, err := FromSeed(seed)
	if err != nil {
		return nil, err
	}
	if kf.Fingerprint != "" && kf.Fingerprint != id.fingerprint {
		id.Destroy()
		return nil, fmt.Errorf("%w: fingerprint mismatch", ErrInvalidKeyFile)
	}
	return id, nil
}
