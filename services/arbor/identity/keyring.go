// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownAuthor is returned when no public key is known for an author.
	ErrUnknownAuthor = errors.New("unknown author")

	// ErrFingerprintMismatch is returned when a carried public key does not hash to the author id.
	ErrFingerprintMismatch = errors.New("public key does not match author fingerprint")
)

// KeyStore persists public keys by fingerprint.
//
// Implemented by the operation log's storage so keys survive restarts.
type KeyStore interface {
	// PutKey stores a public key under its fingerprint.
	PutKey(ctx context.Context, fingerprint string, pub ed25519.PublicKey) error

	// LoadKeys returns every stored key.
	LoadKeys(ctx context.Context) (map[string]ed25519.PublicKey, error)
}

// Keyring maps author fingerprints to public keys.
//
// Description:
//
//	Authors are self-certifying: an author id is the fingerprint of its key,
//	so a key carried alongside an operation can be accepted without prior
//	registration as long as it hashes to the claimed author.
//
// Thread Safety: Safe for concurrent use.
type Keyring struct {
	mu    sync.RWMutex
	keys  map[string]ed25519.PublicKey
	store KeyStore
}

// NewKeyring creates a keyring. store may be nil for a memory-only keyring.
func NewKeyring(store KeyStore) *Keyring {
	return &Keyring{
		keys:  make(map[string]ed25519.PublicKey),
		store: store,
	}
}

// Load pulls every persisted key into memory.
func (k *Keyring) Load(ctx context.Context) error {
	if k.store == nil {
		return nil
	}
	keys, err := k.store.LoadKeys(ctx)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for fp, pub := range keys {
		k.keys[fp] = pub
	}
	return nil
}

// Register adds a public key and returns its fingerprint.
//
// Description:
//
//	Idempotent. The key is persisted only the first time it is seen.
//
// Inputs:
//
//	ctx - Context for the store write.
//	pub - 32-byte ed25519 public key.
//
// Outputs:
//
//	string - The fingerprint (author id).
//	error - Non-nil if the key is malformed or persistence fails.
//
// Thread Safety: Safe for concurrent use.
func (k *Keyring) Register(ctx context.Context, pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", ErrInvalidPublicKey
	}
	fp := Fingerprint(pub)

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.keys[fp]; ok {
		return fp, nil
	}
	stored := make(ed25519.PublicKey, len(pub))
	copy(stored, pub)

	if k.store != nil {
		if err := k.store.PutKey(ctx, fp, stored); err != nil {
			return "", fmt.Errorf("persist key %s: %w", fp, err)
		}
	}
	k.keys[fp] = stored
	return fp, nil
}

// Lookup returns the key for a fingerprint.
func (k *Keyring) Lookup(fingerprint string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[fingerprint]
	return pub, ok
}

// Resolve finds the key that must verify an operation from author.
//
// Description:
//
//	If carried is non-empty it must hash to author; it is registered and
//	returned. Otherwise the author must already be known.
//
// Outputs:
//
//	ed25519.PublicKey - The verifying key.
//	error - ErrFingerprintMismatch, ErrUnknownAuthor, or a store error.
func (k *Keyring) Resolve(ctx context.Context, author string, carried []byte) (ed25519.PublicKey, error) {
	if len(carried) > 0 {
		if len(carried) != ed25519.PublicKeySize {
			return nil, ErrInvalidPublicKey
		}
		if Fingerprint(carried) != author {
			return nil, fmt.Errorf("%w: author %s", ErrFingerprintMismatch, author)
		}
		if _, err := k.Register(ctx, carried); err != nil {
			return nil, err
		}
		return ed25519.PublicKey(carried), nil
	}

	pub, ok := k.Lookup(author)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuthor, author)
	}
	return pub, nil
}

// Authors returns the known fingerprints in sorted order.
func (k *Keyring) Authors() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for fp := range k.keys {
		out = append(out, fp)
	}
	sort.Strings(out)
	return out
}
