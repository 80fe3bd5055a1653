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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	defer id.Destroy()

	assert.Len(t, id.PublicKey(), ed25519.PublicKeySize)
	assert.Len(t, id.Fingerprint(), FingerprintBytes*2)
	assert.Equal(t, Fingerprint(id.PublicKey()), id.Fingerprint())

	other, err := Generate()
	require.NoError(t, err)
	defer other.Destroy()
	assert.NotEqual(t, id.Fingerprint(), other.Fingerprint())
}

func TestSignVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	defer id.Destroy()

	msg := []byte("arbor-op/v1 canonical bytes")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	assert.Len(t, sig, ed25519.SignatureSize)

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, Verify(msg, sig, id.PublicKey()))
	})

	t.Run("tampered message", func(t *testing.T) {
		assert.False(t, Verify([]byte("arbor-op/v1 canonical bytez"), sig, id.PublicKey()))
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := Generate()
		require.NoError(t, err)
		defer other.Destroy()
		assert.False(t, Verify(msg, sig, other.PublicKey()))
	})

	t.Run("malformed inputs", func(t *testing.T) {
		assert.False(t, Verify(msg, sig[:10], id.PublicKey()))
		assert.False(t, Verify(msg, sig, id.PublicKey()[:5]))
		assert.False(t, Verify(msg, nil, nil))
	})
}

func TestIdentity_Destroy(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	id.Destroy()
	_, err = id.Sign([]byte("x"))
	assert.True(t, errors.Is(err, ErrIdentityDestroyed))
}

func TestFromSeed_Deterministic(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	seedCopy := append([]byte(nil), seed...)

	a, err := FromSeed(seed)
	require.NoError(t, err)
	defer a.Destroy()
	b, err := FromSeed(seedCopy)
	require.NoError(t, err)
	defer b.Destroy()

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	_, err = FromSeed([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, ErrInvalidKeyFile))
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "author.json")

	id, err := Generate()
	require.NoError(t, err)
	defer id.Destroy()

	require.NoError(t, id.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	defer loaded.Destroy()
	assert.Equal(t, id.Fingerprint(), loaded.Fingerprint())

	msg := []byte("payload")
	sig, err := loaded.Sign(msg)
	require.NoError(t, err)
	assert.True(t, Verify(msg, sig, id.PublicKey()))

	t.Run("corrupt file", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0600))
		_, err := Load(bad)
		assert.True(t, errors.Is(err, ErrInvalidKeyFile))
	})
}

// memKeyStore is an in-memory KeyStore for keyring tests.
type memKeyStore struct {
	keys map[string]ed25519.PublicKey
	puts int
}

func (m *memKeyStore) PutKey(_ context.Context, fp string, pub ed25519.PublicKey) error {
	m.keys[fp] = pub
	m.puts++
	return nil
}

func (m *memKeyStore) LoadKeys(_ context.Context) (map[string]ed25519.PublicKey, error) {
	out := make(map[string]ed25519.PublicKey, len(m.keys))
	for k, v := range m.keys {
		out[k] = v
	}
	return out, nil
}

func TestKeyring(t *testing.T) {
	ctx := context.Background()
	store := &memKeyStore{keys: make(map[string]ed25519.PublicKey)}

	alice, err := Generate()
	require.NoError(t, err)
	defer alice.Destroy()
	bob, err := Generate()
	require.NoError(t, err)
	defer bob.Destroy()

	ring := NewKeyring(store)

	t.Run("register is idempotent", func(t *testing.T) {
		fp, err := ring.Register(ctx, alice.PublicKey())
		require.NoError(t, err)
		assert.Equal(t, alice.Fingerprint(), fp)

		_, err = ring.Register(ctx, alice.PublicKey())
		require.NoError(t, err)
		assert.Equal(t, 1, store.puts)
	})

	t.Run("resolve known author", func(t *testing.T) {
		pub, err := ring.Resolve(ctx, alice.Fingerprint(), nil)
		require.NoError(t, err)
		assert.Equal(t, alice.PublicKey(), pub)
	})

	t.Run("resolve unknown author", func(t *testing.T) {
		_, err := ring.Resolve(ctx, bob.Fingerprint(), nil)
		assert.True(t, errors.Is(err, ErrUnknownAuthor))
	})

	t.Run("resolve with carried key registers it", func(t *testing.T) {
		pub, err := ring.Resolve(ctx, bob.Fingerprint(), bob.PublicKey())
		require.NoError(t, err)
		assert.Equal(t, bob.PublicKey(), pub)

		_, ok := ring.Lookup(bob.Fingerprint())
		assert.True(t, ok)
	})

	t.Run("carried key for another author", func(t *testing.T) {
		_, err := ring.Resolve(ctx, alice.Fingerprint(), bob.PublicKey())
		assert.True(t, errors.Is(err, ErrFingerprintMismatch))
	})

	t.Run("reload from store", func(t *testing.T) {
		fresh := NewKeyring(store)
		require.NoError(t, fresh.Load(ctx))
		assert.ElementsMatch(t, []string{alice.Fingerprint(), bob.Fingerprint()}, fresh.Authors())
	})

	t.Run("invalid key", func(t *testing.T) {
		_, err := ring.Register(ctx, []byte{1, 2})
		assert.True(t, errors.Is(err, ErrInvalidPublicKey))
	})
}
