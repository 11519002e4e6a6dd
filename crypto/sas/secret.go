// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sas implements the cryptographic primitives of the m.sas.v1
// verification method: the ephemeral Curve25519 key agreement, the
// commitment hash, the short authentication string derivation and the MAC
// calculation.
package sas

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/curve25519"
)

var (
	ErrSecretDestroyed    = errors.New("secret has already been destroyed")
	ErrNoTheirKey         = errors.New("the other side's public key has not been set")
	ErrTheirKeyAlreadySet = errors.New("the other side's public key has already been set")
	ErrInvalidPublicKey   = errors.New("invalid curve25519 public key")
)

// Secret is the ephemeral key material of one SAS verification: our
// Curve25519 keypair and, once the other side's public key is known, the
// shared secret. The private parts are wiped by Destroy.
type Secret struct {
	privateKey [curve25519.ScalarSize]byte
	publicKey  [curve25519.PointSize]byte
	theirKey   [curve25519.PointSize]byte
	shared     [curve25519.PointSize]byte

	hasTheirKey bool
	destroyed   bool
}

// NewSecret generates a new ephemeral Curve25519 keypair.
func NewSecret() (*Secret, error) {
	var priv [curve25519.ScalarSize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	secret, err := NewSecretFromPrivateKey(priv[:])
	wipe(priv[:])
	return secret, err
}

// NewSecretFromPrivateKey creates a secret from an existing 32-byte
// Curve25519 private key. The input slice is copied, the caller keeps
// ownership of it.
func NewSecretFromPrivateKey(privateKey []byte) (*Secret, error) {
	if len(privateKey) != curve25519.ScalarSize {
		return nil, fmt.Errorf("invalid private key length %d", len(privateKey))
	}
	secret := &Secret{}
	copy(secret.privateKey[:], privateKey)
	pub, err := curve25519.X25519(secret.privateKey[:], curve25519.Basepoint)
	if err != nil {
		secret.Destroy()
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(secret.publicKey[:], pub)
	return secret, nil
}

// PublicKey returns a copy of our ephemeral public key.
func (s *Secret) PublicKey() []byte {
	return append([]byte(nil), s.publicKey[:]...)
}

// PublicKeyBase64 returns our ephemeral public key as unpadded base64.
func (s *Secret) PublicKeyBase64() string {
	return base64.RawStdEncoding.EncodeToString(s.publicKey[:])
}

// HasTheirKey returns true if SetTheirPublicKey has succeeded.
func (s *Secret) HasTheirKey() bool {
	return s.hasTheirKey
}

// TheirPublicKey returns a copy of the other side's ephemeral public key, or
// nil if it hasn't been set yet.
func (s *Secret) TheirPublicKey() []byte {
	if !s.hasTheirKey {
		return nil
	}
	return append([]byte(nil), s.theirKey[:]...)
}

// TheirPublicKeyBase64 returns the other side's ephemeral public key as unpadded base64.
func (s *Secret) TheirPublicKeyBase64() string {
	if !s.hasTheirKey {
		return ""
	}
	return base64.RawStdEncoding.EncodeToString(s.theirKey[:])
}

// SetTheirPublicKey stores the other side's public key and computes the
// Diffie-Hellman shared secret. It can only be called once.
func (s *Secret) SetTheirPublicKey(key []byte) error {
	if s.destroyed {
		return ErrSecretDestroyed
	} else if s.hasTheirKey {
		return ErrTheirKeyAlreadySet
	} else if len(key) != curve25519.PointSize {
		return fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(key))
	}
	shared, err := curve25519.X25519(s.privateKey[:], key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	copy(s.theirKey[:], key)
	copy(s.shared[:], shared)
	wipe(shared)
	s.hasTheirKey = true
	return nil
}

func (s *Secret) sharedSecret() ([]byte, error) {
	if s.destroyed {
		return nil, ErrSecretDestroyed
	} else if !s.hasTheirKey {
		return nil, ErrNoTheirKey
	}
	return s.shared[:], nil
}

// Destroy wipes the private key and the shared secret. The secret can't be
// used for any further calculations afterwards. Calling Destroy more than
// once is safe.
func (s *Secret) Destroy() {
	if s == nil {
		return
	}
	wipe(s.privateKey[:])
	wipe(s.shared[:])
	s.destroyed = true
}

// IsDestroyed returns true if Destroy has been called.
func (s *Secret) IsDestroyed() bool {
	return s.destroyed
}

func wipe(data []byte) {
	zeros := make([]byte, len(data))
	// ConstantTimeCopy keeps the compiler from treating the overwrite as a dead store.
	subtle.ConstantTimeCopy(1, data, zeros)
	runtime.KeepAlive(data)
}
