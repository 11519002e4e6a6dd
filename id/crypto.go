// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"fmt"
	"strings"

	"go.mau.fi/util/random"
)

// KeyAlgorithm is a type for representing the algorithm of a key, as used in KeyIDs.
type KeyAlgorithm string

const (
	KeyAlgorithmCurve25519 KeyAlgorithm = "curve25519"
	KeyAlgorithmEd25519    KeyAlgorithm = "ed25519"
)

// CrossSigningUsage is the purpose of a cross-signing key.
type CrossSigningUsage string

const (
	XSUsageMaster      CrossSigningUsage = "master"
	XSUsageSelfSigning CrossSigningUsage = "self_signing"
	XSUsageUserSigning CrossSigningUsage = "user_signing"
)

// A KeyID is a string formatted as <algorithm>:<key_name> that is used as the key in deviceid-key mappings.
type KeyID string

func NewKeyID(algorithm KeyAlgorithm, keyName string) KeyID {
	return KeyID(fmt.Sprintf("%s:%s", algorithm, keyName))
}

func (keyID KeyID) String() string {
	return string(keyID)
}

func (keyID KeyID) Parse() (algorithm KeyAlgorithm, keyName string) {
	index := strings.IndexRune(string(keyID), ':')
	if index < 0 || len(keyID) <= index+1 {
		return
	}
	algorithm = KeyAlgorithm(keyID[:index])
	keyName = string(keyID[index+1:])
	return
}

// Ed25519 is the base64 representation of an Ed25519 public key
type Ed25519 string

func (ed25519 Ed25519) String() string {
	return string(ed25519)
}

// Curve25519 is the base64 representation of an Curve25519 public key
type Curve25519 string

func (curve25519 Curve25519) String() string {
	return string(curve25519)
}

// NewVerificationTransactionID generates a random transaction ID for a
// to-device verification request.
func NewVerificationTransactionID() VerificationTransactionID {
	return VerificationTransactionID(random.String(32))
}

// Device contains the identity details of a device and some additional info.
type Device struct {
	UserID      UserID
	DeviceID    DeviceID
	IdentityKey Curve25519
	SigningKey  Ed25519
	Trust       TrustState
	Deleted     bool
	Name        string
}

// CrossSigningKey is a public cross-signing key of a user.
type CrossSigningKey struct {
	Key   Ed25519
	Usage CrossSigningUsage
}

// KeyID returns the ed25519:<key> ID used to refer to this key in verification MACs.
func (csk CrossSigningKey) KeyID() KeyID {
	return NewKeyID(KeyAlgorithmEd25519, csk.Key.String())
}
