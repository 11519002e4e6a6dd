// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package keystore stores the long-term keys of users and devices, and
// which of them have been verified.
package keystore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"maunium.net/go/mxverify/id"
)

var ErrInvalidKey = errors.New("invalid ed25519 public key")

// Store is implemented by [MemoryStore] and [SQLStore]. Getters return nil
// without an error for unknown users, devices and keys.
type Store interface {
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error)
	// GetDevices returns the devices of the user that haven't been deleted.
	GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error)
	PutDevice(ctx context.Context, device *id.Device) error

	GetMasterKey(ctx context.Context, userID id.UserID) (*id.CrossSigningKey, error)
	PutCrossSigningKey(ctx context.Context, userID id.UserID, key id.CrossSigningKey) error

	// TrustKeys marks the given keys of the user as verified. Device keys
	// also update the trust state of the device.
	TrustKeys(ctx context.Context, userID id.UserID, keyIDs []id.KeyID) error
	IsTrusted(ctx context.Context, userID id.UserID, keyID id.KeyID) (bool, error)
}

// ValidateEd25519 checks that the key is an unpadded base64 encoding of a
// valid point on the ed25519 curve.
func ValidateEd25519(key id.Ed25519) error {
	decoded, err := base64.RawStdEncoding.DecodeString(key.String())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	} else if len(decoded) != 32 {
		return fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(decoded))
	}
	if _, err = new(edwards25519.Point).SetBytes(decoded); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return nil
}

func validateDevice(device *id.Device) error {
	if device.UserID == "" || device.DeviceID == "" {
		return fmt.Errorf("device is missing user or device ID")
	}
	return ValidateEd25519(device.SigningKey)
}
