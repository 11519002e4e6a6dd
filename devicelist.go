// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mxverify

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/exp/slices"

	"maunium.net/go/mxverify/crypto/canonicaljson"
	"maunium.net/go/mxverify/crypto/keystore"
	"maunium.net/go/mxverify/id"
)

var (
	ErrMismatchingDeviceID   = errors.New("mismatching device ID in parameter and keys object")
	ErrMismatchingUserID     = errors.New("mismatching user ID in parameter and keys object")
	ErrMismatchingSigningKey = errors.New("received update for device with different signing key")
	ErrNoSigningKeyFound     = errors.New("didn't find ed25519 signing key")
	ErrNoIdentityKeyFound    = errors.New("didn't find curve25519 identity key")
	ErrInvalidKeySignature   = errors.New("invalid signature on device keys")
)

func (dk *DeviceKeys) UnmarshalJSON(data []byte) error {
	type plainDeviceKeys DeviceKeys
	if err := json.Unmarshal(data, (*plainDeviceKeys)(dk)); err != nil {
		return err
	}
	dk.raw = bytes.Clone(data)
	return nil
}

// VerifySignatureJSON checks the ed25519 signature that the given key made
// over the canonical form of the JSON object, ignoring the signatures and
// unsigned fields.
func VerifySignatureJSON(obj []byte, userID id.UserID, keyName string, key id.Ed25519) (bool, error) {
	signature, err := base64.RawStdEncoding.DecodeString(getSignature(obj, userID, id.NewKeyID(id.KeyAlgorithmEd25519, keyName)))
	if err != nil {
		return false, fmt.Errorf("failed to decode signature: %w", err)
	} else if len(signature) == 0 {
		return false, nil
	}
	pubKey, err := base64.RawStdEncoding.DecodeString(key.String())
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: %s", keystore.ErrInvalidKey, key)
	}
	stripped, err := sjson.DeleteBytes(obj, "signatures")
	if err != nil {
		return false, err
	}
	stripped, err = sjson.DeleteBytes(stripped, "unsigned")
	if err != nil {
		return false, err
	}
	canonical, err := canonicaljson.CanonicalJSON(stripped)
	if err != nil {
		return false, fmt.Errorf("failed to canonicalize JSON: %w", err)
	}
	return ed25519.Verify(pubKey, canonical, signature), nil
}

func getSignature(obj []byte, userID id.UserID, keyID id.KeyID) string {
	var sigs map[id.UserID]KeyIDMap
	_ = json.Unmarshal([]byte(gjson.GetBytes(obj, "signatures").Raw), &sigs)
	return sigs[userID][keyID]
}

// FetchKeys queries the keys of the given users from the homeserver and
// stores the devices and master keys in the key store. Devices that are no
// longer returned are marked as deleted. The trust state of known devices is
// kept, and devices whose signing key changed are ignored.
func (cli *Client) FetchKeys(ctx context.Context, store keystore.Store, users ...id.UserID) (map[id.UserID]map[id.DeviceID]*id.Device, error) {
	if len(users) == 0 {
		return nil, nil
	}
	log := zerolog.Ctx(ctx).With().Str("action", "fetch keys").Logger()
	req := &ReqQueryKeys{
		DeviceKeys: DeviceKeysRequest{},
		Timeout:    10 * 1000,
	}
	for _, userID := range users {
		req.DeviceKeys[userID] = []id.DeviceID{}
	}
	log.Trace().Any("users", users).Msg("Querying keys")
	resp, err := cli.QueryKeys(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	for server, err := range resp.Failures {
		log.Warn().Str("server", server).Any("error", err).Msg("Query keys failure")
	}
	data := make(map[id.UserID]map[id.DeviceID]*id.Device)
	for userID, devices := range resp.DeviceKeys {
		if !slices.Contains(users, userID) {
			continue
		}
		existingDevices, err := store.GetDevices(ctx, userID)
		if err != nil {
			return data, fmt.Errorf("failed to get existing devices of %s: %w", userID, err)
		}
		newDevices := make(map[id.DeviceID]*id.Device, len(devices))
		for deviceID, deviceKeys := range devices {
			newDevice, err := validateDevice(userID, deviceID, deviceKeys, existingDevices[deviceID])
			if err != nil {
				log.Err(err).
					Stringer("user_id", userID).
					Stringer("device_id", deviceID).
					Msg("Failed to validate device")
			}
			if newDevice == nil {
				continue
			} else if err = store.PutDevice(ctx, newDevice); err != nil {
				return data, fmt.Errorf("failed to store device %s of %s: %w", deviceID, userID, err)
			}
			newDevices[deviceID] = newDevice
		}
		for deviceID, existing := range existingDevices {
			if _, stillExists := newDevices[deviceID]; !stillExists {
				existing.Deleted = true
				if err = store.PutDevice(ctx, existing); err != nil {
					return data, fmt.Errorf("failed to mark device %s of %s as deleted: %w", deviceID, userID, err)
				}
			}
		}
		log.Trace().
			Stringer("user_id", userID).
			Int("device_count", len(newDevices)).
			Msg("Updated device list")
		data[userID] = newDevices
	}
	for userID, masterKeys := range resp.MasterKeys {
		if !slices.Contains(users, userID) || masterKeys.UserID != userID || !slices.Contains(masterKeys.Usage, id.XSUsageMaster) {
			continue
		}
		key := masterKeys.FirstKey()
		if key == "" {
			continue
		}
		err = store.PutCrossSigningKey(ctx, userID, id.CrossSigningKey{Key: key, Usage: id.XSUsageMaster})
		if err != nil {
			log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to store master key")
		}
	}
	return data, nil
}

func validateDevice(userID id.UserID, deviceID id.DeviceID, deviceKeys DeviceKeys, existing *id.Device) (*id.Device, error) {
	if deviceID != deviceKeys.DeviceID {
		return nil, fmt.Errorf("%w (expected %s, got %s)", ErrMismatchingDeviceID, deviceID, deviceKeys.DeviceID)
	} else if userID != deviceKeys.UserID {
		return nil, fmt.Errorf("%w (expected %s, got %s)", ErrMismatchingUserID, userID, deviceKeys.UserID)
	}

	signingKey := id.Ed25519(deviceKeys.GetKey(id.KeyAlgorithmEd25519))
	identityKey := id.Curve25519(deviceKeys.GetKey(id.KeyAlgorithmCurve25519))
	if signingKey == "" {
		return nil, ErrNoSigningKeyFound
	} else if identityKey == "" {
		return nil, ErrNoIdentityKeyFound
	}

	if existing != nil && existing.SigningKey != signingKey {
		return existing, fmt.Errorf("%w (expected %s, got %s)", ErrMismatchingSigningKey, existing.SigningKey, signingKey)
	}

	ok, err := VerifySignatureJSON(deviceKeys.raw, userID, deviceID.String(), signingKey)
	if err != nil {
		return existing, fmt.Errorf("failed to verify signature: %w", err)
	} else if !ok {
		return existing, ErrInvalidKeySignature
	}

	name := deviceKeys.Unsigned.DeviceDisplayName
	if name == "" {
		name = deviceID.String()
	}
	trust := id.TrustStateUnset
	if existing != nil {
		trust = existing.Trust
	}
	return &id.Device{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
		Trust:       trust,
		Name:        name,
	}, nil
}
