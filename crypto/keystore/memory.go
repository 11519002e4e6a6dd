// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keystore

import (
	"context"
	"sync"
	"time"

	"go.mau.fi/util/ptr"

	"maunium.net/go/mxverify/id"
)

// MemoryStore is a [Store] that keeps everything in memory.
type MemoryStore struct {
	lock         sync.RWMutex
	devices      map[id.UserID]map[id.DeviceID]*id.Device
	crossSigning map[id.UserID]map[id.CrossSigningUsage]id.CrossSigningKey
	trusted      map[id.UserID]map[id.KeyID]time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:      make(map[id.UserID]map[id.DeviceID]*id.Device),
		crossSigning: make(map[id.UserID]map[id.CrossSigningUsage]id.CrossSigningKey),
		trusted:      make(map[id.UserID]map[id.KeyID]time.Time),
	}
}

func (ms *MemoryStore) GetDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	device, ok := ms.devices[userID][deviceID]
	if !ok {
		return nil, nil
	}
	return ptr.Clone(device), nil
}

func (ms *MemoryStore) GetDevices(_ context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	userDevices, ok := ms.devices[userID]
	if !ok {
		return nil, nil
	}
	devices := make(map[id.DeviceID]*id.Device, len(userDevices))
	for deviceID, device := range userDevices {
		if !device.Deleted {
			devices[deviceID] = ptr.Clone(device)
		}
	}
	return devices, nil
}

func (ms *MemoryStore) PutDevice(_ context.Context, device *id.Device) error {
	if err := validateDevice(device); err != nil {
		return err
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	userDevices, ok := ms.devices[device.UserID]
	if !ok {
		userDevices = make(map[id.DeviceID]*id.Device)
		ms.devices[device.UserID] = userDevices
	}
	userDevices[device.DeviceID] = ptr.Clone(device)
	return nil
}

func (ms *MemoryStore) GetMasterKey(_ context.Context, userID id.UserID) (*id.CrossSigningKey, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	key, ok := ms.crossSigning[userID][id.XSUsageMaster]
	if !ok {
		return nil, nil
	}
	return &key, nil
}

func (ms *MemoryStore) PutCrossSigningKey(_ context.Context, userID id.UserID, key id.CrossSigningKey) error {
	if err := ValidateEd25519(key.Key); err != nil {
		return err
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	userKeys, ok := ms.crossSigning[userID]
	if !ok {
		userKeys = make(map[id.CrossSigningUsage]id.CrossSigningKey)
		ms.crossSigning[userID] = userKeys
	}
	userKeys[key.Usage] = key
	return nil
}

func (ms *MemoryStore) TrustKeys(_ context.Context, userID id.UserID, keyIDs []id.KeyID) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	userTrusted, ok := ms.trusted[userID]
	if !ok {
		userTrusted = make(map[id.KeyID]time.Time)
		ms.trusted[userID] = userTrusted
	}
	now := time.Now()
	for _, keyID := range keyIDs {
		userTrusted[keyID] = now
		if _, keyName := keyID.Parse(); keyName != "" {
			if device, ok := ms.devices[userID][id.DeviceID(keyName)]; ok {
				device.Trust = id.TrustStateVerified
			}
		}
	}
	return nil
}

func (ms *MemoryStore) IsTrusted(_ context.Context, userID id.UserID, keyID id.KeyID) (bool, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	_, ok := ms.trusted[userID][keyID]
	return ok, nil
}
