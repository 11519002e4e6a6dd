// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"maunium.net/go/mxverify/crypto/keystore/upgrades"
	"maunium.net/go/mxverify/id"
)

// SQLStore is a [Store] backed by a SQLite or Postgres database.
type SQLStore struct {
	DB          *dbutil.Database
	TrustedKeys *TrustedKeyQuery
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps the database. Call [SQLStore.Upgrade] before using the
// store to create the tables.
func NewSQLStore(db *dbutil.Database, log dbutil.DatabaseLogger) *SQLStore {
	child := db.Child(upgrades.VersionTableName, upgrades.Table, log)
	return &SQLStore{
		DB:          child,
		TrustedKeys: &TrustedKeyQuery{dbutil.MakeQueryHelper(child, newTrustedKey)},
	}
}

func (store *SQLStore) Upgrade(ctx context.Context) error {
	return store.DB.Upgrade(ctx)
}

const (
	getDeviceBaseQuery = `
		SELECT user_id, device_id, identity_key, signing_key, trust, deleted, name FROM keystore_device
	`
	getDeviceQuery  = getDeviceBaseQuery + `WHERE user_id=$1 AND device_id=$2`
	getDevicesQuery = getDeviceBaseQuery + `WHERE user_id=$1 AND deleted=false`
	putDeviceQuery  = `
		INSERT INTO keystore_device (user_id, device_id, identity_key, signing_key, trust, deleted, name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, device_id) DO UPDATE
			SET identity_key=excluded.identity_key, signing_key=excluded.signing_key,
			    trust=excluded.trust, deleted=excluded.deleted, name=excluded.name
	`
	setDeviceTrustQuery     = `UPDATE keystore_device SET trust=$3 WHERE user_id=$1 AND device_id=$2`
	getMasterKeyQuery       = `SELECT key FROM keystore_cross_signing_key WHERE user_id=$1 AND usage=$2`
	putCrossSigningKeyQuery = `
		INSERT INTO keystore_cross_signing_key (user_id, usage, key) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, usage) DO UPDATE SET key=excluded.key
	`
)

func scanDevice(row dbutil.Scannable) (*id.Device, error) {
	var device id.Device
	err := row.Scan(&device.UserID, &device.DeviceID, &device.IdentityKey, &device.SigningKey, &device.Trust, &device.Deleted, &device.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &device, nil
}

func (store *SQLStore) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error) {
	return scanDevice(store.DB.QueryRow(ctx, getDeviceQuery, userID, deviceID))
}

func (store *SQLStore) GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error) {
	rows, err := store.DB.Query(ctx, getDevicesQuery, userID)
	if err != nil {
		return nil, err
	}
	var devices map[id.DeviceID]*id.Device
	err = dbutil.NewRowIter(rows, scanDevice).Iter(func(device *id.Device) (bool, error) {
		if devices == nil {
			devices = make(map[id.DeviceID]*id.Device)
		}
		devices[device.DeviceID] = device
		return true, nil
	})
	return devices, err
}

func (store *SQLStore) PutDevice(ctx context.Context, device *id.Device) error {
	if err := validateDevice(device); err != nil {
		return err
	}
	_, err := store.DB.Exec(ctx, putDeviceQuery,
		device.UserID, device.DeviceID, device.IdentityKey, device.SigningKey, device.Trust, device.Deleted, device.Name)
	return err
}

func (store *SQLStore) GetMasterKey(ctx context.Context, userID id.UserID) (*id.CrossSigningKey, error) {
	key := id.CrossSigningKey{Usage: id.XSUsageMaster}
	err := store.DB.QueryRow(ctx, getMasterKeyQuery, userID, id.XSUsageMaster).Scan(&key.Key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &key, nil
}

func (store *SQLStore) PutCrossSigningKey(ctx context.Context, userID id.UserID, key id.CrossSigningKey) error {
	if err := ValidateEd25519(key.Key); err != nil {
		return err
	}
	_, err := store.DB.Exec(ctx, putCrossSigningKeyQuery, userID, key.Usage, key.Key)
	return err
}

func (store *SQLStore) TrustKeys(ctx context.Context, userID id.UserID, keyIDs []id.KeyID) error {
	return store.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		now := time.Now()
		for _, keyID := range keyIDs {
			err := store.TrustedKeys.Put(ctx, &TrustedKey{UserID: userID, KeyID: keyID, TrustedAt: now})
			if err != nil {
				return fmt.Errorf("failed to store trust of %s: %w", keyID, err)
			}
			if _, keyName := keyID.Parse(); keyName != "" {
				_, err = store.DB.Exec(ctx, setDeviceTrustQuery, userID, keyName, id.TrustStateVerified)
				if err != nil {
					return fmt.Errorf("failed to update trust of device %s: %w", keyName, err)
				}
			}
		}
		return nil
	})
}

func (store *SQLStore) IsTrusted(ctx context.Context, userID id.UserID, keyID id.KeyID) (bool, error) {
	trusted, err := store.TrustedKeys.Get(ctx, userID, keyID)
	return trusted != nil, err
}
