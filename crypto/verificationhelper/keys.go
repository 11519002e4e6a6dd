// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verificationhelper

import (
	"context"

	"maunium.net/go/mxverify/id"
)

// KeyStore provides the long-term keys that are MACed during a verification.
// Lookups of unknown users or devices return nil without an error.
type KeyStore interface {
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error)
	GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*id.Device, error)
	GetMasterKey(ctx context.Context, userID id.UserID) (*id.CrossSigningKey, error)
}

// TrustSink receives the keys that were verified by a successful
// verification.
type TrustSink interface {
	TrustKeys(ctx context.Context, userID id.UserID, keyIDs []id.KeyID) error
}
