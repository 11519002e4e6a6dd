// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mxverify

import (
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// RespWhoami is the JSON response for https://spec.matrix.org/v1.2/client-server-api/#get_matrixclientv3accountwhoami
type RespWhoami struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
}

// RespSendEvent is the JSON response for https://spec.matrix.org/v1.2/client-server-api/#put_matrixclientv3roomsroomidsendeventtypetxnid
type RespSendEvent struct {
	EventID id.EventID `json:"event_id"`
}

type RespSendToDevice struct{}

// RespGetRelations is the JSON response for https://spec.matrix.org/v1.5/client-server-api/#get_matrixclientv1roomsroomidrelationseventidreltype
type RespGetRelations struct {
	Chunk     []*event.Event `json:"chunk"`
	NextBatch string         `json:"next_batch,omitempty"`
	PrevBatch string         `json:"prev_batch,omitempty"`
}

// RespSync is the JSON response for https://spec.matrix.org/v1.2/client-server-api/#get_matrixclientv3sync
type RespSync struct {
	NextBatch string `json:"next_batch"`

	ToDevice struct {
		Events []*event.Event `json:"events"`
	} `json:"to_device"`

	DeviceLists DeviceLists `json:"device_lists"`

	Rooms struct {
		Join map[id.RoomID]SyncJoinedRoom `json:"join"`
	} `json:"rooms"`
}

type DeviceLists struct {
	Changed []id.UserID `json:"changed,omitempty"`
	Left    []id.UserID `json:"left,omitempty"`
}

type SyncJoinedRoom struct {
	Timeline struct {
		Events    []*event.Event `json:"events"`
		Limited   bool           `json:"limited"`
		PrevBatch string         `json:"prev_batch"`
	} `json:"timeline"`
}

// RespQueryKeys is the JSON response for https://spec.matrix.org/v1.2/client-server-api/#post_matrixclientv3keysquery
type RespQueryKeys struct {
	Failures        map[string]any                           `json:"failures,omitempty"`
	DeviceKeys      map[id.UserID]map[id.DeviceID]DeviceKeys `json:"device_keys"`
	MasterKeys      map[id.UserID]CrossSigningKeys           `json:"master_keys,omitempty"`
	SelfSigningKeys map[id.UserID]CrossSigningKeys           `json:"self_signing_keys,omitempty"`
	UserSigningKeys map[id.UserID]CrossSigningKeys           `json:"user_signing_keys,omitempty"`
}

type DeviceKeys struct {
	UserID     id.UserID              `json:"user_id"`
	DeviceID   id.DeviceID            `json:"device_id"`
	Algorithms []string               `json:"algorithms"`
	Keys       map[id.KeyID]string    `json:"keys"`
	Signatures map[id.UserID]KeyIDMap `json:"signatures,omitempty"`
	Unsigned   struct {
		DeviceDisplayName string `json:"device_display_name,omitempty"`
	} `json:"unsigned,omitempty"`

	raw []byte
}

type KeyIDMap = map[id.KeyID]string

// GetKey returns the key with the given algorithm whose key name is the device ID.
func (dk *DeviceKeys) GetKey(algorithm id.KeyAlgorithm) string {
	return dk.Keys[id.NewKeyID(algorithm, dk.DeviceID.String())]
}

type CrossSigningKeys struct {
	UserID     id.UserID               `json:"user_id"`
	Usage      []id.CrossSigningUsage  `json:"usage"`
	Keys       map[id.KeyID]id.Ed25519 `json:"keys"`
	Signatures map[id.UserID]KeyIDMap  `json:"signatures,omitempty"`
}

// FirstKey returns the first ed25519 key in the map. Cross-signing keys only
// have one key.
func (csk *CrossSigningKeys) FirstKey() id.Ed25519 {
	for keyID, key := range csk.Keys {
		if algorithm, _ := keyID.Parse(); algorithm == id.KeyAlgorithmEd25519 {
			return key
		}
	}
	return ""
}
