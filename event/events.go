// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"time"

	"maunium.net/go/mxverify/id"
)

// Event represents a single Matrix event.
type Event struct {
	Sender    id.UserID  `json:"sender,omitempty"`           // The user ID of the sender of the event
	Type      Type       `json:"type"`                       // The event type
	Timestamp int64      `json:"origin_server_ts,omitempty"` // The unix timestamp when this message was sent by the origin server
	ID        id.EventID `json:"event_id,omitempty"`         // The unique ID of this event
	RoomID    id.RoomID  `json:"room_id,omitempty"`          // The room the event was sent to. Empty for to-device events.
	Content   Content    `json:"content"`                    // The JSON content of the event.
	Unsigned  Unsigned   `json:"unsigned,omitempty"`         // Unsigned content set by own homeserver.

	Mautrix MautrixInfo `json:"-"`
}

type MautrixInfo struct {
	// WasEncrypted is set when the event was decrypted before being dispatched.
	WasEncrypted bool
}

type Unsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// GetTimestamp returns the origin_server_ts of the event as a time.Time.
func (evt *Event) GetTimestamp() time.Time {
	return time.UnixMilli(evt.Timestamp)
}
