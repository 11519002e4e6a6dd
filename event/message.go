// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"maunium.net/go/mxverify/id"
)

// MessageType is the sub-type of a m.room.message event.
// https://matrix.org/docs/spec/client_server/r0.6.0#m-room-message-msgtypes
type MessageType string

// Msgtypes
const (
	MsgText   MessageType = "m.text"
	MsgNotice MessageType = "m.notice"

	MsgVerificationRequest MessageType = "m.key.verification.request"
)

// Format specifies the format of the formatted_body in m.room.message events.
// https://matrix.org/docs/spec/client_server/r0.6.0#m-room-message-msgtypes
type Format string

// Message formats
const (
	FormatHTML Format = "org.matrix.custom.html"
)

// MessageEventContent represents the content of a m.room.message event.
//
// In-room verification requests are also m.room.message events, with the
// m.key.verification.request msgtype and the To, FromDevice and Methods
// fields set.
//
// https://matrix.org/docs/spec/client_server/r0.6.0#m-room-message
type MessageEventContent struct {
	// Base m.room.message fields
	MsgType MessageType `json:"msgtype"`
	Body    string      `json:"body"`

	// Extra fields for text types
	Format        Format `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`

	// Extra fields for m.key.verification.request
	To         id.UserID            `json:"to,omitempty"`
	FromDevice id.DeviceID          `json:"from_device,omitempty"`
	Methods    []VerificationMethod `json:"methods,omitempty"`

	RelatesTo *RelatesTo `json:"m.relates_to,omitempty"`
}

// IsVerificationRequest returns true if the message is an in-room verification request.
func (content *MessageEventContent) IsVerificationRequest() bool {
	return content.MsgType == MsgVerificationRequest
}
