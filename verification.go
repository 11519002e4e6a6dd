// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mxverify

import (
	"context"
	"encoding/json"
	"fmt"

	"maunium.net/go/mxverify/crypto/verificationhelper"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// Encryptor encrypts to-device events for a single device.
type Encryptor interface {
	EncryptToDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID, eventType event.Type, content any) (json.RawMessage, error)
}

var _ verificationhelper.Transport = (*Client)(nil)

// SendToDeviceEvent sends a single unencrypted to-device event. The device ID
// may be "*" to send the event to every device of the user.
func (cli *Client) SendToDeviceEvent(ctx context.Context, userID id.UserID, deviceID id.DeviceID, eventType event.Type, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal %s content: %w", eventType.Type, err)
	}
	_, err = cli.SendToDevice(ctx, eventType, &ReqSendToDevice{
		Messages: map[id.UserID]map[id.DeviceID]json.RawMessage{
			userID: {deviceID: raw},
		},
	})
	return err
}

// SendEncryptedToDeviceEvent encrypts the event with cli.Encryptor and sends
// it as m.room.encrypted. It returns ErrNoEncryptor if the client can't
// encrypt, so that callers can fall back to SendToDeviceEvent.
func (cli *Client) SendEncryptedToDeviceEvent(ctx context.Context, userID id.UserID, deviceID id.DeviceID, eventType event.Type, content any) error {
	if cli.Encryptor == nil {
		return ErrNoEncryptor
	}
	encrypted, err := cli.Encryptor.EncryptToDevice(ctx, userID, deviceID, eventType, content)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", eventType.Type, err)
	}
	_, err = cli.SendToDevice(ctx, event.ToDeviceEncrypted, &ReqSendToDevice{
		Messages: map[id.UserID]map[id.DeviceID]json.RawMessage{
			userID: {deviceID: encrypted},
		},
	})
	return err
}

// SendRoomEvent sends a message event and returns its ID.
func (cli *Client) SendRoomEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (id.EventID, error) {
	resp, err := cli.SendMessageEvent(ctx, roomID, eventType, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// GetRelatedEvents fetches every event that references the given event,
// oldest first, following pagination until the server has no more events.
func (cli *Client) GetRelatedEvents(ctx context.Context, roomID id.RoomID, eventID id.EventID) ([]*event.Event, error) {
	req := &ReqGetRelations{
		RelationType: event.RelReference,
		Dir:          DirectionForward,
		Limit:        100,
	}
	var events []*event.Event
	for {
		resp, err := cli.GetRelations(ctx, roomID, eventID, req)
		if err != nil {
			return nil, fmt.Errorf("failed to get events related to %s: %w", eventID, err)
		}
		for _, evt := range resp.Chunk {
			if evt.RoomID == "" {
				evt.RoomID = roomID
			}
			events = append(events, evt)
		}
		if resp.NextBatch == "" || len(resp.Chunk) == 0 {
			return events, nil
		}
		req.From = resp.NextBatch
	}
}

// AddVerificationHandlers routes the verification events of sync responses
// to the registry.
func (s *DefaultSyncer) AddVerificationHandlers(registry *verificationhelper.Registry) {
	s.OnEvent(func(ctx context.Context, source EventSource, evt *event.Event) {
		switch source {
		case EventSourceToDevice:
			if evt.Type.IsVerification() {
				registry.HandleToDeviceEvent(ctx, evt)
			}
		case EventSourceTimeline:
			if evt.Type.IsVerification() || evt.Type.Type == event.EventMessage.Type {
				registry.HandleRoomEvent(ctx, evt)
			}
		}
	})
}
