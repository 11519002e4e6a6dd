// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verificationhelper

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// ToDeviceSender sends to-device events to a single device. The device ID
// may be "*" to address every device of the user.
type ToDeviceSender interface {
	SendEncryptedToDeviceEvent(ctx context.Context, userID id.UserID, deviceID id.DeviceID, eventType event.Type, content any) error
	SendToDeviceEvent(ctx context.Context, userID id.UserID, deviceID id.DeviceID, eventType event.Type, content any) error
}

// RoomClient sends events to rooms and reads the events related to an
// in-room verification request.
type RoomClient interface {
	SendRoomEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (id.EventID, error)
	GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error)
	// GetRelatedEvents returns the events that reference the given event in
	// timeline order.
	GetRelatedEvents(ctx context.Context, roomID id.RoomID, eventID id.EventID) ([]*event.Event, error)
}

// Transport is everything the [Registry] needs from the Matrix client.
type Transport interface {
	ToDeviceSender
	RoomClient
}

const allDevices id.DeviceID = "*"

// stepTransport sends the steps of a single verification.
type stepTransport interface {
	send(ctx context.Context, step event.VerificationStep) error
	// selectDevice is called when a device accepts our request.
	selectDevice(ctx context.Context, deviceID id.DeviceID)
	inRoom() bool
}

// sendToDevice tries to send the content encrypted and falls back to a
// plaintext to-device event once if that fails.
func sendToDevice(ctx context.Context, client ToDeviceSender, userID id.UserID, deviceID id.DeviceID, evtType event.Type, content any) error {
	err := client.SendEncryptedToDeviceEvent(ctx, userID, deviceID, evtType, content)
	if err == nil {
		return nil
	}
	zerolog.Ctx(ctx).Warn().Err(err).
		Stringer("user_id", userID).
		Stringer("device_id", deviceID).
		Str("event_type", evtType.Type).
		Msg("Failed to send encrypted verification event, falling back to unencrypted")
	if err = client.SendToDeviceEvent(ctx, userID, deviceID, evtType, content); err != nil {
		return fmt.Errorf("failed to send %s to %s/%s: %w", evtType.Type, userID, deviceID, err)
	}
	return nil
}

type toDeviceTransport struct {
	client           ToDeviceSender
	txnID            id.VerificationTransactionID
	theirUserID      id.UserID
	theirDeviceID    id.DeviceID
	requestedDevices []id.DeviceID
}

var _ stepTransport = (*toDeviceTransport)(nil)

func (t *toDeviceTransport) inRoom() bool {
	return false
}

func (t *toDeviceTransport) send(ctx context.Context, step event.VerificationStep) error {
	step.GetTransaction().SetTransactionKey(t.txnID, false)
	targets := t.requestedDevices
	if t.theirDeviceID != "" {
		targets = []id.DeviceID{t.theirDeviceID}
	}
	var errs []error
	for _, deviceID := range targets {
		if err := sendToDevice(ctx, t.client, t.theirUserID, deviceID, step.StepType(false), step); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	return nil
}

// selectDevice tells every other device that our request was sent to that
// the request was accepted elsewhere.
func (t *toDeviceTransport) selectDevice(ctx context.Context, deviceID id.DeviceID) {
	t.theirDeviceID = deviceID
	for _, otherDevice := range t.requestedDevices {
		if otherDevice == deviceID {
			continue
		}
		content := &event.VerificationCancelEventContent{
			Code:   event.VerificationCancelCodeAccepted,
			Reason: "The verification was accepted on another device.",
		}
		content.SetTransactionKey(t.txnID, false)
		err := sendToDevice(ctx, t.client, t.theirUserID, otherDevice, event.ToDeviceVerificationCancel, content)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).
				Stringer("device_id", otherDevice).
				Msg("Failed to notify device that the request was accepted elsewhere")
		}
	}
	t.requestedDevices = nil
}

type roomTransport struct {
	client RoomClient
	roomID id.RoomID
	txnID  id.VerificationTransactionID
	onSent func(id.EventID)
}

var _ stepTransport = (*roomTransport)(nil)

func (t *roomTransport) inRoom() bool {
	return true
}

func (t *roomTransport) send(ctx context.Context, step event.VerificationStep) error {
	step.GetTransaction().SetTransactionKey(t.txnID, true)
	eventID, err := t.client.SendRoomEvent(ctx, t.roomID, step.StepType(true), step)
	if err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", step.StepType(true).Type, t.roomID, err)
	}
	if t.onSent != nil {
		t.onSent(eventID)
	}
	return nil
}

func (t *roomTransport) selectDevice(context.Context, id.DeviceID) {}
