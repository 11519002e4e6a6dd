// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mxverify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mxverify"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

const syncJSON = `{
	"next_batch": "s20485139_5595669_21807_1482044_6200_1620",
	"to_device": {"events": [
		{"sender": "@alice:example.com", "type": "m.key.verification.request", "content": {"from_device": "ALICEDEVICE", "methods": ["m.sas.v1"], "timestamp": 1462889279378, "transaction_id": "txn1"}},
		{"sender": "@alice:example.com", "type": "m.room_key_request", "content": {}}
	]},
	"device_lists": {"changed": ["@alice:example.com"]},
	"rooms": {"join": {"!dCUMzIpEGxMrXOnTSv:matrix.org": {"timeline": {"limited": false, "prev_batch": "s20485136", "events": [
		{"origin_server_ts": 1462889279378, "sender": "@someone:matrix.org", "event_id": "$1462879289110129etwWh:matrix.org", "unsigned": {"age": 4874}, "content": {"body": "test", "msgtype": "m.text"}, "type": "m.room.message"},
		{"origin_server_ts": 1462889279379, "sender": "@someone:matrix.org", "event_id": "$ready", "content": {"from_device": "DEVICE", "methods": ["m.sas.v1"], "m.relates_to": {"rel_type": "m.reference", "event_id": "$request"}}, "type": "m.key.verification.ready"}
	]}}}}
}`

type dispatched struct {
	source mxverify.EventSource
	evt    *event.Event
}

func parseSync(t *testing.T) *mxverify.RespSync {
	var resp mxverify.RespSync
	require.NoError(t, json.Unmarshal([]byte(syncJSON), &resp))
	return &resp
}

func TestDefaultSyncer_ProcessResponse(t *testing.T) {
	syncer := mxverify.NewDefaultSyncer()
	var all []dispatched
	var messages []*event.Event
	var changed []id.UserID
	syncer.OnEvent(func(ctx context.Context, source mxverify.EventSource, evt *event.Event) {
		all = append(all, dispatched{source, evt})
	})
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, source mxverify.EventSource, evt *event.Event) {
		messages = append(messages, evt)
	})
	syncer.OnSync(func(ctx context.Context, resp *mxverify.RespSync, since string) bool {
		changed = append(changed, resp.DeviceLists.Changed...)
		return true
	})
	require.NoError(t, syncer.ProcessResponse(context.TODO(), parseSync(t), ""))

	assert.Equal(t, []id.UserID{"@alice:example.com"}, changed)
	require.Len(t, all, 4)
	assert.Equal(t, mxverify.EventSourceToDevice, all[0].source)
	assert.Equal(t, event.ToDeviceVerificationRequest, all[0].evt.Type)
	assert.True(t, all[0].evt.Type.IsToDevice())
	assert.Equal(t, mxverify.EventSourceToDevice, all[1].source)
	assert.Equal(t, mxverify.EventSourceTimeline, all[2].source)
	assert.EqualValues(t, "!dCUMzIpEGxMrXOnTSv:matrix.org", all[2].evt.RoomID)
	assert.Equal(t, event.InRoomVerificationReady, all[3].evt.Type)

	require.Len(t, messages, 1)
	assert.Equal(t, int64(1462889279378), messages[0].Timestamp)
	require.NoError(t, messages[0].Content.ParseRaw(messages[0].Type))
	assert.Equal(t, "test", messages[0].Content.AsMessage().Body)
}

func TestDefaultSyncer_OnSyncCancel(t *testing.T) {
	syncer := mxverify.NewDefaultSyncer()
	var called bool
	syncer.OnEvent(func(ctx context.Context, source mxverify.EventSource, evt *event.Event) {
		called = true
	})
	syncer.OnSync(func(ctx context.Context, resp *mxverify.RespSync, since string) bool {
		return false
	})
	require.NoError(t, syncer.ProcessResponse(context.TODO(), parseSync(t), ""))
	assert.False(t, called)
}

func TestDefaultSyncer_ProcessResponsePanic(t *testing.T) {
	syncer := mxverify.NewDefaultSyncer()
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, source mxverify.EventSource, evt *event.Event) {
		panic("meow")
	})
	err := syncer.ProcessResponse(context.TODO(), parseSync(t), "since")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic=meow")
}

func TestDefaultSyncer_OnFailedSync(t *testing.T) {
	syncer := mxverify.NewDefaultSyncer()
	wait, err := syncer.OnFailedSync(nil, errors.New("connection reset"))
	assert.NoError(t, err)
	assert.Equal(t, 10*time.Second, wait)

	_, err = syncer.OnFailedSync(nil, mxverify.HTTPError{RespError: &mxverify.RespError{ErrCode: "M_UNKNOWN_TOKEN"}})
	assert.ErrorIs(t, err, mxverify.MUnknownToken)
}
