// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mxverify

import (
	"encoding/json"
	"strconv"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

type ReqSync struct {
	Timeout  int
	Since    string
	FilterID string
}

func (req *ReqSync) BuildQuery() map[string]string {
	query := map[string]string{
		"timeout": strconv.Itoa(req.Timeout),
	}
	if req.Since != "" {
		query["since"] = req.Since
	}
	if req.FilterID != "" {
		query["filter"] = req.FilterID
	}
	return query
}

// ReqSendToDevice is the request body for https://spec.matrix.org/v1.2/client-server-api/#put_matrixclientv3sendtodeviceeventtypetxnid
type ReqSendToDevice struct {
	Messages map[id.UserID]map[id.DeviceID]json.RawMessage `json:"messages"`
}

// ReqQueryKeys is the request body for https://spec.matrix.org/v1.2/client-server-api/#post_matrixclientv3keysquery
type ReqQueryKeys struct {
	DeviceKeys DeviceKeysRequest `json:"device_keys"`
	Timeout    int64             `json:"timeout,omitempty"`
}

// DeviceKeysRequest maps user IDs to the devices whose keys should be
// fetched. An empty list means every device of the user.
type DeviceKeysRequest map[id.UserID][]id.DeviceID

type Direction rune

const (
	DirectionForward  Direction = 'f'
	DirectionBackward Direction = 'b'
)

// ReqGetRelations contains the query parameters for https://spec.matrix.org/v1.5/client-server-api/#get_matrixclientv1roomsroomidrelationseventidreltype
type ReqGetRelations struct {
	RelationType event.RelationType
	EventType    event.Type

	Dir   Direction
	From  string
	To    string
	Limit int
}

func (rgr *ReqGetRelations) PathSuffix(base ClientURLPath) ClientURLPath {
	if rgr.RelationType != "" {
		base = append(base, rgr.RelationType)
		if rgr.EventType.Type != "" {
			base = append(base, rgr.EventType.Type)
		}
	}
	return base
}

func (rgr *ReqGetRelations) Query() map[string]string {
	query := map[string]string{}
	if rgr.Dir != 0 {
		query["dir"] = string(rgr.Dir)
	}
	if rgr.From != "" {
		query["from"] = rgr.From
	}
	if rgr.To != "" {
		query["to"] = rgr.To
	}
	if rgr.Limit > 0 {
		query["limit"] = strconv.Itoa(rgr.Limit)
	}
	return query
}
