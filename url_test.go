// Copyright (c) 2022 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mxverify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mxverify"
	"maunium.net/go/mxverify/id"
)

func TestClient_BuildURL(t *testing.T) {
	testCases := []struct {
		name       string
		homeserver string
		scheme     string
		path       string
		expected   string
	}{
		{"HTTPS", "https://example.com", "https", "", "https://example.com/_matrix/client/v3/foo%2Fbar%252F%F0%9F%90%88%201/hello/world"},
		{"HTTP", "http://example.com", "http", "", "http://example.com/_matrix/client/v3/foo%2Fbar%252F%F0%9F%90%88%201/hello/world"},
		{"MissingScheme", "example.com", "https", "", "https://example.com/_matrix/client/v3/foo%2Fbar%252F%F0%9F%90%88%201/hello/world"},
		{"WithPath", "https://example.com/base", "https", "/base", "https://example.com/base/_matrix/client/v3/foo%2Fbar%252F%F0%9F%90%88%201/hello/world"},
		{"MissingSchemeWithPath", "example.com/base", "https", "/base", "https://example.com/base/_matrix/client/v3/foo%2Fbar%252F%F0%9F%90%88%201/hello/world"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cli, err := mxverify.NewClient(tc.homeserver, "", "")
			require.NoError(t, err)
			assert.Equal(t, tc.scheme, cli.HomeserverURL.Scheme)
			assert.Equal(t, "example.com", cli.HomeserverURL.Host)
			assert.Equal(t, tc.path, cli.HomeserverURL.Path)
			built := cli.BuildClientURL("v3", "foo/bar%2F\U0001F408 1", "hello", "world")
			assert.Equal(t, tc.expected, built)
		})
	}
}

func TestClient_BuildURLWithQuery(t *testing.T) {
	cli, err := mxverify.NewClient("https://example.com", "", "")
	require.NoError(t, err)
	built := cli.BuildURLWithQuery(mxverify.ClientURLPath{"v1", "rooms", id.RoomID("!room:example.com"), "relations", id.EventID("$event")}, map[string]string{
		"dir": "f",
	})
	assert.Equal(t, "https://example.com/_matrix/client/v1/rooms/%21room:example.com/relations/$event?dir=f", built)
}
