// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mxverify/crypto/keystore"
	"maunium.net/go/mxverify/crypto/verificationhelper"
	"maunium.net/go/mxverify/id"
	"maunium.net/go/mxverify/mockserver"
)

type lockedBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.lock.Lock()
	defer lb.lock.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.lock.Lock()
	defer lb.lock.Unlock()
	return lb.buf.String()
}

func newTestCLI(t *testing.T) (*CLI, *mockserver.MockServer, *lockedBuffer) {
	ms := mockserver.Create(t)
	client := ms.Login(t, "@alice:example.com", "ALICEDEVICE")
	ms.AddDevice("@alice:example.com", "ALICEDEVICE")
	store := keystore.NewMemoryStore()
	registry := verificationhelper.NewRegistry(client, store, store, client.UserID, client.DeviceID)
	registry.Init(context.Background())
	t.Cleanup(registry.Close)
	out := &lockedBuffer{}
	return newCLI(client, store, registry, out), ms, out
}

func TestCLI_Devices(t *testing.T) {
	cli, ms, out := newTestCLI(t)
	ctx := context.TODO()
	signingKey := ms.AddDevice("@bob:example.com", "BOBDEVICE")

	assert.ErrorIs(t, cli.cmdDevices(ctx, nil), ErrUsage)
	require.NoError(t, cli.cmdDevices(ctx, []string{"@bob:example.com"}))
	assert.Contains(t, out.String(), "BOBDEVICE")
	assert.Contains(t, out.String(), signingKey.String())
}

func TestCLI_NoSelection(t *testing.T) {
	cli, _, out := newTestCLI(t)
	ctx := context.TODO()
	assert.Error(t, cli.cmdAccept(ctx, nil))
	assert.Error(t, cli.cmdState(ctx, nil))
	assert.Error(t, cli.cmdSelect(ctx, []string{"meow"}))
	require.NoError(t, cli.cmdList(ctx, nil))
	assert.Contains(t, out.String(), "No verifications")
}

func TestCLI_RequestDevice(t *testing.T) {
	cli, ms, out := newTestCLI(t)
	ctx := context.TODO()
	ms.AddDevice("@bob:example.com", "BOBDEVICE")
	_, err := cli.client.FetchKeys(ctx, cli.store, "@bob:example.com")
	require.NoError(t, err)

	assert.ErrorIs(t, cli.cmdRequestDevice(ctx, nil), ErrUsage)
	require.NoError(t, cli.cmdRequestDevice(ctx, []string{"@bob:example.com"}))
	assert.Equal(t, 1, ms.DeviceInboxLen("@bob:example.com", "BOBDEVICE"))
	verification, err := cli.selected()
	require.NoError(t, err)
	assert.Equal(t, id.UserID("@bob:example.com"), verification.TheirUserID())

	require.NoError(t, cli.cmdSelect(ctx, []string{verification.TransactionID().String()}))
	require.NoError(t, cli.cmdCancel(ctx, nil))
	_, err = verification.WaitForState(ctx, func(state verificationhelper.State) bool {
		return verificationhelper.IsTerminal(state)
	})
	require.NoError(t, err)
	require.NoError(t, cli.cmdList(ctx, nil))
	assert.True(t, strings.Contains(out.String(), "* "+verification.TransactionID().String()))
}

func TestCLI_Help(t *testing.T) {
	cli, _, out := newTestCLI(t)
	require.NoError(t, cli.cmdHelp(context.TODO(), nil))
	for name := range cli.commands {
		assert.Contains(t, out.String(), name)
	}
}
