// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sas_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mxverify/crypto/sas"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

const (
	aliceUserID   = id.UserID("@alice:example.org")
	aliceDeviceID = id.DeviceID("ALICEDEVICE")
	bobUserID     = id.UserID("@bob:example.org")
	bobDeviceID   = id.DeviceID("BOBDEVICE")
	goldenTxnID   = id.VerificationTransactionID("txn-golden")
)

func goldenSecrets(t *testing.T) (alice, bob *sas.Secret) {
	t.Helper()
	alice, err := sas.NewSecretFromPrivateKey(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	bob, err = sas.NewSecretFromPrivateKey(bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)
	require.NoError(t, alice.SetTheirPublicKey(bob.PublicKey()))
	require.NoError(t, bob.SetTheirPublicKey(alice.PublicKey()))
	return
}

func goldenStartContent() *event.VerificationStartEventContent {
	start := &event.VerificationStartEventContent{
		FromDevice:                 bobDeviceID,
		Method:                     event.VerificationMethodSAS,
		Hashes:                     []event.VerificationHashMethod{event.VerificationHashMethodSHA256},
		KeyAgreementProtocols:      []event.KeyAgreementProtocol{event.KeyAgreementProtocolCurve25519HKDFSHA256},
		MessageAuthenticationCodes: []event.MACMethod{event.MACMethodHKDFHMACSHA256V2, event.MACMethodHKDFHMACSHA256},
		ShortAuthenticationString:  []event.SASMethod{event.SASMethodDecimal, event.SASMethodEmoji},
	}
	start.SetTransactionKey(goldenTxnID, false)
	return start
}

func TestCommitment_Golden(t *testing.T) {
	pubKey := make([]byte, 32)
	for i := range pubKey {
		pubKey[i] = byte(i)
	}
	startJSON, err := json.Marshal(goldenStartContent())
	require.NoError(t, err)

	commitment, err := sas.Commitment(pubKey, startJSON)
	require.NoError(t, err)
	assert.Equal(t, "bskcGdqeFNWmEcR3EpkTvQ80Y0GV3gYkWycKo1289Ac", base64.RawStdEncoding.EncodeToString(commitment))

	// Key order and whitespace of the input must not matter.
	reordered := []byte(`{
		"transaction_id": "txn-golden",
		"short_authentication_string": ["decimal", "emoji"],
		"method": "m.sas.v1",
		"message_authentication_codes": ["hkdf-hmac-sha256.v2", "hkdf-hmac-sha256"],
		"key_agreement_protocols": ["curve25519-hkdf-sha256"],
		"hashes": ["sha256"],
		"from_device": "BOBDEVICE"
	}`)
	commitment2, err := sas.Commitment(pubKey, reordered)
	require.NoError(t, err)
	assert.Equal(t, commitment, commitment2)

	otherKey := bytes.Clone(pubKey)
	otherKey[0] = 0xff
	commitment3, err := sas.Commitment(otherKey, startJSON)
	require.NoError(t, err)
	assert.NotEqual(t, commitment, commitment3)
}

func TestSecret_Golden(t *testing.T) {
	alice, bob := goldenSecrets(t)
	assert.Equal(t, "pOCSkrZRwni5dyxWn1+puxPZBrRqtoyd+dwrRAn4ogk", alice.PublicKeyBase64())
	assert.Equal(t, "zo060cy2M+x7cMF4FKXHbs0CloUFDTRHRboFhw5YfVk", bob.PublicKeyBase64())
	assert.Equal(t, bob.PublicKeyBase64(), alice.TheirPublicKeyBase64())

	info := sas.SASInfo(
		sas.Party{UserID: aliceUserID, DeviceID: aliceDeviceID, Key: alice.PublicKeyBase64()},
		sas.Party{UserID: bobUserID, DeviceID: bobDeviceID, Key: bob.PublicKeyBase64()},
		goldenTxnID,
	)
	aliceBytes, err := alice.SASBytes(info)
	require.NoError(t, err)
	bobBytes, err := bob.SASBytes(info)
	require.NoError(t, err)
	assert.Equal(t, []byte{187, 92, 14, 68, 247, 163}, aliceBytes)
	assert.Equal(t, aliceBytes, bobBytes)

	assert.Equal(t, [3]uint16{6995, 5153, 1635}, sas.Decimals(aliceBytes))
	assert.Equal(t, [7]uint8{46, 53, 48, 14, 17, 15, 30}, sas.EmojiIndices(aliceBytes))
	emojis := sas.Emojis(aliceBytes)
	assert.Equal(t, "Lock", emojis[0].Description)
	assert.Equal(t, "Aeroplane", emojis[1].Description)
	assert.Equal(t, "Hammer", emojis[2].Description)
}

func TestSecret_SymmetricDerivation(t *testing.T) {
	for i := 0; i < 20; i++ {
		alice, err := sas.NewSecret()
		require.NoError(t, err)
		bob, err := sas.NewSecret()
		require.NoError(t, err)
		require.NoError(t, alice.SetTheirPublicKey(bob.PublicKey()))
		require.NoError(t, bob.SetTheirPublicKey(alice.PublicKey()))

		info := sas.SASInfo(
			sas.Party{UserID: aliceUserID, DeviceID: aliceDeviceID, Key: alice.PublicKeyBase64()},
			sas.Party{UserID: bobUserID, DeviceID: bobDeviceID, Key: alice.TheirPublicKeyBase64()},
			"txn",
		)
		aliceBytes, err := alice.SASBytes(info)
		require.NoError(t, err)
		bobBytes, err := bob.SASBytes(info)
		require.NoError(t, err)

		aliceDecimals, bobDecimals := sas.Decimals(aliceBytes), sas.Decimals(bobBytes)
		assert.Equal(t, aliceDecimals, bobDecimals)
		assert.Equal(t, sas.Emojis(aliceBytes), sas.Emojis(bobBytes))
		for _, decimal := range aliceDecimals {
			assert.GreaterOrEqual(t, decimal, uint16(1000))
			assert.LessOrEqual(t, decimal, uint16(9191))
		}
		for _, idx := range sas.EmojiIndices(aliceBytes) {
			assert.Less(t, idx, uint8(len(sas.AllEmojis)))
		}
	}
}

func TestDecimals_Range(t *testing.T) {
	assert.Equal(t, [3]uint16{1000, 1000, 1000}, sas.Decimals(make([]byte, 6)))
	assert.Equal(t, [3]uint16{9191, 9191, 9191}, sas.Decimals(bytes.Repeat([]byte{0xff}, 6)))
	assert.Equal(t, [7]uint8{63, 63, 63, 63, 63, 63, 63}, sas.EmojiIndices(bytes.Repeat([]byte{0xff}, 6)))
}

func TestCalculateMAC_Golden(t *testing.T) {
	alice, bob := goldenSecrets(t)
	info := sas.MACInfo(aliceUserID, aliceDeviceID, bobUserID, bobDeviceID, goldenTxnID, "ed25519:ALICEDEVICE")

	testCases := []struct {
		name     string
		method   event.MACMethod
		expected string
	}{
		{"v2", event.MACMethodHKDFHMACSHA256V2, "CwnXPrFoYo8pFw4OQRy7/l3GqNDSPTLZdI9cVaq75nE"},
		{"legacy", event.MACMethodHKDFHMACSHA256, "CwnXWLFoRm8pbThwYlRod1lsUm9kMWxzVW05a01XeHo"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mac, err := alice.CalculateMAC(tc.method, info, "devicekey")
			require.NoError(t, err)
			assert.Equal(t, tc.expected, mac)

			ok, err := bob.VerifyMAC(tc.method, info, "devicekey", mac)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = bob.VerifyMAC(tc.method, info, "otherkey", mac)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	_, err := alice.CalculateMAC("hmac-md5", info, "devicekey")
	assert.Error(t, err)
}

func TestCalculateMAC_KeyIDs(t *testing.T) {
	alice, _ := goldenSecrets(t)
	keyIDs := []id.KeyID{"ed25519:masterkey", "ed25519:ALICEDEVICE"}
	assert.Equal(t, "ed25519:ALICEDEVICE,ed25519:masterkey", sas.KeyIDList(keyIDs))

	info := sas.MACInfo(aliceUserID, aliceDeviceID, bobUserID, bobDeviceID, goldenTxnID, sas.KeyIDsMACKeyID)
	mac, err := alice.CalculateMAC(event.MACMethodHKDFHMACSHA256V2, info, sas.KeyIDList(keyIDs))
	require.NoError(t, err)
	assert.Equal(t, "s9sw7mU8L14jlcXr+Mw6v23tlLoAuwgUEGkOXbwhyJY", mac)
}

func TestBrokenB64Encode(t *testing.T) {
	// See example from the PR that fixed the issue:
	// https://gitlab.matrix.org/matrix-org/olm/-/merge_requests/16
	input := []byte{
		121, 105, 187, 19, 37, 94, 119, 248, 224, 34, 94, 29, 157, 5,
		15, 230, 246, 115, 236, 217, 80, 78, 56, 200, 80, 200, 82, 158,
		168, 179, 10, 230,
	}

	b64 := sas.BrokenB64Encode(input)
	assert.Equal(t, "eWm7NyVeVmXgbVhnYlZobllsWm9ibGxzV205aWJHeHo", b64)
}

func TestSecret_Destroy(t *testing.T) {
	alice, _ := goldenSecrets(t)
	alice.Destroy()
	assert.True(t, alice.IsDestroyed())
	_, err := alice.SASBytes("info")
	assert.ErrorIs(t, err, sas.ErrSecretDestroyed)
	_, err = alice.CalculateMAC(event.MACMethodHKDFHMACSHA256V2, "info", "value")
	assert.ErrorIs(t, err, sas.ErrSecretDestroyed)
	alice.Destroy()

	fresh, err := sas.NewSecret()
	require.NoError(t, err)
	_, err = fresh.SASBytes("info")
	assert.ErrorIs(t, err, sas.ErrNoTheirKey)
	assert.ErrorIs(t, fresh.SetTheirPublicKey([]byte{1, 2, 3}), sas.ErrInvalidPublicKey)
	// The all-zero point is a low order point, X25519 rejects it.
	assert.ErrorIs(t, fresh.SetTheirPublicKey(make([]byte, 32)), sas.ErrInvalidPublicKey)
}
