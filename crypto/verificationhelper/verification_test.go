// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verificationhelper_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"

	"maunium.net/go/mxverify/crypto/sas"
	"maunium.net/go/mxverify/crypto/verificationhelper"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

const (
	aliceUserID id.UserID = "@alice:example.com"
	bobUserID   id.UserID = "@bob:example.org"
)

func readyDeviceVerification(t *testing.T, ctx context.Context, alice, bob *party) (av, bv *verificationhelper.Verification) {
	t.Helper()
	av, err := alice.registry.StartDeviceVerification(ctx, bob.userID, bob.deviceID)
	require.NoError(t, err)
	assert.IsType(t, verificationhelper.StateOwnRequest{}, av.State())
	bv = waitForActive(t, bob, av.TransactionID())
	assert.IsType(t, verificationhelper.StateTheirRequest{}, bv.State())
	assert.Equal(t, alice.deviceID, bv.TheirDeviceID())
	require.NoError(t, bv.Accept(ctx))
	ready := waitForState[verificationhelper.StateReady](t, av)
	assert.Equal(t, []event.VerificationMethod{event.VerificationMethodSAS}, ready.Methods)
	assert.Equal(t, bob.deviceID, av.TheirDeviceID())
	return av, bv
}

func compareSAS(t *testing.T, ctx context.Context, av, bv *verificationhelper.Verification) {
	t.Helper()
	require.NoError(t, av.StartSAS(ctx))
	waitForSASState[verificationhelper.SASTheirStart](t, bv)
	require.NoError(t, bv.AcceptSAS(ctx))
	aliceStart, aliceSAS := waitForSASState[verificationhelper.SASComparisonByUser](t, av)
	bobStart, bobSAS := waitForSASState[verificationhelper.SASComparisonByUser](t, bv)
	assert.Equal(t, aliceStart.SenderUserID, bobStart.SenderUserID)
	assert.Equal(t, aliceSAS.Decimal, bobSAS.Decimal)
	assert.Equal(t, aliceSAS.Emojis, bobSAS.Emojis)
	assert.Equal(t, []event.SASMethod{event.SASMethodDecimal, event.SASMethodEmoji}, aliceSAS.Methods)
	for _, num := range aliceSAS.Decimal {
		assert.GreaterOrEqual(t, num, uint16(1000))
		assert.LessOrEqual(t, num, uint16(9191))
	}
}

func finishSAS(t *testing.T, ctx context.Context, av, bv *verificationhelper.Verification) {
	t.Helper()
	require.NoError(t, av.Match(ctx))
	waitForSASState[verificationhelper.SASWaitForMACs](t, av)
	require.NoError(t, bv.Match(ctx))
	waitForState[verificationhelper.StateDone](t, av)
	waitForState[verificationhelper.StateDone](t, bv)
}

func assertTrusted(t *testing.T, truster, trusted *party) {
	t.Helper()
	ctx := context.TODO()
	assert.EqualValues(t, 1, truster.trust.calls.Load())
	for _, keyID := range []id.KeyID{
		id.NewKeyID(id.KeyAlgorithmEd25519, trusted.deviceID.String()),
		id.NewKeyID(id.KeyAlgorithmEd25519, trusted.masterKey.String()),
	} {
		ok, err := truster.store.IsTrusted(ctx, trusted.userID, keyID)
		require.NoError(t, err)
		assert.True(t, ok, "%s should be trusted", keyID)
	}
	device, err := truster.store.GetDevice(ctx, trusted.userID, trusted.deviceID)
	require.NoError(t, err)
	assert.Equal(t, id.TrustStateVerified, device.Trust)
}

func TestVerification_ToDevice(t *testing.T) {
	for _, failEncrypted := range []bool{false, true} {
		name := "Encrypted"
		if failEncrypted {
			name = "PlaintextFallback"
		}
		t.Run(name, func(t *testing.T) {
			ctx := testContext(t)
			h := newHub()
			h.failEncrypted.Store(failEncrypted)
			alice := newParty(t, h, aliceUserID, "ALICEDEVICE")
			bob := newParty(t, h, bobUserID, "BOBDEVICE")
			introduce(t, alice, bob)

			av, bv := readyDeviceVerification(t, ctx, alice, bob)
			assert.False(t, av.IsInRoom())
			assert.True(t, av.IsOwnRequest())
			assert.False(t, bv.IsOwnRequest())
			compareSAS(t, ctx, av, bv)
			finishSAS(t, ctx, av, bv)

			assertTrusted(t, alice, bob)
			assertTrusted(t, bob, alice)
			if failEncrypted {
				assert.NotZero(t, alice.plaintextCount())
				assert.NotZero(t, bob.plaintextCount())
			} else {
				assert.Zero(t, alice.plaintextCount())
				assert.Zero(t, bob.plaintextCount())
			}

			starts := alice.sentOfType(event.ToDeviceVerificationStart)
			require.Len(t, starts, 1)
			assert.Equal(t, av.TransactionID().String(), starts[0].Get("transaction_id").Str)
			assert.False(t, starts[0].Get(`m\.relates_to`).Exists())
			assert.Len(t, alice.sentOfType(event.ToDeviceVerificationDone), 1)
			assert.Len(t, bob.sentOfType(event.ToDeviceVerificationDone), 1)
			assert.Empty(t, alice.sentOfType(event.ToDeviceVerificationCancel))
			assert.Empty(t, bob.sentOfType(event.ToDeviceVerificationCancel))
		})
	}
}

func TestVerification_InRoom(t *testing.T) {
	ctx := testContext(t)
	h := newHub()
	alice := newParty(t, h, aliceUserID, "ALICEDEVICE")
	bob := newParty(t, h, bobUserID, "BOBDEVICE")
	introduce(t, alice, bob)

	var incoming []*verificationhelper.Verification
	bob.registry.OnIncomingVerification = func(ctx context.Context, verification *verificationhelper.Verification) {
		incoming = append(incoming, verification)
	}

	av, err := alice.registry.StartUserVerification(ctx, testRoomID, bob.userID)
	require.NoError(t, err)
	assert.True(t, av.IsInRoom())
	requests := alice.sentOfType(event.EventMessage)
	require.Len(t, requests, 1)
	assert.Equal(t, string(event.MsgVerificationRequest), requests[0].Get("msgtype").Str)
	assert.Equal(t, bob.userID.String(), requests[0].Get("to").Str)
	assert.Equal(t, alice.deviceID.String(), requests[0].Get("from_device").Str)
	assert.Contains(t, requests[0].Get("formatted_body").Str, "<code>@alice:example.com</code>")

	require.NoError(t, bob.registry.Flush(ctx))
	bv := bob.registry.CachedUserVerification(id.EventID(av.TransactionID()))
	require.NotNil(t, bv)
	assert.Equal(t, []*verificationhelper.Verification{bv}, incoming)
	assert.Equal(t, alice.deviceID, bv.TheirDeviceID())
	assert.Nil(t, bob.registry.ActiveDeviceVerification())

	require.NoError(t, bv.Accept(ctx))
	waitForState[verificationhelper.StateReady](t, av)
	compareSAS(t, ctx, av, bv)
	finishSAS(t, ctx, av, bv)

	assertTrusted(t, alice, bob)
	assertTrusted(t, bob, alice)

	for _, evtType := range []event.Type{event.InRoomVerificationStart, event.InRoomVerificationKey, event.InRoomVerificationMAC, event.InRoomVerificationDone} {
		steps := alice.sentOfType(evtType)
		require.Len(t, steps, 1, evtType.Type)
		assert.Equal(t, av.TransactionID().String(), steps[0].Get(`m\.relates_to.event_id`).Str)
		assert.Equal(t, string(event.RelReference), steps[0].Get(`m\.relates_to.rel_type`).Str)
		assert.False(t, steps[0].Get("transaction_id").Exists())
	}
	assert.Len(t, bob.sentOfType(event.InRoomVerificationAccept), 1)
	assert.Empty(t, alice.sentOfType(event.InRoomVerificationCancel))
	assert.Empty(t, bob.sentOfType(event.InRoomVerificationCancel))
}

func TestVerification_InRoom_AcceptedByOtherDevice(t *testing.T) {
	ctx := testContext(t)
	h := newHub()
	alice := newParty(t, h, aliceUserID, "ALICEDEVICE")
	bob1 := newParty(t, h, bobUserID, "BOBDEVICE1")
	bob2 := newParty(t, h, bobUserID, "BOBDEVICE2")
	introduce(t, alice, bob1, bob2)

	av, err := alice.registry.StartUserVerification(ctx, testRoomID, bobUserID)
	require.NoError(t, err)
	requestID := id.EventID(av.TransactionID())
	require.NoError(t, bob1.registry.Flush(ctx))
	require.NoError(t, bob2.registry.Flush(ctx))
	bv1 := bob1.registry.CachedUserVerification(requestID)
	bv2 := bob2.registry.CachedUserVerification(requestID)
	require.NotNil(t, bv1)
	require.NotNil(t, bv2)

	require.NoError(t, bv1.Accept(ctx))
	waitForState[verificationhelper.StateReady](t, av)
	waitForState[verificationhelper.StateAcceptedByOtherDevice](t, bv2)
	assert.Equal(t, bob1.deviceID, av.TheirDeviceID())
	assert.ErrorIs(t, bv2.Accept(ctx), verificationhelper.ErrNotInState)

	// A device that comes online later replays the timeline.
	bob3 := newParty(t, h, bobUserID, "BOBDEVICE3")
	bv3, err := bob3.registry.GetUserVerification(ctx, testRoomID, requestID)
	require.NoError(t, err)
	require.NotNil(t, bv3)
	waitForState[verificationhelper.StateAcceptedByOtherDevice](t, bv3)

	compareSAS(t, ctx, av, bv1)
	finishSAS(t, ctx, av, bv1)
	assert.IsType(t, verificationhelper.StateAcceptedByOtherDevice{}, bv2.State())
}

func TestVerification_InRoom_ReplayAfterStart(t *testing.T) {
	ctx := testContext(t)
	h := newHub()
	alice := newParty(t, h, aliceUserID, "ALICEDEVICE")
	bob := newParty(t, h, bobUserID, "BOBDEVICE")
	introduce(t, alice, bob)

	av, err := alice.registry.StartUserVerification(ctx, testRoomID, bob.userID)
	require.NoError(t, err)
	require.NoError(t, bob.registry.Flush(ctx))
	bv := bob.registry.CachedUserVerification(id.EventID(av.TransactionID()))
	require.NotNil(t, bv)
	require.NoError(t, bv.Accept(ctx))
	waitForState[verificationhelper.StateReady](t, av)
	require.NoError(t, av.StartSAS(ctx))
	waitForSASState[verificationhelper.SASTheirStart](t, bv)

	// Loading the same request again must not replay steps a second time.
	again, err := bob.registry.GetUserVerification(ctx, testRoomID, id.EventID(av.TransactionID()))
	require.NoError(t, err)
	assert.Same(t, bv, again)
	_, ok := bv.State().(verificationhelper.StateStart)
	assert.True(t, ok)
	require.NoError(t, bv.AcceptSAS(ctx))
	waitForSASState[verificationhelper.SASComparisonByUser](t, av)
	waitForSASState[verificationhelper.SASComparisonByUser](t, bv)
}

func TestVerification_StartTieBreak(t *testing.T) {
	testCases := []struct {
		name string
		run  func(t *testing.T, ctx context.Context, alice, bob *party, av, bv *verificationhelper.Verification)
	}{
		{"Simultaneous/AliceDeliveredFirst", func(t *testing.T, ctx context.Context, alice, bob *party, av, bv *verificationhelper.Verification) {
			alice.hold()
			bob.hold()
			require.NoError(t, av.StartSAS(ctx))
			require.NoError(t, bv.StartSAS(ctx))
			alice.release()
			bob.release()
		}},
		{"Simultaneous/BobDeliveredFirst", func(t *testing.T, ctx context.Context, alice, bob *party, av, bv *verificationhelper.Verification) {
			alice.hold()
			bob.hold()
			require.NoError(t, av.StartSAS(ctx))
			require.NoError(t, bv.StartSAS(ctx))
			bob.release()
			alice.release()
		}},
		{"WinnerFirst", func(t *testing.T, ctx context.Context, alice, bob *party, av, bv *verificationhelper.Verification) {
			require.NoError(t, av.StartSAS(ctx))
			waitForSASState[verificationhelper.SASTheirStart](t, bv)
			// The loser's local start is a no-op.
			require.NoError(t, bv.StartSAS(ctx))
			assert.Empty(t, bob.sentOfType(event.ToDeviceVerificationStart))
		}},
		{"LoserFirst", func(t *testing.T, ctx context.Context, alice, bob *party, av, bv *verificationhelper.Verification) {
			require.NoError(t, bv.StartSAS(ctx))
			start, _ := waitForSASState[verificationhelper.SASTheirStart](t, av)
			assert.Equal(t, bob.userID, start.SenderUserID)
			require.NoError(t, av.StartSAS(ctx))
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext(t)
			h := newHub()
			alice := newParty(t, h, aliceUserID, "ALICEDEVICE")
			bob := newParty(t, h, bobUserID, "BOBDEVICE")
			introduce(t, alice, bob)
			av, bv := readyDeviceVerification(t, ctx, alice, bob)

			tc.run(t, ctx, alice, bob, av, bv)

			aliceStart, _ := waitForSASState[verificationhelper.SASOwnStart](t, av)
			bobStart, _ := waitForSASState[verificationhelper.SASTheirStart](t, bv)
			assert.Equal(t, alice.userID, aliceStart.SenderUserID)
			assert.Equal(t, alice.deviceID, aliceStart.SenderDeviceID)
			assert.Equal(t, alice.userID, bobStart.SenderUserID)
			assert.Equal(t, alice.deviceID, bobStart.SenderDeviceID)

			require.NoError(t, bv.AcceptSAS(ctx))
			waitForSASState[verificationhelper.SASComparisonByUser](t, av)
			waitForSASState[verificationhelper.SASComparisonByUser](t, bv)
			finishSAS(t, ctx, av, bv)
		})
	}
}

func TestVerification_NoMatch(t *testing.T) {
	ctx := testContext(t)
	h := newHub()
	alice := newParty(t, h, aliceUserID, "ALICEDEVICE")
	bob := newParty(t, h, bobUserID, "BOBDEVICE")
	introduce(t, alice, bob)
	av, bv := readyDeviceVerification(t, ctx, alice, bob)
	compareSAS(t, ctx, av, bv)

	require.NoError(t, av.NoMatch(ctx))
	aliceCancel := waitForState[verificationhelper.StateCancel](t, av)
	assert.True(t, aliceCancel.IsOurOwn)
	assert.Equal(t, event.VerificationCancelCodeSASMismatch, aliceCancel.Content.Code)
	bobCancel := waitForState[verificationhelper.StateCancel](t, bv)
	assert.False(t, bobCancel.IsOurOwn)
	assert.Equal(t, event.VerificationCancelCodeSASMismatch, bobCancel.Content.Code)
	assert.Equal(t, verificationhelper.ReasonSASMismatch, bobCancel.Content.Reason)
	assert.Zero(t, alice.trust.calls.Load())
	assert.Zero(t, bob.trust.calls.Load())
	assert.ErrorIs(t, bv.Match(ctx), verificationhelper.ErrNotInState)
}

func TestVerification_CommitmentMismatch(t *testing.T) {
	ctx := testContext(t)
	h := newHub()
	alice := newParty(t, h, aliceUserID, "ALICEDEVICE")
	bob := newParty(t, h, bobUserID, "BOBDEVICE")
	introduce(t, alice, bob)
	otherSecret, err := sas.NewSecret()
	require.NoError(t, err)
	bob.mutate = func(evtType string, raw []byte) []byte {
		if evtType != event.ToDeviceVerificationKey.Type {
			return raw
		}
		mutated, _ := sjson.SetBytes(raw, "key", otherSecret.PublicKeyBase64())
		return mutated
	}
	av, bv := readyDeviceVerification(t, ctx, alice, bob)
	require.NoError(t, av.StartSAS(ctx))
	waitForSASState[verificationhelper.SASTheirStart](t, bv)
	require.NoError(t, bv.AcceptSAS(ctx))

	aliceCancel := waitForState[verificationhelper.StateCancel](t, av)
	assert.True(t, aliceCancel.IsOurOwn)
	assert.Equal(t, event.VerificationCancelCodeCommitmentMismatch, aliceCancel.Content.Code)
	bobCancel := waitForState[verificationhelper.StateCancel](t, bv)
	assert.False(t, bobCancel.IsOurOwn)
	assert.Equal(t, event.VerificationCancelCodeCommitmentMismatch, bobCancel.Content.Code)
}

func TestVerification_MACFailures(t *testing.T) {
	testCases := []struct {
		name           string
		setup          func(t *testing.T, alice, bob *party)
		expectedReason string
	}{
		{"KeyList", func(t *testing.T, alice, bob *party) {
			introduce(t, alice, bob)
			alice.mutate = func(evtType string, raw []byte) []byte {
				if evtType != event.ToDeviceVerificationMAC.Type {
					return raw
				}
				mutated, _ := sjson.SetBytes(raw, "keys", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
				return mutated
			}
		}, verificationhelper.ReasonKeyListMismatch},
		{"DeviceKey", func(t *testing.T, alice, bob *party) {
			introduce(t, alice, bob)
			wrongDevice := alice.device()
			wrongDevice.SigningKey = testKey()
			require.NoError(t, bob.store.PutDevice(context.TODO(), wrongDevice))
		}, "The MAC of key ed25519:ALICEDEVICE didn't match."},
		{"NoKnownKeys", func(t *testing.T, alice, bob *party) {
			learn(t, alice, alice, bob)
			learn(t, bob, bob)
		}, verificationhelper.ReasonNoKnownKeys},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext(t)
			h := newHub()
			alice := newParty(t, h, aliceUserID, "ALICEDEVICE")
			bob := newParty(t, h, bobUserID, "BOBDEVICE")
			tc.setup(t, alice, bob)
			av, bv := readyDeviceVerification(t, ctx, alice, bob)
			compareSAS(t, ctx, av, bv)
			require.NoError(t, av.Match(ctx))
			waitForSASState[verificationhelper.SASWaitForMACs](t, av)
			require.NoError(t, bv.Match(ctx))

			bobCancel := waitForState[verificationhelper.StateCancel](t, bv)
			assert.True(t, bobCancel.IsOurOwn)
			assert.Equal(t, event.VerificationCancelCodeKeyMismatch, bobCancel.Content.Code)
			assert.Equal(t, tc.expectedReason, bobCancel.Content.Reason)
			aliceCancel := waitForState[verificationhelper.StateCancel](t, av)
			assert.False(t, aliceCancel.IsOurOwn)
			assert.Zero(t, bob.trust.calls.Load())
		})
	}
}

func TestVerification_UnknownMethod(t *testing.T) {
	t.Run("NoCommonMethods", func(t *testing.T) {
		ctx := testContext(t)
		h := newHub()
		alice := newParty(t, h, aliceUserID, "ALICEDEVICE", func(r *verificationhelper.Registry) {
			r.SupportedMethods = []event.VerificationMethod{event.VerificationMethodQRCodeShow}
		})
		bob := newParty(t, h, bobUserID, "BOBDEVICE")
		introduce(t, alice, bob)

		av, err := alice.registry.StartDeviceVerification(ctx, bob.userID)
		require.NoError(t, err)
		bv := waitForActive(t, bob, av.TransactionID())
		require.NoError(t, bv.Accept(ctx))
		bobCancel := waitForState[verificationhelper.StateCancel](t, bv)
		assert.Equal(t, event.VerificationCancelCodeUnknownMethod, bobCancel.Content.Code)
		aliceCancel := waitForState[verificationhelper.StateCancel](t, av)
		assert.False(t, aliceCancel.IsOurOwn)
	})
	t.Run("UnsupportedKeyAgreement", func(t *testing.T) {
		ctx := testContext(t)
		h := newHub()
		alice := newParty(t, h, aliceUserID, "ALICEDEVICE")
		bob := newParty(t, h, bobUserID, "BOBDEVICE")
		introduce(t, alice, bob)
		av, _ := readyDeviceVerification(t, ctx, alice, bob)

		start := &event.VerificationStartEventContent{
			FromDevice:                 bob.deviceID,
			Method:                     event.VerificationMethodSAS,
			Hashes:                     []event.VerificationHashMethod{event.VerificationHashMethodSHA256},
			KeyAgreementProtocols:      []event.KeyAgreementProtocol{event.KeyAgreementProtocolCurve25519},
			MessageAuthenticationCodes: []event.MACMethod{event.MACMethodHKDFHMACSHA256V2},
			ShortAuthenticationString:  []event.SASMethod{event.SASMethodEmoji},
		}
		start.SetTransactionKey(av.TransactionID(), false)
		bob.inject(t, alice, event.ToDeviceVerificationStart, start)

		aliceCancel := waitForState[verificationhelper.StateCancel](t, av)
		assert.True(t, aliceCancel.IsOurOwn)
		assert.Equal(t, event.VerificationCancelCodeUnknownMethod, aliceCancel.Content.Code)
	})
}

func sasStartFrom(deviceID id.DeviceID) *event.VerificationStartEventContent {
	return &event.VerificationStartEventContent{
		FromDevice:                 deviceID,
		Method:                     event.VerificationMethodSAS,
		Hashes:                     []event.VerificationHashMethod{event.VerificationHashMethodSHA256},
		KeyAgreementProtocols:      []event.KeyAgreementProtocol{event.KeyAgreementProtocolCurve25519HKDFSHA256},
		MessageAuthenticationCodes: []event.MACMethod{event.MACMethodHKDFHMACSHA256V2},
		ShortAuthenticationString:  []event.SASMethod{event.SASMethodDecimal, event.SASMethodEmoji},
	}
}

func TestVerification_UnexpectedSteps(t *testing.T) {
	testCases := []struct {
		name   string
		sender id.UserID
		setup  func(t *testing.T, ctx context.Context, alice, bob *party, av, bv *verificationhelper.Verification) event.VerificationStep
	}{
		{"ReadyWhenReady", bobUserID, func(t *testing.T, ctx context.Context, alice, bob *party, av, bv *verificationhelper.Verification) event.VerificationStep {
			return &event.VerificationReadyEventContent{FromDevice: bob.deviceID, Methods: []event.VerificationMethod{event.VerificationMethodSAS}}
		}},
		{"StartFromOtherDevice", bobUserID, func(t *testing.T, ctx context.Context, alice, bob *party, av, bv *verificationhelper.Verification) event.VerificationStep {
			return sasStartFrom("BOBOTHERDEVICE")
		}},
		{"StartFromOtherUser", "@carol:example.com", func(t *testing.T, ctx context.Context, alice, bob *party, av, bv *verificationhelper.Verification) event.VerificationStep {
			return sasStartFrom(bob.deviceID)
		}},
		{"KeyBeforeAccept", bobUserID, func(t *testing.T, ctx context.Context, alice, bob *party, av, bv *verificationhelper.Verification) event.VerificationStep {
			require.NoError(t, av.StartSAS(ctx))
			waitForSASState[verificationhelper.SASTheirStart](t, bv)
			return &event.VerificationKeyEventContent{Key: []byte("early key")}
		}},
		{"AcceptFromStarter", bobUserID, func(t *testing.T, ctx context.Context, alice, bob *party, av, bv *verificationhelper.Verification) event.VerificationStep {
			require.NoError(t, bv.StartSAS(ctx))
			waitForSASState[verificationhelper.SASTheirStart](t, av)
			return &event.VerificationAcceptEventContent{
				Hash:                 event.VerificationHashMethodSHA256,
				KeyAgreementProtocol: event.KeyAgreementProtocolCurve25519HKDFSHA256,
			}
		}},
		{"MACWhileWaitingForKey", bobUserID, func(t *testing.T, ctx context.Context, alice, bob *party, av, bv *verificationhelper.Verification) event.VerificationStep {
			require.NoError(t, av.StartSAS(ctx))
			waitForSASState[verificationhelper.SASTheirStart](t, bv)
			// Keep alice's key from reaching bob so that she keeps waiting.
			alice.hold()
			require.NoError(t, bv.AcceptSAS(ctx))
			_, waiting := waitForSASState[verificationhelper.SASWaitForKeys](t, av)
			assert.True(t, waiting.IsOurOwn)
			return &event.VerificationMACEventContent{
				Keys: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
				MAC:  map[id.KeyID]string{id.NewKeyID(id.KeyAlgorithmEd25519, bob.deviceID.String()): "AAAA"},
			}
		}},
		{"DoneBeforeMAC", bobUserID, func(t *testing.T, ctx context.Context, alice, bob *party, av, bv *verificationhelper.Verification) event.VerificationStep {
			compareSAS(t, ctx, av, bv)
			return &event.VerificationDoneEventContent{}
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext(t)
			h := newHub()
			alice := newParty(t, h, aliceUserID, "ALICEDEVICE")
			bob := newParty(t, h, bobUserID, "BOBDEVICE")
			introduce(t, alice, bob)
			av, bv := readyDeviceVerification(t, ctx, alice, bob)

			step := tc.setup(t, ctx, alice, bob, av, bv)
			step.GetTransaction().SetTransactionKey(av.TransactionID(), false)
			alice.receive(t, tc.sender, step.StepType(false), step)

			aliceCancel := waitForState[verificationhelper.StateCancel](t, av)
			assert.True(t, aliceCancel.IsOurOwn)
			assert.Equal(t, event.VerificationCancelCodeUnexpectedMessage, aliceCancel.Content.Code)
			cancels := alice.sentOfType(event.ToDeviceVerificationCancel)
			require.Len(t, cancels, 1)
			assert.Equal(t, string(event.VerificationCancelCodeUnexpectedMessage), cancels[0].Get("code").Str)
			assert.Zero(t, alice.trust.calls.Load())
		})
	}
}

func TestVerification_CancelledRepliesOnce(t *testing.T) {
	ctx := testContext(t)
	h := newHub()
	alice := newParty(t, h, aliceUserID, "ALICEDEVICE")
	bob := newParty(t, h, bobUserID, "BOBDEVICE")
	introduce(t, alice, bob)
	av, bv := readyDeviceVerification(t, ctx, alice, bob)

	require.NoError(t, av.Cancel(ctx))
	aliceCancel := waitForState[verificationhelper.StateCancel](t, av)
	assert.Equal(t, event.VerificationCancelCodeUser, aliceCancel.Content.Code)
	bobCancel := waitForState[verificationhelper.StateCancel](t, bv)
	assert.False(t, bobCancel.IsOurOwn)

	for i := 0; i < 3; i++ {
		key := &event.VerificationKeyEventContent{Key: []byte("not really a key")}
		key.SetTransactionKey(av.TransactionID(), false)
		bob.inject(t, alice, event.ToDeviceVerificationKey, key)
	}
	require.NoError(t, alice.registry.Flush(ctx))
	waitForStopped(t, av)
	// Cancelling a stopped verification is a no-op.
	require.NoError(t, av.Cancel(ctx))

	cancels := alice.sentOfType(event.ToDeviceVerificationCancel)
	require.Len(t, cancels, 2)
	assert.Equal(t, string(event.VerificationCancelCodeUser), cancels[0].Get("code").Str)
	assert.Equal(t, string(event.VerificationCancelCodeUnexpectedMessage), cancels[1].Get("code").Str)
	assert.Equal(t, aliceCancel, av.State())
	assert.ErrorIs(t, av.StartSAS(ctx), verificationhelper.ErrNotInState)
}

func TestVerification_Timeout(t *testing.T) {
	ctx := testContext(t)
	h := newHub()
	shortTimeout := func(r *verificationhelper.Registry) {
		r.Timeout = 300 * time.Millisecond
	}
	alice := newParty(t, h, aliceUserID, "ALICEDEVICE", shortTimeout)
	bob := newParty(t, h, bobUserID, "BOBDEVICE", shortTimeout)
	introduce(t, alice, bob)

	av, err := alice.registry.StartDeviceVerification(ctx, bob.userID, bob.deviceID)
	require.NoError(t, err)
	bv := waitForActive(t, bob, av.TransactionID())

	aliceCancel := waitForState[verificationhelper.StateCancel](t, av)
	assert.Equal(t, event.VerificationCancelCodeTimeout, aliceCancel.Content.Code)
	bobCancel := waitForState[verificationhelper.StateCancel](t, bv)
	assert.Equal(t, event.VerificationCancelCodeTimeout, bobCancel.Content.Code)
	assert.ErrorIs(t, bv.Accept(ctx), verificationhelper.ErrNotInState)
}
