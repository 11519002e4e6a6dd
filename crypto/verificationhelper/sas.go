// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verificationhelper

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"maunium.net/go/mxverify/crypto/sas"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

const (
	ReasonKeyListMismatch = "The MAC of the key list didn't match."
	ReasonNoKnownKeys     = "None of the keys in the MAC are known."
	ReasonSASMismatch     = "The short authentication strings didn't match."
)

// Supported methods in order of preference.
var (
	supportedMACMethods = []event.MACMethod{event.MACMethodHKDFHMACSHA256V2, event.MACMethodHKDFHMACSHA256}
	supportedSASMethods = []event.SASMethod{event.SASMethodDecimal, event.SASMethodEmoji}
)

// sasMethod is the state of the SAS method of a verification. A new one is
// created for each start step that is used.
type sasMethod struct {
	start          *event.VerificationStartEventContent
	startJSON      []byte
	startedByUs    bool
	senderUserID   id.UserID
	senderDeviceID id.DeviceID

	secret   *sas.Secret
	accept   *event.VerificationAcceptEventContent
	state    SASState
	theirMAC *event.VerificationMACEventContent
	sentMAC  bool
}

// negotiateSAS picks the methods to use from a start step. It returns nil
// if we don't support any of the options for one of the parameters.
func negotiateSAS(start *event.VerificationStartEventContent) *event.VerificationAcceptEventContent {
	if !start.SupportsKeyAgreementProtocol(event.KeyAgreementProtocolCurve25519HKDFSHA256) ||
		!start.SupportsHashMethod(event.VerificationHashMethodSHA256) {
		return nil
	}
	accept := &event.VerificationAcceptEventContent{
		Hash:                 event.VerificationHashMethodSHA256,
		KeyAgreementProtocol: event.KeyAgreementProtocolCurve25519HKDFSHA256,
	}
	for _, method := range supportedMACMethods {
		if start.SupportsMACMethod(method) {
			accept.MessageAuthenticationCode = method
			break
		}
	}
	for _, method := range supportedSASMethods {
		if start.SupportsSASMethod(method) {
			accept.ShortAuthenticationString = append(accept.ShortAuthenticationString, method)
		}
	}
	if accept.MessageAuthenticationCode == "" || len(accept.ShortAuthenticationString) == 0 {
		return nil
	}
	return accept
}

// isValidAccept checks that the other side only picked methods that we
// offered in our start step.
func isValidAccept(start *event.VerificationStartEventContent, accept *event.VerificationAcceptEventContent) bool {
	if accept.KeyAgreementProtocol != event.KeyAgreementProtocolCurve25519HKDFSHA256 ||
		accept.Hash != event.VerificationHashMethodSHA256 ||
		!start.SupportsMACMethod(accept.MessageAuthenticationCode) ||
		len(accept.ShortAuthenticationString) == 0 {
		return false
	}
	for _, method := range accept.ShortAuthenticationString {
		if !start.SupportsSASMethod(method) {
			return false
		}
	}
	return len(accept.Commitment) > 0
}

func (v *Verification) startMethod(ctx context.Context, in stepInput, start *event.VerificationStartEventContent) {
	method := &sasMethod{
		start:          start,
		startJSON:      in.raw,
		startedByUs:    in.own,
		senderUserID:   in.sender,
		senderDeviceID: start.FromDevice,
	}
	if in.own {
		method.senderUserID, method.senderDeviceID = v.ownUserID, v.ownDeviceID
		method.startJSON = nil
	} else if negotiateSAS(start) == nil {
		v.cancel(ctx, event.VerificationCancelCodeUnknownMethod, "None of the offered SAS parameters are supported.")
		return
	}
	var err error
	if len(method.startJSON) == 0 {
		if method.startJSON, err = json.Marshal(start); err != nil {
			zerolog.Ctx(ctx).Err(err).Msg("Failed to marshal start step")
			v.cancel(ctx, event.VerificationCancelCodeUser, "Internal error")
			return
		}
	}
	if method.secret, err = sas.NewSecret(); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to generate ephemeral key")
		v.cancel(ctx, event.VerificationCancelCodeUser, "Internal error")
		return
	}
	v.method = method
	if in.own {
		v.setSASState(ctx, SASOwnStart{})
	} else {
		v.setSASState(ctx, SASTheirStart{})
	}
}

func (v *Verification) setSASState(ctx context.Context, state SASState) {
	v.method.state = state
	v.setState(ctx, StateStart{
		SenderUserID:   v.method.senderUserID,
		SenderDeviceID: v.method.senderDeviceID,
		Method:         state,
	})
}

func (v *Verification) handleSASAccept(ctx context.Context, in stepInput, accept *event.VerificationAcceptEventContent) {
	m := v.method
	if in.own {
		if _, ok := m.state.(SASTheirStart); !ok {
			zerolog.Ctx(ctx).Warn().Stringer("sas_state", m.state).Msg("Sent accept step in unexpected state")
			return
		}
		m.accept = accept
		v.setSASState(ctx, SASAccept{IsOurOwn: true})
		return
	}
	if _, ok := m.state.(SASOwnStart); !ok {
		v.unexpected(ctx, "Unexpected accept step.")
		return
	} else if !isValidAccept(m.start, accept) {
		v.cancel(ctx, event.VerificationCancelCodeUnknownMethod, "The accept step chose methods that weren't offered.")
		return
	}
	m.accept = accept
	v.setSASState(ctx, SASAccept{IsOurOwn: false})
	v.queueOwnStep(v.buildKey)
}

func (v *Verification) buildKey(context.Context) (event.VerificationStep, error) {
	return &event.VerificationKeyEventContent{Key: v.method.secret.PublicKey()}, nil
}

func (v *Verification) handleSASKey(ctx context.Context, in stepInput, key *event.VerificationKeyEventContent) {
	m := v.method
	if in.own {
		switch state := m.state.(type) {
		case SASAccept:
			if !state.IsOurOwn {
				v.setSASState(ctx, SASWaitForKeys{IsOurOwn: true})
				return
			}
		case SASWaitForKeys:
			if !state.IsOurOwn {
				v.showSAS(ctx)
				return
			}
		}
		zerolog.Ctx(ctx).Warn().Stringer("sas_state", m.state).Msg("Sent key step in unexpected state")
		return
	}

	switch state := m.state.(type) {
	case SASWaitForKeys:
		if !state.IsOurOwn {
			break
		}
		commitment, err := sas.Commitment(key.Key, m.startJSON)
		if err != nil || subtle.ConstantTimeCompare(commitment, m.accept.Commitment) != 1 {
			v.cancel(ctx, event.VerificationCancelCodeCommitmentMismatch, "The key doesn't match the commitment.")
			return
		}
		if err = m.secret.SetTheirPublicKey(key.Key); err != nil {
			v.cancel(ctx, event.VerificationCancelCodeInvalidMessage, "Invalid ephemeral key.")
			return
		}
		v.showSAS(ctx)
		return
	case SASAccept:
		if !state.IsOurOwn {
			break
		}
		if err := m.secret.SetTheirPublicKey(key.Key); err != nil {
			v.cancel(ctx, event.VerificationCancelCodeInvalidMessage, "Invalid ephemeral key.")
			return
		}
		v.setSASState(ctx, SASWaitForKeys{IsOurOwn: false})
		v.queueOwnStep(v.buildKey)
		return
	}
	v.unexpected(ctx, "Unexpected key step.")
}

func (v *Verification) showSAS(ctx context.Context) {
	m := v.method
	ours := sas.Party{UserID: v.ownUserID, DeviceID: v.ownDeviceID, Key: m.secret.PublicKeyBase64()}
	theirs := sas.Party{UserID: v.theirUserID, DeviceID: v.TheirDeviceID(), Key: m.secret.TheirPublicKeyBase64()}
	starter, accepter := theirs, ours
	if m.startedByUs {
		starter, accepter = ours, theirs
	}
	sasBytes, err := m.secret.SASBytes(sas.SASInfo(starter, accepter, v.txnID))
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to derive short authentication string")
		v.cancel(ctx, event.VerificationCancelCodeUser, "Internal error")
		return
	}
	v.setSASState(ctx, SASComparisonByUser{
		Decimal: sas.Decimals(sasBytes),
		Emojis:  sas.Emojis(sasBytes),
		Methods: m.accept.ShortAuthenticationString,
	})
}

func (v *Verification) handleSASMAC(ctx context.Context, in stepInput, mac *event.VerificationMACEventContent) {
	m := v.method
	if in.own {
		if _, ok := m.state.(SASComparisonByUser); !ok || m.sentMAC {
			zerolog.Ctx(ctx).Warn().Stringer("sas_state", m.state).Msg("Sent MAC step in unexpected state")
			return
		}
		m.sentMAC = true
		if m.theirMAC != nil {
			v.completeSAS(ctx, true)
		} else {
			v.setSASState(ctx, SASWaitForMACs{})
		}
		return
	}
	switch m.state.(type) {
	case SASComparisonByUser:
		if m.theirMAC == nil {
			m.theirMAC = mac
			return
		}
	case SASWaitForMACs:
		m.theirMAC = mac
		v.completeSAS(ctx, false)
		return
	}
	v.unexpected(ctx, "Unexpected MAC step.")
}

func (v *Verification) completeSAS(ctx context.Context, isOurOwn bool) {
	keyIDs, reason := v.verifyTheirMAC(ctx, v.method.theirMAC)
	if reason != "" {
		v.cancel(ctx, event.VerificationCancelCodeKeyMismatch, reason)
		return
	}
	v.setState(ctx, StateWaitForDone{IsOurOwn: isOurOwn})
	if v.trust != nil {
		if err := v.trust.TrustKeys(ctx, v.theirUserID, keyIDs); err != nil {
			zerolog.Ctx(ctx).Err(err).Msg("Failed to mark verified keys as trusted")
		}
	}
	v.queueOwnStep(func(context.Context) (event.VerificationStep, error) {
		return &event.VerificationDoneEventContent{}, nil
	})
}

// verifyTheirMAC checks the MAC of the key list and of every key that we
// know. It returns the verified key IDs, or the cancellation reason.
func (v *Verification) verifyTheirMAC(ctx context.Context, mac *event.VerificationMACEventContent) ([]id.KeyID, string) {
	m := v.method
	log := zerolog.Ctx(ctx)
	theirDeviceID := v.TheirDeviceID()
	macMethod := m.accept.MessageAuthenticationCode
	macInfo := func(keyID string) string {
		return sas.MACInfo(v.theirUserID, theirDeviceID, v.ownUserID, v.ownDeviceID, v.txnID, keyID)
	}

	keyIDs := make([]id.KeyID, 0, len(mac.MAC))
	for keyID := range mac.MAC {
		keyIDs = append(keyIDs, keyID)
	}
	ok, err := m.secret.VerifyMAC(macMethod, macInfo(sas.KeyIDsMACKeyID), sas.KeyIDList(keyIDs), mac.Keys)
	if err != nil || !ok {
		return nil, ReasonKeyListMismatch
	}

	var verified []id.KeyID
	for keyID, keyMAC := range mac.MAC {
		key, err := v.lookupTheirKey(ctx, keyID, theirDeviceID)
		if err != nil {
			log.Err(err).Stringer("key_id", keyID).Msg("Failed to look up key")
			continue
		} else if key == "" {
			log.Debug().Stringer("key_id", keyID).Msg("Skipping MAC of unknown key")
			continue
		}
		ok, err = m.secret.VerifyMAC(macMethod, macInfo(keyID.String()), key, keyMAC)
		if err != nil || !ok {
			return nil, fmt.Sprintf("The MAC of key %s didn't match.", keyID)
		}
		verified = append(verified, keyID)
	}
	if len(verified) == 0 {
		return nil, ReasonNoKnownKeys
	}
	slices.Sort(verified)
	return verified, ""
}

// lookupTheirKey returns the ed25519 key with the given ID if it's either
// the other device's signing key or the other user's master key.
func (v *Verification) lookupTheirKey(ctx context.Context, keyID id.KeyID, theirDeviceID id.DeviceID) (string, error) {
	algorithm, keyName := keyID.Parse()
	if algorithm != id.KeyAlgorithmEd25519 {
		return "", nil
	}
	if keyName == theirDeviceID.String() {
		device, err := v.keys.GetDevice(ctx, v.theirUserID, theirDeviceID)
		if err != nil || device == nil {
			return "", err
		}
		return device.SigningKey.String(), nil
	}
	masterKey, err := v.keys.GetMasterKey(ctx, v.theirUserID)
	if err != nil || masterKey == nil || masterKey.Key.String() != keyName {
		return "", err
	}
	return masterKey.Key.String(), nil
}

func (v *Verification) buildMAC(ctx context.Context) (*event.VerificationMACEventContent, error) {
	m := v.method
	ownDevice, err := v.keys.GetDevice(ctx, v.ownUserID, v.ownDeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get own device keys: %w", err)
	} else if ownDevice == nil {
		return nil, ErrUnknownOwnDevice
	}
	keys := map[id.KeyID]string{
		id.NewKeyID(id.KeyAlgorithmEd25519, v.ownDeviceID.String()): ownDevice.SigningKey.String(),
	}
	masterKey, err := v.keys.GetMasterKey(ctx, v.ownUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get own master key: %w", err)
	} else if masterKey != nil {
		keys[masterKey.KeyID()] = masterKey.Key.String()
	}

	theirDeviceID := v.TheirDeviceID()
	macMethod := m.accept.MessageAuthenticationCode
	macInfo := func(keyID string) string {
		return sas.MACInfo(v.ownUserID, v.ownDeviceID, v.theirUserID, theirDeviceID, v.txnID, keyID)
	}
	content := &event.VerificationMACEventContent{MAC: make(map[id.KeyID]string, len(keys))}
	keyIDs := make([]id.KeyID, 0, len(keys))
	for keyID, key := range keys {
		content.MAC[keyID], err = m.secret.CalculateMAC(macMethod, macInfo(keyID.String()), key)
		if err != nil {
			return nil, fmt.Errorf("failed to calculate MAC of %s: %w", keyID, err)
		}
		keyIDs = append(keyIDs, keyID)
	}
	content.Keys, err = m.secret.CalculateMAC(macMethod, macInfo(sas.KeyIDsMACKeyID), sas.KeyIDList(keyIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to calculate MAC of key list: %w", err)
	}
	return content, nil
}

// StartSAS sends a start step for the SAS method. If the other side already
// sent a start step that takes precedence, nothing is sent and the other
// side's start is kept.
func (v *Verification) StartSAS(ctx context.Context) error {
	return v.do(ctx, func(ctx context.Context) error {
		switch state := v.state.Get().(type) {
		case StateReady:
			if !slices.Contains(state.Methods, event.VerificationMethodSAS) {
				return fmt.Errorf("%w: SAS is not supported by both sides", ErrNoCommonMethods)
			}
		case StateStart:
			if _, ok := state.Method.(SASTheirStart); !ok {
				return fmt.Errorf("%w: can't start SAS in state %s", ErrNotInState, state)
			} else if !startWins(v.ownUserID, v.ownDeviceID, state.SenderUserID, state.SenderDeviceID) {
				zerolog.Ctx(ctx).Debug().Msg("Not sending start step as the other side's start takes precedence")
				return nil
			}
		default:
			return fmt.Errorf("%w: can't start SAS in state %s", ErrNotInState, state)
		}
		return v.sendAndHandle(ctx, &event.VerificationStartEventContent{
			FromDevice:                 v.ownDeviceID,
			Method:                     event.VerificationMethodSAS,
			Hashes:                     []event.VerificationHashMethod{event.VerificationHashMethodSHA256},
			KeyAgreementProtocols:      []event.KeyAgreementProtocol{event.KeyAgreementProtocolCurve25519HKDFSHA256},
			MessageAuthenticationCodes: supportedMACMethods,
			ShortAuthenticationString:  supportedSASMethods,
		})
	})
}

// AcceptSAS accepts the other side's start step and sends our commitment.
func (v *Verification) AcceptSAS(ctx context.Context) error {
	return v.do(ctx, func(ctx context.Context) error {
		state, ok := v.state.Get().(StateStart)
		if !ok {
			return fmt.Errorf("%w: can't accept SAS in state %s", ErrNotInState, v.state.Get())
		} else if _, ok = state.Method.(SASTheirStart); !ok {
			return fmt.Errorf("%w: can't accept SAS in state %s", ErrNotInState, state)
		}
		accept := negotiateSAS(v.method.start)
		if accept == nil {
			return ErrNoCommonMethods
		}
		var err error
		accept.Commitment, err = sas.Commitment(v.method.secret.PublicKey(), v.method.startJSON)
		if err != nil {
			return fmt.Errorf("failed to calculate commitment: %w", err)
		}
		return v.sendAndHandle(ctx, accept)
	})
}

func (v *Verification) checkComparison() error {
	state, ok := v.state.Get().(StateStart)
	if !ok {
		return fmt.Errorf("%w: not comparing SAS in state %s", ErrNotInState, v.state.Get())
	} else if _, ok = state.Method.(SASComparisonByUser); !ok || v.method.sentMAC {
		return fmt.Errorf("%w: not comparing SAS in state %s", ErrNotInState, state)
	}
	return nil
}

// Match confirms that the short authentication strings match and sends the
// MACs of our keys.
func (v *Verification) Match(ctx context.Context) error {
	return v.do(ctx, func(ctx context.Context) error {
		if err := v.checkComparison(); err != nil {
			return err
		}
		mac, err := v.buildMAC(ctx)
		if err != nil {
			return err
		}
		return v.sendAndHandle(ctx, mac)
	})
}

// NoMatch cancels the verification because the short authentication strings
// were different.
func (v *Verification) NoMatch(ctx context.Context) error {
	return v.do(ctx, func(ctx context.Context) error {
		if err := v.checkComparison(); err != nil {
			return err
		}
		v.cancel(ctx, event.VerificationCancelCodeSASMismatch, ReasonSASMismatch)
		return nil
	})
}
