// Copyright (c) 2020 Nikos Filippakis
// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"go.mau.fi/util/jsonbytes"
	"go.mau.fi/util/jsontime"
	"golang.org/x/exp/slices"

	"maunium.net/go/mxverify/id"
)

type VerificationMethod string

const (
	VerificationMethodSAS VerificationMethod = "m.sas.v1"

	VerificationMethodQRCodeScan  VerificationMethod = "m.qr_code.scan.v1"
	VerificationMethodQRCodeShow  VerificationMethod = "m.qr_code.show.v1"
	VerificationMethodReciprocate VerificationMethod = "m.reciprocate.v1"
)

// VerificationTransaction holds the field that ties a verification step to
// its transaction. To-device steps use the transaction_id field, in-room steps
// use an m.reference relation to the request event. Exactly one of the two is
// set on any step that goes over the wire.
type VerificationTransaction struct {
	// TransactionID is set on to-device verification steps.
	TransactionID id.VerificationTransactionID `json:"transaction_id,omitempty"`
	// RelatesTo is set on in-room verification steps.
	RelatesTo *RelatesTo `json:"m.relates_to,omitempty"`
}

func (vt *VerificationTransaction) GetTransaction() *VerificationTransaction {
	return vt
}

// TransactionKey returns the transaction ID regardless of which transport
// the step came from. For in-room steps, it's the request event ID.
func (vt *VerificationTransaction) TransactionKey() id.VerificationTransactionID {
	if vt.TransactionID != "" {
		return vt.TransactionID
	} else if vt.RelatesTo != nil && vt.RelatesTo.Type == RelReference {
		return id.VerificationTransactionID(vt.RelatesTo.EventID)
	}
	return ""
}

// SetTransactionKey sets the transport-specific transaction field and clears the other one.
func (vt *VerificationTransaction) SetTransactionKey(txnID id.VerificationTransactionID, inRoom bool) {
	if inRoom {
		vt.TransactionID = ""
		vt.RelatesTo = &RelatesTo{Type: RelReference, EventID: id.EventID(txnID)}
	} else {
		vt.TransactionID = txnID
		vt.RelatesTo = nil
	}
}

// VerificationStep is implemented by the content of every verification event
// that is exchanged after the request: ready, start, accept, key, mac, done
// and cancel. It can't be implemented outside this package.
type VerificationStep interface {
	GetTransaction() *VerificationTransaction
	// StepType returns the event type used to send the step over the given transport.
	StepType(inRoom bool) Type

	isVerificationStep()
}

var (
	_ VerificationStep = (*VerificationReadyEventContent)(nil)
	_ VerificationStep = (*VerificationStartEventContent)(nil)
	_ VerificationStep = (*VerificationAcceptEventContent)(nil)
	_ VerificationStep = (*VerificationKeyEventContent)(nil)
	_ VerificationStep = (*VerificationMACEventContent)(nil)
	_ VerificationStep = (*VerificationDoneEventContent)(nil)
	_ VerificationStep = (*VerificationCancelEventContent)(nil)
)

func pickType(inRoom bool, inRoomType, toDeviceType Type) Type {
	if inRoom {
		return inRoomType
	}
	return toDeviceType
}

// VerificationRequestEventContent represents the content of an
// [m.key.verification.request] to-device event. In-room requests are sent as
// m.room.message events, see [MessageEventContent].
//
// [m.key.verification.request]: https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationrequest
type VerificationRequestEventContent struct {
	VerificationTransaction
	// FromDevice is the device ID which is initiating the request.
	FromDevice id.DeviceID `json:"from_device"`
	// Methods is a list of the verification methods supported by the sender.
	Methods []VerificationMethod `json:"methods"`
	// Timestamp is the time when the request was made.
	Timestamp jsontime.UnixMilli `json:"timestamp,omitempty"`
}

func (vrec *VerificationRequestEventContent) SupportsVerificationMethod(meth VerificationMethod) bool {
	return slices.Contains(vrec.Methods, meth)
}

// VerificationReadyEventContent represents the content of an
// [m.key.verification.ready] event (both the to-device and the in-room
// version).
//
// [m.key.verification.ready]: https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationready
type VerificationReadyEventContent struct {
	VerificationTransaction

	// FromDevice is the device ID which is accepting the request.
	FromDevice id.DeviceID `json:"from_device"`
	// Methods is a list of the verification methods supported by the sender.
	Methods []VerificationMethod `json:"methods"`
}

func (*VerificationReadyEventContent) isVerificationStep() {}
func (*VerificationReadyEventContent) StepType(inRoom bool) Type {
	return pickType(inRoom, InRoomVerificationReady, ToDeviceVerificationReady)
}

type KeyAgreementProtocol string

const (
	KeyAgreementProtocolCurve25519           KeyAgreementProtocol = "curve25519"
	KeyAgreementProtocolCurve25519HKDFSHA256 KeyAgreementProtocol = "curve25519-hkdf-sha256"
)

type VerificationHashMethod string

const VerificationHashMethodSHA256 VerificationHashMethod = "sha256"

type MACMethod string

const (
	MACMethodHKDFHMACSHA256   MACMethod = "hkdf-hmac-sha256"
	MACMethodHKDFHMACSHA256V2 MACMethod = "hkdf-hmac-sha256.v2"
)

type SASMethod string

const (
	SASMethodDecimal SASMethod = "decimal"
	SASMethodEmoji   SASMethod = "emoji"
)

// VerificationStartEventContent represents the content of an
// [m.key.verification.start] event (both the to-device and the in-room
// version) with the [m.sas.v1] method.
//
// [m.key.verification.start]: https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationstart
// [m.sas.v1]: https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationstartmsasv1
type VerificationStartEventContent struct {
	VerificationTransaction

	// FromDevice is the device ID which is initiating the request.
	FromDevice id.DeviceID `json:"from_device"`
	// Method is the verification method to use.
	Method VerificationMethod `json:"method"`
	// Hashes are the hash methods the sending device understands.
	Hashes []VerificationHashMethod `json:"hashes"`
	// KeyAgreementProtocols is the list of key agreement protocols the sending device understands.
	KeyAgreementProtocols []KeyAgreementProtocol `json:"key_agreement_protocols"`
	// MessageAuthenticationCodes is a list of the MAC methods that the sending device understands.
	MessageAuthenticationCodes []MACMethod `json:"message_authentication_codes"`
	// ShortAuthenticationString is a list of SAS methods the sending device (and the sending device's user) understands.
	ShortAuthenticationString []SASMethod `json:"short_authentication_string"`
}

func (*VerificationStartEventContent) isVerificationStep() {}
func (*VerificationStartEventContent) StepType(inRoom bool) Type {
	return pickType(inRoom, InRoomVerificationStart, ToDeviceVerificationStart)
}

func (vsec *VerificationStartEventContent) SupportsKeyAgreementProtocol(proto KeyAgreementProtocol) bool {
	return slices.Contains(vsec.KeyAgreementProtocols, proto)
}

func (vsec *VerificationStartEventContent) SupportsHashMethod(alg VerificationHashMethod) bool {
	return slices.Contains(vsec.Hashes, alg)
}

func (vsec *VerificationStartEventContent) SupportsMACMethod(meth MACMethod) bool {
	return slices.Contains(vsec.MessageAuthenticationCodes, meth)
}

func (vsec *VerificationStartEventContent) SupportsSASMethod(meth SASMethod) bool {
	return slices.Contains(vsec.ShortAuthenticationString, meth)
}

// VerificationAcceptEventContent represents the content of an
// [m.key.verification.accept] event (both the to-device and the in-room
// version).
//
// [m.key.verification.accept]: https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationaccept
type VerificationAcceptEventContent struct {
	VerificationTransaction

	// Commitment is the hash of the concatenation of the device's ephemeral
	// public key (encoded as unpadded base64) and the canonical JSON
	// representation of the m.key.verification.start message.
	Commitment jsonbytes.UnpaddedBytes `json:"commitment"`
	// Hash is the hash method the device is choosing to use, out of the
	// options in the m.key.verification.start message.
	Hash VerificationHashMethod `json:"hash"`
	// KeyAgreementProtocol is the key agreement protocol the device is
	// choosing to use, out of the options in the m.key.verification.start
	// message.
	KeyAgreementProtocol KeyAgreementProtocol `json:"key_agreement_protocol"`
	// MessageAuthenticationCode is the message authentication code the device
	// is choosing to use, out of the options in the m.key.verification.start
	// message.
	MessageAuthenticationCode MACMethod `json:"message_authentication_code"`
	// ShortAuthenticationString is a list of SAS methods both devices involved
	// in the verification process understand. Must be a subset of the options
	// in the m.key.verification.start message.
	ShortAuthenticationString []SASMethod `json:"short_authentication_string"`
}

func (*VerificationAcceptEventContent) isVerificationStep() {}
func (*VerificationAcceptEventContent) StepType(inRoom bool) Type {
	return pickType(inRoom, InRoomVerificationAccept, ToDeviceVerificationAccept)
}

// VerificationKeyEventContent represents the content of an
// [m.key.verification.key] event (both the to-device and the in-room
// version).
//
// [m.key.verification.key]: https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationkey
type VerificationKeyEventContent struct {
	VerificationTransaction

	// Key is the device’s ephemeral public key.
	Key jsonbytes.UnpaddedBytes `json:"key"`
}

func (*VerificationKeyEventContent) isVerificationStep() {}
func (*VerificationKeyEventContent) StepType(inRoom bool) Type {
	return pickType(inRoom, InRoomVerificationKey, ToDeviceVerificationKey)
}

// VerificationMACEventContent represents the content of an
// [m.key.verification.mac] event (both the to-device and the in-room
// version).
//
// The MAC values are kept as strings: the legacy hkdf-hmac-sha256 method
// produces a mangled base64 encoding that does not decode to the raw MAC.
//
// [m.key.verification.mac]: https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationmac
type VerificationMACEventContent struct {
	VerificationTransaction

	// Keys is the MAC of the comma-separated, sorted, list of key IDs given in
	// the MAC property.
	Keys string `json:"keys"`
	// MAC is a map of the key ID to the MAC of the key, using the algorithm in
	// the verification process.
	MAC map[id.KeyID]string `json:"mac"`
}

func (*VerificationMACEventContent) isVerificationStep() {}
func (*VerificationMACEventContent) StepType(inRoom bool) Type {
	return pickType(inRoom, InRoomVerificationMAC, ToDeviceVerificationMAC)
}

// VerificationDoneEventContent represents the content of an
// [m.key.verification.done] event (both the to-device and the in-room
// version).
//
// [m.key.verification.done]: https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationdone
type VerificationDoneEventContent struct {
	VerificationTransaction
}

func (*VerificationDoneEventContent) isVerificationStep() {}
func (*VerificationDoneEventContent) StepType(inRoom bool) Type {
	return pickType(inRoom, InRoomVerificationDone, ToDeviceVerificationDone)
}

type VerificationCancelCode string

const (
	VerificationCancelCodeUser               VerificationCancelCode = "m.user"
	VerificationCancelCodeTimeout            VerificationCancelCode = "m.timeout"
	VerificationCancelCodeUnknownTransaction VerificationCancelCode = "m.unknown_transaction"
	VerificationCancelCodeUnknownMethod      VerificationCancelCode = "m.unknown_method"
	VerificationCancelCodeUnexpectedMessage  VerificationCancelCode = "m.unexpected_message"
	VerificationCancelCodeKeyMismatch        VerificationCancelCode = "m.key_mismatch"
	VerificationCancelCodeUserMismatch       VerificationCancelCode = "m.user_mismatch"
	VerificationCancelCodeInvalidMessage     VerificationCancelCode = "m.invalid_message"
	VerificationCancelCodeAccepted           VerificationCancelCode = "m.accepted"
	VerificationCancelCodeSASMismatch        VerificationCancelCode = "m.mismatched_sas"
	VerificationCancelCodeCommitmentMismatch VerificationCancelCode = "m.mismatched_commitment"
)

// VerificationCancelEventContent represents the content of an
// [m.key.verification.cancel] event (both the to-device and the in-room
// version).
//
// [m.key.verification.cancel]: https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationcancel
type VerificationCancelEventContent struct {
	VerificationTransaction

	// Code is the error code for why the process/request was cancelled by the
	// user.
	Code VerificationCancelCode `json:"code"`
	// Reason is a human readable description of the code. The client should
	// only rely on this string if it does not understand the code.
	Reason string `json:"reason"`
}

func (*VerificationCancelEventContent) isVerificationStep() {}
func (*VerificationCancelEventContent) StepType(inRoom bool) Type {
	return pickType(inRoom, InRoomVerificationCancel, ToDeviceVerificationCancel)
}
