// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/exp/slices"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// KeyIDsMACKeyID is the key ID used in the info of the MAC over the list of key IDs.
const KeyIDsMACKeyID = "KEY_IDS"

// MACInfo builds the HKDF info for a MAC as described in [Section
// 11.12.2.2.5] of the Spec. The sender is the side whose keys are being
// MACed.
//
// [Section 11.12.2.2.5]: https://spec.matrix.org/v1.9/client-server-api/#sas-method-mac
func MACInfo(senderUser id.UserID, senderDevice id.DeviceID, receiverUser id.UserID, receiverDevice id.DeviceID, txnID id.VerificationTransactionID, keyID string) string {
	var info strings.Builder
	info.WriteString(macInfoPrefix)
	info.WriteString(senderUser.String())
	info.WriteString(senderDevice.String())
	info.WriteString(receiverUser.String())
	info.WriteString(receiverDevice.String())
	info.WriteString(txnID.String())
	info.WriteString(keyID)
	return info.String()
}

// KeyIDList returns the sorted, comma-separated list of key IDs that the
// KEY_IDS MAC is calculated over.
func KeyIDList[T ~string](keyIDs []T) string {
	strs := make([]string, len(keyIDs))
	for i, keyID := range keyIDs {
		strs[i] = string(keyID)
	}
	slices.Sort(strs)
	return strings.Join(strs, ",")
}

// CalculateMAC derives a MAC key from the shared secret with the given info
// and returns the HMAC-SHA256 of the value, encoded as required by the MAC
// method.
func (s *Secret) CalculateMAC(method event.MACMethod, info, value string) (string, error) {
	shared, err := s.sharedSecret()
	if err != nil {
		return "", err
	}
	macKey := make([]byte, sha256.Size)
	defer wipe(macKey)
	_, err = io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(info)), macKey)
	if err != nil {
		return "", fmt.Errorf("failed to derive MAC key: %w", err)
	}
	hash := hmac.New(sha256.New, macKey)
	hash.Write([]byte(value))
	sum := hash.Sum(nil)
	switch method {
	case event.MACMethodHKDFHMACSHA256V2:
		return base64.RawStdEncoding.EncodeToString(sum), nil
	case event.MACMethodHKDFHMACSHA256:
		return BrokenB64Encode(sum), nil
	default:
		return "", fmt.Errorf("unsupported MAC method %q", method)
	}
}

// VerifyMAC calculates the expected MAC and compares it to the given one in constant time.
func (s *Secret) VerifyMAC(method event.MACMethod, info, value, mac string) (bool, error) {
	expected, err := s.CalculateMAC(method, info, value)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(mac)), nil
}

// BrokenB64Encode implements the incorrect base64 serialization in libolm for
// the hkdf-hmac-sha256 MAC method. The bug is caused by the input and output
// buffers being equal to one another during the base64 encoding.
//
// This function is narrowly scoped to this specific bug, and does not work
// generally (it only supports if the input is 32-bytes).
//
// See https://github.com/matrix-org/matrix-spec-proposals/pull/3783 and
// https://gitlab.matrix.org/matrix-org/olm/-/merge_requests/16 for details.
//
// Deprecated: never use this. It is only here for compatibility with the
// broken libolm implementation.
func BrokenB64Encode(input []byte) string {
	const encodeBase64 = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

	output := make([]byte, 43)
	copy(output, input)

	pos := 0
	outputPos := 0
	for pos != 30 {
		value := int32(output[pos])<<16 | int32(output[pos+1])<<8 | int32(output[pos+2])
		pos += 3
		output[outputPos] = encodeBase64[(value>>18)&0x3F]
		output[outputPos+1] = encodeBase64[(value>>12)&0x3F]
		output[outputPos+2] = encodeBase64[(value>>6)&0x3F]
		output[outputPos+3] = encodeBase64[value&0x3F]
		outputPos += 4
	}
	// This is the mangling that libolm does to the base64 encoding.
	value := (int32(output[pos])<<8 | int32(output[pos+1])) << 2
	output[outputPos] = encodeBase64[(value>>12)&0x3F]
	output[outputPos+1] = encodeBase64[(value>>6)&0x3F]
	output[outputPos+2] = encodeBase64[value&0x3F]
	return string(output)
}
