// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sas

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"maunium.net/go/mxverify/id"
)

const (
	sasInfoPrefix = "MATRIX_KEY_VERIFICATION_SAS|"
	macInfoPrefix = "MATRIX_KEY_VERIFICATION_MAC"

	// SASLength is the number of bytes derived for the short authentication string.
	SASLength = 6

	// DecimalOffset is added to each 13-bit decimal SAS value, so all values are in 1000-9191.
	DecimalOffset = 1000
	DecimalMax    = DecimalOffset + 1<<13 - 1
)

// Party identifies one side of the verification in the HKDF info strings.
type Party struct {
	UserID   id.UserID
	DeviceID id.DeviceID
	// Key is the unpadded base64 ephemeral public key of the party.
	Key string
}

// SASInfo builds the HKDF info for the short authentication string as
// described in [Section 11.12.2.2.4] of the Spec. The starter is the side
// that sent the m.key.verification.start event that's in use, the other
// side is the one that accepted it.
//
// [Section 11.12.2.2.4]: https://spec.matrix.org/v1.9/client-server-api/#sas-hkdf-calculation
func SASInfo(starter, accepter Party, txnID id.VerificationTransactionID) string {
	return sasInfoPrefix + strings.Join([]string{
		starter.UserID.String(), starter.DeviceID.String(), starter.Key,
		accepter.UserID.String(), accepter.DeviceID.String(), accepter.Key,
		txnID.String(),
	}, "|")
}

// SASBytes derives the 6 bytes that the decimal and emoji representations
// are computed from.
func (s *Secret) SASBytes(info string) ([]byte, error) {
	shared, err := s.sharedSecret()
	if err != nil {
		return nil, err
	}
	output := make([]byte, SASLength)
	_, err = io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(info)), output)
	if err != nil {
		return nil, fmt.Errorf("failed to derive SAS bytes: %w", err)
	}
	return output, nil
}

// Decimals splits the first 5 SAS bytes into three 13-bit numbers and adds
// 1000 to each.
func Decimals(sasBytes []byte) [3]uint16 {
	return [3]uint16{
		(uint16(sasBytes[0])<<5 | uint16(sasBytes[1])>>3) + DecimalOffset,
		((uint16(sasBytes[1])&0x07)<<10 | uint16(sasBytes[2])<<2 | uint16(sasBytes[3])>>6) + DecimalOffset,
		((uint16(sasBytes[3])&0x3f)<<7 | uint16(sasBytes[4])>>1) + DecimalOffset,
	}
}

// EmojiIndices splits the first 42 bits of the SAS bytes into seven 6-bit
// indices into AllEmojis.
func EmojiIndices(sasBytes []byte) (indices [7]uint8) {
	sasNum := uint64(sasBytes[0])<<40 | uint64(sasBytes[1])<<32 | uint64(sasBytes[2])<<24 |
		uint64(sasBytes[3])<<16 | uint64(sasBytes[4])<<8 | uint64(sasBytes[5])
	for i := range indices {
		// Right shift the number and then mask the lowest 6 bits.
		indices[i] = uint8((sasNum >> uint(48-(i+1)*6)) & 0b111111)
	}
	return
}

// Emojis maps the SAS bytes to the seven emojis the user compares.
func Emojis(sasBytes []byte) (emojis [7]Emoji) {
	for i, idx := range EmojiIndices(sasBytes) {
		emojis[i] = AllEmojis[idx]
	}
	return
}
