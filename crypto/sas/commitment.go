// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sas

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"maunium.net/go/mxverify/crypto/canonicaljson"
)

// Commitment calculates the commitment hash that the accepting side sends in
// the m.key.verification.accept event.
//
// The hash is the SHA-256 of the unpadded base64 encoding of the ephemeral
// public key concatenated with the canonical JSON of the whole
// m.key.verification.start content, including its transaction_id or
// m.relates_to field.
func Commitment(publicKey []byte, startContent []byte) ([]byte, error) {
	canonical, err := canonicaljson.CanonicalJSON(startContent)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize start content: %w", err)
	}
	hash := sha256.New()
	hash.Write([]byte(base64.RawStdEncoding.EncodeToString(publicKey)))
	hash.Write(canonical)
	return hash.Sum(nil), nil
}
