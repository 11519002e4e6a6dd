// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keystore

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"

	"maunium.net/go/mxverify/id"
)

type TrustedKeyQuery struct {
	*dbutil.QueryHelper[*TrustedKey]
}

// TrustedKey is a key that was verified by a successful verification.
type TrustedKey struct {
	UserID    id.UserID
	KeyID     id.KeyID
	TrustedAt time.Time
}

func newTrustedKey(_ *dbutil.QueryHelper[*TrustedKey]) *TrustedKey {
	return &TrustedKey{}
}

const (
	getTrustedKeyBaseQuery = `
		SELECT user_id, key_id, trusted_at FROM keystore_trusted_key
	`
	getTrustedKeyQuery        = getTrustedKeyBaseQuery + `WHERE user_id=$1 AND key_id=$2`
	getTrustedKeysByUserQuery = getTrustedKeyBaseQuery + `WHERE user_id=$1 ORDER BY key_id`
	putTrustedKeyQuery        = `
		INSERT INTO keystore_trusted_key (user_id, key_id, trusted_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, key_id) DO UPDATE SET trusted_at=excluded.trusted_at
	`
)

func (tkq *TrustedKeyQuery) Get(ctx context.Context, userID id.UserID, keyID id.KeyID) (*TrustedKey, error) {
	return tkq.QueryOne(ctx, getTrustedKeyQuery, userID, keyID)
}

func (tkq *TrustedKeyQuery) GetAllByUser(ctx context.Context, userID id.UserID) ([]*TrustedKey, error) {
	return tkq.QueryMany(ctx, getTrustedKeysByUserQuery, userID)
}

func (tkq *TrustedKeyQuery) Put(ctx context.Context, tk *TrustedKey) error {
	return tkq.Exec(ctx, putTrustedKeyQuery, tk.UserID, tk.KeyID, tk.TrustedAt.UnixMilli())
}

func (tk *TrustedKey) Scan(row dbutil.Scannable) (*TrustedKey, error) {
	var trustedAt int64
	err := row.Scan(&tk.UserID, &tk.KeyID, &trustedAt)
	if err != nil {
		return nil, err
	}
	tk.TrustedAt = time.UnixMilli(trustedAt)
	return tk, nil
}
