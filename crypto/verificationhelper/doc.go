// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package verificationhelper implements the interactive SAS verification
// process according to [Section 11.12.2] of the Spec, both over to-device
// messages and in rooms.
//
// Each verification is a [Verification] that processes its steps one at a
// time on its own goroutine. The [Registry] routes incoming events to the
// right verification and creates new ones for incoming requests.
//
// [Section 11.12.2]: https://spec.matrix.org/v1.9/client-server-api/#device-verification
package verificationhelper
