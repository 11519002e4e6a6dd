// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verificationhelper

import (
	"fmt"

	"maunium.net/go/mxverify/crypto/sas"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// State is the state of a [Verification]. The concrete types are the State*
// structs in this package.
type State interface {
	fmt.Stringer
	isState()
}

// StateUndefined is the zero state. A running verification is never in it.
type StateUndefined struct{}

// StateOwnRequest means we sent the request and are waiting for the other
// side to accept it.
type StateOwnRequest struct{}

// StateTheirRequest means the other side sent a request that we haven't
// accepted yet.
type StateTheirRequest struct{}

// StateAcceptedByOtherDevice means another device of our own user accepted
// the request, so this device won't take part.
type StateAcceptedByOtherDevice struct{}

// StateReady means both sides agreed to verify and either of them can start.
type StateReady struct {
	// Methods are the verification methods both sides support.
	Methods []event.VerificationMethod
}

// StateStart means a verification method is running.
type StateStart struct {
	SenderUserID   id.UserID
	SenderDeviceID id.DeviceID
	Method         SASState
}

// StateWaitForDone means the keys were verified and we're waiting for the
// done steps to be exchanged.
type StateWaitForDone struct {
	// IsOurOwn is true if our MAC was the last one needed to complete the
	// verification.
	IsOurOwn bool
}

// StateDone means the verification finished successfully.
type StateDone struct{}

// StateCancel means the verification was cancelled by either side.
type StateCancel struct {
	Content  *event.VerificationCancelEventContent
	IsOurOwn bool
}

func (StateUndefined) isState()             {}
func (StateOwnRequest) isState()            {}
func (StateTheirRequest) isState()          {}
func (StateAcceptedByOtherDevice) isState() {}
func (StateReady) isState()                 {}
func (StateStart) isState()                 {}
func (StateWaitForDone) isState()           {}
func (StateDone) isState()                  {}
func (StateCancel) isState()                {}

func (StateUndefined) String() string             { return "undefined" }
func (StateOwnRequest) String() string            { return "own_request" }
func (StateTheirRequest) String() string          { return "their_request" }
func (StateAcceptedByOtherDevice) String() string { return "accepted_by_other_device" }
func (StateReady) String() string                 { return "ready" }
func (StateDone) String() string                  { return "done" }

func (s StateStart) String() string {
	return fmt.Sprintf("start(%s)", s.Method)
}

func (s StateWaitForDone) String() string {
	return fmt.Sprintf("wait_for_done(own=%t)", s.IsOurOwn)
}

func (s StateCancel) String() string {
	if s.Content == nil {
		return fmt.Sprintf("cancel(own=%t)", s.IsOurOwn)
	}
	return fmt.Sprintf("cancel(%s, own=%t)", s.Content.Code, s.IsOurOwn)
}

// IsTerminal returns true for the states that a verification never leaves.
func IsTerminal(state State) bool {
	switch state.(type) {
	case StateDone, StateCancel:
		return true
	default:
		return false
	}
}

// SASState is the state of the SAS method inside [StateStart].
type SASState interface {
	fmt.Stringer
	isSASState()
}

// SASOwnStart means we sent the start step.
type SASOwnStart struct{}

// SASTheirStart means the other side sent the start step and we haven't
// accepted it yet.
type SASTheirStart struct{}

// SASAccept means the start was accepted.
type SASAccept struct {
	// IsOurOwn is true if we sent the accept step.
	IsOurOwn bool
}

// SASWaitForKeys means one side has sent its ephemeral key.
type SASWaitForKeys struct {
	// IsOurOwn is true if we sent our key and are waiting for theirs.
	IsOurOwn bool
}

// SASComparisonByUser means both keys are known and the user must compare
// the short authentication strings.
type SASComparisonByUser struct {
	Decimal [3]uint16
	Emojis  [7]sas.Emoji
	// Methods are the SAS methods both sides agreed on showing.
	Methods []event.SASMethod
}

// SASWaitForMACs means the user confirmed a match and we're waiting for the
// other side's MAC.
type SASWaitForMACs struct{}

func (SASOwnStart) isSASState()         {}
func (SASTheirStart) isSASState()       {}
func (SASAccept) isSASState()           {}
func (SASWaitForKeys) isSASState()      {}
func (SASComparisonByUser) isSASState() {}
func (SASWaitForMACs) isSASState()      {}

func (SASOwnStart) String() string    { return "own_start" }
func (SASTheirStart) String() string  { return "their_start" }
func (SASWaitForMACs) String() string { return "wait_for_macs" }

func (s SASAccept) String() string {
	return fmt.Sprintf("accept(own=%t)", s.IsOurOwn)
}

func (s SASWaitForKeys) String() string {
	return fmt.Sprintf("wait_for_keys(own=%t)", s.IsOurOwn)
}

func (s SASComparisonByUser) String() string {
	return fmt.Sprintf("comparison_by_user(%d %d %d)", s.Decimal[0], s.Decimal[1], s.Decimal[2])
}
