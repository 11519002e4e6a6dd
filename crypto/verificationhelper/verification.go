// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verificationhelper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"golang.org/x/exp/slices"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

var (
	ErrNotInState         = errors.New("verification is not in the right state for that")
	ErrVerificationClosed = errors.New("verification is closed")
	ErrNoCommonMethods    = errors.New("no common verification methods")
	ErrUnknownOwnDevice   = errors.New("own device keys are not known")
)

// action is a unit of work that runs on the processing goroutine of a
// verification. Sending a step and handling it locally always happen in the
// same action, so nothing can be processed in between.
type action func(ctx context.Context)

type stepInput struct {
	own    bool
	sender id.UserID
	step   event.VerificationStep
	// raw is the JSON of the step as it was received. It's only needed for
	// the start step, as the commitment is calculated over it.
	raw json.RawMessage
}

type verificationParams struct {
	ownUserID        id.UserID
	ownDeviceID      id.DeviceID
	theirUserID      id.UserID
	theirDeviceID    id.DeviceID
	txnID            id.VerificationTransactionID
	ownRequest       bool
	requestMethods   []event.VerificationMethod
	requestTime      time.Time
	supportedMethods []event.VerificationMethod
	timeout          time.Duration
	transport        stepTransport
	keys             KeyStore
	trust            TrustSink
	// onStopped is called on the processing goroutine after it has stopped.
	onStopped        func(v *Verification)
}

// Verification is a single verification with another device. All steps,
// incoming and outgoing, are processed in order on a dedicated goroutine.
// The methods of Verification are safe to call from any goroutine.
type Verification struct {
	ownUserID        id.UserID
	ownDeviceID      id.DeviceID
	theirUserID      id.UserID
	txnID            id.VerificationTransactionID
	ownRequest       bool
	requestMethods   []event.VerificationMethod
	requestTime      time.Time
	supportedMethods []event.VerificationMethod
	transport        stepTransport
	keys             KeyStore
	trust            TrustSink
	onStopped        func(v *Verification)
	log              zerolog.Logger

	actions    *mailbox[action]
	state      *cell[State]
	seenEvents *exsync.Set[id.EventID]
	ctx        context.Context
	stop       context.CancelFunc
	stopped    chan struct{}
	timer      *time.Timer

	theirDeviceLock sync.RWMutex
	theirDeviceID   id.DeviceID

	answeredAfterCancel atomic.Bool

	// The fields below are only used on the processing goroutine.
	method       *sasMethod
	sentDone     bool
	receivedDone bool
}

func newVerification(ctx context.Context, p verificationParams) *Verification {
	log := zerolog.Ctx(ctx).With().
		Str("component", "verification").
		Stringer("transaction_id", p.txnID).
		Stringer("their_user_id", p.theirUserID).
		Bool("in_room", p.transport.inRoom()).
		Logger()
	var initial State = StateTheirRequest{}
	if p.ownRequest {
		initial = StateOwnRequest{}
	}
	v := &Verification{
		ownUserID:        p.ownUserID,
		ownDeviceID:      p.ownDeviceID,
		theirUserID:      p.theirUserID,
		theirDeviceID:    p.theirDeviceID,
		txnID:            p.txnID,
		ownRequest:       p.ownRequest,
		requestMethods:   p.requestMethods,
		requestTime:      p.requestTime,
		supportedMethods: p.supportedMethods,
		transport:        p.transport,
		keys:             p.keys,
		trust:            p.trust,
		onStopped:        p.onStopped,
		log:              log,

		actions:    newMailbox[action](),
		state:      newCell[State](initial),
		seenEvents: exsync.NewSet[id.EventID](),
		stopped:    make(chan struct{}),
	}
	v.ctx, v.stop = context.WithCancel(log.WithContext(ctx))
	v.timer = time.AfterFunc(time.Until(p.requestTime.Add(p.timeout)), v.onTimeout)
	log.Debug().Stringer("state", initial).Msg("Created verification")
	go v.run()
	return v
}

// run processes actions until the verification is closed or reaches a
// terminal state. Actions that were queued before the terminal state are
// still processed, so steps that were already received can get the single
// reply after a cancellation.
func (v *Verification) run() {
	for {
		act, ok := v.actions.Pop(v.ctx)
		if !ok {
			break
		}
		act(v.ctx)
		if v.IsTerminal() {
			v.actions.Close()
		}
	}
	v.timer.Stop()
	v.destroyMethod()
	v.stop()
	close(v.stopped)
	v.log.Debug().Stringer("state", v.State()).Msg("Verification stopped")
	if v.onStopped != nil {
		v.onStopped(v)
	}
}

// Close stops processing steps and wipes the ephemeral secret. The state
// is left as it was.
func (v *Verification) Close() {
	v.actions.Close()
	v.stop()
	<-v.stopped
}

// Stopped returns a channel that is closed once the verification has
// stopped processing steps, either after reaching a terminal state or after
// being closed.
func (v *Verification) Stopped() <-chan struct{} {
	return v.stopped
}

// TransactionID returns the transaction ID. For in-room verifications, it's
// the event ID of the request.
func (v *Verification) TransactionID() id.VerificationTransactionID {
	return v.txnID
}

func (v *Verification) TheirUserID() id.UserID {
	return v.theirUserID
}

// TheirDeviceID returns the other device. It's empty until a device accepts
// our request.
func (v *Verification) TheirDeviceID() id.DeviceID {
	v.theirDeviceLock.RLock()
	defer v.theirDeviceLock.RUnlock()
	return v.theirDeviceID
}

func (v *Verification) setTheirDeviceID(deviceID id.DeviceID) {
	v.theirDeviceLock.Lock()
	v.theirDeviceID = deviceID
	v.theirDeviceLock.Unlock()
}

func (v *Verification) IsInRoom() bool {
	return v.transport.inRoom()
}

// IsOwnRequest returns true if we sent the request.
func (v *Verification) IsOwnRequest() bool {
	return v.ownRequest
}

func (v *Verification) State() State {
	return v.state.Get()
}

func (v *Verification) IsTerminal() bool {
	return IsTerminal(v.state.Get())
}

// StateChanged returns a channel that is closed on the next state change.
func (v *Verification) StateChanged() <-chan struct{} {
	return v.state.Changed()
}

// WaitForState blocks until the predicate matches the current state.
func (v *Verification) WaitForState(ctx context.Context, predicate func(State) bool) (State, error) {
	return v.state.Wait(ctx, predicate)
}

func (v *Verification) do(ctx context.Context, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	if !v.actions.Push(func(ctx context.Context) { result <- fn(ctx) }) {
		return v.closedError()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-v.stopped:
		// The action may have been the one that finished the verification.
		select {
		case err := <-result:
			return err
		default:
			return v.closedError()
		}
	}
}

func (v *Verification) closedError() error {
	if state := v.state.Get(); IsTerminal(state) {
		return fmt.Errorf("%w: verification is already %s", ErrNotInState, state)
	}
	return ErrVerificationClosed
}

func (v *Verification) pushInbound(ctx context.Context, sender id.UserID, step event.VerificationStep, raw json.RawMessage, eventID id.EventID) {
	queued := v.actions.Push(func(ctx context.Context) {
		if eventID != "" && !v.seenEvents.Add(eventID) {
			return
		}
		v.handleStep(ctx, stepInput{sender: sender, step: step, raw: raw})
	})
	if !queued && (eventID == "" || v.seenEvents.Add(eventID)) {
		v.replyAfterCancel(ctx, step)
	}
}

// replyAfterCancel answers a step that arrived after the verification was
// cancelled. At most one reply is sent per verification.
func (v *Verification) replyAfterCancel(ctx context.Context, step event.VerificationStep) {
	if _, isCancel := step.(*event.VerificationCancelEventContent); isCancel {
		return
	} else if _, cancelled := v.state.Get().(StateCancel); !cancelled {
		return
	} else if !v.answeredAfterCancel.CompareAndSwap(false, true) {
		return
	}
	content := &event.VerificationCancelEventContent{
		Code:   event.VerificationCancelCodeUnexpectedMessage,
		Reason: "The verification was already cancelled.",
	}
	if err := v.transport.send(ctx, content); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to reply to step after cancellation")
	}
}

// pushOtherDeviceAccepted is called when another device of our own user
// accepted the request in the room.
func (v *Verification) pushOtherDeviceAccepted(eventID id.EventID) {
	v.actions.Push(func(ctx context.Context) {
		if !v.seenEvents.Add(eventID) {
			return
		}
		if _, ok := v.state.Get().(StateTheirRequest); ok {
			v.setState(ctx, StateAcceptedByOtherDevice{})
		}
	})
}

// pushOwnUserCancel is called when a device of our own user cancelled the
// verification in the room.
func (v *Verification) pushOwnUserCancel(content *event.VerificationCancelEventContent, eventID id.EventID) {
	v.actions.Push(func(ctx context.Context) {
		if !v.seenEvents.Add(eventID) || v.IsTerminal() {
			return
		}
		v.setState(ctx, StateCancel{Content: content, IsOurOwn: true})
	})
}

func (v *Verification) onTimeout() {
	v.actions.Push(func(ctx context.Context) {
		switch v.state.Get().(type) {
		case StateDone, StateCancel:
			return
		case StateAcceptedByOtherDevice:
			v.log.Debug().Msg("Request that was accepted by another device expired")
			v.actions.Close()
			return
		}
		v.log.Info().Msg("Verification timed out")
		v.cancel(ctx, event.VerificationCancelCodeTimeout, "The verification timed out.")
	})
}

func (v *Verification) setState(ctx context.Context, state State) {
	v.state.Set(state)
	zerolog.Ctx(ctx).Debug().Stringer("state", state).Msg("Verification state changed")
	if IsTerminal(state) {
		v.timer.Stop()
		v.destroyMethod()
	}
}

func (v *Verification) destroyMethod() {
	if v.method != nil {
		v.method.secret.Destroy()
	}
}

// sendAndHandle sends one of our own steps and then processes it as if it
// had been received.
func (v *Verification) sendAndHandle(ctx context.Context, step event.VerificationStep) error {
	if err := v.transport.send(ctx, step); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to send verification step")
		return err
	}
	v.handleStep(ctx, stepInput{own: true, sender: v.ownUserID, step: step})
	return nil
}

// queueOwnStep sends a step in a separate action after the current one.
func (v *Verification) queueOwnStep(build func(ctx context.Context) (event.VerificationStep, error)) {
	v.actions.Push(func(ctx context.Context) {
		if v.IsTerminal() {
			return
		}
		step, err := build(ctx)
		if err != nil {
			zerolog.Ctx(ctx).Err(err).Msg("Failed to build verification step")
			v.cancel(ctx, event.VerificationCancelCodeUser, "Internal error")
			return
		}
		if err = v.sendAndHandle(ctx, step); err != nil {
			v.cancel(ctx, event.VerificationCancelCodeUser, "Failed to send verification step")
		}
	})
}

// cancel sends a cancellation to the other side and moves to the cancelled
// state even if sending fails.
func (v *Verification) cancel(ctx context.Context, code event.VerificationCancelCode, reason string) {
	content := &event.VerificationCancelEventContent{Code: code, Reason: reason}
	if err := v.transport.send(ctx, content); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to send verification cancellation")
	}
	v.setState(ctx, StateCancel{Content: content, IsOurOwn: true})
}

func (v *Verification) unexpected(ctx context.Context, reason string) {
	zerolog.Ctx(ctx).Warn().Str("reason", reason).Msg("Cancelling verification after unexpected step")
	v.cancel(ctx, event.VerificationCancelCodeUnexpectedMessage, reason)
}

func stepFromDevice(step event.VerificationStep) id.DeviceID {
	switch typedStep := step.(type) {
	case *event.VerificationReadyEventContent:
		return typedStep.FromDevice
	case *event.VerificationStartEventContent:
		return typedStep.FromDevice
	default:
		return ""
	}
}

func (v *Verification) isFromThem(in stepInput) bool {
	if in.sender != v.theirUserID {
		return false
	}
	fromDevice := stepFromDevice(in.step)
	theirDevice := v.TheirDeviceID()
	return fromDevice == "" || theirDevice == "" || fromDevice == theirDevice
}

func (v *Verification) handleStep(ctx context.Context, in stepInput) {
	log := zerolog.Ctx(ctx).With().
		Str("step_type", in.step.StepType(v.transport.inRoom()).Type).
		Bool("own_step", in.own).
		Logger()
	ctx = log.WithContext(ctx)
	current := v.state.Get()
	log.Trace().Stringer("state", current).Msg("Handling verification step")

	_, isCancel := in.step.(*event.VerificationCancelEventContent)
	switch current.(type) {
	case StateDone:
		log.Debug().Msg("Ignoring step after verification was completed")
		return
	case StateCancel:
		if !in.own {
			v.replyAfterCancel(ctx, in.step)
		}
		return
	}
	if !in.own && !v.isFromThem(in) {
		v.unexpected(ctx, "The step was sent by an unexpected user or device.")
		return
	}
	if isCancel {
		v.setState(ctx, StateCancel{Content: in.step.(*event.VerificationCancelEventContent), IsOurOwn: in.own})
		return
	}

	switch state := current.(type) {
	case StateOwnRequest:
		v.handleInOwnRequest(ctx, in)
	case StateTheirRequest:
		v.handleInTheirRequest(ctx, in)
	case StateAcceptedByOtherDevice:
		log.Debug().Msg("Ignoring step for request that was accepted by another device")
	case StateReady:
		v.handleInReady(ctx, state, in)
	case StateStart:
		v.handleInStart(ctx, state, in)
	case StateWaitForDone:
		v.handleInWaitForDone(ctx, in)
	default:
		log.Error().Stringer("state", current).Msg("Verification is in an unknown state")
	}
}

func intersectMethods(a, b []event.VerificationMethod) []event.VerificationMethod {
	var out []event.VerificationMethod
	for _, method := range a {
		if slices.Contains(b, method) && !slices.Contains(out, method) {
			out = append(out, method)
		}
	}
	return out
}

func (v *Verification) handleInOwnRequest(ctx context.Context, in stepInput) {
	ready, ok := in.step.(*event.VerificationReadyEventContent)
	if !ok || in.own {
		v.unexpected(ctx, "Expected a ready step.")
		return
	}
	methods := intersectMethods(v.requestMethods, ready.Methods)
	if len(methods) == 0 {
		v.cancel(ctx, event.VerificationCancelCodeUnknownMethod, "No common verification methods.")
		return
	}
	v.setTheirDeviceID(ready.FromDevice)
	v.transport.selectDevice(ctx, ready.FromDevice)
	v.setState(ctx, StateReady{Methods: methods})
}

func (v *Verification) handleInTheirRequest(ctx context.Context, in stepInput) {
	ready, ok := in.step.(*event.VerificationReadyEventContent)
	if !ok || !in.own {
		v.unexpected(ctx, "The request hasn't been accepted yet.")
		return
	}
	v.setState(ctx, StateReady{Methods: intersectMethods(v.requestMethods, ready.Methods)})
}

func (v *Verification) handleInReady(ctx context.Context, state StateReady, in stepInput) {
	start, ok := in.step.(*event.VerificationStartEventContent)
	if !ok {
		v.unexpected(ctx, "Expected a start step.")
		return
	}
	if start.Method != event.VerificationMethodSAS || !slices.Contains(state.Methods, start.Method) {
		v.cancel(ctx, event.VerificationCancelCodeUnknownMethod, fmt.Sprintf("Unsupported verification method %s.", start.Method))
		return
	}
	v.startMethod(ctx, in, start)
}

func (v *Verification) handleInStart(ctx context.Context, state StateStart, in stepInput) {
	switch step := in.step.(type) {
	case *event.VerificationStartEventContent:
		switch state.Method.(type) {
		case SASOwnStart, SASTheirStart:
		default:
			v.unexpected(ctx, "The verification was already started.")
			return
		}
		senderUser, senderDevice := in.sender, step.FromDevice
		if in.own {
			senderUser, senderDevice = v.ownUserID, v.ownDeviceID
		}
		if !startWins(senderUser, senderDevice, state.SenderUserID, state.SenderDeviceID) {
			zerolog.Ctx(ctx).Debug().
				Stringer("sender_user_id", senderUser).
				Stringer("sender_device_id", senderDevice).
				Msg("Dropping start step that lost the tie-break")
			return
		}
		if step.Method != event.VerificationMethodSAS {
			v.cancel(ctx, event.VerificationCancelCodeUnknownMethod, fmt.Sprintf("Unsupported verification method %s.", step.Method))
			return
		}
		zerolog.Ctx(ctx).Debug().Msg("Replacing start step after winning the tie-break")
		v.destroyMethod()
		v.method = nil
		v.startMethod(ctx, in, step)
	case *event.VerificationAcceptEventContent:
		v.handleSASAccept(ctx, in, step)
	case *event.VerificationKeyEventContent:
		v.handleSASKey(ctx, in, step)
	case *event.VerificationMACEventContent:
		v.handleSASMAC(ctx, in, step)
	case *event.VerificationDoneEventContent:
		if in.own || v.method.theirMAC == nil {
			v.unexpected(ctx, "The verification isn't finished yet.")
			return
		}
		v.receivedDone = true
	default:
		v.unexpected(ctx, "Unexpected step while the verification is running.")
	}
}

func (v *Verification) handleInWaitForDone(ctx context.Context, in stepInput) {
	if _, ok := in.step.(*event.VerificationDoneEventContent); !ok {
		v.unexpected(ctx, "Expected a done step.")
		return
	}
	if in.own {
		v.sentDone = true
	} else {
		v.receivedDone = true
	}
	if v.sentDone && v.receivedDone {
		zerolog.Ctx(ctx).Info().Msg("Verification completed")
		v.setState(ctx, StateDone{})
	}
}

// startWins returns true if a start step from the candidate replaces the one
// from the current sender. The lexicographically smaller user ID wins, or
// the smaller device ID if the users are the same.
func startWins(candidateUser id.UserID, candidateDevice id.DeviceID, currentUser id.UserID, currentDevice id.DeviceID) bool {
	if candidateUser != currentUser {
		return candidateUser < currentUser
	}
	return candidateDevice < currentDevice
}

// Accept accepts the request from the other side by sending a ready step.
// If none of the requested methods are supported, the verification is
// cancelled instead.
func (v *Verification) Accept(ctx context.Context) error {
	return v.do(ctx, func(ctx context.Context) error {
		if _, ok := v.state.Get().(StateTheirRequest); !ok {
			return fmt.Errorf("%w: can't accept in state %s", ErrNotInState, v.state.Get())
		}
		if len(intersectMethods(v.requestMethods, v.supportedMethods)) == 0 {
			v.cancel(ctx, event.VerificationCancelCodeUnknownMethod, "No common verification methods.")
			return nil
		}
		return v.sendAndHandle(ctx, &event.VerificationReadyEventContent{
			FromDevice: v.ownDeviceID,
			Methods:    v.supportedMethods,
		})
	})
}

// Cancel cancels the verification with the m.user code. It does nothing if
// the verification has already finished.
func (v *Verification) Cancel(ctx context.Context) error {
	err := v.do(ctx, func(ctx context.Context) error {
		if !v.IsTerminal() {
			v.cancel(ctx, event.VerificationCancelCodeUser, "The user cancelled the verification.")
		}
		return nil
	})
	if errors.Is(err, ErrNotInState) {
		return nil
	}
	return err
}

// cancelAsync queues a cancellation without waiting for it to be sent.
func (v *Verification) cancelAsync(code event.VerificationCancelCode, reason string) {
	v.actions.Push(func(ctx context.Context) {
		if !v.IsTerminal() {
			v.cancel(ctx, code, reason)
		}
	})
}
