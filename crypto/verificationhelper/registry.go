// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verificationhelper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"go.mau.fi/util/jsontime"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/format"
	"maunium.net/go/mxverify/id"
)

const (
	// DefaultTimeout is how long a verification can run after the request
	// was sent.
	DefaultTimeout = 10 * time.Minute
	// DefaultFutureTolerance is how far in the future the timestamp of a
	// request can be before the request is ignored.
	DefaultFutureTolerance = 5 * time.Minute
)

const requestFallback = "%s is requesting to verify your key, but your client does not support in-chat key verification. You will need to use legacy key verification to verify keys."

var (
	ErrAlreadyActive      = errors.New("a device verification is already in progress")
	ErrNoDevices          = errors.New("no devices to send the verification request to")
	ErrRegistryNotStarted = errors.New("registry hasn't been started")
)

// Registry routes verification events to the right [Verification]. It holds
// at most one device verification at a time, and any number of in-room user
// verifications keyed by the event ID of the request.
//
// Verifications that have finished are kept until their request expires, so
// that late steps still get a reply, and are forgotten after that.
type Registry struct {
	client      Transport
	keys        KeyStore
	trust       TrustSink
	ownUserID   id.UserID
	ownDeviceID id.DeviceID
	log         zerolog.Logger

	// SupportedMethods are the verification methods sent in requests and
	// ready steps.
	SupportedMethods []event.VerificationMethod
	Timeout          time.Duration
	FutureTolerance  time.Duration
	// OnIncomingVerification is called on the dispatch goroutine when a
	// verification is created for a request from someone else.
	OnIncomingVerification func(ctx context.Context, verification *Verification)

	actions           *mailbox[action]
	activeDevice      *cell[*Verification]
	finishedDevices   *xsync.MapOf[id.VerificationTransactionID, *Verification]
	userVerifications *xsync.MapOf[id.EventID, *Verification]
	sentEventIDs      *exsync.Set[id.EventID]
	ctx               context.Context
	stop              context.CancelFunc
	stopped           chan struct{}
}

func NewRegistry(client Transport, keys KeyStore, trust TrustSink, ownUserID id.UserID, ownDeviceID id.DeviceID) *Registry {
	return &Registry{
		client:      client,
		keys:        keys,
		trust:       trust,
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,

		SupportedMethods: []event.VerificationMethod{event.VerificationMethodSAS},
		Timeout:          DefaultTimeout,
		FutureTolerance:  DefaultFutureTolerance,

		actions:           newMailbox[action](),
		activeDevice:      newCell[*Verification](nil),
		finishedDevices:   xsync.NewMapOf[id.VerificationTransactionID, *Verification](),
		userVerifications: xsync.NewMapOf[id.EventID, *Verification](),
		sentEventIDs:      exsync.NewSet[id.EventID](),
		stopped:           make(chan struct{}),
	}
}

// Init starts the dispatch goroutine. The context is used as the parent
// context of every verification.
func (r *Registry) Init(ctx context.Context) {
	r.log = zerolog.Ctx(ctx).With().
		Str("component", "verification registry").
		Stringer("own_device_id", r.ownDeviceID).
		Logger()
	r.ctx, r.stop = context.WithCancel(r.log.WithContext(ctx))
	go r.run()
}

func (r *Registry) run() {
	defer close(r.stopped)
	for {
		act, ok := r.actions.Pop(r.ctx)
		if !ok {
			return
		}
		act(r.ctx)
	}
}

// Close stops the registry and every verification in it.
func (r *Registry) Close() {
	r.actions.Close()
	if r.stop != nil {
		r.stop()
		<-r.stopped
	}
	if active := r.activeDevice.Get(); active != nil {
		active.Close()
	}
	r.userVerifications.Range(func(_ id.EventID, verification *Verification) bool {
		verification.Close()
		return true
	})
}

func (r *Registry) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.ctx == nil {
		return ErrRegistryNotStarted
	}
	result := make(chan error, 1)
	if !r.actions.Push(func(ctx context.Context) { result <- fn(ctx) }) {
		return ErrVerificationClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrVerificationClosed
	}
}

// Flush waits until every event that was queued before the call has been
// dispatched.
func (r *Registry) Flush(ctx context.Context) error {
	return r.do(ctx, func(context.Context) error { return nil })
}

// ActiveDeviceVerification returns the current device verification, or nil
// if there is none. A verification stays active after reaching a terminal
// state until it has stopped processing steps.
func (r *Registry) ActiveDeviceVerification() *Verification {
	return r.activeDevice.Get()
}

// ActiveDeviceVerificationChanged returns a channel that is closed when the
// active device verification is replaced.
func (r *Registry) ActiveDeviceVerificationChanged() <-chan struct{} {
	return r.activeDevice.Changed()
}

// WaitForActiveDeviceVerification blocks until the predicate matches the
// active device verification.
func (r *Registry) WaitForActiveDeviceVerification(ctx context.Context, predicate func(*Verification) bool) (*Verification, error) {
	return r.activeDevice.Wait(ctx, predicate)
}

// CachedUserVerification returns the user verification for the given
// request if it has already been loaded.
func (r *Registry) CachedUserVerification(requestID id.EventID) *Verification {
	verification, _ := r.userVerifications.Load(requestID)
	return verification
}

func (r *Registry) isRequestActive(ts time.Time) bool {
	age := time.Since(ts)
	return age < r.Timeout && -age <= r.FutureTolerance
}

func (r *Registry) newVerification(ctx context.Context, p verificationParams) *Verification {
	p.ownUserID = r.ownUserID
	p.ownDeviceID = r.ownDeviceID
	p.supportedMethods = r.SupportedMethods
	p.timeout = r.Timeout
	p.keys = r.keys
	p.trust = r.trust
	p.onStopped = r.verificationStopped
	return newVerification(ctx, p)
}

// verificationStopped is called by a verification after it has stopped.
func (r *Registry) verificationStopped(verification *Verification) {
	r.actions.Push(func(ctx context.Context) {
		expiry := verification.requestTime.Add(r.Timeout)
		if verification.IsInRoom() {
			time.AfterFunc(time.Until(expiry), func() {
				r.actions.Push(func(ctx context.Context) {
					requestID := id.EventID(verification.TransactionID())
					if cached, _ := r.userVerifications.Load(requestID); cached == verification {
						r.userVerifications.Delete(requestID)
					}
				})
			})
			return
		}
		txnID := verification.TransactionID()
		if r.activeDevice.Get() == verification {
			r.activeDevice.Set(nil)
		}
		r.finishedDevices.Store(txnID, verification)
		time.AfterFunc(time.Until(expiry), func() {
			r.actions.Push(func(ctx context.Context) {
				if cached, _ := r.finishedDevices.Load(txnID); cached == verification {
					r.finishedDevices.Delete(txnID)
				}
			})
		})
	})
}

// StartDeviceVerification sends a to-device request to the given devices of
// the user. If no devices are given, the request is sent to every known
// device of the user except our own.
func (r *Registry) StartDeviceVerification(ctx context.Context, userID id.UserID, deviceIDs ...id.DeviceID) (verification *Verification, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		if active := r.activeDevice.Get(); active != nil && !active.IsTerminal() {
			return ErrAlreadyActive
		}
		if len(deviceIDs) == 0 {
			devices, err := r.keys.GetDevices(ctx, userID)
			if err != nil {
				return fmt.Errorf("failed to get devices of %s: %w", userID, err)
			}
			for deviceID, device := range devices {
				if device.Deleted || (userID == r.ownUserID && deviceID == r.ownDeviceID) {
					continue
				}
				deviceIDs = append(deviceIDs, deviceID)
			}
		}
		if len(deviceIDs) == 0 {
			return ErrNoDevices
		}

		txnID := id.NewVerificationTransactionID()
		now := time.Now()
		content := &event.VerificationRequestEventContent{
			FromDevice: r.ownDeviceID,
			Methods:    r.SupportedMethods,
			Timestamp:  jsontime.UM(now),
		}
		content.SetTransactionKey(txnID, false)
		var sentTo []id.DeviceID
		var errs []error
		for _, deviceID := range deviceIDs {
			if err := sendToDevice(ctx, r.client, userID, deviceID, event.ToDeviceVerificationRequest, content); err != nil {
				errs = append(errs, err)
			} else {
				sentTo = append(sentTo, deviceID)
			}
		}
		if len(sentTo) == 0 {
			return errors.Join(errs...)
		}
		zerolog.Ctx(ctx).Info().
			Stringer("transaction_id", txnID).
			Stringer("user_id", userID).
			Any("device_ids", sentTo).
			Msg("Sent device verification request")
		verification = r.newVerification(ctx, verificationParams{
			theirUserID:    userID,
			txnID:          txnID,
			ownRequest:     true,
			requestMethods: r.SupportedMethods,
			requestTime:    now,
			transport: &toDeviceTransport{
				client:           r.client,
				txnID:            txnID,
				theirUserID:      userID,
				requestedDevices: sentTo,
			},
		})
		r.activeDevice.Set(verification)
		return nil
	})
	return
}

// StartUserVerification sends an in-room verification request to the user.
func (r *Registry) StartUserVerification(ctx context.Context, roomID id.RoomID, userID id.UserID) (verification *Verification, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		content := &event.MessageEventContent{
			MsgType:       event.MsgVerificationRequest,
			Body:          fmt.Sprintf(requestFallback, r.ownUserID),
			Format:        event.FormatHTML,
			FormattedBody: format.RenderMarkdown(fmt.Sprintf(requestFallback, format.SafeMarkdownCode(r.ownUserID))),
			To:            userID,
			FromDevice:    r.ownDeviceID,
			Methods:       r.SupportedMethods,
		}
		eventID, err := r.client.SendRoomEvent(ctx, roomID, event.EventMessage, content)
		if err != nil {
			return fmt.Errorf("failed to send verification request: %w", err)
		}
		r.sentEventIDs.Add(eventID)
		txnID := id.VerificationTransactionID(eventID)
		zerolog.Ctx(ctx).Info().
			Stringer("transaction_id", txnID).
			Stringer("user_id", userID).
			Stringer("room_id", roomID).
			Msg("Sent in-room verification request")
		verification = r.newVerification(ctx, verificationParams{
			theirUserID:    userID,
			txnID:          txnID,
			ownRequest:     true,
			requestMethods: r.SupportedMethods,
			requestTime:    time.Now(),
			transport:      r.newRoomTransport(roomID, txnID),
		})
		r.userVerifications.Store(eventID, verification)
		return nil
	})
	return
}

// GetUserVerification returns the in-room verification for the given
// request event. If it hasn't been loaded yet, the request and the events
// referencing it are fetched and replayed. It returns nil if the event is
// not an active request addressed to us.
func (r *Registry) GetUserVerification(ctx context.Context, roomID id.RoomID, requestID id.EventID) (verification *Verification, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		verification = r.loadUserVerification(ctx, roomID, requestID, nil)
		return nil
	})
	return
}

func (r *Registry) newRoomTransport(roomID id.RoomID, txnID id.VerificationTransactionID) *roomTransport {
	return &roomTransport{
		client: r.client,
		roomID: roomID,
		txnID:  txnID,
		onSent: func(eventID id.EventID) {
			r.sentEventIDs.Add(eventID)
		},
	}
}

// HandleToDeviceEvent queues a to-device event for dispatching. Events that
// aren't verification events are ignored.
func (r *Registry) HandleToDeviceEvent(ctx context.Context, evt *event.Event) {
	r.actions.Push(func(ctx context.Context) {
		r.dispatchToDevice(ctx, evt)
	})
}

// HandleRoomEvent queues a room event for dispatching. Events that aren't
// verification requests or verification steps are ignored.
func (r *Registry) HandleRoomEvent(ctx context.Context, evt *event.Event) {
	r.actions.Push(func(ctx context.Context) {
		r.dispatchRoom(ctx, evt)
	})
}

func (r *Registry) dispatchToDevice(ctx context.Context, evt *event.Event) {
	if !evt.Type.IsVerification() {
		return
	}
	evt.Type.Class = event.ToDeviceEventType
	log := zerolog.Ctx(ctx).With().
		Stringer("sender", evt.Sender).
		Str("event_type", evt.Type.Type).
		Logger()
	ctx = log.WithContext(ctx)
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		log.Warn().Err(err).Msg("Failed to parse verification event")
		return
	}
	if evt.Type == event.ToDeviceVerificationRequest {
		r.handleDeviceRequest(ctx, evt.Sender, evt.Content.AsVerificationRequest())
		return
	}
	step, ok := evt.Content.AsVerificationStep()
	if !ok {
		return
	}
	txnID := step.GetTransaction().TransactionID
	if txnID == "" {
		log.Warn().Msg("Dropping verification step without transaction ID")
		return
	}
	if active := r.activeDevice.Get(); active != nil && active.TransactionID() == txnID {
		active.pushInbound(ctx, evt.Sender, step, evt.Content.VeryRaw, "")
		return
	} else if finished, ok := r.finishedDevices.Load(txnID); ok {
		finished.pushInbound(ctx, evt.Sender, step, evt.Content.VeryRaw, "")
		return
	}
	if _, isCancel := step.(*event.VerificationCancelEventContent); isCancel {
		log.Debug().Stringer("transaction_id", txnID).Msg("Ignoring cancellation of unknown transaction")
		return
	}
	log.Info().Stringer("transaction_id", txnID).Msg("Cancelling step of unknown transaction")
	deviceID := stepFromDevice(step)
	if deviceID == "" {
		deviceID = allDevices
	}
	r.sendDeviceCancel(ctx, evt.Sender, deviceID, txnID, event.VerificationCancelCodeUnknownTransaction, "Unknown transaction.")
}

func (r *Registry) sendDeviceCancel(ctx context.Context, userID id.UserID, deviceID id.DeviceID, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) {
	content := &event.VerificationCancelEventContent{Code: code, Reason: reason}
	content.SetTransactionKey(txnID, false)
	if err := sendToDevice(ctx, r.client, userID, deviceID, event.ToDeviceVerificationCancel, content); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to send verification cancellation")
	}
}

func (r *Registry) handleDeviceRequest(ctx context.Context, sender id.UserID, request *event.VerificationRequestEventContent) {
	log := zerolog.Ctx(ctx).With().
		Stringer("transaction_id", request.TransactionID).
		Stringer("from_device", request.FromDevice).
		Logger()
	if sender == r.ownUserID && request.FromDevice == r.ownDeviceID {
		return
	} else if request.TransactionID == "" || request.FromDevice == "" {
		log.Warn().Msg("Dropping malformed verification request")
		return
	} else if !r.isRequestActive(request.Timestamp.Time) {
		log.Info().Time("request_ts", request.Timestamp.Time).Msg("Ignoring expired verification request")
		return
	}

	if _, finished := r.finishedDevices.Load(request.TransactionID); finished {
		log.Debug().Msg("Ignoring request of finished verification")
		return
	}
	if active := r.activeDevice.Get(); active != nil && !active.IsTerminal() {
		if active.TransactionID() == request.TransactionID {
			log.Debug().Msg("Ignoring duplicate verification request")
			return
		}
		// The other devices of the sender get told that the request was
		// handled here whether or not it wins against the active one.
		r.cancelOtherDevices(ctx, sender, request.FromDevice, request.TransactionID)
		initiatorUserID, initiatorDeviceID := active.TheirUserID(), active.TheirDeviceID()
		if active.IsOwnRequest() {
			initiatorUserID, initiatorDeviceID = r.ownUserID, r.ownDeviceID
		}
		if !startWins(sender, request.FromDevice, initiatorUserID, initiatorDeviceID) {
			log.Info().
				Stringer("active_transaction_id", active.TransactionID()).
				Msg("Rejecting verification request as another one is in progress")
			r.sendDeviceCancel(ctx, sender, request.FromDevice, request.TransactionID,
				event.VerificationCancelCodeUser, "Another verification is already in progress.")
			return
		}
		log.Info().
			Stringer("active_transaction_id", active.TransactionID()).
			Msg("Replacing active verification with new request")
		// The replaced verification stops by itself once the cancellation
		// has been sent.
		active.cancelAsync(event.VerificationCancelCodeUser, "The verification was superseded by another request.")
	}

	log.Info().Stringer("user_id", sender).Msg("Received device verification request")
	verification := r.newVerification(ctx, verificationParams{
		theirUserID:    sender,
		theirDeviceID:  request.FromDevice,
		txnID:          request.TransactionID,
		requestMethods: request.Methods,
		requestTime:    request.Timestamp.Time,
		transport: &toDeviceTransport{
			client:        r.client,
			txnID:         request.TransactionID,
			theirUserID:   sender,
			theirDeviceID: request.FromDevice,
		},
	})
	r.activeDevice.Set(verification)
	if r.OnIncomingVerification != nil {
		r.OnIncomingVerification(ctx, verification)
	}
}

// cancelOtherDevices tells the other known devices of the user that the
// request is being handled with one specific device.
func (r *Registry) cancelOtherDevices(ctx context.Context, userID id.UserID, deviceID id.DeviceID, txnID id.VerificationTransactionID) {
	devices, err := r.keys.GetDevices(ctx, userID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to get devices to cancel request on")
		return
	}
	for otherDeviceID := range devices {
		if otherDeviceID == deviceID || (userID == r.ownUserID && otherDeviceID == r.ownDeviceID) {
			continue
		}
		r.sendDeviceCancel(ctx, userID, otherDeviceID, txnID,
			event.VerificationCancelCodeAccepted, "The verification was accepted on another device.")
	}
}

func (r *Registry) dispatchRoom(ctx context.Context, evt *event.Event) {
	log := zerolog.Ctx(ctx).With().
		Stringer("room_id", evt.RoomID).
		Stringer("event_id", evt.ID).
		Stringer("sender", evt.Sender).
		Logger()
	ctx = log.WithContext(ctx)
	if evt.Type.Type == event.EventMessage.Type {
		evt.Type.Class = event.MessageEventType
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			log.Trace().Err(err).Msg("Failed to parse message event")
			return
		}
		msg := evt.Content.AsMessage()
		if !msg.IsVerificationRequest() || evt.Sender == r.ownUserID || msg.To != r.ownUserID {
			return
		}
		r.loadUserVerification(ctx, evt.RoomID, evt.ID, evt)
		return
	} else if !evt.Type.IsVerification() {
		return
	}

	evt.Type.Class = event.MessageEventType
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		log.Warn().Err(err).Msg("Failed to parse verification event")
		return
	}
	step, ok := evt.Content.AsVerificationStep()
	if !ok {
		return
	}
	requestID := step.GetTransaction().RelatesTo.GetReferenceID()
	if requestID == "" || r.sentEventIDs.Has(evt.ID) {
		return
	}
	verification := r.loadUserVerification(ctx, evt.RoomID, requestID, nil)
	if verification != nil {
		r.routeRoomStep(ctx, verification, evt, step)
	}
}

func (r *Registry) routeRoomStep(ctx context.Context, verification *Verification, evt *event.Event, step event.VerificationStep) {
	if evt.Sender != r.ownUserID {
		verification.pushInbound(ctx, evt.Sender, step, evt.Content.VeryRaw, evt.ID)
		return
	} else if r.sentEventIDs.Has(evt.ID) {
		return
	}
	switch typedStep := step.(type) {
	case *event.VerificationReadyEventContent:
		if typedStep.FromDevice != r.ownDeviceID {
			verification.pushOtherDeviceAccepted(evt.ID)
		}
	case *event.VerificationCancelEventContent:
		verification.pushOwnUserCancel(typedStep, evt.ID)
	}
}

// loadUserVerification returns the cached verification for the request, or
// creates one by fetching the request and replaying the events that
// reference it. It must only be called on the dispatch goroutine.
func (r *Registry) loadUserVerification(ctx context.Context, roomID id.RoomID, requestID id.EventID, requestEvt *event.Event) *Verification {
	if verification, ok := r.userVerifications.Load(requestID); ok {
		return verification
	}
	log := zerolog.Ctx(ctx).With().Stringer("request_id", requestID).Logger()
	var err error
	if requestEvt == nil {
		requestEvt, err = r.client.GetEvent(ctx, roomID, requestID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to fetch verification request event")
			return nil
		}
	}
	if requestEvt.Content.Parsed == nil {
		requestEvt.Type.Class = event.MessageEventType
		if err = requestEvt.Content.ParseRaw(requestEvt.Type); err != nil {
			log.Debug().Err(err).Msg("Referenced event is not a verification request")
			return nil
		}
	}
	request := requestEvt.Content.AsMessage()
	if !request.IsVerificationRequest() || requestEvt.Sender == r.ownUserID || request.To != r.ownUserID {
		return nil
	} else if !r.isRequestActive(requestEvt.GetTimestamp()) {
		log.Debug().Time("request_ts", requestEvt.GetTimestamp()).Msg("Ignoring expired in-room verification request")
		return nil
	}

	txnID := id.VerificationTransactionID(requestID)
	verification, _ := r.userVerifications.LoadOrCompute(requestID, func() *Verification {
		return r.newVerification(ctx, verificationParams{
			theirUserID:    requestEvt.Sender,
			theirDeviceID:  request.FromDevice,
			txnID:          txnID,
			requestMethods: request.Methods,
			requestTime:    requestEvt.GetTimestamp(),
			transport:      r.newRoomTransport(roomID, txnID),
		})
	})
	log.Info().Stringer("user_id", requestEvt.Sender).Msg("Loaded in-room verification request")

	related, err := r.client.GetRelatedEvents(ctx, roomID, requestID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch events related to verification request")
	}
	for _, evt := range related {
		if !evt.Type.IsVerification() || r.sentEventIDs.Has(evt.ID) {
			continue
		}
		evt.Type.Class = event.MessageEventType
		if err = evt.Content.ParseRaw(evt.Type); err != nil {
			log.Warn().Err(err).Stringer("event_id", evt.ID).Msg("Failed to parse related verification event")
			continue
		}
		if step, ok := evt.Content.AsVerificationStep(); ok {
			r.routeRoomStep(ctx, verification, evt, step)
		}
	}
	if r.OnIncomingVerification != nil {
		r.OnIncomingVerification(ctx, verification)
	}
	return verification
}
