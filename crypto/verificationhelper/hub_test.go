// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verificationhelper_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"maunium.net/go/mxverify/crypto/keystore"
	"maunium.net/go/mxverify/crypto/verificationhelper"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

func init() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger().Level(zerolog.TraceLevel)
	zerolog.DefaultContextLogger = &log.Logger
}

var errEncryptionUnavailable = errors.New("encryption unavailable")

const testRoomID id.RoomID = "!verification:example.com"

type hubEvent struct {
	sender  id.UserID
	evtType string
	roomID  id.RoomID
	eventID id.EventID
	ts      int64
	raw     json.RawMessage
}

func (he *hubEvent) toEvent(class event.TypeClass) *event.Event {
	return &event.Event{
		Sender:    he.sender,
		Type:      event.Type{Type: he.evtType, Class: class},
		Timestamp: he.ts,
		ID:        he.eventID,
		RoomID:    he.roomID,
		Content:   event.Content{VeryRaw: bytes.Clone(he.raw)},
	}
}

// hub delivers events between the registries of the test parties.
type hub struct {
	lock          sync.Mutex
	parties       []*party
	timeline      []*hubEvent
	failEncrypted atomic.Bool
}

func newHub() *hub {
	return &hub{}
}

func (h *hub) targets(userID id.UserID, deviceID id.DeviceID) []*party {
	h.lock.Lock()
	defer h.lock.Unlock()
	var out []*party
	for _, p := range h.parties {
		if p.userID == userID && (deviceID == "*" || p.deviceID == deviceID) {
			out = append(out, p)
		}
	}
	return out
}

func (h *hub) allParties() []*party {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]*party(nil), h.parties...)
}

func (h *hub) appendRoomEvent(sender id.UserID, roomID id.RoomID, evtType string, raw json.RawMessage) *hubEvent {
	h.lock.Lock()
	defer h.lock.Unlock()
	evt := &hubEvent{
		sender:  sender,
		evtType: evtType,
		roomID:  roomID,
		eventID: id.EventID(fmt.Sprintf("$event%d", len(h.timeline)+1)),
		ts:      time.Now().UnixMilli(),
		raw:     raw,
	}
	h.timeline = append(h.timeline, evt)
	return evt
}

type sentStep struct {
	evtType string
	raw     json.RawMessage
}

type countingTrust struct {
	keystore.Store
	calls atomic.Int32
}

func (ct *countingTrust) TrustKeys(ctx context.Context, userID id.UserID, keyIDs []id.KeyID) error {
	ct.calls.Add(1)
	return ct.Store.TrustKeys(ctx, userID, keyIDs)
}

// party is a single device taking part in verifications. It implements
// verificationhelper.Transport on top of the hub.
type party struct {
	hub        *hub
	userID     id.UserID
	deviceID   id.DeviceID
	signingKey id.Ed25519
	masterKey  id.Ed25519
	store      *keystore.MemoryStore
	trust      *countingTrust
	registry   *verificationhelper.Registry

	// mutate can change the JSON of outgoing events. It must be set before
	// the party sends anything.
	mutate func(evtType string, raw []byte) []byte

	lock      sync.Mutex
	sent      []sentStep
	plaintext int
	holding   bool
	held      []func()
}

var _ verificationhelper.Transport = (*party)(nil)

var partySeed atomic.Int32

func testKey() id.Ed25519 {
	seed := bytes.Repeat([]byte{byte(partySeed.Add(1))}, ed25519.SeedSize)
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(pub))
}

func newParty(t *testing.T, h *hub, userID id.UserID, deviceID id.DeviceID, configure ...func(*verificationhelper.Registry)) *party {
	t.Helper()
	p := &party{
		hub:        h,
		userID:     userID,
		deviceID:   deviceID,
		signingKey: testKey(),
		masterKey:  testKey(),
		store:      keystore.NewMemoryStore(),
	}
	p.trust = &countingTrust{Store: p.store}
	p.registry = verificationhelper.NewRegistry(p, p.store, p.trust, userID, deviceID)
	for _, fn := range configure {
		fn(p.registry)
	}
	p.registry.Init(log.Logger.With().Stringer("party", deviceID).Logger().WithContext(context.Background()))
	t.Cleanup(p.registry.Close)
	h.lock.Lock()
	h.parties = append(h.parties, p)
	h.lock.Unlock()
	return p
}

func (p *party) device() *id.Device {
	return &id.Device{
		UserID:      p.userID,
		DeviceID:    p.deviceID,
		IdentityKey: "identity",
		SigningKey:  p.signingKey,
	}
}

// learn stores the device and master keys of the others in the key store of
// the party.
func learn(t *testing.T, p *party, others ...*party) {
	ctx := context.TODO()
	for _, other := range others {
		require.NoError(t, p.store.PutDevice(ctx, other.device()))
		require.NoError(t, p.store.PutCrossSigningKey(ctx, other.userID, id.CrossSigningKey{Key: other.masterKey, Usage: id.XSUsageMaster}))
	}
}

// introduce makes every party know the keys of every party.
func introduce(t *testing.T, parties ...*party) {
	for _, p := range parties {
		learn(t, p, parties...)
	}
}

func (p *party) hold() {
	p.lock.Lock()
	p.holding = true
	p.lock.Unlock()
}

// release delivers everything that was sent while holding.
func (p *party) release() {
	p.lock.Lock()
	held := p.held
	p.held = nil
	p.holding = false
	p.lock.Unlock()
	for _, fn := range held {
		fn()
	}
}

func (p *party) deliver(fn func()) {
	p.lock.Lock()
	if p.holding {
		p.held = append(p.held, fn)
		p.lock.Unlock()
		return
	}
	p.lock.Unlock()
	fn()
}

func (p *party) prepare(evtType string, content any) (json.RawMessage, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	if p.mutate != nil {
		raw = p.mutate(evtType, raw)
	}
	p.lock.Lock()
	p.sent = append(p.sent, sentStep{evtType: evtType, raw: raw})
	p.lock.Unlock()
	return raw, nil
}

// sentOfType returns the content of every event of the given type that the
// party has sent.
func (p *party) sentOfType(evtType event.Type) []gjson.Result {
	p.lock.Lock()
	defer p.lock.Unlock()
	var out []gjson.Result
	for _, step := range p.sent {
		if step.evtType == evtType.Type {
			out = append(out, gjson.ParseBytes(step.raw))
		}
	}
	return out
}

func (p *party) plaintextCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.plaintext
}

func (p *party) SendEncryptedToDeviceEvent(ctx context.Context, userID id.UserID, deviceID id.DeviceID, eventType event.Type, content any) error {
	if p.hub.failEncrypted.Load() {
		return errEncryptionUnavailable
	}
	return p.sendToDevice(userID, deviceID, eventType, content)
}

func (p *party) SendToDeviceEvent(ctx context.Context, userID id.UserID, deviceID id.DeviceID, eventType event.Type, content any) error {
	p.lock.Lock()
	p.plaintext++
	p.lock.Unlock()
	return p.sendToDevice(userID, deviceID, eventType, content)
}

func (p *party) sendToDevice(userID id.UserID, deviceID id.DeviceID, eventType event.Type, content any) error {
	raw, err := p.prepare(eventType.Type, content)
	if err != nil {
		return err
	}
	evt := &hubEvent{sender: p.userID, evtType: eventType.Type, raw: raw}
	for _, target := range p.hub.targets(userID, deviceID) {
		if target == p {
			continue
		}
		target := target
		p.deliver(func() {
			target.registry.HandleToDeviceEvent(context.TODO(), evt.toEvent(event.ToDeviceEventType))
		})
	}
	return nil
}

func (p *party) SendRoomEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (id.EventID, error) {
	raw, err := p.prepare(eventType.Type, content)
	if err != nil {
		return "", err
	}
	evt := p.hub.appendRoomEvent(p.userID, roomID, eventType.Type, raw)
	for _, target := range p.hub.allParties() {
		target := target
		p.deliver(func() {
			target.registry.HandleRoomEvent(context.TODO(), evt.toEvent(event.MessageEventType))
		})
	}
	return evt.eventID, nil
}

func (p *party) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error) {
	p.hub.lock.Lock()
	defer p.hub.lock.Unlock()
	for _, evt := range p.hub.timeline {
		if evt.roomID == roomID && evt.eventID == eventID {
			return evt.toEvent(event.MessageEventType), nil
		}
	}
	return nil, fmt.Errorf("event %s not found", eventID)
}

func (p *party) GetRelatedEvents(ctx context.Context, roomID id.RoomID, eventID id.EventID) ([]*event.Event, error) {
	p.hub.lock.Lock()
	defer p.hub.lock.Unlock()
	var out []*event.Event
	for _, evt := range p.hub.timeline {
		if evt.roomID == roomID && gjson.GetBytes(evt.raw, `m\.relates_to.event_id`).Str == eventID.String() {
			out = append(out, evt.toEvent(event.MessageEventType))
		}
	}
	return out, nil
}

// inject delivers a to-device event from the party without going through a
// verification.
func (p *party) inject(t *testing.T, to *party, eventType event.Type, content any) {
	require.NoError(t, p.SendToDeviceEvent(context.TODO(), to.userID, to.deviceID, eventType, content))
}

// receive hands a to-device event straight to the registry of the party.
// Unlike inject, it isn't held back by the sender holding its events.
func (p *party) receive(t *testing.T, sender id.UserID, eventType event.Type, content any) {
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	evt := &hubEvent{sender: sender, evtType: eventType.Type, raw: raw}
	p.registry.HandleToDeviceEvent(context.TODO(), evt.toEvent(event.ToDeviceEventType))
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(log.Logger.WithContext(context.Background()), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitForState[T verificationhelper.State](t *testing.T, v *verificationhelper.Verification) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := v.WaitForState(ctx, func(state verificationhelper.State) bool {
		_, ok := state.(T)
		return ok
	})
	require.NoError(t, err, "timed out waiting for %T, state is %s", *new(T), v.State())
	return state.(T)
}

func waitForSASState[T verificationhelper.SASState](t *testing.T, v *verificationhelper.Verification) (verificationhelper.StateStart, T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := v.WaitForState(ctx, func(state verificationhelper.State) bool {
		start, ok := state.(verificationhelper.StateStart)
		if !ok {
			return false
		}
		_, ok = start.Method.(T)
		return ok
	})
	require.NoError(t, err, "timed out waiting for %T, state is %s", *new(T), v.State())
	start := state.(verificationhelper.StateStart)
	return start, start.Method.(T)
}

func waitForActive(t *testing.T, p *party, txnID id.VerificationTransactionID) *verificationhelper.Verification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := p.registry.WaitForActiveDeviceVerification(ctx, func(v *verificationhelper.Verification) bool {
		return v != nil && v.TransactionID() == txnID
	})
	require.NoError(t, err, "timed out waiting for active verification on %s", p.deviceID)
	return v
}

func waitForStopped(t *testing.T, v *verificationhelper.Verification) {
	t.Helper()
	select {
	case <-v.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatalf("verification %s didn't stop, state is %s", v.TransactionID(), v.State())
	}
}
