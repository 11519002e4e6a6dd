// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mockserver is an in-memory homeserver that implements the endpoints
// used by key verification. Every user can read and write every room.
package mockserver

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	globallog "github.com/rs/zerolog/log" // zerolog-allow-global-log
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/random"

	"maunium.net/go/mxverify"
	"maunium.net/go/mxverify/crypto/canonicaljson"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

type session struct {
	UserID   id.UserID
	DeviceID id.DeviceID
}

type contextKey int

const sessionContextKey contextKey = iota

type MockServer struct {
	Router *mux.Router
	Server *httptest.Server

	lock sync.Mutex
	// changed is closed and replaced whenever an inbox or room changes.
	changed chan struct{}

	AccessTokens map[string]session
	DeviceInbox  map[id.UserID]map[id.DeviceID][]*event.Event
	Rooms        map[id.RoomID][]*event.Event
	DeviceKeys   map[id.UserID]map[id.DeviceID]json.RawMessage
	MasterKeys   map[id.UserID]mxverify.CrossSigningKeys

	sentTxns  map[string]id.EventID
	nextEvent int
}

func Create(t *testing.T) *MockServer {
	t.Helper()

	server := MockServer{
		changed:      make(chan struct{}),
		AccessTokens: map[string]session{},
		DeviceInbox:  map[id.UserID]map[id.DeviceID][]*event.Event{},
		Rooms:        map[id.RoomID][]*event.Event{},
		DeviceKeys:   map[id.UserID]map[id.DeviceID]json.RawMessage{},
		MasterKeys:   map[id.UserID]mxverify.CrossSigningKeys{},
		sentTxns:     map[string]id.EventID{},
	}

	router := mux.NewRouter()
	router.Use(server.authMiddleware)
	client := router.PathPrefix("/_matrix/client").Subrouter()
	client.HandleFunc("/v3/account/whoami", server.getWhoami).Methods(http.MethodGet)
	client.HandleFunc("/v3/sync", server.getSync).Methods(http.MethodGet)
	client.HandleFunc("/v3/keys/query", server.postKeysQuery).Methods(http.MethodPost)
	client.HandleFunc("/v3/sendToDevice/{type}/{txnID}", server.putSendToDevice).Methods(http.MethodPut)
	client.HandleFunc("/v3/rooms/{roomID}/send/{type}/{txnID}", server.putSendEvent).Methods(http.MethodPut)
	client.HandleFunc("/v3/rooms/{roomID}/event/{eventID}", server.getEvent).Methods(http.MethodGet)
	client.HandleFunc("/v1/rooms/{roomID}/relations/{eventID}", server.getRelations).Methods(http.MethodGet)
	client.HandleFunc("/v1/rooms/{roomID}/relations/{eventID}/{relType}", server.getRelations).Methods(http.MethodGet)
	client.HandleFunc("/v1/rooms/{roomID}/relations/{eventID}/{relType}/{eventType}", server.getRelations).Methods(http.MethodGet)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mxverify.MUnrecognized.WithMessage("Unrecognized request").Write(w)
	})
	server.Router = router
	server.Server = httptest.NewServer(router)
	t.Cleanup(server.Server.Close)
	return &server
}

func (ms *MockServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		ms.lock.Lock()
		sess, ok := ms.AccessTokens[token]
		ms.lock.Unlock()
		if !ok {
			mxverify.MUnknownToken.WithMessage("Unknown access token").Write(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey, sess)))
	})
}

func getSession(r *http.Request) session {
	return r.Context().Value(sessionContextKey).(session)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func writeRawJSON(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// notifyLocked wakes up every waiting /sync request. The lock must be held.
func (ms *MockServer) notifyLocked() {
	close(ms.changed)
	ms.changed = make(chan struct{})
}

func (ms *MockServer) getWhoami(w http.ResponseWriter, r *http.Request) {
	sess := getSession(r)
	writeJSON(w, &mxverify.RespWhoami{UserID: sess.UserID, DeviceID: sess.DeviceID})
}

func (ms *MockServer) putSendToDevice(w http.ResponseWriter, r *http.Request) {
	var req mxverify.ReqSendToDevice
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mxverify.MNotJSON.WithMessage("Failed to parse request: %v", err).Write(w)
		return
	}
	sess := getSession(r)
	evtType := event.Type{Type: mux.Vars(r)["type"], Class: event.ToDeviceEventType}

	ms.lock.Lock()
	defer ms.lock.Unlock()
	for user, devices := range req.Messages {
		if _, ok := ms.DeviceInbox[user]; !ok {
			ms.DeviceInbox[user] = map[id.DeviceID][]*event.Event{}
		}
		for device, content := range devices {
			targets := []id.DeviceID{device}
			if device == "*" {
				targets = ms.userDevicesLocked(user)
			}
			for _, target := range targets {
				ms.DeviceInbox[user][target] = append(ms.DeviceInbox[user][target], &event.Event{
					Sender:  sess.UserID,
					Type:    evtType,
					Content: event.Content{VeryRaw: content},
				})
			}
		}
	}
	ms.notifyLocked()
	writeRawJSON(w, []byte("{}"))
}

func (ms *MockServer) userDevicesLocked(userID id.UserID) []id.DeviceID {
	devices := map[id.DeviceID]struct{}{}
	for deviceID := range ms.DeviceKeys[userID] {
		devices[deviceID] = struct{}{}
	}
	for _, sess := range ms.AccessTokens {
		if sess.UserID == userID {
			devices[sess.DeviceID] = struct{}{}
		}
	}
	output := make([]id.DeviceID, 0, len(devices))
	for deviceID := range devices {
		output = append(output, deviceID)
	}
	return output
}

func (ms *MockServer) putSendEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess := getSession(r)
	roomID := id.RoomID(vars["roomID"])
	var content json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		mxverify.MNotJSON.WithMessage("Failed to parse request: %v", err).Write(w)
		return
	}

	ms.lock.Lock()
	defer ms.lock.Unlock()
	txnKey := fmt.Sprintf("%s/%s/%s", sess.UserID, sess.DeviceID, vars["txnID"])
	if eventID, ok := ms.sentTxns[txnKey]; ok {
		writeJSON(w, &mxverify.RespSendEvent{EventID: eventID})
		return
	}
	ms.nextEvent++
	eventID := id.EventID(fmt.Sprintf("$event%d", ms.nextEvent))
	ms.sentTxns[txnKey] = eventID
	evt := &event.Event{
		Sender:    sess.UserID,
		Type:      event.Type{Type: vars["type"], Class: event.MessageEventType},
		Timestamp: time.Now().UnixMilli(),
		ID:        eventID,
		RoomID:    roomID,
		Content:   event.Content{VeryRaw: content},
	}
	evt.Unsigned.TransactionID = vars["txnID"]
	ms.Rooms[roomID] = append(ms.Rooms[roomID], evt)
	ms.notifyLocked()
	writeJSON(w, &mxverify.RespSendEvent{EventID: eventID})
}

func (ms *MockServer) findEventLocked(roomID id.RoomID, eventID id.EventID) *event.Event {
	for _, evt := range ms.Rooms[roomID] {
		if evt.ID == eventID {
			return evt
		}
	}
	return nil
}

func (ms *MockServer) getEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ms.lock.Lock()
	evt := ms.findEventLocked(id.RoomID(vars["roomID"]), id.EventID(vars["eventID"]))
	ms.lock.Unlock()
	if evt == nil {
		mxverify.MNotFound.WithMessage("Event not found").Write(w)
		return
	}
	writeJSON(w, evt)
}

func (ms *MockServer) getRelations(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roomID := id.RoomID(vars["roomID"])
	eventID := id.EventID(vars["eventID"])
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = 5
	}
	from, _ := strconv.Atoi(query.Get("from"))

	ms.lock.Lock()
	defer ms.lock.Unlock()
	if ms.findEventLocked(roomID, eventID) == nil {
		mxverify.MNotFound.WithMessage("Event not found").Write(w)
		return
	}
	var related []*event.Event
	for _, evt := range ms.Rooms[roomID] {
		relatesTo := gjson.GetBytes(evt.Content.VeryRaw, `m\.relates_to`)
		if relatesTo.Get("event_id").Str != eventID.String() {
			continue
		} else if relType := vars["relType"]; relType != "" && relatesTo.Get("rel_type").Str != relType {
			continue
		} else if evtType := vars["eventType"]; evtType != "" && evt.Type.Type != evtType {
			continue
		}
		related = append(related, evt)
	}
	if query.Get("dir") != "f" {
		for i, j := 0, len(related)-1; i < j; i, j = i+1, j-1 {
			related[i], related[j] = related[j], related[i]
		}
	}
	resp := &mxverify.RespGetRelations{Chunk: []*event.Event{}}
	if from < len(related) {
		end := min(from+limit, len(related))
		resp.Chunk = related[from:end]
		if end < len(related) {
			resp.NextBatch = strconv.Itoa(end)
		}
	}
	writeJSON(w, resp)
}

func (ms *MockServer) postKeysQuery(w http.ResponseWriter, r *http.Request) {
	var req mxverify.ReqQueryKeys
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mxverify.MNotJSON.WithMessage("Failed to parse request: %v", err).Write(w)
		return
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	resp := []byte(`{"device_keys":{},"master_keys":{}}`)
	for user := range req.DeviceKeys {
		userPath := escapePath(user.String())
		resp, _ = sjson.SetRawBytes(resp, "device_keys."+userPath, []byte("{}"))
		for deviceID, keys := range ms.DeviceKeys[user] {
			resp, _ = sjson.SetRawBytes(resp, "device_keys."+userPath+"."+escapePath(deviceID.String()), keys)
		}
		if masterKey, ok := ms.MasterKeys[user]; ok {
			resp, _ = sjson.SetBytes(resp, "master_keys."+userPath, &masterKey)
		}
	}
	writeRawJSON(w, resp)
}

func escapePath(part string) string {
	replacer := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)
	return replacer.Replace(part)
}

func parseSince(since string) int {
	pos, _ := strconv.Atoi(strings.TrimPrefix(since, "s"))
	return pos
}

func (ms *MockServer) getSync(w http.ResponseWriter, r *http.Request) {
	sess := getSession(r)
	since := parseSince(r.URL.Query().Get("since"))
	timeout, _ := strconv.Atoi(r.URL.Query().Get("timeout"))
	deadline := time.After(time.Duration(min(timeout, 5000)) * time.Millisecond)
	for {
		ms.lock.Lock()
		resp, hasData := ms.buildSyncLocked(sess, since)
		changed := ms.changed
		ms.lock.Unlock()
		if hasData {
			writeRawJSON(w, resp)
			return
		}
		select {
		case <-changed:
		case <-deadline:
			writeRawJSON(w, resp)
			return
		case <-r.Context().Done():
			return
		}
	}
}

// buildSyncLocked takes the to-device inbox of the device and every room
// event after the since position. The position is the global event counter.
func (ms *MockServer) buildSyncLocked(sess session, since int) ([]byte, bool) {
	resp, _ := sjson.SetBytes([]byte("{}"), "next_batch", fmt.Sprintf("s%d", ms.nextEvent))
	inbox := ms.DeviceInbox[sess.UserID][sess.DeviceID]
	hasData := len(inbox) > 0
	resp, _ = sjson.SetBytes(resp, "to_device.events", append([]*event.Event{}, inbox...))
	if hasData {
		ms.DeviceInbox[sess.UserID][sess.DeviceID] = nil
	}
	for roomID, events := range ms.Rooms {
		var newEvents []*event.Event
		for _, evt := range events {
			if parseSince(strings.TrimPrefix(evt.ID.String(), "$event")) > since {
				newEvents = append(newEvents, evt)
			}
		}
		if len(newEvents) > 0 {
			hasData = true
			resp, _ = sjson.SetBytes(resp, "rooms.join."+escapePath(roomID.String())+".timeline.events", newEvents)
		}
	}
	return resp, hasData
}

// Login registers a new access token for the device and returns a client
// that uses it.
func (ms *MockServer) Login(t *testing.T, userID id.UserID, deviceID id.DeviceID) *mxverify.Client {
	t.Helper()
	client, err := mxverify.NewClient(ms.Server.URL, userID, random.String(30))
	require.NoError(t, err)
	client.DeviceID = deviceID
	client.Log = globallog.Logger.With().
		Stringer("my_user_id", userID).
		Stringer("my_device_id", deviceID).
		Logger()
	ms.lock.Lock()
	ms.AccessTokens[client.AccessToken] = session{UserID: userID, DeviceID: deviceID}
	ms.lock.Unlock()
	return client
}

// SetDeviceKeys stores the signed device keys object that /keys/query returns.
func (ms *MockServer) SetDeviceKeys(userID id.UserID, deviceID id.DeviceID, keys json.RawMessage) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if _, ok := ms.DeviceKeys[userID]; !ok {
		ms.DeviceKeys[userID] = map[id.DeviceID]json.RawMessage{}
	}
	ms.DeviceKeys[userID][deviceID] = keys
}

// GenerateDeviceKeys creates a device keys object for the device, signed with
// a new ed25519 key.
func GenerateDeviceKeys(userID id.UserID, deviceID id.DeviceID) (json.RawMessage, ed25519.PrivateKey) {
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	keys := mxverify.DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, deviceID.String()):    base64.RawStdEncoding.EncodeToString(pubKey),
			id.NewKeyID(id.KeyAlgorithmCurve25519, deviceID.String()): base64.RawStdEncoding.EncodeToString(random.Bytes(32)),
		},
	}
	raw, _ := json.Marshal(&keys)
	raw, _ = sjson.DeleteBytes(raw, "unsigned")
	signature := ed25519.Sign(privKey, canonicaljson.CanonicalJSONAssumeValid(raw))
	signaturePath := "signatures." + escapePath(userID.String()) + "." + escapePath(id.NewKeyID(id.KeyAlgorithmEd25519, deviceID.String()).String())
	raw, _ = sjson.SetBytes(raw, signaturePath, base64.RawStdEncoding.EncodeToString(signature))
	return raw, privKey
}

// AddDevice generates and stores signed device keys for the device, and
// returns the public signing key.
func (ms *MockServer) AddDevice(userID id.UserID, deviceID id.DeviceID) id.Ed25519 {
	keys, privKey := GenerateDeviceKeys(userID, deviceID)
	ms.SetDeviceKeys(userID, deviceID, keys)
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(privKey.Public().(ed25519.PublicKey)))
}

// SetMasterKey stores the master cross-signing key that /keys/query returns.
func (ms *MockServer) SetMasterKey(userID id.UserID, key id.Ed25519) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.MasterKeys[userID] = mxverify.CrossSigningKeys{
		UserID: userID,
		Usage:  []id.CrossSigningUsage{id.XSUsageMaster},
		Keys:   map[id.KeyID]id.Ed25519{id.NewKeyID(id.KeyAlgorithmEd25519, key.String()): key},
	}
}

// DeviceInboxLen returns the number of to-device events waiting for the device.
func (ms *MockServer) DeviceInboxLen(userID id.UserID, deviceID id.DeviceID) int {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	return len(ms.DeviceInbox[userID][deviceID])
}

// RoomEvents returns a copy of the timeline of the room.
func (ms *MockServer) RoomEvents(roomID id.RoomID) []*event.Event {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	return append([]*event.Event{}, ms.Rooms[roomID]...)
}
