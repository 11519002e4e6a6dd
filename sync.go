// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mxverify

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// Syncer is an interface that must be satisfied in order to do /sync requests on a client.
type Syncer interface {
	// ProcessResponse processes the /sync response. The since parameter is the since= value that was used to produce
	// the response. This is useful for detecting the very first sync (since=""). If an error is return, Syncing will
	// be stopped permanently.
	ProcessResponse(ctx context.Context, resp *RespSync, since string) error
	// OnFailedSync returns either the time to wait before retrying or an error to stop syncing permanently.
	OnFailedSync(res *RespSync, err error) (time.Duration, error)
}

// EventSource identifies where in a sync response an event came from.
type EventSource int

const (
	EventSourceToDevice EventSource = 1 << iota
	EventSourceTimeline
)

func (es EventSource) String() string {
	switch es {
	case EventSourceToDevice:
		return "to-device"
	case EventSourceTimeline:
		return "timeline"
	default:
		return fmt.Sprintf("unknown (%d)", int(es))
	}
}

// EventHandler handles a single event from a sync response.
type EventHandler func(ctx context.Context, source EventSource, evt *event.Event)

// SyncHandler handles a whole sync response before its events are dispatched.
type SyncHandler func(ctx context.Context, resp *RespSync, since string) bool

// DefaultSyncer is the default syncing implementation. You can either write your own syncer, or selectively
// replace parts of this default syncer (e.g. the ProcessResponse method). The default syncer uses the observer
// pattern to notify callers about incoming events. See DefaultSyncer.OnEventType for more information.
type DefaultSyncer struct {
	lock sync.RWMutex
	// listeners want a specific event type
	listeners map[string][]EventHandler
	// allListeners want every event
	allListeners []EventHandler
	// syncListeners want the whole sync response, e.g. the device list changes
	syncListeners []SyncHandler
}

var _ Syncer = (*DefaultSyncer)(nil)

// NewDefaultSyncer returns an instantiated DefaultSyncer
func NewDefaultSyncer() *DefaultSyncer {
	return &DefaultSyncer{
		listeners: make(map[string][]EventHandler),
	}
}

// ProcessResponse processes the /sync response in a way suitable for bots. "Suitable for bots" means a stream of
// unrepeating events.
func (s *DefaultSyncer) ProcessResponse(ctx context.Context, res *RespSync, since string) (err error) {
	log := zerolog.Ctx(ctx)
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("ProcessResponse panicked! since=%s panic=%v\n%s", since, panicErr, debug.Stack())
		}
	}()
	s.lock.RLock()
	syncListeners := s.syncListeners
	s.lock.RUnlock()
	for _, listener := range syncListeners {
		if !listener(ctx, res, since) {
			log.Debug().Str("since", since).Msg("Sync listener cancelled processing of response")
			return
		}
	}

	for _, evt := range res.ToDevice.Events {
		evt.Type.Class = event.ToDeviceEventType
		s.Dispatch(ctx, EventSourceToDevice, evt)
	}
	for roomID, roomData := range res.Rooms.Join {
		s.processTimeline(ctx, roomID, roomData.Timeline.Events)
	}
	return
}

func (s *DefaultSyncer) processTimeline(ctx context.Context, roomID id.RoomID, events []*event.Event) {
	for _, evt := range events {
		evt.RoomID = roomID
		evt.Type.Class = event.MessageEventType
		s.Dispatch(ctx, EventSourceTimeline, evt)
	}
}

// Dispatch calls every listener that is interested in the event.
func (s *DefaultSyncer) Dispatch(ctx context.Context, source EventSource, evt *event.Event) {
	s.lock.RLock()
	listeners := s.listeners[evt.Type.Type]
	allListeners := s.allListeners
	s.lock.RUnlock()
	for _, fn := range allListeners {
		fn(ctx, source, evt)
	}
	for _, fn := range listeners {
		fn(ctx, source, evt)
	}
}

// OnEventType allows callers to be notified when there are new events for the given event type.
// There are no duplicate checks.
func (s *DefaultSyncer) OnEventType(eventType event.Type, callback EventHandler) {
	s.lock.Lock()
	s.listeners[eventType.Type] = append(s.listeners[eventType.Type], callback)
	s.lock.Unlock()
}

// OnEvent allows callers to be notified of every event in sync responses.
func (s *DefaultSyncer) OnEvent(callback EventHandler) {
	s.lock.Lock()
	s.allListeners = append(s.allListeners, callback)
	s.lock.Unlock()
}

// OnSync allows callers to see the whole sync response before events are
// dispatched. Returning false stops the response from being processed further.
func (s *DefaultSyncer) OnSync(callback SyncHandler) {
	s.lock.Lock()
	s.syncListeners = append(s.syncListeners, callback)
	s.lock.Unlock()
}

// OnFailedSync always returns a 10 second wait period between failed /syncs, never a fatal error,
// except for invalid access tokens.
func (s *DefaultSyncer) OnFailedSync(res *RespSync, err error) (time.Duration, error) {
	if errors.Is(err, MUnknownToken) {
		return 0, err
	}
	return 10 * time.Second, nil
}
