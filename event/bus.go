// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event

import (
	"sync"

	"github.com/google/uuid"
	"perun.network/go-perun/log"

	"perun.network/perun-head-client/head"
	"perun.network/perun-head-client/wire"
)

type (
	// MessageHandler observes every decoded node message.
	MessageHandler func(wire.Message)
	// StatusHandler observes head status changes.
	StatusHandler func(StatusChanged)
	// AnomalyHandler observes protocol irregularities.
	AnomalyHandler func(Anomaly)
)

type (
	messageSub struct {
		id uuid.UUID
		fn MessageHandler
	}
	statusSub struct {
		id uuid.UUID
		fn StatusHandler
	}
	anomalySub struct {
		id uuid.UUID
		fn AnomalyHandler
	}
)

// Bus fans published notifications out to registered observers. Observers of
// one kind are called in registration order. A panicking observer is
// recovered and logged, it never disturbs other observers or the publisher.
type Bus struct {
	log log.Embedding

	mu        sync.Mutex
	messages  []messageSub
	byStatus  map[head.Status][]statusSub
	anomalies []anomalySub
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		log:      log.MakeEmbedding(log.Default()),
		byStatus: make(map[head.Status][]statusSub),
	}
}

// OnMessage registers an observer for every node message, in stream order.
// The returned id cancels the registration via Unsubscribe.
func (b *Bus) OnMessage(fn MessageHandler) uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New()
	b.messages = append(b.messages, messageSub{id: id, fn: fn})
	return id
}

// OnStatus registers an observer that is called whenever the head enters
// status st.
func (b *Bus) OnStatus(st head.Status, fn StatusHandler) uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New()
	b.byStatus[st] = append(b.byStatus[st], statusSub{id: id, fn: fn})
	return id
}

// OnAnomaly registers an observer for protocol irregularities.
func (b *Bus) OnAnomaly(fn AnomalyHandler) uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New()
	b.anomalies = append(b.anomalies, anomalySub{id: id, fn: fn})
	return id
}

// Unsubscribe cancels a registration. It reports whether id was registered.
func (b *Bus) Unsubscribe(id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.messages {
		if s.id == id {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			return true
		}
	}
	for st, subs := range b.byStatus {
		for i, s := range subs {
			if s.id == id {
				b.byStatus[st] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	for i, s := range b.anomalies {
		if s.id == id {
			b.anomalies = append(b.anomalies[:i], b.anomalies[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers msg to all message observers.
func (b *Bus) Publish(msg wire.Message) {
	b.mu.Lock()
	subs := append([]messageSub(nil), b.messages...)
	b.mu.Unlock()
	for _, s := range subs {
		b.call(func() { s.fn(msg) })
	}
}

// PublishStatus delivers c to the observers of the status the head entered.
func (b *Bus) PublishStatus(c StatusChanged) {
	b.mu.Lock()
	subs := append([]statusSub(nil), b.byStatus[c.New]...)
	b.mu.Unlock()
	for _, s := range subs {
		b.call(func() { s.fn(c) })
	}
}

// PublishAnomaly delivers a to all anomaly observers.
func (b *Bus) PublishAnomaly(a Anomaly) {
	b.mu.Lock()
	subs := append([]anomalySub(nil), b.anomalies...)
	b.mu.Unlock()
	for _, s := range subs {
		b.call(func() { s.fn(a) })
	}
}

// call runs one observer, recovering a panic so the remaining observers and
// the publishing stream loop keep running.
func (b *Bus) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Log().Errorf("Recovered from observer panic: %v", r)
		}
	}()
	fn()
}
