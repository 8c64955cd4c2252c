// Copyright 2025 The tossbot Authors
// This file is part of the tossbot library.
//
// The tossbot library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The tossbot library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the tossbot library. If not, see <http://www.gnu.org/licenses/>.

package engine

import (
	"github.com/ethereum/go-ethereum/event"

	"github.com/grouptoss/tossbot/toss"
)

// EventKind discriminates engine events.
type EventKind int

const (
	// EventJoined fires for every accepted participant, whether the join
	// arrived as a chat reference or from the deposit watcher.
	EventJoined EventKind = iota

	// EventClosed fires when a toss settles with a result.
	EventClosed

	// EventCancelled fires when a toss is force closed.
	EventCancelled

	// EventUnclaimed fires when a balance refresh finds deposits with no
	// matching join.
	EventUnclaimed
)

// Event is what the engine publishes on its feed. Toss is a deep copy taken
// after the state change, safe to read concurrently.
type Event struct {
	Kind EventKind
	Toss *toss.Toss

	// User and Option are set for EventJoined.
	User   string
	Option string
}

// SubscribeEvents registers a sink for engine events. The subscription must
// be unsubscribed when done.
func (e *Engine) SubscribeEvents(ch chan<- Event) event.Subscription {
	return e.scope.Track(e.feed.Subscribe(ch))
}
