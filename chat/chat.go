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

// Package chat models the secure-messaging boundary: typed message content,
// a transport client interface and the stream worker that keeps a client
// session alive. The transport network itself stays behind the Client
// interface; the rest of the daemon never sees a connection.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/event"
)

var (
	// ErrClosed is returned for operations on a closed client.
	ErrClosed = errors.New("chat client closed")

	// ErrNotConnected is returned by the stream worker when no client
	// session is currently live.
	ErrNotConnected = errors.New("no chat session")
)

// Kind distinguishes the two conversation shapes the network has.
type Kind int

const (
	KindDM Kind = iota
	KindGroup
)

// String implements fmt.Stringer, doubling as the wire name of the kind.
func (k Kind) String() string {
	if k == KindDM {
		return "dm"
	}
	return "group"
}

// KindFromString parses a wire kind name, defaulting unknown names to group.
func KindFromString(s string) Kind {
	if s == "dm" {
		return KindDM
	}
	return KindGroup
}

// Conversation identifies a chat channel.
type Conversation struct {
	ID   string
	Kind Kind
}

// IsDM reports whether the conversation is a two-party direct channel.
func (c Conversation) IsDM() bool { return c.Kind == KindDM }

// Message is one inbound chat item. Content is one of Text,
// WalletSendCalls or TransactionReference; Metadata carries the flat bag
// extracted from the transport envelope at ingress.
type Message struct {
	ID           string
	Conversation Conversation
	Sender       string
	SentAt       time.Time
	Content      any
	Metadata     MetadataBag
}

// Client is one session on the messaging network.
//
// Sync brings the session's conversation state up to date and must be
// called before subscribing. SubscribeMessages delivers every inbound
// message to ch until the subscription is unsubscribed or the session
// dies; the subscription's Err channel reports the terminal reason.
type Client interface {
	Sync(ctx context.Context) error
	SubscribeMessages(ch chan<- Message) (event.Subscription, error)
	Send(ctx context.Context, conversationID string, content any) error
	InboxID() string
	Close() error
}
