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

package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
)

// MemClient is an in-process chat network with a single member: us. Tests
// and the offline local mode inject inbound messages with Deliver and
// observe outbound ones with Sent.
type MemClient struct {
	inbox string

	mu      sync.Mutex
	convs   map[string]Conversation
	sent    map[string][]Message
	seq     int
	closed  bool

	feed  event.Feed
	scope event.SubscriptionScope
}

// NewMemClient creates an in-memory client with the given inbox identity.
func NewMemClient(inbox string) *MemClient {
	return &MemClient{
		inbox: inbox,
		convs: make(map[string]Conversation),
		sent:  make(map[string][]Message),
	}
}

// AddConversation registers a channel the client is a member of.
func (c *MemClient) AddConversation(conv Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convs[conv.ID] = conv
}

// Sync implements Client. The in-memory network has nothing to pull.
func (c *MemClient) Sync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// SubscribeMessages implements Client.
func (c *MemClient) SubscribeMessages(ch chan<- Message) (event.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.scope.Track(c.feed.Subscribe(ch)), nil
}

// Send implements Client, recording the outbound message.
func (c *MemClient) Send(ctx context.Context, conversationID string, content any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	conv, ok := c.convs[conversationID]
	if !ok {
		conv = Conversation{ID: conversationID, Kind: KindGroup}
	}
	c.seq++
	c.sent[conversationID] = append(c.sent[conversationID], Message{
		ID:           fmt.Sprintf("out-%d", c.seq),
		Conversation: conv,
		Sender:       c.inbox,
		SentAt:       time.Now(),
		Content:      content,
	})
	return nil
}

// InboxID implements Client.
func (c *MemClient) InboxID() string { return c.inbox }

// Close implements Client.
func (c *MemClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.scope.Close()
	return nil
}

// Deliver injects an inbound message, as if another member had sent it.
// Unknown conversations are registered on the fly.
func (c *MemClient) Deliver(msg Message) {
	c.mu.Lock()
	if _, ok := c.convs[msg.Conversation.ID]; !ok {
		c.convs[msg.Conversation.ID] = msg.Conversation
	}
	c.mu.Unlock()
	c.feed.Send(msg)
}

// Sent returns the messages sent to a conversation so far.
func (c *MemClient) Sent(conversationID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent[conversationID]...)
}
