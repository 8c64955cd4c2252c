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
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/semaphore"
)

const (
	// streamChanSize is the buffer of the channel feeding inbound messages
	// from the client subscription into the dispatch pump.
	streamChanSize = 64

	// handlerSlots caps concurrent message handlers. When all slots are
	// taken the pump stops reading, pushing backpressure onto the relay
	// instead of growing an unbounded goroutine pile.
	handlerSlots = 64

	// rebuildAfter is the number of consecutive session failures tolerated
	// before the client is discarded and built anew. Below the threshold
	// the same client is reused so warm state (sockets, sync cursors)
	// survives transient drops.
	rebuildAfter = 6

	// healthySession is how long a session must live to count as a
	// recovery and reset the failure streak.
	healthySession = 30 * time.Second
)

var (
	reconnectCounter = metrics.NewRegisteredCounter("toss/chat/reconnects", nil)
	rebuildCounter   = metrics.NewRegisteredCounter("toss/chat/rebuilds", nil)
	messageCounter   = metrics.NewRegisteredCounter("toss/chat/messages", nil)
)

// Factory builds a fresh chat client. The stream worker calls it on startup
// and again whenever an existing client is deemed beyond salvage.
type Factory func(ctx context.Context) (Client, error)

// Handler consumes one inbound message. Handlers run on their own goroutine
// and may block without stalling the stream.
type Handler func(Message)

// Stream keeps a chat session alive across network failures. It owns the
// client lifecycle: connect, sync, pump messages to the handler, and on
// error back off and reconnect, rebuilding the client entirely if failures
// keep piling up.
type Stream struct {
	factory Factory
	handler Handler

	// Backoff schedule between session attempts. Overridden in tests.
	backoffBase time.Duration
	backoffMax  time.Duration

	slots *semaphore.Weighted

	mu     sync.Mutex
	client Client

	started int32
	stopped int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStream creates a stream worker around the given client factory and
// message handler. The worker is inert until Start.
func NewStream(factory Factory, handler Handler) *Stream {
	return &Stream{
		factory:     factory,
		handler:     handler,
		backoffBase: 2 * time.Second,
		backoffMax:  time.Minute,
		slots:       semaphore.NewWeighted(handlerSlots),
	}
}

// Start launches the background session loop.
func (s *Stream) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return errors.New("stream already started")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop tears the stream down, waiting for in-flight message handlers to
// drain before returning.
func (s *Stream) Stop() {
	if atomic.LoadInt32(&s.started) == 0 || !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return
	}
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

// Send delivers content to a conversation through the live session. It fails
// with ErrNotConnected while no session is established.
func (s *Stream) Send(ctx context.Context, conversationID string, content any) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	return client.Send(ctx, conversationID, content)
}

// Connected reports whether a chat session is currently live.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// loop runs sessions back to back until the stream is stopped.
func (s *Stream) loop() {
	defer s.wg.Done()

	var failures int
	for s.ctx.Err() == nil {
		start := time.Now()
		client, err := s.current()
		if err == nil {
			err = s.session(client)
		}
		if s.ctx.Err() != nil {
			return
		}
		if time.Since(start) > healthySession {
			failures = 0
		}
		failures++
		reconnectCounter.Inc(1)

		delay := s.backoff(failures)
		log.Warn("Chat session failed, reconnecting", "attempt", failures, "retry", delay, "err", err)

		if failures >= rebuildAfter {
			s.dropClient()
			rebuildCounter.Inc(1)
			log.Warn("Chat client beyond salvage, rebuilding", "failures", failures)
			failures = 0
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// current returns the live client, building one through the factory if none
// survived the previous session.
func (s *Stream) current() (Client, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		return client, nil
	}
	client, err := s.factory(s.ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	log.Info("Chat client connected", "inbox", client.InboxID())
	return client, nil
}

// dropClient closes and forgets the current client so the next session
// attempt starts from a fresh factory build.
func (s *Stream) dropClient() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

// session syncs the client and pumps its messages to the handler until the
// subscription fails or the stream shuts down.
func (s *Stream) session(client Client) error {
	if err := client.Sync(s.ctx); err != nil {
		return err
	}
	ch := make(chan Message, streamChanSize)
	sub, err := client.SubscribeMessages(ch)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	log.Debug("Chat session established", "inbox", client.InboxID())
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case err := <-sub.Err():
			return err
		case msg := <-ch:
			messageCounter.Inc(1)
			if err := s.slots.Acquire(s.ctx, 1); err != nil {
				return err
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.slots.Release(1)
				s.handler(msg)
			}()
		}
	}
}

// backoff computes the wait before the next attempt: exponential from the
// base with a 1.5 growth factor, capped, plus up to 30% random jitter so
// restarting bots do not hammer the relay in lockstep.
func (s *Stream) backoff(failures int) time.Duration {
	d := float64(s.backoffBase)
	for i := 1; i < failures; i++ {
		d *= 1.5
		if d >= float64(s.backoffMax) {
			d = float64(s.backoffMax)
			break
		}
	}
	d += d * 0.3 * rand.Float64()
	if d > float64(s.backoffMax) {
		d = float64(s.backoffMax)
	}
	return time.Duration(d)
}
