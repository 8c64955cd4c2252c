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
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
)

const (
	relayReadBuffer  = 4096
	relayWriteBuffer = 4096
	relayReadLimit   = 1 << 20 // 1MB, relay messages are tiny

	relayPingInterval     = 30 * time.Second
	relayPingWriteTimeout = 5 * time.Second
	relayPongTimeout      = 30 * time.Second
)

// Wire content type tags. The relay frames every message body with one of
// these so receivers know which structure to decode.
const (
	contentTypeText       = "text"
	contentTypeWalletCall = "walletSendCalls"
	contentTypeTxRef      = "transactionReference"
)

// RelayConfig holds the settings for a relay connection.
type RelayConfig struct {
	URL     string            // websocket endpoint of the message relay
	Key     *ecdsa.PrivateKey // identity key, its address is the inbox id
	Timeout time.Duration     // handshake and per-write deadline
}

// envelope is the outer frame of every relay exchange.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// helloPayload authenticates the client to the relay. The signature covers
// keccak256("<inbox>|<timestamp>") so a captured hello cannot be replayed
// much later.
type helloPayload struct {
	Inbox     string        `json:"inbox"`
	Timestamp int64         `json:"timestamp"`
	Signature hexutil.Bytes `json:"signature"`
}

// wireMessage is the relay's framing of a chat message, both directions.
type wireMessage struct {
	ID           string          `json:"id,omitempty"`
	Conversation string          `json:"conversation"`
	Kind         string          `json:"kind,omitempty"`
	Sender       string          `json:"sender,omitempty"`
	SentAt       int64           `json:"sentAt,omitempty"` // milliseconds
	ContentType  string          `json:"contentType"`
	Content      json.RawMessage `json:"content"`
	Metadata     MetadataBag     `json:"metadata,omitempty"`
}

// connWrapper serializes reads and writes on a websocket connection. The
// gorilla package allows one concurrent reader and one concurrent writer,
// anything beyond that must lock.
type connWrapper struct {
	conn *websocket.Conn

	rlock sync.Mutex
	wlock sync.Mutex
}

func newConnWrapper(conn *websocket.Conn) *connWrapper {
	return &connWrapper{conn: conn}
}

// WriteJSON wraps the corresponding websocket method, safe for concurrent use.
func (w *connWrapper) WriteJSON(v interface{}) error {
	w.wlock.Lock()
	defer w.wlock.Unlock()

	return w.conn.WriteJSON(v)
}

// ReadJSON wraps the corresponding websocket method, safe for concurrent use.
func (w *connWrapper) ReadJSON(v interface{}) error {
	w.rlock.Lock()
	defer w.rlock.Unlock()

	return w.conn.ReadJSON(v)
}

// ping emits a ping control frame and arms the pong deadline.
func (w *connWrapper) ping() {
	w.wlock.Lock()
	defer w.wlock.Unlock()

	w.conn.SetWriteDeadline(time.Now().Add(relayPingWriteTimeout))
	w.conn.WriteMessage(websocket.PingMessage, nil)
	w.conn.SetReadDeadline(time.Now().Add(relayPongTimeout))
}

// Close closes the underlying websocket connection.
func (w *connWrapper) Close() error {
	return w.conn.Close()
}

// RelayClient is a chat client speaking the relay's websocket protocol. It
// authenticates with its identity key, then exchanges JSON envelopes: the
// relay pushes "message" frames, the client submits "send" and "sync".
type RelayClient struct {
	cfg   RelayConfig
	inbox string
	conn  *connWrapper

	feed event.Feed

	pingReset    chan struct{}
	pongReceived chan struct{}

	quit     chan struct{}
	readDone chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	readErr error
	closed  bool
}

// DialRelay connects to the relay, authenticates and starts the read and
// ping loops. The returned client is ready for SubscribeMessages and Send.
func DialRelay(ctx context.Context, cfg RelayConfig) (*RelayClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("relay url not configured")
	}
	if cfg.Key == nil {
		return nil, errors.New("relay identity key not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		ReadBufferSize:   relayReadBuffer,
		WriteBufferSize:  relayWriteBuffer,
		HandshakeTimeout: cfg.Timeout,
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("relay dial %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(relayReadLimit)

	c := &RelayClient{
		cfg:          cfg,
		inbox:        crypto.PubkeyToAddress(cfg.Key.PublicKey).Hex(),
		conn:         newConnWrapper(conn),
		pingReset:    make(chan struct{}, 1),
		pongReceived: make(chan struct{}),
		quit:         make(chan struct{}),
		readDone:     make(chan struct{}),
	}
	if err := c.hello(); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetPongHandler(func(string) error {
		select {
		case c.pongReceived <- struct{}{}:
		case <-c.quit:
		}
		return nil
	})
	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	log.Info("Connected to chat relay", "url", cfg.URL, "inbox", c.inbox)
	return c, nil
}

// hello runs the authentication handshake: a signed hello out, a welcome
// frame back.
func (c *RelayClient) hello() error {
	ts := time.Now().UnixMilli()
	digest := crypto.Keccak256([]byte(fmt.Sprintf("%s|%d", c.inbox, ts)))
	sig, err := crypto.Sign(digest, c.cfg.Key)
	if err != nil {
		return fmt.Errorf("sign relay hello: %w", err)
	}
	if err := c.write("hello", helloPayload{Inbox: c.inbox, Timestamp: ts, Signature: sig}); err != nil {
		return fmt.Errorf("send relay hello: %w", err)
	}
	c.conn.conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout))
	var env envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return fmt.Errorf("await relay welcome: %w", err)
	}
	if env.Type != "welcome" {
		return fmt.Errorf("relay rejected hello: %s", env.Type)
	}
	c.conn.conn.SetReadDeadline(time.Time{})
	return nil
}

// write marshals a payload into an envelope and ships it with the
// configured write deadline.
func (c *RelayClient) write(typ string, payload any) error {
	env := envelope{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = raw
	}
	c.conn.conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	if err := c.conn.WriteJSON(env); err != nil {
		return err
	}
	// Delay the next idle ping, the connection just proved itself.
	select {
	case c.pingReset <- struct{}{}:
	default:
	}
	return nil
}

// Sync implements Client, asking the relay to replay messages missed while
// offline. The backfill arrives through the regular message stream.
func (c *RelayClient) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.write("sync", nil); err != nil {
		return fmt.Errorf("request relay sync: %w", err)
	}
	return nil
}

// SubscribeMessages implements Client. The subscription fails with the read
// loop's error when the connection drops.
func (c *RelayClient) SubscribeMessages(ch chan<- Message) (event.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		inner := c.feed.Subscribe(ch)
		defer inner.Unsubscribe()

		select {
		case <-quit:
			return nil
		case <-c.quit:
			return ErrClosed
		case <-c.readDone:
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.readErr
		}
	}), nil
}

// Send implements Client, framing the content and submitting it to the relay.
func (c *RelayClient) Send(ctx context.Context, conversationID string, content any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ct, raw, err := encodeContent(content)
	if err != nil {
		return err
	}
	msg := wireMessage{
		Conversation: conversationID,
		ContentType:  ct,
		Content:      raw,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.write("send", json.RawMessage(payload)); err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	return nil
}

// InboxID implements Client.
func (c *RelayClient) InboxID() string { return c.inbox }

// Close implements Client, tearing down the connection and all subscriptions.
func (c *RelayClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.quit)
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// readLoop pumps relay envelopes into the message feed until the connection
// fails or the client closes.
func (c *RelayClient) readLoop() {
	defer c.wg.Done()
	defer close(c.readDone)

	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			if !c.closed {
				c.readErr = err
			} else {
				c.readErr = ErrClosed
			}
			c.mu.Unlock()
			return
		}
		switch env.Type {
		case "message":
			msg, err := decodeWireMessage(env.Payload)
			if err != nil {
				log.Debug("Dropping undecodable relay message", "err", err)
				continue
			}
			c.feed.Send(msg)
		case "welcome", "synced":
			// Control frames, nothing to forward.
		default:
			log.Debug("Ignoring unknown relay frame", "type", env.Type)
		}
	}
}

// pingLoop keeps the connection alive with ping frames while it is idle.
func (c *RelayClient) pingLoop() {
	defer c.wg.Done()

	pingTimer := time.NewTimer(relayPingInterval)
	defer pingTimer.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-c.readDone:
			return

		case <-c.pingReset:
			if !pingTimer.Stop() {
				<-pingTimer.C
			}
			pingTimer.Reset(relayPingInterval)

		case <-pingTimer.C:
			c.conn.ping()
			pingTimer.Reset(relayPingInterval)

		case <-c.pongReceived:
			c.conn.conn.SetReadDeadline(time.Time{})
		}
	}
}

// encodeContent maps a content value onto its wire tag and JSON body.
func encodeContent(content any) (string, json.RawMessage, error) {
	var (
		typ string
		val any
	)
	switch v := content.(type) {
	case Text:
		typ, val = contentTypeText, v
	case *Text:
		typ, val = contentTypeText, v
	case string:
		typ, val = contentTypeText, Text{Body: v}
	case WalletSendCalls:
		typ, val = contentTypeWalletCall, v
	case *WalletSendCalls:
		typ, val = contentTypeWalletCall, v
	case TransactionReference:
		typ, val = contentTypeTxRef, v
	case *TransactionReference:
		typ, val = contentTypeTxRef, v
	default:
		return "", nil, fmt.Errorf("unsupported chat content type %T", content)
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return "", nil, err
	}
	return typ, raw, nil
}

// decodeWireMessage turns a relay message payload into a chat.Message.
func decodeWireMessage(payload json.RawMessage) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Message{}, err
	}
	var content any
	switch wire.ContentType {
	case contentTypeText:
		var v Text
		if err := json.Unmarshal(wire.Content, &v); err != nil {
			return Message{}, err
		}
		content = v
	case contentTypeWalletCall:
		var v WalletSendCalls
		if err := json.Unmarshal(wire.Content, &v); err != nil {
			return Message{}, err
		}
		content = v
	case contentTypeTxRef:
		var v TransactionReference
		if err := json.Unmarshal(wire.Content, &v); err != nil {
			return Message{}, err
		}
		content = v
	default:
		return Message{}, fmt.Errorf("unknown content type %q", wire.ContentType)
	}
	return Message{
		ID:           wire.ID,
		Conversation: Conversation{ID: wire.Conversation, Kind: KindFromString(wire.Kind)},
		Sender:       wire.Sender,
		SentAt:       time.UnixMilli(wire.SentAt),
		Content:      content,
		Metadata:     wire.Metadata,
	}, nil
}
