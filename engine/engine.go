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

// Package engine drives the toss life cycle: creation, paid joins,
// settlement and cancellation. Every mutation runs under a per-toss lock,
// is persisted before it becomes visible, and is announced on an event feed
// the chat layer subscribes to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/grouptoss/tossbot"
	"github.com/grouptoss/tossbot/params"
	"github.com/grouptoss/tossbot/store"
	"github.com/grouptoss/tossbot/toss"
	"github.com/grouptoss/tossbot/wallet"
)

var (
	createdCounter   = metrics.NewRegisteredCounter("toss/created", nil)
	joinedCounter    = metrics.NewRegisteredCounter("toss/joined", nil)
	closedCounter    = metrics.NewRegisteredCounter("toss/closed", nil)
	cancelledCounter = metrics.NewRegisteredCounter("toss/cancelled", nil)
	payoutFailGauge  = metrics.NewRegisteredCounter("toss/payouts/failed", nil)
)

const defaultStaleCreated = 24 * time.Hour

// WalletWatcher is the part of the deposit watcher the engine drives: escrow
// wallets are watched exactly while their toss is unsettled.
type WalletWatcher interface {
	AddWallet(addr common.Address, tossID string)
	RemoveWallet(addr common.Address)
}

// Config wires an Engine.
type Config struct {
	Store    store.Store
	Provider wallet.Provider

	// Watcher may be nil in tools that only read state.
	Watcher WalletWatcher

	// Chain supplies explorer links and network naming.
	Chain *params.ChainConfig

	// StaleCreatedAfter is how long a toss may sit in CREATED before
	// reconciliation prunes it. Zero means 24h.
	StaleCreatedAfter time.Duration
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg Config

	createMu sync.Mutex // serializes Create's conversation uniqueness check

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	active map[string]*toss.Toss       // unsettled tosses, id → snapshot
	byAddr map[common.Address]string   // escrow address → toss id
	byConv map[string]string           // conversation id → active toss id

	feed  event.Feed
	scope event.SubscriptionScope
}

// New builds an engine. Call Reconcile before serving traffic so restarts
// resume watching unsettled escrows.
func New(cfg Config) *Engine {
	if cfg.StaleCreatedAfter == 0 {
		cfg.StaleCreatedAfter = defaultStaleCreated
	}
	return &Engine{
		cfg:    cfg,
		locks:  make(map[string]*sync.Mutex),
		active: make(map[string]*toss.Toss),
		byAddr: make(map[common.Address]string),
		byConv: make(map[string]string),
	}
}

// Stop tears down the event feed. In-flight operations finish normally.
func (e *Engine) Stop() {
	e.scope.Close()
}

// Create validates a parsed toss request, provisions an escrow wallet and
// persists the new toss in CREATED state. The escrow is watched from this
// moment even though joins only open once the toss is announced.
func (e *Engine) Create(ctx context.Context, creator, conversationID string, parsed toss.Parsed) (*toss.Toss, error) {
	if err := normalizeParsed(&parsed); err != nil {
		return nil, err
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()

	if conversationID != "" {
		if id, busy := e.activeConv(conversationID); busy {
			return nil, fmt.Errorf("%w: toss %s", ErrActiveToss, id)
		}
	}
	id, err := e.cfg.Store.NextTossID()
	if err != nil {
		return nil, fmt.Errorf("allocate toss id: %w", err)
	}
	rec, err := e.cfg.Provider.Wallet(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("provision escrow: %w", err)
	}
	ts := toss.New(id, creator, conversationID, parsed, rec.Address)
	if err := e.cfg.Store.SaveToss(ts); err != nil {
		return nil, fmt.Errorf("persist toss: %w", err)
	}
	e.index(ts)
	if e.cfg.Watcher != nil {
		e.cfg.Watcher.AddWallet(ts.WalletAddress, ts.ID)
	}
	createdCounter.Inc(1)
	log.Info("Toss created", "id", ts.ID, "creator", creator, "topic", ts.Topic,
		"options", strings.Join(ts.Options, "/"), "stake", ts.Stake, "escrow", ts.WalletAddress)
	return ts.Copy(), nil
}

// Announce moves a freshly created toss into WAITING_FOR_PLAYER once its
// escrow address has been posted to the conversation.
func (e *Engine) Announce(id string) (*toss.Toss, error) {
	unlock := e.lockToss(id)
	defer unlock()

	ts, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if ts.Status != toss.StatusCreated {
		return nil, fmt.Errorf("%w: %s is %s", ErrBadState, id, ts.Status)
	}
	ts.Status = toss.StatusWaiting
	if err := e.save(ts); err != nil {
		return nil, err
	}
	return ts.Copy(), nil
}

// AddParticipant records a paid join. The option label is matched case
// insensitively and stored in its canonical form; paid must cover the
// stake. Both the chat reference path and the watcher path end up here, and
// the join is announced once on the event feed.
//
// Joins are accepted as soon as the toss exists: a deposit can land before
// the announcement went out. The first join moves a CREATED toss to
// WAITING_FOR_PLAYER.
func (e *Engine) AddParticipant(id, userID, option string, paid toss.Amount) (*toss.Toss, error) {
	unlock := e.lockToss(id)
	defer unlock()

	ts, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if ts.Status != toss.StatusCreated && ts.Status != toss.StatusWaiting {
		return nil, fmt.Errorf("%w: %s is %s", ErrBadState, id, ts.Status)
	}
	if ts.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateParticipant, userID)
	}
	idx, ok := ts.OptionIndex(option)
	if !ok {
		return nil, fmt.Errorf("%w: %q, have %s", ErrInvalidOption, option, strings.Join(ts.Options, "/"))
	}
	if paid < ts.Stake {
		return nil, fmt.Errorf("%w: paid %s, stake %s", ErrUnderpaid, paid, ts.Stake)
	}
	canonical := ts.Options[idx]
	ts.AddParticipant(userID, canonical)
	ts.Status = toss.StatusWaiting
	if err := e.save(ts); err != nil {
		return nil, err
	}
	joinedCounter.Inc(1)
	log.Info("Participant joined", "id", ts.ID, "user", userID, "option", canonical, "players", len(ts.Participants))
	e.feed.Send(Event{Kind: EventJoined, Toss: ts.Copy(), User: userID, Option: canonical})
	return ts.Copy(), nil
}

// Status loads any toss, settled ones included.
func (e *Engine) Status(id string) (*toss.Toss, error) {
	return e.load(id)
}

// ActiveForConversation returns the unsettled toss of a conversation.
func (e *Engine) ActiveForConversation(conversationID string) (*toss.Toss, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byConv[conversationID]
	if !ok {
		return nil, false
	}
	ts, ok := e.active[id]
	if !ok {
		return nil, false
	}
	return ts.Copy(), true
}

// ByAddress resolves an escrow wallet address to its unsettled toss. The
// payment resolver uses this as its index.
func (e *Engine) ByAddress(addr common.Address) (*toss.Toss, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byAddr[addr]
	if !ok {
		return nil, false
	}
	ts, ok := e.active[id]
	if !ok {
		return nil, false
	}
	return ts.Copy(), true
}

// Active lists all unsettled tosses.
func (e *Engine) Active() []*toss.Toss {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*toss.Toss, 0, len(e.active))
	for _, ts := range e.active {
		out = append(out, ts.Copy())
	}
	return out
}

// lockToss acquires the per-toss mutex and returns its unlock.
func (e *Engine) lockToss(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = new(sync.Mutex)
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) load(id string) (*toss.Toss, error) {
	ts, err := e.cfg.Store.Toss(id)
	if errors.Is(err, tossbot.NotFound) {
		return nil, fmt.Errorf("toss %s: %w", id, tossbot.NotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load toss %s: %w", id, err)
	}
	return ts, nil
}

// save persists a toss and refreshes the in-memory indexes, unwatching the
// escrow when the toss reached a terminal state.
func (e *Engine) save(ts *toss.Toss) error {
	if err := e.cfg.Store.SaveToss(ts); err != nil {
		return fmt.Errorf("persist toss %s: %w", ts.ID, err)
	}
	e.index(ts)
	return nil
}

func (e *Engine) index(ts *toss.Toss) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.locks[ts.ID]; !ok {
		e.locks[ts.ID] = new(sync.Mutex)
	}
	if ts.Status.Terminal() {
		delete(e.active, ts.ID)
		delete(e.byAddr, ts.WalletAddress)
		if e.byConv[ts.ConversationID] == ts.ID {
			delete(e.byConv, ts.ConversationID)
		}
		if e.cfg.Watcher != nil {
			e.cfg.Watcher.RemoveWallet(ts.WalletAddress)
		}
		return
	}
	e.active[ts.ID] = ts.Copy()
	e.byAddr[ts.WalletAddress] = ts.ID
	if ts.ConversationID != "" {
		e.byConv[ts.ConversationID] = ts.ID
	}
}

func (e *Engine) activeConv(conversationID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byConv[conversationID]
	return id, ok
}

// normalizeParsed trims and validates a toss request in place, applying the
// default stake when none was given.
func normalizeParsed(parsed *toss.Parsed) error {
	parsed.Topic = strings.TrimSpace(parsed.Topic)
	opts := parsed.Options[:0]
	for _, o := range parsed.Options {
		if o = strings.TrimSpace(o); o != "" {
			opts = append(opts, o)
		}
	}
	parsed.Options = opts
	if len(parsed.Options) < 2 || len(parsed.Options) > toss.MaxOptions {
		return fmt.Errorf("%w: need 2 to %d labels, got %d", ErrBadOptions, toss.MaxOptions, len(parsed.Options))
	}
	for i, a := range parsed.Options {
		for _, b := range parsed.Options[i+1:] {
			if strings.EqualFold(a, b) {
				return fmt.Errorf("%w: %q repeats", ErrBadOptions, a)
			}
		}
	}
	if parsed.Stake == 0 {
		parsed.Stake = params.DefaultStakeUnits
	}
	if parsed.Stake < 0 {
		return fmt.Errorf("stake %s: %w", parsed.Stake, toss.ErrAmountRange)
	}
	if parsed.Stake.Units() > params.MaxStakeUnits {
		return fmt.Errorf("%w: %s, cap %s", ErrStakeTooLarge, parsed.Stake, toss.Amount(params.MaxStakeUnits))
	}
	return nil
}
