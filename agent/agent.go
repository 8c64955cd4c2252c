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

// Package agent is the chat front of the toss engine. It dispatches inbound
// messages to commands, turns payment references into joins, and announces
// engine events back into the conversations they belong to. The agent holds
// no wager state of its own; everything it knows it asks the engine.
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/grouptoss/tossbot/chain"
	"github.com/grouptoss/tossbot/chat"
	"github.com/grouptoss/tossbot/engine"
	"github.com/grouptoss/tossbot/params"
	"github.com/grouptoss/tossbot/parser"
	"github.com/grouptoss/tossbot/payment"
	"github.com/grouptoss/tossbot/wallet"
	"github.com/grouptoss/tossbot/watcher"
)

// DefaultPrefix is the command prefix applied when none is configured.
const DefaultPrefix = "@toss"

// messageTimeout bounds the handling of one inbound message, including the
// chain verification ladder a transaction reference may trigger.
const messageTimeout = 2 * time.Minute

var (
	commandCounter  = metrics.NewRegisteredCounter("toss/agent/commands", nil)
	depositCounter  = metrics.NewRegisteredCounter("toss/agent/deposits", nil)
	replyFailGauge  = metrics.NewRegisteredGauge("toss/agent/replyfailures", nil)
	announceCounter = metrics.NewRegisteredCounter("toss/agent/announcements", nil)
)

// Sender delivers outbound chat content. chat.Stream and chat.Client both
// satisfy it.
type Sender interface {
	Send(ctx context.Context, conversationID string, content any) error
}

// Config wires the agent's collaborators.
type Config struct {
	Engine   *engine.Engine
	Resolver *payment.Resolver
	Parser   parser.TossParser
	Provider wallet.Provider
	Watcher  *watcher.Watcher
	Chain    *params.ChainConfig
	Sender   Sender

	// SelfID is the agent's own inbox identity; its messages are ignored.
	SelfID string

	// Prefix is the command prefix, DefaultPrefix when empty.
	Prefix string

	// AllowedCommands whitelists dispatchable commands when non-empty.
	// Free-text toss creation is gated under the name "create".
	AllowedCommands []string

	// WelcomeMessages are sent once per conversation on first contact.
	WelcomeMessages []string
}

// Agent connects one chat identity to the toss engine.
type Agent struct {
	cfg     Config
	prefix  string
	allowed mapset.Set[string]

	// welcomed tracks conversations that already got the welcome blurb.
	welcomed mapset.Set[string]

	quit chan struct{}
	wg   sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New validates the wiring and builds the agent. Start must be called before
// engine events are announced.
func New(cfg Config) (*Agent, error) {
	switch {
	case cfg.Engine == nil:
		return nil, errors.New("agent: engine missing")
	case cfg.Resolver == nil:
		return nil, errors.New("agent: payment resolver missing")
	case cfg.Parser == nil:
		return nil, errors.New("agent: toss parser missing")
	case cfg.Provider == nil:
		return nil, errors.New("agent: wallet provider missing")
	case cfg.Chain == nil:
		return nil, errors.New("agent: chain config missing")
	case cfg.Sender == nil:
		return nil, errors.New("agent: sender missing")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	allowed := mapset.NewSet[string]()
	for _, cmd := range cfg.AllowedCommands {
		allowed.Add(strings.ToLower(strings.TrimSpace(cmd)))
	}
	a := &Agent{
		cfg:      cfg,
		prefix:   prefix,
		allowed:  allowed,
		welcomed: mapset.NewSet[string](),
		quit:     make(chan struct{}),
	}
	if cfg.Watcher != nil {
		cfg.Watcher.OnTransaction(a.onDeposit)
	}
	return a, nil
}

// Start launches the engine event announcer.
func (a *Agent) Start() {
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.announceLoop()
	})
}

// Stop halts announcements and waits for in-flight background work.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.quit)
		a.wg.Wait()
	})
}

// HandleMessage processes one inbound chat message. It is the stream
// worker's handler and runs on a per-message goroutine.
func (a *Agent) HandleMessage(msg chat.Message) {
	if strings.EqualFold(msg.Sender, a.cfg.SelfID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	a.welcome(ctx, msg.Conversation)

	switch content := msg.Content.(type) {
	case chat.TransactionReference:
		a.handleReference(ctx, msg, content)
	case chat.Text:
		a.handleText(ctx, msg, content.Body)
	default:
		log.Debug("Ignoring unhandled content type", "conversation", msg.Conversation.ID, "content", content)
	}
}

// welcome sends the configured greeting the first time a conversation shows
// up. The set is per-process; a restart greets again, which is harmless.
func (a *Agent) welcome(ctx context.Context, conv chat.Conversation) {
	if len(a.cfg.WelcomeMessages) == 0 || !a.welcomed.Add(conv.ID) {
		return
	}
	for _, blurb := range a.cfg.WelcomeMessages {
		a.reply(ctx, conv.ID, blurb)
	}
}

// handleText dispatches a text message: prefix check, then the command
// table, with free text falling through to toss creation.
func (a *Agent) handleText(ctx context.Context, msg chat.Message, body string) {
	body = strings.TrimSpace(body)
	fields := strings.Fields(body)
	if len(fields) == 0 || !strings.EqualFold(fields[0], a.prefix) {
		return
	}
	rest := strings.TrimSpace(body[len(fields[0]):])
	args := fields[1:]

	sub := "create"
	if len(args) == 0 {
		sub = "help"
	} else if s := strings.ToLower(args[0]); knownCommands[s] {
		sub = s
	}
	if !a.commandAllowed(sub) {
		log.Debug("Command not whitelisted", "command", sub, "sender", msg.Sender)
		return
	}
	commandCounter.Inc(1)
	log.Debug("Dispatching command", "command", sub, "conversation", msg.Conversation.ID, "sender", msg.Sender)

	switch sub {
	case "help":
		a.reply(ctx, msg.Conversation.ID, a.helpText())
	case "status":
		a.cmdStatus(ctx, msg)
	case "join":
		a.cmdJoin(ctx, msg)
	case "close":
		a.cmdClose(ctx, msg, args[1:])
	case "balance":
		a.cmdBalance(ctx, msg)
	case "refresh":
		a.cmdRefresh(ctx, msg)
	case "monitor":
		a.cmdMonitor(ctx, msg)
	default:
		a.cmdCreate(ctx, msg, rest)
	}
}

// knownCommands is the fixed subcommand table; any other first word is
// treated as free text describing a new toss.
var knownCommands = map[string]bool{
	"help": true, "status": true, "join": true, "close": true,
	"balance": true, "refresh": true, "monitor": true,
}

func (a *Agent) commandAllowed(cmd string) bool {
	if a.allowed.Cardinality() == 0 {
		return true
	}
	return a.allowed.Contains(cmd)
}

// handleReference correlates a shared transaction hash with a toss and joins
// the sender on success.
func (a *Agent) handleReference(ctx context.Context, msg chat.Message, ref chat.TransactionReference) {
	bag := msg.Metadata.Clone()
	bag.Merge(ref.Metadata)
	hint, _ := bag.OptionHint()

	res, err := a.cfg.Resolver.ResolveReference(ctx, ref.Reference, hint)
	if err != nil {
		a.reply(ctx, msg.Conversation.ID, a.resolveErrorReply(err, msg.Conversation.ID))
		return
	}
	if _, err := a.cfg.Engine.AddParticipant(res.Toss.ID, msg.Sender, res.Option, res.Amount); err != nil {
		a.reply(ctx, msg.Conversation.ID, a.joinErrorReply(err, res.Toss))
		return
	}
	// The joined announcement goes out through the engine event feed.
	depositCounter.Inc(1)
}

// onDeposit handles a watcher-observed transfer. Watcher handlers must not
// block, so the correlation work moves to its own goroutine.
func (a *Agent) onDeposit(tossID string, ev *chain.TransferEvent) {
	select {
	case <-a.quit:
		return
	default:
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
		defer cancel()
		a.applyDeposit(ctx, tossID, ev)
	}()
}

func (a *Agent) applyDeposit(ctx context.Context, tossID string, ev *chain.TransferEvent) {
	res, err := a.cfg.Resolver.ResolveEvent(ev, "")
	if err != nil {
		a.depositError(ctx, tossID, ev, err)
		return
	}
	// On-chain deposits carry no chat identity; the sender address is the
	// participant id. Hex user ids are also paid out directly on close.
	userID := res.Sender.Hex()
	if _, err := a.cfg.Engine.AddParticipant(res.Toss.ID, userID, res.Option, res.Amount); err != nil {
		a.depositError(ctx, tossID, ev, err)
		return
	}
	depositCounter.Inc(1)
}

// depositError reports background correlation failures. Option ambiguity is
// surfaced in the toss's conversation; everything else only reaches the log.
func (a *Agent) depositError(ctx context.Context, tossID string, ev *chain.TransferEvent, err error) {
	switch {
	case errors.Is(err, payment.ErrDuplicateTx), errors.Is(err, engine.ErrDuplicateParticipant):
		log.Debug("Deposit already accounted for", "toss", tossID, "tx", ev.TxHash)
	case errors.Is(err, payment.ErrUnresolvedOption), errors.Is(err, payment.ErrBadAmount), errors.Is(err, engine.ErrUnderpaid):
		ts, err2 := a.cfg.Engine.Status(tossID)
		if err2 != nil || ts.ConversationID == "" {
			log.Warn("Unmatched deposit on escrow wallet", "toss", tossID, "tx", ev.TxHash, "err", err)
			return
		}
		a.reply(ctx, ts.ConversationID, unmatchedDepositText(ts, ev))
	default:
		log.Warn("Deposit correlation failed", "toss", tossID, "tx", ev.TxHash, "err", err)
	}
}

// announceLoop relays engine events into their conversations.
func (a *Agent) announceLoop() {
	defer a.wg.Done()

	ch := make(chan engine.Event, 32)
	sub := a.cfg.Engine.SubscribeEvents(ch)
	defer sub.Unsubscribe()

	for {
		select {
		case <-a.quit:
			return
		case err := <-sub.Err():
			if err != nil {
				log.Error("Engine event subscription died", "err", err)
			}
			return
		case ev := <-ch:
			a.announce(ev)
		}
	}
}

func (a *Agent) announce(ev engine.Event) {
	if ev.Toss == nil || ev.Toss.ConversationID == "" {
		return
	}
	var text string
	switch ev.Kind {
	case engine.EventJoined:
		text = joinedText(ev, a.cfg.Chain)
	case engine.EventClosed:
		text = closedText(ev.Toss, a.cfg.Chain)
	case engine.EventCancelled:
		text = cancelledText(ev.Toss, a.cfg.Chain)
	case engine.EventUnclaimed:
		text = unclaimedText(ev.Toss)
	default:
		return
	}
	announceCounter.Inc(1)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.reply(ctx, ev.Toss.ConversationID, text)

	// Settlements that moved money also get a machine-readable receipt, so
	// wallets can render the transfer without scraping the explorer link.
	if (ev.Kind == engine.EventClosed || ev.Kind == engine.EventCancelled) && ev.Toss.TxHash != (common.Hash{}) {
		a.send(ctx, ev.Toss.ConversationID, chat.TransactionReference{
			NetworkID: a.cfg.Chain.ChainIDHex(),
			Reference: ev.Toss.TxHash,
			Metadata:  map[string]string{"tossId": ev.Toss.ID},
		})
	}
}

// reply sends a text message, logging delivery failures. The transport
// retries internally; a failure here means the reply is gone for good.
func (a *Agent) reply(ctx context.Context, conversationID string, body string) {
	if err := a.cfg.Sender.Send(ctx, conversationID, chat.Text{Body: body}); err != nil {
		replyFailGauge.Inc(1)
		log.Warn("Reply delivery failed", "conversation", conversationID, "err", err)
	}
}

// send ships non-text content, such as payment buttons.
func (a *Agent) send(ctx context.Context, conversationID string, content any) {
	if err := a.cfg.Sender.Send(ctx, conversationID, content); err != nil {
		replyFailGauge.Inc(1)
		log.Warn("Message delivery failed", "conversation", conversationID, "err", err)
	}
}
