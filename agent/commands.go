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

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/grouptoss/tossbot/chain"
	"github.com/grouptoss/tossbot/chat"
	"github.com/grouptoss/tossbot/parser"
	"github.com/grouptoss/tossbot/toss"
)

// requireGroupActive enforces the rule shared by join, close, status and
// refresh: a group conversation with an open toss. A nil return means the
// refusal was already sent.
func (a *Agent) requireGroupActive(ctx context.Context, msg chat.Message) *toss.Toss {
	if msg.Conversation.IsDM() {
		a.reply(ctx, msg.Conversation.ID, "Tosses live in group chats. Add me to a group and run "+a.prefix+" there.")
		return nil
	}
	ts, ok := a.cfg.Engine.ActiveForConversation(msg.Conversation.ID)
	if !ok {
		a.reply(ctx, msg.Conversation.ID, "No open toss in this chat. Start one with \""+a.prefix+" <topic> for <stake>\".")
		return nil
	}
	return ts
}

// requireDM enforces the DM-only rule of balance and monitor.
func (a *Agent) requireDM(ctx context.Context, msg chat.Message) bool {
	if !msg.Conversation.IsDM() {
		a.reply(ctx, msg.Conversation.ID, "That one only works in a DM with me.")
		return false
	}
	return true
}

// cmdCreate parses free text into a new toss, announces it and posts the
// two payment buttons.
func (a *Agent) cmdCreate(ctx context.Context, msg chat.Message, prompt string) {
	if msg.Conversation.IsDM() {
		a.reply(ctx, msg.Conversation.ID, "Tosses can only be created in group chats.")
		return
	}
	if strings.TrimSpace(prompt) == "" {
		a.reply(ctx, msg.Conversation.ID, a.helpText())
		return
	}
	if active, ok := a.cfg.Engine.ActiveForConversation(msg.Conversation.ID); ok {
		a.reply(ctx, msg.Conversation.ID, fmt.Sprintf(
			"Toss #%s (%s) is still open here. Close it before starting another.", active.ID, active.Topic))
		return
	}
	parsed, err := a.cfg.Parser.Parse(ctx, prompt, msg.Sender)
	if err != nil {
		var perr *parser.ParseError
		if errors.As(err, &perr) {
			a.reply(ctx, msg.Conversation.ID, perr.Reason+". Try \""+a.prefix+" Lakers vs Celtics for 1\".")
			return
		}
		log.Error("Toss parser unavailable", "err", err)
		a.reply(ctx, msg.Conversation.ID, "I couldn't read that right now, please try again in a moment.")
		return
	}
	ts, err := a.cfg.Engine.Create(ctx, msg.Sender, msg.Conversation.ID, *parsed)
	if err != nil {
		a.reply(ctx, msg.Conversation.ID, a.createErrorReply(err))
		return
	}
	buttons, err := a.paymentButtons(ts)
	if err != nil {
		// The toss exists but cannot be paid into; better to pull it back
		// than to leave a round nobody can join.
		log.Error("Payment button encoding failed", "toss", ts.ID, "err", err)
		if _, ferr := a.cfg.Engine.ForceClose(ctx, ts.ID, ts.Creator); ferr != nil {
			log.Error("Rollback of unpayable toss failed", "toss", ts.ID, "err", ferr)
		}
		a.reply(ctx, msg.Conversation.ID, "Something went wrong setting up the payments, the toss was cancelled.")
		return
	}
	if _, err := a.cfg.Engine.Announce(ts.ID); err != nil {
		log.Error("Toss announcement failed", "toss", ts.ID, "err", err)
		return
	}
	a.reply(ctx, msg.Conversation.ID, createdText(ts, a.cfg.Chain))
	for _, b := range buttons {
		a.send(ctx, msg.Conversation.ID, b)
	}
}

// cmdStatus reports the active toss.
func (a *Agent) cmdStatus(ctx context.Context, msg chat.Message) {
	ts := a.requireGroupActive(ctx, msg)
	if ts == nil {
		return
	}
	a.reply(ctx, msg.Conversation.ID, statusText(ts, a.cfg.Chain))
}

// cmdJoin resends the payment buttons of the active toss.
func (a *Agent) cmdJoin(ctx context.Context, msg chat.Message) {
	ts := a.requireGroupActive(ctx, msg)
	if ts == nil {
		return
	}
	buttons, err := a.paymentButtons(ts)
	if err != nil {
		log.Error("Payment button encoding failed", "toss", ts.ID, "err", err)
		a.reply(ctx, msg.Conversation.ID, "Couldn't rebuild the payment buttons, please try again.")
		return
	}
	a.reply(ctx, msg.Conversation.ID, fmt.Sprintf(
		"Toss #%s: %s. Stake %s %s, pick a side:", ts.ID, ts.Topic, ts.Stake, a.cfg.Chain.StablecoinSymbol))
	for _, b := range buttons {
		a.send(ctx, msg.Conversation.ID, b)
	}
}

// cmdClose settles the active toss: with a result when one is given, as a
// refunding force-close otherwise.
func (a *Agent) cmdClose(ctx context.Context, msg chat.Message, args []string) {
	ts := a.requireGroupActive(ctx, msg)
	if ts == nil {
		return
	}
	result := strings.TrimSpace(strings.Join(args, " "))
	var err error
	if result == "" {
		_, err = a.cfg.Engine.ForceClose(ctx, ts.ID, msg.Sender)
	} else {
		_, err = a.cfg.Engine.Close(ctx, ts.ID, msg.Sender, result)
	}
	if err != nil {
		a.reply(ctx, msg.Conversation.ID, a.closeErrorReply(err, ts))
	}
	// The settlement summary goes out through the engine event feed.
}

// cmdBalance reports the sender's custodial wallet balance, DM only.
func (a *Agent) cmdBalance(ctx context.Context, msg chat.Message) {
	if !a.requireDM(ctx, msg) {
		return
	}
	// Wallet first: a user who never held funds gets a zero balance and an
	// address to top up, not an error.
	rec, err := a.cfg.Provider.Wallet(ctx, msg.Sender)
	if err != nil {
		log.Error("Wallet lookup failed", "user", msg.Sender, "err", err)
		a.reply(ctx, msg.Conversation.ID, "The wallet service is not reachable right now, please try again later.")
		return
	}
	balance, err := a.cfg.Provider.Balance(ctx, msg.Sender)
	if err != nil {
		log.Error("Balance lookup failed", "user", msg.Sender, "err", err)
		a.reply(ctx, msg.Conversation.ID, "The wallet service is not reachable right now, please try again later.")
		return
	}
	a.reply(ctx, msg.Conversation.ID, balanceText(balance, rec.Address, a.cfg.Chain))
}

// cmdRefresh re-reads the escrow balance of the active toss and reports it.
func (a *Agent) cmdRefresh(ctx context.Context, msg chat.Message) {
	ts := a.requireGroupActive(ctx, msg)
	if ts == nil {
		return
	}
	updated, err := a.cfg.Engine.Refresh(ctx, ts.ID)
	if err != nil {
		a.reply(ctx, msg.Conversation.ID, a.closeErrorReply(err, ts))
		return
	}
	a.reply(ctx, msg.Conversation.ID, refreshText(updated, a.cfg.Chain))
}

// cmdMonitor reports watcher health, DM only.
func (a *Agent) cmdMonitor(ctx context.Context, msg chat.Message) {
	if !a.requireDM(ctx, msg) {
		return
	}
	if a.cfg.Watcher == nil {
		a.reply(ctx, msg.Conversation.ID, "No deposit watcher is configured in this mode.")
		return
	}
	a.reply(ctx, msg.Conversation.ID, monitorText(a.cfg.Watcher.Running(), a.cfg.Watcher.Wallets()))
}

// paymentButtons builds one wallet-send-calls message per outcome. The
// call pays the stake to the escrow wallet with the option index encoded
// in the amount's final digit.
func (a *Agent) paymentButtons(ts *toss.Toss) ([]chat.WalletSendCalls, error) {
	out := make([]chat.WalletSendCalls, 0, len(ts.Options))
	for i, opt := range ts.Options {
		amount := toss.EncodeOption(ts.Stake, i)
		data, err := chain.PackTransfer(ts.WalletAddress, amount.BigInt())
		if err != nil {
			return nil, fmt.Errorf("pack transfer for option %q: %w", opt, err)
		}
		out = append(out, chat.WalletSendCalls{
			Version: "1.0",
			ChainID: a.cfg.Chain.ChainIDHex(),
			Calls: []chat.WalletCall{{
				To:   a.cfg.Chain.Stablecoin,
				Data: data,
				Metadata: map[string]string{
					"option":      opt,
					"tossId":      ts.ID,
					"description": fmt.Sprintf("Bet %s %s on %q in toss #%s", amount, a.cfg.Chain.StablecoinSymbol, opt, ts.ID),
				},
			}},
		})
	}
	return out, nil
}
