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
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/grouptoss/tossbot/chain"
	"github.com/grouptoss/tossbot/engine"
	"github.com/grouptoss/tossbot/params"
	"github.com/grouptoss/tossbot/payment"
	"github.com/grouptoss/tossbot/toss"
	"github.com/grouptoss/tossbot/wallet"
	"github.com/grouptoss/tossbot/watcher"
)

func (a *Agent) helpText() string {
	p := a.prefix
	return strings.Join([]string{
		"I run coin tosses with real stakes. In a group chat:",
		"  " + p + " <topic> [<a> vs <b>] [for <stake>]  start a toss",
		"  " + p + " join                                resend the payment buttons",
		"  " + p + " status                              show the open toss",
		"  " + p + " close <winning option>              settle and pay the winners",
		"  " + p + " close                               cancel and refund everyone",
		"  " + p + " refresh                             re-check the escrow balance",
		"In a DM: " + p + " balance, " + p + " monitor.",
	}, "\n")
}

func createdText(ts *toss.Toss, cfg *params.ChainConfig) string {
	return fmt.Sprintf("Toss #%s is on: %s\n%s or %s, stake %s %s on %s. Pick a side below; your wallet pays the escrow directly.",
		ts.ID, ts.Topic, ts.Options[0], ts.Options[1], ts.Stake, cfg.StablecoinSymbol, cfg.NetworkName)
}

func statusText(ts *toss.Toss, cfg *params.ChainConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Toss #%s: %s\n", ts.ID, ts.Topic)
	fmt.Fprintf(&b, "Options %s / %s, stake %s %s, pot %s %s\n",
		ts.Options[0], ts.Options[1], ts.Stake, cfg.StablecoinSymbol, ts.Pot(), cfg.StablecoinSymbol)
	fmt.Fprintf(&b, "State: %s", statusLabel(ts.Status))
	if n := len(ts.Participants); n > 0 {
		fmt.Fprintf(&b, ", %d in", n)
		for _, po := range ts.ParticipantOptions {
			fmt.Fprintf(&b, "\n  %s on %q", shortID(po.UserID), po.Option)
		}
	}
	fmt.Fprintf(&b, "\nEscrow: %s", cfg.AddressLink(ts.WalletAddress))
	return b.String()
}

func refreshText(ts *toss.Toss, cfg *params.ChainConfig) string {
	base := fmt.Sprintf("Toss #%s holds %s %s from %d players.",
		ts.ID, ts.Pot(), cfg.StablecoinSymbol, len(ts.Participants))
	if ts.UnclaimedDeposits > 0 {
		base += fmt.Sprintf(" %d full stake(s) on the wallet match no join; whoever sent them should use the payment buttons.",
			ts.UnclaimedDeposits)
	}
	return base
}

func balanceText(balance *big.Int, addr common.Address, cfg *params.ChainConfig) string {
	var amount string
	if a, ok := toss.AmountFromBig(balance); ok {
		amount = a.String()
	} else {
		amount = balance.String() + " minor units of"
	}
	text := fmt.Sprintf("Your wallet holds %s %s.\nAddress: %s", amount, cfg.StablecoinSymbol, cfg.AddressLink(addr))
	if cfg.FaucetURL != "" {
		text += "\nTest funds: " + cfg.FaucetURL
	}
	return text
}

func monitorText(running bool, wallets map[common.Address]watcher.WalletStatus) string {
	var b strings.Builder
	if running {
		b.WriteString("Deposit watcher is running.")
	} else {
		b.WriteString("Deposit watcher is stopped.")
	}
	if len(wallets) == 0 {
		b.WriteString(" No escrow wallets watched.")
		return b.String()
	}
	fmt.Fprintf(&b, " Watching %d escrow wallet(s):", len(wallets))

	addrs := make([]common.Address, 0, len(wallets))
	for addr := range wallets {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return wallets[addrs[i]].TossID < wallets[addrs[j]].TossID })
	for _, addr := range addrs {
		st := wallets[addr]
		fmt.Fprintf(&b, "\n  toss #%s  %s  scanned to block %d", st.TossID, addr.Hex(), st.Checkpoint)
	}
	return b.String()
}

func joinedText(ev engine.Event, cfg *params.ChainConfig) string {
	return fmt.Sprintf("%s is in on %q. %d player(s) now, pot %s %s.",
		shortID(ev.User), ev.Option, len(ev.Toss.Participants), ev.Toss.Pot(), cfg.StablecoinSymbol)
}

func closedText(ts *toss.Toss, cfg *params.ChainConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Toss #%s settled: %q wins.", ts.ID, ts.Result)
	if len(ts.PaidOut) > 0 {
		share := ts.Pot().Div(len(ts.Winners(ts.Result)))
		fmt.Fprintf(&b, " %s %s to ", share, cfg.StablecoinSymbol)
		for i, user := range ts.PaidOut {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(shortID(user))
		}
		b.WriteString(".")
	} else {
		b.WriteString(" Nobody backed it, the pot stays in escrow.")
	}
	for _, link := range ts.TxLinks {
		b.WriteString("\n")
		b.WriteString(link)
	}
	if len(ts.FailedWinners) > 0 {
		fmt.Fprintf(&b, "\nPayouts to %s failed and will be retried by the operator.", strings.Join(shortIDs(ts.FailedWinners), ", "))
	}
	return b.String()
}

func cancelledText(ts *toss.Toss, cfg *params.ChainConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Toss #%s cancelled.", ts.ID)
	if len(ts.Participants) > 0 {
		fmt.Fprintf(&b, " Stakes of %s %s refunded to %d player(s).", ts.Stake, cfg.StablecoinSymbol, len(ts.PaidOut))
	}
	for _, link := range ts.TxLinks {
		b.WriteString("\n")
		b.WriteString(link)
	}
	if len(ts.FailedRefunds) > 0 {
		fmt.Fprintf(&b, "\nRefunds to %s failed and will be retried by the operator.", strings.Join(shortIDs(ts.FailedRefunds), ", "))
	}
	return b.String()
}

func unclaimedText(ts *toss.Toss) string {
	return fmt.Sprintf("Toss #%s: found %d deposit(s) on the escrow wallet that match no join. If that was you, pay through the buttons so your pick counts.",
		ts.ID, ts.UnclaimedDeposits)
}

func unmatchedDepositText(ts *toss.Toss, ev *chain.TransferEvent) string {
	return fmt.Sprintf("A payment of %s minor units landed on toss #%s's wallet but doesn't name a side (%s or %s). Please pay through the buttons, the amount encodes your pick.",
		ev.Value, ts.ID, ts.Options[0], ts.Options[1])
}

// resolveErrorReply maps a payment resolution failure to a user reply.
func (a *Agent) resolveErrorReply(err error, conversationID string) string {
	switch {
	case errors.Is(err, payment.ErrDuplicateTx):
		return "That transaction was already counted."
	case errors.Is(err, payment.ErrUnknownWallet):
		return "That payment doesn't go to any toss I run."
	case errors.Is(err, payment.ErrUnresolvedOption), errors.Is(err, payment.ErrBadAmount):
		if ts, ok := a.cfg.Engine.ActiveForConversation(conversationID); ok {
			return fmt.Sprintf("I can't tell which side that payment backs (%s or %s). Please pay through the buttons.",
				ts.Options[0], ts.Options[1])
		}
		return "I can't tell which side that payment backs. Please pay through the buttons."
	case errors.Is(err, chain.ErrTxNotFound), errors.Is(err, chain.ErrTxPending):
		return fmt.Sprintf("I couldn't verify that transaction on %s yet. Give it a moment and resend the reference.", a.cfg.Chain.NetworkName)
	case errors.Is(err, chain.ErrTxFailed):
		return "That transaction reverted on chain, no stake arrived."
	case errors.Is(err, chain.ErrNotTransfer):
		return fmt.Sprintf("That transaction isn't a %s transfer.", a.cfg.Chain.StablecoinSymbol)
	default:
		log.Error("Payment resolution failed", "err", err)
		return "I couldn't process that payment, please try again."
	}
}

// joinErrorReply maps an AddParticipant failure to a user reply.
func (a *Agent) joinErrorReply(err error, ts *toss.Toss) string {
	switch {
	case errors.Is(err, engine.ErrDuplicateParticipant):
		return "You're already in this toss."
	case errors.Is(err, engine.ErrInvalidOption):
		return fmt.Sprintf("Pick one of %s or %s.", ts.Options[0], ts.Options[1])
	case errors.Is(err, engine.ErrUnderpaid):
		return fmt.Sprintf("That payment doesn't cover the %s stake.", ts.Stake)
	case errors.Is(err, engine.ErrBadState):
		return fmt.Sprintf("Toss #%s is no longer taking players.", ts.ID)
	case errors.Is(err, engine.ErrNotFound):
		return "That toss doesn't exist any more."
	default:
		log.Error("Join failed", "toss", ts.ID, "err", err)
		return "I couldn't add you to the toss, please try again."
	}
}

// createErrorReply maps a Create failure to a user reply.
func (a *Agent) createErrorReply(err error) string {
	switch {
	case errors.Is(err, engine.ErrActiveToss):
		return "There's already an open toss in this chat. Close it before starting another."
	case errors.Is(err, engine.ErrStakeTooLarge), errors.Is(err, toss.ErrAmountRange):
		return fmt.Sprintf("Stakes top out at %s %s.", toss.Amount(params.MaxStakeUnits), a.cfg.Chain.StablecoinSymbol)
	case errors.Is(err, engine.ErrBadOptions):
		return "A toss needs two different outcome labels."
	default:
		log.Error("Toss creation failed", "err", err)
		return "I couldn't set that toss up, the wallet service may be down. Please try again."
	}
}

// closeErrorReply maps Close, ForceClose and Refresh failures to a reply.
func (a *Agent) closeErrorReply(err error, ts *toss.Toss) string {
	switch {
	case errors.Is(err, engine.ErrNotCreator):
		return fmt.Sprintf("Only %s can close toss #%s.", shortID(ts.Creator), ts.ID)
	case errors.Is(err, engine.ErrNotEnoughPlayers):
		return "A toss needs at least two players to settle. Use close with no option to cancel and refund."
	case errors.Is(err, engine.ErrInvalidOption):
		return fmt.Sprintf("The result must be %s or %s.", ts.Options[0], ts.Options[1])
	case errors.Is(err, engine.ErrBadState):
		return fmt.Sprintf("Toss #%s can't be closed right now.", ts.ID)
	case errors.Is(err, engine.ErrNotFound):
		return "That toss doesn't exist any more."
	case errors.Is(err, wallet.ErrAmountTooLarge):
		return "A payout exceeded the transfer cap; the operator has been notified."
	default:
		log.Error("Close failed", "toss", ts.ID, "err", err)
		return "Settling hit an error on my side; the state was preserved, please retry."
	}
}

// shortID compresses hex addresses for chat display and passes other user
// ids through.
func shortID(user string) string {
	if common.IsHexAddress(user) && len(user) > 12 {
		return user[:6] + "…" + user[len(user)-4:]
	}
	return user
}

func shortIDs(users []string) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = shortID(u)
	}
	return out
}

func statusLabel(s toss.Status) string {
	switch s {
	case toss.StatusCreated:
		return "created, not yet announced"
	case toss.StatusWaiting:
		return "waiting for players"
	case toss.StatusInProgress:
		return "settling"
	case toss.StatusCompleted:
		return "completed"
	case toss.StatusCancelled:
		return "cancelled"
	default:
		return string(s)
	}
}
