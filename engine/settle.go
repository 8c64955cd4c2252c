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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/grouptoss/tossbot/toss"
)

// Close settles a toss: the creator names the winning option, the pot is
// split equally among its backers and paid out from the escrow. If nobody
// backed the result the toss completes without any transfer and the pot
// stays on the escrow wallet.
//
// The toss moves through IN_PROGRESS while transfers run; every confirmed
// payee is journaled before the next transfer starts, so a crash mid-close
// can be retried without paying anyone twice.
func (e *Engine) Close(ctx context.Context, id, byUser, result string) (*toss.Toss, error) {
	unlock := e.lockToss(id)
	defer unlock()

	ts, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if ts.Status != toss.StatusWaiting {
		return nil, fmt.Errorf("%w: %s is %s", ErrBadState, id, ts.Status)
	}
	if ts.Creator != byUser {
		return nil, fmt.Errorf("%w: %s", ErrNotCreator, byUser)
	}
	idx, ok := ts.OptionIndex(result)
	if !ok {
		return nil, fmt.Errorf("%w: %q, have %s", ErrInvalidOption, result, strings.Join(ts.Options, "/"))
	}
	if len(ts.Participants) < 2 {
		return nil, fmt.Errorf("%w: %d joined", ErrNotEnoughPlayers, len(ts.Participants))
	}

	ts.Status = toss.StatusInProgress
	ts.Result = ts.Options[idx]
	if err := e.save(ts); err != nil {
		return nil, err
	}

	winners := ts.Winners(ts.Result)
	if len(winners) == 0 {
		// Nobody backed the result. No transfers are made; the pot stays on
		// the escrow wallet for the operator to recover.
		log.Warn("No winners, pot stays in escrow", "id", ts.ID, "result", ts.Result, "pot", ts.Pot())
		ts.PaymentSuccess = true
	} else {
		e.payoutWinners(ctx, ts, winners)
		ts.PaymentSuccess = len(ts.PaidOut) > 0
		// Every winner must be journaled exactly once, paid or failed.
		if paid, failed := len(ts.PaidOut), len(ts.FailedWinners); paid+failed != len(winners) {
			log.Error("Settlement accounts out of balance", "id", ts.ID,
				"winners", len(winners), "paid", paid, "failed", failed)
		}
	}

	ts.Status = toss.StatusCompleted
	ts.ClosedAt = time.Now().UnixMilli()
	if err := e.save(ts); err != nil {
		return nil, err
	}
	closedCounter.Inc(1)
	log.Info("Toss settled", "id", ts.ID, "result", ts.Result, "winners", len(winners),
		"paymentSuccess", ts.PaymentSuccess)
	e.feed.Send(Event{Kind: EventClosed, Toss: ts.Copy()})
	return ts.Copy(), nil
}

// ForceClose cancels a toss and refunds every joined stake. Unlike Close it
// needs no minimum participant count; a creator can abandon an empty toss.
func (e *Engine) ForceClose(ctx context.Context, id, byUser string) (*toss.Toss, error) {
	unlock := e.lockToss(id)
	defer unlock()

	ts, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if ts.Status != toss.StatusWaiting && ts.Status != toss.StatusCreated {
		return nil, fmt.Errorf("%w: %s is %s", ErrBadState, id, ts.Status)
	}
	if ts.Creator != byUser {
		return nil, fmt.Errorf("%w: %s", ErrNotCreator, byUser)
	}

	ts.Status = toss.StatusInProgress
	ts.Result = toss.ResultForceClosed
	if err := e.save(ts); err != nil {
		return nil, err
	}

	e.refundAll(ctx, ts)
	ts.PaymentSuccess = len(ts.Participants) == 0 || len(ts.PaidOut) > 0
	if paid, failed := len(ts.PaidOut), len(ts.FailedRefunds); paid+failed != len(ts.Participants) {
		log.Error("Settlement accounts out of balance", "id", ts.ID,
			"participants", len(ts.Participants), "refunded", paid, "failed", failed)
	}

	ts.Status = toss.StatusCancelled
	ts.ClosedAt = time.Now().UnixMilli()
	if err := e.save(ts); err != nil {
		return nil, err
	}
	cancelledCounter.Inc(1)
	log.Info("Toss cancelled", "id", ts.ID, "refunds", len(ts.Participants), "paymentSuccess", ts.PaymentSuccess)
	e.feed.Send(Event{Kind: EventCancelled, Toss: ts.Copy()})
	return ts.Copy(), nil
}

// payoutWinners splits the pot equally, truncating toward zero; division
// dust stays on the escrow wallet.
func (e *Engine) payoutWinners(ctx context.Context, ts *toss.Toss, winners []string) {
	share := ts.Pot().Div(len(winners))
	if share.Mul(len(winners)) > ts.Pot() {
		// Cannot happen with truncating division; refuse to overdraw the
		// escrow if it ever does.
		log.Error("Payout exceeds pot, aborting distribution", "id", ts.ID, "share", share, "winners", len(winners), "pot", ts.Pot())
		ts.FailedWinners = append(ts.FailedWinners, winners...)
		return
	}
	for _, user := range winners {
		e.settleOne(ctx, ts, user, share, false)
	}
}

// refundAll returns the stake to every participant, in join order.
func (e *Engine) refundAll(ctx context.Context, ts *toss.Toss) {
	for _, user := range ts.Participants {
		e.settleOne(ctx, ts, user, ts.Stake, true)
	}
}

// settleOne pays a single participant and journals the outcome. The journal
// write happens before the next participant is touched, which is what makes
// a retried settlement idempotent.
func (e *Engine) settleOne(ctx context.Context, ts *toss.Toss, user string, amount toss.Amount, refund bool) {
	if ts.WasPaid(user) {
		return
	}
	kind := "payout"
	if refund {
		kind = "refund"
	}
	addr, err := e.payoutAddress(ctx, user)
	if err == nil {
		var hash common.Hash
		hash, err = e.cfg.Provider.Transfer(ctx, ts.ID, addr, amount.BigInt())
		if err == nil {
			ts.PaidOut = append(ts.PaidOut, user)
			if ts.TxHash == (common.Hash{}) {
				ts.TxHash = hash
			}
			if e.cfg.Chain != nil {
				ts.TxLinks = append(ts.TxLinks, e.cfg.Chain.TxLink(hash))
			}
			if saveErr := e.save(ts); saveErr != nil {
				log.Error("Settlement journal write failed", "id", ts.ID, "user", user, "err", saveErr)
			}
			log.Info("Settlement transfer broadcast", "id", ts.ID, "kind", kind, "user", user, "amount", amount, "tx", hash)
			return
		}
	}
	payoutFailGauge.Inc(1)
	log.Error("Settlement transfer failed", "id", ts.ID, "kind", kind, "user", user, "amount", amount, "err", err)
	if refund {
		ts.FailedRefunds = append(ts.FailedRefunds, user)
	} else {
		ts.FailedWinners = append(ts.FailedWinners, user)
	}
}

// payoutAddress picks where a participant gets paid: users identified by an
// address string are paid directly, chat-id users get their provider
// wallet.
func (e *Engine) payoutAddress(ctx context.Context, user string) (common.Address, error) {
	if common.IsHexAddress(user) {
		return common.HexToAddress(user), nil
	}
	rec, err := e.cfg.Provider.Wallet(ctx, user)
	if err != nil {
		return common.Address{}, fmt.Errorf("resolve payout wallet for %s: %w", user, err)
	}
	return rec.Address, nil
}
