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
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/grouptoss/tossbot/toss"
)

// Reconcile rebuilds the engine's view after a restart. Unsettled escrows
// are re-indexed and re-watched; tosses stuck mid-settlement are surfaced
// for the operator but never retried automatically, since the on-disk
// journal tells exactly who was already paid. CREATED tosses that were
// never announced and have aged past the threshold are pruned.
func (e *Engine) Reconcile(ctx context.Context) error {
	all, err := e.cfg.Store.AllTosses()
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	cutoff := time.Now().Add(-e.cfg.StaleCreatedAfter).UnixMilli()

	var watching, pruned, stuck int
	for _, ts := range all {
		switch {
		case ts.Status.Terminal():
			// Settled history needs no runtime state.

		case ts.Status == toss.StatusCreated && ts.CreatedAt < cutoff:
			// Never announced, so its escrow address was never shown to
			// anyone and cannot hold deposits.
			if err := e.cfg.Store.DeleteToss(ts.ID); err != nil {
				log.Warn("Failed to prune stale toss", "id", ts.ID, "err", err)
				continue
			}
			pruned++
			log.Info("Pruned unannounced toss", "id", ts.ID, "age", time.Since(time.UnixMilli(ts.CreatedAt)))

		default:
			if ts.Status == toss.StatusInProgress {
				stuck++
				log.Warn("Toss interrupted mid-settlement, review required",
					"id", ts.ID, "result", ts.Result,
					"paid", len(ts.PaidOut), "participants", len(ts.Participants))
			}
			e.index(ts)
			if e.cfg.Watcher != nil {
				e.cfg.Watcher.AddWallet(ts.WalletAddress, ts.ID)
			}
			watching++
		}
	}
	log.Info("Toss state reconciled", "tosses", len(all), "watching", watching, "pruned", pruned, "interrupted", stuck)
	return nil
}

// Refresh re-reads the escrow balance and records whole stakes that nobody
// claimed with a join. It never invents participants: a deposit whose
// option is unknown stays unclaimed until its sender makes themselves
// known.
func (e *Engine) Refresh(ctx context.Context, id string) (*toss.Toss, error) {
	unlock := e.lockToss(id)
	defer unlock()

	ts, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if ts.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrBadState, id, ts.Status)
	}
	balance, err := e.cfg.Provider.Balance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", id, err)
	}

	unclaimed := 0
	extra := new(big.Int).Sub(balance, ts.Pot().BigInt())
	if extra.Sign() > 0 && ts.Stake > 0 {
		if n := new(big.Int).Div(extra, ts.Stake.BigInt()); n.IsInt64() {
			unclaimed = int(n.Int64())
		}
	}
	if unclaimed != ts.UnclaimedDeposits {
		grew := unclaimed > ts.UnclaimedDeposits
		ts.UnclaimedDeposits = unclaimed
		if err := e.save(ts); err != nil {
			return nil, err
		}
		if grew {
			e.feed.Send(Event{Kind: EventUnclaimed, Toss: ts.Copy()})
		}
	}
	log.Debug("Escrow refreshed", "id", id, "balance", balance, "pot", ts.Pot(), "unclaimed", unclaimed)
	return ts.Copy(), nil
}
