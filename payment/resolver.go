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

// Package payment correlates on-chain stablecoin deposits with tosses and
// outcome choices. A deposit reaches the resolver either as a transaction
// reference pasted in chat or as a watcher event; both paths meet in the
// same ladder: find the toss by escrow address, read the option from an
// explicit metadata hint if the sending client attached one, otherwise from
// the amount remainder, and deduplicate by transaction hash.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru"

	"github.com/grouptoss/tossbot/chain"
	"github.com/grouptoss/tossbot/toss"
)

const defaultSeenCacheSize = 4096

var (
	// ErrDuplicateTx is returned when a transaction hash was already
	// resolved once. Watcher replays and double-pasted references land
	// here.
	ErrDuplicateTx = errors.New("transaction already processed")

	// ErrUnknownWallet is returned when the deposit target is not an escrow
	// wallet the index knows about.
	ErrUnknownWallet = errors.New("deposit to unknown wallet")

	// ErrUnresolvedOption is returned when neither a metadata hint nor the
	// amount remainder identifies an outcome.
	ErrUnresolvedOption = errors.New("cannot resolve option choice")

	// ErrBadAmount is returned when the deposit value does not fit the
	// stake amount space.
	ErrBadAmount = errors.New("deposit amount out of range")
)

var (
	resolvedCounter   = metrics.NewRegisteredCounter("toss/payment/resolved", nil)
	duplicateCounter  = metrics.NewRegisteredCounter("toss/payment/duplicates", nil)
	unresolvedCounter = metrics.NewRegisteredCounter("toss/payment/unresolved", nil)
)

// TossIndex finds the toss escrowed by a wallet address. The engine
// implements it over its active set.
type TossIndex interface {
	ByAddress(addr common.Address) (*toss.Toss, bool)
}

// TxVerifier waits for a referenced transaction to be mined. chain.Verifier
// implements it.
type TxVerifier interface {
	Verify(ctx context.Context, hash common.Hash) (*types.Transaction, *types.Receipt, error)
}

// Resolution is a fully correlated deposit: which toss, which option, who
// paid and how much.
type Resolution struct {
	Toss        *toss.Toss
	Option      string
	OptionIndex int
	Sender      common.Address
	Amount      toss.Amount
	TxHash      common.Hash
}

// Config parameterizes a Resolver.
type Config struct {
	Verifier TxVerifier
	Index    TossIndex

	// Token is the stablecoin contract; references paying any other
	// contract are rejected.
	Token   common.Address
	ChainID *big.Int

	// SeenCacheSize bounds the duplicate-suppression cache. Zero means
	// 4096 entries.
	SeenCacheSize int
}

// Resolver is safe for concurrent use.
type Resolver struct {
	cfg  Config
	seen *lru.Cache
}

// NewResolver builds a resolver with its duplicate-suppression cache.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.SeenCacheSize == 0 {
		cfg.SeenCacheSize = defaultSeenCacheSize
	}
	seen, err := lru.New(cfg.SeenCacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{cfg: cfg, seen: seen}, nil
}

// ResolveReference resolves a transaction hash a user shared in chat. The
// hash is verified on chain first, so the caller may block for the length of
// the verifier's retry ladder. optionHint carries the outcome label attached
// by the sending client, or "" when none was.
func (r *Resolver) ResolveReference(ctx context.Context, txHash common.Hash, optionHint string) (*Resolution, error) {
	if r.seen.Contains(txHash) {
		duplicateCounter.Inc(1)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTx, txHash)
	}
	tx, receipt, err := r.cfg.Verifier.Verify(ctx, txHash)
	if err != nil {
		return nil, err
	}
	ev, err := chain.TransferFromTx(tx, receipt, r.cfg.Token, r.cfg.ChainID)
	if err != nil {
		return nil, err
	}
	return r.resolve(ev, optionHint)
}

// ResolveEvent resolves a deposit the watcher observed. The chain already
// proved it, so no verification round trip happens here.
func (r *Resolver) ResolveEvent(ev *chain.TransferEvent, optionHint string) (*Resolution, error) {
	return r.resolve(ev, optionHint)
}

func (r *Resolver) resolve(ev *chain.TransferEvent, optionHint string) (*Resolution, error) {
	if r.seen.Contains(ev.TxHash) {
		duplicateCounter.Inc(1)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTx, ev.TxHash)
	}
	ts, ok := r.cfg.Index.ByAddress(ev.To)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, ev.To)
	}
	amount, ok := toss.AmountFromBig(ev.Value)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBadAmount, ev.Value)
	}

	idx, found := 0, false
	if optionHint != "" {
		// An explicit hint from the paying client wins over the remainder.
		if i, ok := ts.OptionIndex(optionHint); ok {
			idx, found = i, true
		} else {
			log.Warn("Ignoring unknown option hint", "toss", ts.ID, "hint", optionHint, "tx", ev.TxHash)
		}
	}
	if !found {
		if i, ok := toss.DecodeOption(amount, len(ts.Options)); ok {
			idx, found = i, true
		}
	}
	if !found {
		unresolvedCounter.Inc(1)
		return nil, fmt.Errorf("%w: toss %s, amount %s", ErrUnresolvedOption, ts.ID, amount)
	}

	r.seen.Add(ev.TxHash, struct{}{})
	resolvedCounter.Inc(1)
	log.Debug("Deposit resolved", "toss", ts.ID, "option", ts.Options[idx], "sender", ev.From, "amount", amount, "tx", ev.TxHash)
	return &Resolution{
		Toss:        ts,
		Option:      ts.Options[idx],
		OptionIndex: idx,
		Sender:      ev.From,
		Amount:      amount,
		TxHash:      ev.TxHash,
	}, nil
}
