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

package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

// Verification retry ladder. A user pastes a transaction hash the moment
// their wallet broadcasts it, so the first lookups routinely race inclusion.
const (
	verifyAttempts = 5
	verifyDelay    = 5 * time.Second
	verifyBackoff  = 1.5
)

var (
	// ErrTxNotFound means the transaction never became visible within the
	// retry ladder.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrTxPending means the transaction was seen but not mined within the
	// retry ladder.
	ErrTxPending = errors.New("transaction still pending")

	// ErrTxFailed means the transaction was mined but reverted.
	ErrTxFailed = errors.New("transaction reverted")
)

var (
	verifyRetryCounter = metrics.NewRegisteredCounter("toss/verify/retries", nil)
	verifyFailCounter  = metrics.NewRegisteredCounter("toss/verify/failures", nil)
)

// Verifier waits for a transaction to be mined successfully, retrying with
// exponential backoff while it propagates.
type Verifier struct {
	backend Backend

	attempts int
	delay    time.Duration
	backoff  float64
}

// NewVerifier creates a verifier with the default retry ladder of five
// attempts starting at five seconds, growing 1.5x per attempt.
func NewVerifier(backend Backend) *Verifier {
	return &Verifier{
		backend:  backend,
		attempts: verifyAttempts,
		delay:    verifyDelay,
		backoff:  verifyBackoff,
	}
}

// Verify resolves a transaction hash to its mined transaction and receipt.
// It returns ErrTxFailed as soon as a revert is observed; propagation delays
// are retried and reported as ErrTxNotFound or ErrTxPending only after the
// ladder is exhausted.
func (v *Verifier) Verify(ctx context.Context, hash common.Hash) (*types.Transaction, *types.Receipt, error) {
	var last error
	delay := v.delay
	for attempt := 0; attempt < v.attempts; attempt++ {
		if attempt > 0 {
			verifyRetryCounter.Inc(1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, nil, ctx.Err()
			case <-timer.C:
			}
			delay = time.Duration(float64(delay) * v.backoff)
		}
		tx, pending, err := v.backend.TransactionByHash(ctx, hash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			last = ErrTxNotFound
			log.Debug("Transaction not yet visible", "tx", hash, "attempt", attempt+1)
			continue
		case err != nil:
			last = err
			log.Warn("Transaction lookup failed", "tx", hash, "attempt", attempt+1, "err", err)
			continue
		case pending:
			last = ErrTxPending
			log.Debug("Transaction still pending", "tx", hash, "attempt", attempt+1)
			continue
		}
		receipt, err := v.backend.TransactionReceipt(ctx, hash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			last = ErrTxPending
			continue
		case err != nil:
			last = err
			log.Warn("Receipt lookup failed", "tx", hash, "attempt", attempt+1, "err", err)
			continue
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			verifyFailCounter.Inc(1)
			return tx, receipt, fmt.Errorf("%w: %s", ErrTxFailed, hash)
		}
		return tx, receipt, nil
	}
	verifyFailCounter.Inc(1)
	return nil, nil, fmt.Errorf("verify %s: %w", hash, last)
}
