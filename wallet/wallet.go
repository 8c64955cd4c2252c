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

// Package wallet provisions and operates server-side escrow wallets. Every
// toss gets a wallet of its own; the provider abstracts whether keys live in
// a local encrypted keystore or behind a remote custody service.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/grouptoss/tossbot/params"
	"github.com/grouptoss/tossbot/toss"
)

var (
	// ErrUnknownWallet is returned when a wallet id has never been
	// provisioned and the operation does not create one.
	ErrUnknownWallet = errors.New("unknown wallet")

	// ErrInsufficientBalance is returned when a transfer exceeds the
	// wallet's stablecoin balance.
	ErrInsufficientBalance = errors.New("insufficient stablecoin balance")

	// ErrAmountTooLarge is returned when a single transfer exceeds the
	// provider's per-call cap.
	ErrAmountTooLarge = errors.New("transfer amount above cap")

	// ErrLocked is returned when a keystore wallet cannot sign because its
	// key is not unlocked.
	ErrLocked = errors.New("wallet locked")
)

// checkTransferAmount enforces the per-call limits every provider shares:
// transfers move a positive amount of at most params.MaxTransferUnits.
func checkTransferAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("invalid transfer amount %v", amount)
	}
	if amount.Cmp(big.NewInt(params.MaxTransferUnits)) > 0 {
		return fmt.Errorf("%w: %s, cap %s", ErrAmountTooLarge, amount, toss.Amount(params.MaxTransferUnits))
	}
	return nil
}

// Record is the persisted metadata of a provisioned wallet. The signing key
// itself never enters the record; it stays with the provider.
type Record struct {
	// ID names the wallet. Escrow wallets use the toss id.
	ID string `json:"id"`

	// Address is the wallet's account on chain.
	Address common.Address `json:"address"`

	// Provider identifies which backend holds the key.
	Provider string `json:"provider"`

	CreatedAt int64 `json:"createdAt"` // unix milliseconds
}

// RecordStore persists wallet records. The toss store satisfies it.
type RecordStore interface {
	SaveWalletRecord(rec *Record) error
	WalletRecord(id string) (*Record, error)
}

// Provider provisions wallets and moves stablecoin on their behalf.
//
// Wallet is create-if-absent: asking for an id that was never seen
// provisions a fresh account and returns it, so toss creation needs no
// separate setup call. Transfer broadcasts a stablecoin transfer and returns
// the transaction hash without waiting for inclusion; callers that need
// finality verify the hash themselves.
type Provider interface {
	Wallet(ctx context.Context, id string) (*Record, error)
	Balance(ctx context.Context, id string) (*big.Int, error)
	Transfer(ctx context.Context, fromID string, to common.Address, amount *big.Int) (common.Hash, error)
}
