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

// Package store defines the persistence interface for tosses and wallet
// records. Implementations live in the filestore, leveldb and memstore
// subpackages; all of them hand out deep copies, so a loaded toss can be
// mutated freely and only becomes visible once saved again.
package store

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/grouptoss/tossbot"
	"github.com/grouptoss/tossbot/toss"
	"github.com/grouptoss/tossbot/wallet"
)

// ErrNotFound is returned when a toss or wallet record does not exist. It is
// the shared tossbot.NotFound sentinel, so callers holding only a wallet
// provider can still test for it.
var ErrNotFound = tossbot.NotFound

// Store is the persistence layer of the toss engine.
//
// NextTossID allocates monotonically increasing numeric ids. Ids are never
// reused, even across restarts: implementations derive the next id from the
// highest one ever persisted.
type Store interface {
	// SaveToss writes a toss, creating or replacing it.
	SaveToss(t *toss.Toss) error

	// Toss loads one toss by id.
	Toss(id string) (*toss.Toss, error)

	// DeleteToss removes a toss. Deleting an unknown id is not an error.
	DeleteToss(id string) error

	// AllTosses loads every stored toss, ordered by numeric id.
	AllTosses() ([]*toss.Toss, error)

	// NextTossID allocates a fresh toss id.
	NextTossID() (string, error)

	// SaveWalletRecord and WalletRecord persist wallet metadata for the
	// wallet provider.
	SaveWalletRecord(rec *wallet.Record) error
	WalletRecord(id string) (*wallet.Record, error)

	// WalletRecordByAddress finds the record owning an on-chain address,
	// matching case insensitively.
	WalletRecordByAddress(addr common.Address) (*wallet.Record, error)

	// WalletRecords loads every stored record.
	WalletRecords() ([]*wallet.Record, error)

	// Close releases the underlying resources. The store must not be used
	// afterwards.
	Close() error
}
