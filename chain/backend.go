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

// Package chain reads and verifies stablecoin activity on an EVM chain. It
// wraps the JSON-RPC client behind narrow interfaces so the watcher, the
// payment resolver and the wallet providers can be driven by a stub in
// tests.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend is the read-only RPC surface the toss system depends on. It is a
// subset of ethclient.Client.
type Backend interface {
	// BlockNumber returns the current head height.
	BlockNumber(ctx context.Context) (uint64, error)

	// FilterLogs executes a log filter query against confirmed blocks.
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	// TransactionByHash returns the transaction and whether it is still
	// pending. A missing transaction yields ethereum.NotFound.
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)

	// TransactionReceipt returns the receipt of a mined transaction, or
	// ethereum.NotFound before inclusion.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	// CallContract executes a read-only contract call at the given block,
	// or at the head when blockNumber is nil.
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// SendBackend extends Backend with what is needed to build, sign and
// broadcast transactions from locally held keys.
type SendBackend interface {
	Backend

	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}
