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
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// The fragment of the ERC-20 ABI the toss system touches: moving tokens,
// reading balances and watching Transfer events.
const erc20ABIJSON = `[
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"event","name":"Transfer","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var (
	erc20ABI abi.ABI

	// TransferTopic is the topic0 of the ERC-20 Transfer event,
	// keccak256("Transfer(address,address,uint256)").
	TransferTopic common.Hash

	transferSelector []byte
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Errorf("chain: bad erc20 abi: %v", err))
	}
	erc20ABI = parsed
	TransferTopic = erc20ABI.Events["Transfer"].ID
	transferSelector = erc20ABI.Methods["transfer"].ID
}

// ErrNotTransfer is returned when calldata or a log is not an ERC-20
// transfer.
var ErrNotTransfer = errors.New("not an erc20 transfer")

// TransferEvent is one observed token movement, from either a Transfer log
// or decoded transfer calldata.
type TransferEvent struct {
	Token       common.Address
	From        common.Address
	To          common.Address
	Value       *big.Int
	TxHash      common.Hash
	BlockNumber uint64
}

// PackTransfer encodes transfer(to, value) calldata.
func PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, value)
}

// UnpackTransfer decodes transfer(to, value) calldata. Anything that is not
// a call to the transfer selector yields ErrNotTransfer.
func UnpackTransfer(data []byte) (common.Address, *big.Int, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], transferSelector) {
		return common.Address{}, nil, ErrNotTransfer
	}
	vals, err := erc20ABI.Methods["transfer"].Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("%w: %v", ErrNotTransfer, err)
	}
	to, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, nil, ErrNotTransfer
	}
	value, ok := vals[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, ErrNotTransfer
	}
	return to, value, nil
}

// ParseTransferLog decodes an ERC-20 Transfer log into a TransferEvent.
func ParseTransferLog(lg *types.Log) (*TransferEvent, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic {
		return nil, ErrNotTransfer
	}
	vals, err := erc20ABI.Events["Transfer"].Inputs.Unpack(lg.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotTransfer, err)
	}
	value, ok := vals[0].(*big.Int)
	if !ok {
		return nil, ErrNotTransfer
	}
	return &TransferEvent{
		Token:       lg.Address,
		From:        common.BytesToAddress(lg.Topics[1].Bytes()),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()),
		Value:       value,
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
	}, nil
}

// TransferFromTx decodes a mined transaction as a stablecoin transfer to
// some address. The transaction must call the token contract's transfer
// method; from is recovered from the signature.
func TransferFromTx(tx *types.Transaction, receipt *types.Receipt, token common.Address, chainID *big.Int) (*TransferEvent, error) {
	if tx.To() == nil || *tx.To() != token {
		return nil, ErrNotTransfer
	}
	to, value, err := UnpackTransfer(tx.Data())
	if err != nil {
		return nil, err
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("chain: recover sender: %w", err)
	}
	ev := &TransferEvent{
		Token:  token,
		From:   from,
		To:     to,
		Value:  value,
		TxHash: tx.Hash(),
	}
	if receipt != nil {
		ev.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return ev, nil
}

// BalanceOf reads the token balance of owner at the current head.
func BalanceOf(ctx context.Context, b Backend, token, owner common.Address) (*big.Int, error) {
	input, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("chain: pack balanceOf: %w", err)
	}
	out, err := b.CallContract(ctx, ethereum.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balanceOf call: %w", err)
	}
	vals, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack balanceOf: %w", err)
	}
	balance, ok := vals[0].(*big.Int)
	if !ok {
		return nil, errors.New("chain: balanceOf returned non-integer")
	}
	return balance, nil
}
