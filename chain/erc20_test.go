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
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	testToken = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	testDest  = common.HexToAddress("0x00000000000000000000000000000000deadbeef")
)

func TestTransferTopic(t *testing.T) {
	want := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	if TransferTopic != want {
		t.Fatalf("TransferTopic = %s, want %s", TransferTopic, want)
	}
}

func TestPackTransfer(t *testing.T) {
	data, err := PackTransfer(testDest, big.NewInt(1_000_001))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 4+32+32 {
		t.Fatalf("calldata length = %d, want 68", len(data))
	}
	if selector := hexutil.Encode(data[:4]); selector != "0xa9059cbb" {
		t.Errorf("selector = %s, want 0xa9059cbb", selector)
	}

	to, value, err := UnpackTransfer(data)
	if err != nil {
		t.Fatal(err)
	}
	if to != testDest {
		t.Errorf("unpacked to = %s", to.Hex())
	}
	if value.Int64() != 1_000_001 {
		t.Errorf("unpacked value = %s", value)
	}
}

func TestUnpackTransferRejectsForeignCalldata(t *testing.T) {
	cases := [][]byte{
		nil,
		{0xa9, 0x05},
		bytes.Repeat([]byte{0}, 68),                           // zero selector
		append([]byte{0x09, 0x5e, 0xa7, 0xb3}, make([]byte, 64)...), // approve()
	}
	for _, data := range cases {
		if _, _, err := UnpackTransfer(data); !errors.Is(err, ErrNotTransfer) {
			t.Errorf("UnpackTransfer(%d bytes) error = %v, want ErrNotTransfer", len(data), err)
		}
	}
}

func transferLog(from, to common.Address, value *big.Int) *types.Log {
	return &types.Log{
		Address: testToken,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.BigToHash(value).Bytes(),
		TxHash:      common.HexToHash("0xabc1"),
		BlockNumber: 1234,
	}
}

func TestParseTransferLog(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	ev, err := ParseTransferLog(transferLog(from, testDest, big.NewInt(100_002)))
	if err != nil {
		t.Fatal(err)
	}
	if ev.From != from || ev.To != testDest {
		t.Errorf("parsed endpoints = %s → %s", ev.From.Hex(), ev.To.Hex())
	}
	if ev.Value.Int64() != 100_002 {
		t.Errorf("parsed value = %s", ev.Value)
	}
	if ev.Token != testToken || ev.BlockNumber != 1234 {
		t.Errorf("parsed metadata = %+v", ev)
	}
}

func TestParseTransferLogRejectsOtherEvents(t *testing.T) {
	lg := transferLog(testDest, testDest, big.NewInt(1))
	lg.Topics[0] = common.HexToHash("0x01")
	if _, err := ParseTransferLog(lg); !errors.Is(err, ErrNotTransfer) {
		t.Errorf("foreign topic error = %v, want ErrNotTransfer", err)
	}

	lg = transferLog(testDest, testDest, big.NewInt(1))
	lg.Topics = lg.Topics[:2] // approval-style topic count
	if _, err := ParseTransferLog(lg); !errors.Is(err, ErrNotTransfer) {
		t.Errorf("short topics error = %v, want ErrNotTransfer", err)
	}
}

func TestTransferFromTx(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	chainID := big.NewInt(84532)
	data, err := PackTransfer(testDest, big.NewInt(1_000_002))
	if err != nil {
		t.Fatal(err)
	}
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(100),
		Gas:       60000,
		To:        &testToken,
		Data:      data,
	})
	if err != nil {
		t.Fatal(err)
	}
	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(99)}

	ev, err := TransferFromTx(tx, receipt, testToken, chainID)
	if err != nil {
		t.Fatal(err)
	}
	if want := crypto.PubkeyToAddress(key.PublicKey); ev.From != want {
		t.Errorf("recovered sender = %s, want %s", ev.From.Hex(), want.Hex())
	}
	if ev.To != testDest || ev.Value.Int64() != 1_000_002 {
		t.Errorf("decoded transfer = %+v", ev)
	}
	if ev.BlockNumber != 99 {
		t.Errorf("block number = %d", ev.BlockNumber)
	}

	// A transaction to some other contract is not a stablecoin deposit even
	// if its calldata happens to decode.
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	if _, err := TransferFromTx(tx, receipt, other, chainID); !errors.Is(err, ErrNotTransfer) {
		t.Errorf("foreign token error = %v, want ErrNotTransfer", err)
	}
}
