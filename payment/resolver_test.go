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

package payment

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/grouptoss/tossbot/chain"
	"github.com/grouptoss/tossbot/toss"
)

var (
	token   = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	escrow  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	sender  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	chainID = big.NewInt(84532)
)

type stubIndex map[common.Address]*toss.Toss

func (s stubIndex) ByAddress(addr common.Address) (*toss.Toss, bool) {
	ts, ok := s[addr]
	return ts, ok
}

type stubVerifier struct {
	tx      *types.Transaction
	receipt *types.Receipt
	err     error
}

func (v *stubVerifier) Verify(ctx context.Context, hash common.Hash) (*types.Transaction, *types.Receipt, error) {
	return v.tx, v.receipt, v.err
}

func twoOptionToss(stake string) *toss.Toss {
	return toss.New("7", "alice", "conv-1", toss.Parsed{
		Topic:   "rain tomorrow",
		Options: []string{"yes", "no"},
		Stake:   toss.MustParseAmount(stake),
	}, escrow)
}

func newTestResolver(t *testing.T, v TxVerifier, ts *toss.Toss) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{
		Verifier: v,
		Index:    stubIndex{escrow: ts},
		Token:    token,
		ChainID:  chainID,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func event(value int64, hash byte) *chain.TransferEvent {
	return &chain.TransferEvent{
		Token:       token,
		From:        sender,
		To:          escrow,
		Value:       big.NewInt(value),
		TxHash:      common.Hash{hash},
		BlockNumber: 100,
	}
}

func TestResolveEventByRemainder(t *testing.T) {
	r := newTestResolver(t, &stubVerifier{}, twoOptionToss("1"))

	res, err := r.ResolveEvent(event(1_000_002, 1), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Option != "no" || res.OptionIndex != 1 {
		t.Errorf("resolved option = %s (%d)", res.Option, res.OptionIndex)
	}
	if res.Sender != sender || res.Amount.Units() != 1_000_002 {
		t.Errorf("resolution = %+v", res)
	}
	if res.Toss.ID != "7" {
		t.Errorf("resolved toss = %s", res.Toss.ID)
	}
}

func TestHintBeatsRemainder(t *testing.T) {
	r := newTestResolver(t, &stubVerifier{}, twoOptionToss("1"))

	res, err := r.ResolveEvent(event(1_000_001, 1), "no")
	if err != nil {
		t.Fatal(err)
	}
	if res.Option != "no" {
		t.Errorf("option = %s, want hint to win", res.Option)
	}
}

func TestUnknownHintFallsBack(t *testing.T) {
	r := newTestResolver(t, &stubVerifier{}, twoOptionToss("1"))

	res, err := r.ResolveEvent(event(1_000_001, 1), "maybe")
	if err != nil {
		t.Fatal(err)
	}
	if res.Option != "yes" {
		t.Errorf("option = %s, want remainder fallback yes", res.Option)
	}
}

func TestUnresolvedOption(t *testing.T) {
	r := newTestResolver(t, &stubVerifier{}, twoOptionToss("0.1"))

	// Exact stake with no tag carries no signal.
	if _, err := r.ResolveEvent(event(100_000, 1), ""); !errors.Is(err, ErrUnresolvedOption) {
		t.Errorf("untagged amount error = %v, want ErrUnresolvedOption", err)
	}
	// A remainder of 5 points at the fifth option, which a two-option toss
	// does not have.
	if _, err := r.ResolveEvent(event(100_005, 2), ""); !errors.Is(err, ErrUnresolvedOption) {
		t.Errorf("out-of-range tag error = %v, want ErrUnresolvedOption", err)
	}
}

func TestUnresolvedIsRetriableWithHint(t *testing.T) {
	r := newTestResolver(t, &stubVerifier{}, twoOptionToss("1"))

	if _, err := r.ResolveEvent(event(1_000_000, 1), ""); !errors.Is(err, ErrUnresolvedOption) {
		t.Fatalf("first attempt error = %v", err)
	}
	// The failed attempt must not poison the seen cache.
	res, err := r.ResolveEvent(event(1_000_000, 1), "yes")
	if err != nil {
		t.Fatalf("hinted retry failed: %v", err)
	}
	if res.Option != "yes" {
		t.Errorf("option = %s", res.Option)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	r := newTestResolver(t, &stubVerifier{}, twoOptionToss("1"))

	if _, err := r.ResolveEvent(event(1_000_001, 1), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ResolveEvent(event(1_000_001, 1), ""); !errors.Is(err, ErrDuplicateTx) {
		t.Errorf("replay error = %v, want ErrDuplicateTx", err)
	}
	// A different transaction for the same toss still resolves.
	if _, err := r.ResolveEvent(event(1_000_002, 2), ""); err != nil {
		t.Errorf("second deposit rejected: %v", err)
	}
}

func TestUnknownWallet(t *testing.T) {
	r := newTestResolver(t, &stubVerifier{}, twoOptionToss("1"))

	ev := event(1_000_001, 1)
	ev.To = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	if _, err := r.ResolveEvent(ev, ""); !errors.Is(err, ErrUnknownWallet) {
		t.Errorf("error = %v, want ErrUnknownWallet", err)
	}
}

func signedTransfer(t *testing.T, to common.Address, value int64) *types.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	data, err := chain.PackTransfer(to, big.NewInt(value))
	if err != nil {
		t.Fatal(err)
	}
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(100),
		Gas:       60000,
		To:        &token,
		Data:      data,
	})
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

func TestResolveReference(t *testing.T) {
	tx := signedTransfer(t, escrow, 1_000_001)
	v := &stubVerifier{
		tx:      tx,
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(55)},
	}
	r := newTestResolver(t, v, twoOptionToss("1"))

	res, err := r.ResolveReference(context.Background(), tx.Hash(), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Option != "yes" {
		t.Errorf("option = %s", res.Option)
	}
	if res.TxHash != tx.Hash() {
		t.Errorf("tx hash = %s", res.TxHash)
	}

	if _, err := r.ResolveReference(context.Background(), tx.Hash(), ""); !errors.Is(err, ErrDuplicateTx) {
		t.Errorf("replayed reference error = %v, want ErrDuplicateTx", err)
	}
}

func TestResolveReferenceVerifierError(t *testing.T) {
	v := &stubVerifier{err: chain.ErrTxFailed}
	r := newTestResolver(t, v, twoOptionToss("1"))

	_, err := r.ResolveReference(context.Background(), common.Hash{9}, "")
	if !errors.Is(err, chain.ErrTxFailed) {
		t.Errorf("error = %v, want chain.ErrTxFailed passthrough", err)
	}
}
