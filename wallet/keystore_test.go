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

package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/grouptoss/tossbot"
	"github.com/grouptoss/tossbot/chain"
)

// fakeRecords is a minimal in-memory RecordStore.
type fakeRecords struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{recs: make(map[string]*Record)}
}

func (f *fakeRecords) SaveWalletRecord(rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cpy := *rec
	f.recs[rec.ID] = &cpy
	return nil
}

func (f *fakeRecords) WalletRecord(id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, tossbot.NotFound
	}
	cpy := *rec
	return &cpy, nil
}

// fakeSendBackend serves canned chain state and captures broadcasts.
type fakeSendBackend struct {
	balance *big.Int
	baseFee *big.Int // nil switches the provider to legacy pricing

	mu   sync.Mutex
	sent []*types.Transaction
}

func (b *fakeSendBackend) BlockNumber(ctx context.Context) (uint64, error) { return 100, nil }
func (b *fakeSendBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (b *fakeSendBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}
func (b *fakeSendBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (b *fakeSendBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return common.BigToHash(b.balance).Bytes(), nil
}
func (b *fakeSendBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}
func (b *fakeSendBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}
func (b *fakeSendBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(50), nil
}
func (b *fakeSendBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: b.baseFee}, nil
}
func (b *fakeSendBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return nil
}

var testChainID = big.NewInt(84532)

func newTestProvider(t *testing.T, backend chain.SendBackend) (*KeystoreProvider, *fakeRecords) {
	t.Helper()
	records := newFakeRecords()
	p := NewKeystoreProvider(KeystoreConfig{
		Dir:      t.TempDir(),
		Password: "test",
		Token:    common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		ChainID:  testChainID,
		ScryptN:  2,
		ScryptP:  1,
	}, records, backend)
	return p, records
}

func TestKeystoreWalletProvisioning(t *testing.T) {
	backend := &fakeSendBackend{balance: big.NewInt(0), baseFee: big.NewInt(10)}
	p, records := newTestProvider(t, backend)

	rec, err := p.Wallet(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Address == (common.Address{}) {
		t.Fatal("provisioned wallet has zero address")
	}
	if rec.Provider != ProviderKeystore {
		t.Errorf("provider = %s", rec.Provider)
	}

	// Same id resolves to the same account, not a fresh one.
	again, err := p.Wallet(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Address != rec.Address {
		t.Errorf("second Wallet() returned %s, want %s", again.Address.Hex(), rec.Address.Hex())
	}
	if stored, _ := records.WalletRecord("1"); stored.Address != rec.Address {
		t.Error("record not persisted")
	}
}

func TestKeystoreTransfer(t *testing.T) {
	backend := &fakeSendBackend{balance: big.NewInt(2_000_000), baseFee: big.NewInt(10)}
	p, _ := newTestProvider(t, backend)

	rec, err := p.Wallet(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	dest := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	hash, err := p.Transfer(context.Background(), "1", dest, big.NewInt(1_999_999))
	if err != nil {
		t.Fatal(err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("broadcast %d transactions, want 1", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash() != hash {
		t.Error("returned hash does not match broadcast transaction")
	}
	if tx.To() == nil || *tx.To() != p.cfg.Token {
		t.Errorf("tx target = %v, want token contract", tx.To())
	}
	if tx.Type() != types.DynamicFeeTxType {
		t.Errorf("tx type = %d, want dynamic fee", tx.Type())
	}
	if tx.Nonce() != 7 {
		t.Errorf("nonce = %d, want 7", tx.Nonce())
	}
	to, value, err := chain.UnpackTransfer(tx.Data())
	if err != nil {
		t.Fatal(err)
	}
	if to != dest || value.Int64() != 1_999_999 {
		t.Errorf("calldata decodes to %s, %s", to.Hex(), value)
	}
	from, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	if err != nil {
		t.Fatal(err)
	}
	if from != rec.Address {
		t.Errorf("signed by %s, want wallet %s", from.Hex(), rec.Address.Hex())
	}
}

func TestKeystoreTransferInsufficient(t *testing.T) {
	backend := &fakeSendBackend{balance: big.NewInt(100), baseFee: big.NewInt(10)}
	p, _ := newTestProvider(t, backend)

	if _, err := p.Wallet(context.Background(), "1"); err != nil {
		t.Fatal(err)
	}
	_, err := p.Transfer(context.Background(), "1", common.Address{1}, big.NewInt(1_000_000))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}
	if len(backend.sent) != 0 {
		t.Error("transfer broadcast despite insufficient balance")
	}
}

func TestKeystoreTransferCap(t *testing.T) {
	backend := &fakeSendBackend{balance: big.NewInt(100_000_000), baseFee: big.NewInt(10)}
	p, _ := newTestProvider(t, backend)

	if _, err := p.Wallet(context.Background(), "1"); err != nil {
		t.Fatal(err)
	}
	_, err := p.Transfer(context.Background(), "1", common.Address{1}, big.NewInt(10_000_001))
	if !errors.Is(err, ErrAmountTooLarge) {
		t.Fatalf("error = %v, want ErrAmountTooLarge", err)
	}
	if len(backend.sent) != 0 {
		t.Error("transfer broadcast despite exceeding the cap")
	}
	// Exactly the cap is still allowed.
	if _, err := p.Transfer(context.Background(), "1", common.Address{1}, big.NewInt(10_000_000)); err != nil {
		t.Fatal(err)
	}
}

func TestKeystoreTransferUnknownWallet(t *testing.T) {
	backend := &fakeSendBackend{balance: big.NewInt(2_000_000), baseFee: big.NewInt(10)}
	p, _ := newTestProvider(t, backend)

	_, err := p.Transfer(context.Background(), "99", common.Address{1}, big.NewInt(1))
	if !errors.Is(err, ErrUnknownWallet) {
		t.Fatalf("error = %v, want ErrUnknownWallet", err)
	}
}

func TestKeystoreLegacyPricing(t *testing.T) {
	backend := &fakeSendBackend{balance: big.NewInt(2_000_000), baseFee: nil}
	p, _ := newTestProvider(t, backend)

	if _, err := p.Wallet(context.Background(), "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Transfer(context.Background(), "1", common.Address{1}, big.NewInt(1)); err != nil {
		t.Fatal(err)
	}
	tx := backend.sent[0]
	if tx.Type() != types.LegacyTxType {
		t.Errorf("tx type = %d, want legacy on a chain without base fee", tx.Type())
	}
	if tx.GasPrice().Int64() != 50 {
		t.Errorf("gas price = %s, want suggested 50", tx.GasPrice())
	}
}
