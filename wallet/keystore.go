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
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/grouptoss/tossbot"
	"github.com/grouptoss/tossbot/chain"
)

// ProviderKeystore names the local keystore backend in wallet records.
const ProviderKeystore = "keystore"

// transferGasLimit covers an ERC-20 transfer with cold storage slots.
const transferGasLimit = 80_000

// KeystoreConfig configures a locally signing wallet provider.
type KeystoreConfig struct {
	// Dir is the key directory. Keys are encrypted with Password using the
	// standard scrypt parameters.
	Dir      string
	Password string

	// Token is the stablecoin contract transfers go through.
	Token   common.Address
	ChainID *big.Int

	// GasLimit overrides the default transfer gas limit when non-zero.
	GasLimit uint64

	// ScryptN and ScryptP override the key encryption cost parameters.
	// Zero means the standard parameters; tests use light ones.
	ScryptN int
	ScryptP int
}

// KeystoreProvider provisions one encrypted key per wallet id in a local key
// directory and signs stablecoin transfers itself.
type KeystoreProvider struct {
	ks      *keystore.KeyStore
	records RecordStore
	backend chain.SendBackend
	cfg     KeystoreConfig

	mu sync.Mutex // serializes provisioning and sends, keeping nonces in order
}

// NewKeystoreProvider opens (creating if needed) the key directory and wires
// the provider to the record store and the chain backend.
func NewKeystoreProvider(cfg KeystoreConfig, records RecordStore, backend chain.SendBackend) *KeystoreProvider {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = transferGasLimit
	}
	if cfg.ScryptN == 0 {
		cfg.ScryptN = keystore.StandardScryptN
	}
	if cfg.ScryptP == 0 {
		cfg.ScryptP = keystore.StandardScryptP
	}
	return &KeystoreProvider{
		ks:      keystore.NewKeyStore(cfg.Dir, cfg.ScryptN, cfg.ScryptP),
		records: records,
		backend: backend,
		cfg:     cfg,
	}
}

// Wallet returns the wallet of id, provisioning a fresh account on first
// use.
func (p *KeystoreProvider) Wallet(ctx context.Context, id string) (*Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.records.WalletRecord(id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, tossbot.NotFound) {
		return nil, fmt.Errorf("wallet: load record %s: %w", id, err)
	}
	acct, err := p.ks.NewAccount(p.cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("wallet: create account: %w", err)
	}
	rec = &Record{
		ID:        id,
		Address:   acct.Address,
		Provider:  ProviderKeystore,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := p.records.SaveWalletRecord(rec); err != nil {
		return nil, fmt.Errorf("wallet: save record %s: %w", id, err)
	}
	log.Info("Provisioned escrow wallet", "id", id, "address", acct.Address)
	return rec, nil
}

// Balance reads the stablecoin balance of the wallet, in minor units.
func (p *KeystoreProvider) Balance(ctx context.Context, id string) (*big.Int, error) {
	rec, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	return chain.BalanceOf(ctx, p.backend, p.cfg.Token, rec.Address)
}

// Transfer signs and broadcasts a stablecoin transfer from the wallet of
// fromID. It returns the transaction hash without waiting for inclusion.
func (p *KeystoreProvider) Transfer(ctx context.Context, fromID string, to common.Address, amount *big.Int) (common.Hash, error) {
	if err := checkTransferAmount(amount); err != nil {
		return common.Hash{}, err
	}
	rec, err := p.lookup(fromID)
	if err != nil {
		return common.Hash{}, err
	}
	balance, err := chain.BalanceOf(ctx, p.backend, p.cfg.Token, rec.Address)
	if err != nil {
		return common.Hash{}, err
	}
	if balance.Cmp(amount) < 0 {
		return common.Hash{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.buildTransfer(ctx, rec.Address, to, amount)
	if err != nil {
		return common.Hash{}, err
	}
	signed, err := p.ks.SignTxWithPassphrase(accounts.Account{Address: rec.Address}, p.cfg.Password, tx, p.cfg.ChainID)
	if err != nil {
		if errors.Is(err, keystore.ErrDecrypt) {
			return common.Hash{}, fmt.Errorf("%w: %s", ErrLocked, fromID)
		}
		return common.Hash{}, fmt.Errorf("wallet: sign: %w", err)
	}
	if err := p.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("wallet: broadcast: %w", err)
	}
	log.Info("Escrow transfer broadcast", "from", rec.Address, "to", to, "amount", amount, "tx", signed.Hash(), "nonce", signed.Nonce())
	return signed.Hash(), nil
}

// buildTransfer assembles an unsigned transfer, using dynamic fees when the
// chain has a base fee and legacy pricing otherwise (local dev chains).
func (p *KeystoreProvider) buildTransfer(ctx context.Context, from, to common.Address, amount *big.Int) (*types.Transaction, error) {
	nonce, err := p.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("wallet: nonce: %w", err)
	}
	data, err := chain.PackTransfer(to, amount)
	if err != nil {
		return nil, fmt.Errorf("wallet: pack: %w", err)
	}
	head, err := p.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet: head: %w", err)
	}
	token := p.cfg.Token
	if head.BaseFee == nil {
		gasPrice, err := p.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("wallet: gas price: %w", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      p.cfg.GasLimit,
			To:       &token,
			Data:     data,
		}), nil
	}
	tip, err := p.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("wallet: gas tip: %w", err)
	}
	// Fee cap at twice the base fee plus tip survives moderate base fee
	// growth while the transaction is in flight.
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       p.cfg.GasLimit,
		To:        &token,
		Data:      data,
	}), nil
}

func (p *KeystoreProvider) lookup(id string) (*Record, error) {
	rec, err := p.records.WalletRecord(id)
	if errors.Is(err, tossbot.NotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, id)
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: load record %s: %w", id, err)
	}
	return rec, nil
}
