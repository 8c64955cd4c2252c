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

// Package params holds the chain configurations and protocol constants of the
// toss agent: which EVM network it settles on, which stablecoin contract it
// watches, and the limits every toss must respect.
package params

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ChainConfig describes one supported settlement chain. The agent runs against
// exactly one chain per process; the config selects the stablecoin contract,
// the explorer used for transaction links and the default RPC endpoint.
type ChainConfig struct {
	Name        string   // CLI / config identifier, e.g. "base-sepolia"
	NetworkName string   // human readable name used in chat replies
	ChainID     *big.Int // EIP-155 chain id

	Stablecoin         common.Address // six-decimal ERC-20 the stakes settle in
	StablecoinSymbol   string
	StablecoinDecimals uint8

	ExplorerURL   string // base URL of the block explorer, no trailing slash
	DefaultRPCURL string
	FaucetURL     string // empty on networks without a faucet
}

var (
	// BaseMainnetChainConfig settles tosses in USDC on Base mainnet.
	BaseMainnetChainConfig = &ChainConfig{
		Name:               "base-mainnet",
		NetworkName:        "Base",
		ChainID:            big.NewInt(8453),
		Stablecoin:         common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		StablecoinSymbol:   "USDC",
		StablecoinDecimals: 6,
		ExplorerURL:        "https://basescan.org",
		DefaultRPCURL:      "https://mainnet.base.org",
	}

	// BaseSepoliaChainConfig settles tosses in test USDC on Base Sepolia.
	BaseSepoliaChainConfig = &ChainConfig{
		Name:               "base-sepolia",
		NetworkName:        "Base Sepolia",
		ChainID:            big.NewInt(84532),
		Stablecoin:         common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		StablecoinSymbol:   "USDC",
		StablecoinDecimals: 6,
		ExplorerURL:        "https://sepolia.basescan.org",
		DefaultRPCURL:      "https://sepolia.base.org",
		FaucetURL:          "https://faucet.circle.com",
	}

	// LocalChainConfig is used by the offline development mode where the chain
	// backend is simulated in-process.
	LocalChainConfig = &ChainConfig{
		Name:               "local",
		NetworkName:        "Local",
		ChainID:            big.NewInt(1337),
		Stablecoin:         common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		StablecoinSymbol:   "USDC",
		StablecoinDecimals: 6,
		ExplorerURL:        "http://localhost:8545",
		DefaultRPCURL:      "http://localhost:8545",
	}
)

var chainConfigs = map[string]*ChainConfig{
	BaseMainnetChainConfig.Name: BaseMainnetChainConfig,
	BaseSepoliaChainConfig.Name: BaseSepoliaChainConfig,
	LocalChainConfig.Name:       LocalChainConfig,
}

// ChainByName resolves a CLI/config chain identifier to its configuration.
func ChainByName(name string) (*ChainConfig, error) {
	if cfg, ok := chainConfigs[name]; ok {
		return cfg, nil
	}
	return nil, fmt.Errorf("unknown chain %q (supported: base-sepolia, base-mainnet, local)", name)
}

// ChainIDHex returns the 0x-prefixed hexadecimal chain id, the form the
// wallet-send-calls content type requires.
func (c *ChainConfig) ChainIDHex() string {
	return hexutil.EncodeBig(c.ChainID)
}

// TxLink builds the explorer link for a transaction hash.
func (c *ChainConfig) TxLink(hash common.Hash) string {
	return c.ExplorerURL + "/tx/" + hash.Hex()
}

// AddressLink builds the explorer link for an address.
func (c *ChainConfig) AddressLink(addr common.Address) string {
	return c.ExplorerURL + "/address/" + addr.Hex()
}

const (
	// StakeUnit is the number of stablecoin minor units per whole unit. All
	// supported stablecoins carry six decimals.
	StakeUnit = 1_000_000

	// MaxStakeUnits caps the per-participant stake at 10 stablecoin units.
	MaxStakeUnits = 10 * StakeUnit

	// MaxTransferUnits caps any single wallet provider transfer at 10
	// stablecoin units. Payouts above the cap fail and are journaled for
	// manual recovery.
	MaxTransferUnits = 10 * StakeUnit

	// DefaultStakeUnits is the stake applied when the creator's prompt names
	// no amount: 0.1 stablecoin units.
	DefaultStakeUnits = StakeUnit / 10

	// WatcherLookback bounds how far behind the head a freshly monitored
	// wallet starts scanning when it has no checkpoint yet.
	WatcherLookback = 100
)

// DefaultOptions is the outcome pair applied when the creator's prompt names
// no options.
var DefaultOptions = [2]string{"yes", "no"}
