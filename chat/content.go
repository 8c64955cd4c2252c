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

package chat

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Text is a plain UTF-8 chat message.
type Text struct {
	Body string `json:"body"`
}

// WalletSendCalls is the payment-intent content type: the recipient's
// wallet renders it as a button that fires the embedded call when tapped.
type WalletSendCalls struct {
	Version string `json:"version"`

	// From hints which account should sign; empty lets the wallet choose.
	From string `json:"from,omitempty"`

	// ChainID is the target chain as a 0x-prefixed hex string.
	ChainID string `json:"chainId"`

	Calls []WalletCall `json:"calls"`
}

// WalletCall is one contract call inside a WalletSendCalls payload.
type WalletCall struct {
	To       common.Address    `json:"to"`
	Data     hexutil.Bytes     `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TransactionReference reports an on-chain transaction a wallet made on the
// sender's behalf, usually in response to a WalletSendCalls button.
type TransactionReference struct {
	// NetworkID names the chain the transaction ran on, as a 0x-prefixed
	// hex chain id.
	NetworkID string `json:"networkId"`

	// Reference is the transaction hash.
	Reference common.Hash `json:"reference"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// MetadataBag is the flat string view of a transport envelope's metadata.
// Ingress code fills it from the enumerated places a wallet may stash data
// (envelope metadata, content metadata); nothing ever walks nested payloads
// reflectively.
type MetadataBag map[string]string

// optionKeys are the field names, compared case insensitively, that wallets
// use to echo the chosen outcome back to us. Checked in order, first hit
// wins.
var optionKeys = []string{"option", "selectedOption", "choice"}

// OptionHint returns the chosen-option marker carried in the bag, if any.
func (b MetadataBag) OptionHint() (string, bool) {
	for _, want := range optionKeys {
		for k, v := range b {
			if strings.EqualFold(k, want) && v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// Merge copies all entries of src into the bag, keeping existing keys over
// incoming ones. The receiver must be non-nil.
func (b MetadataBag) Merge(src map[string]string) {
	for k, v := range src {
		if _, ok := b[k]; !ok {
			b[k] = v
		}
	}
}

// Clone returns an independent copy of the bag, never nil.
func (b MetadataBag) Clone() MetadataBag {
	out := make(MetadataBag, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}
