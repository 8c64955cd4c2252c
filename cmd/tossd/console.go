// Copyright 2025 The tossbot Authors
// This file is part of tossbot.
//
// tossbot is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// tossbot is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with tossbot. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"bufio"
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/grouptoss/tossbot/agent"
	"github.com/grouptoss/tossbot/chain"
	"github.com/grouptoss/tossbot/chat"
)

// Console conversations: one group and one DM, so both command surfaces can
// be exercised offline.
const (
	consoleGroupID = "console"
	consoleDMID    = "console-dm"
)

// runConsole feeds stdin lines to the agent as group messages from a "dev"
// user. Lines starting with "/dm " arrive in a direct conversation instead.
// EOF or "/quit" ends the session.
func runConsole(bot *agent.Agent) {
	fmt.Println("tossd console. Talk to the bot; /dm <text> for a direct message, /quit to exit.")
	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !in.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(in.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case strings.HasPrefix(line, "/dm "):
			bot.HandleMessage(consoleMessage(consoleDMID, chat.KindDM, strings.TrimSpace(line[len("/dm "):])))
		default:
			bot.HandleMessage(consoleMessage(consoleGroupID, chat.KindGroup, line))
		}
	}
}

var consoleSeq int

func consoleMessage(convID string, kind chat.Kind, body string) chat.Message {
	consoleSeq++
	return chat.Message{
		ID:           fmt.Sprintf("console-%d", consoleSeq),
		Conversation: chat.Conversation{ID: convID, Kind: kind},
		Sender:       "dev",
		Content:      chat.Text{Body: body},
	}
}

// consoleSender prints the agent's outbound messages to stdout.
type consoleSender struct{}

func newConsoleSender() *consoleSender {
	return &consoleSender{}
}

func (s *consoleSender) Send(ctx context.Context, conversationID string, content any) error {
	switch c := content.(type) {
	case chat.Text:
		fmt.Printf("[%s] %s\n", conversationID, c.Body)
	case chat.WalletSendCalls:
		for _, call := range c.Calls {
			line := fmt.Sprintf("[%s] payment button: pay -> %s", conversationID, call.To.Hex())
			if to, value, err := chain.UnpackTransfer(call.Data); err == nil {
				line = fmt.Sprintf("[%s] payment button: transfer %s minor units to %s", conversationID, value, to.Hex())
			}
			if opt := call.Metadata["option"]; opt != "" {
				line += fmt.Sprintf(" (option %q)", opt)
			}
			fmt.Println(line)
		}
	case chat.TransactionReference:
		fmt.Printf("[%s] receipt: tx %s\n", conversationID, c.Reference.Hex())
	default:
		fmt.Printf("[%s] %#v\n", conversationID, content)
	}
	return nil
}

// devBackend is the chain stub behind console mode: no blocks, no logs, no
// transactions, and broadcasts vanish. Balance reads come back zero, so the
// bot's flows can be walked through without touching a node.
type devBackend struct{}

// devGasPrice is the flat 1 gwei the stub quotes for every fee question.
const devGasPrice = 1_000_000_000

func (devBackend) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }

func (devBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (devBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (devBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (devBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return make([]byte, 32), nil
}

func (devBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (devBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(devGasPrice), nil
}

func (devBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(devGasPrice), nil
}

func (devBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(0), BaseFee: big.NewInt(devGasPrice)}, nil
}

func (devBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}
