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

package agent

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/grouptoss/tossbot/chain"
	"github.com/grouptoss/tossbot/chat"
	"github.com/grouptoss/tossbot/engine"
	"github.com/grouptoss/tossbot/params"
	"github.com/grouptoss/tossbot/parser"
	"github.com/grouptoss/tossbot/payment"
	"github.com/grouptoss/tossbot/store/memstore"
	"github.com/grouptoss/tossbot/toss"
	"github.com/grouptoss/tossbot/wallet"
)

var (
	groupConv = chat.Conversation{ID: "group-1", Kind: chat.KindGroup}
	dmConv    = chat.Conversation{ID: "dm-1", Kind: chat.KindDM}
)

// fakeProvider is a deterministic in-memory wallet service.
type fakeProvider struct {
	mu       sync.Mutex
	wallets  map[string]common.Address
	balances map[string]*big.Int
	seq      byte
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		wallets:  make(map[string]common.Address),
		balances: make(map[string]*big.Int),
	}
}

func (p *fakeProvider) Wallet(ctx context.Context, id string) (*wallet.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, ok := p.wallets[id]
	if !ok {
		p.seq++
		addr = common.BytesToAddress([]byte{0xf0, p.seq})
		p.wallets[id] = addr
	}
	return &wallet.Record{ID: id, Address: addr}, nil
}

func (p *fakeProvider) Balance(ctx context.Context, id string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.balances[id]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (p *fakeProvider) Transfer(ctx context.Context, fromID string, to common.Address, amount *big.Int) (common.Hash, error) {
	return crypto.Keccak256Hash([]byte(fromID), to.Bytes(), amount.Bytes()), nil
}

func (p *fakeProvider) setBalance(id string, units int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[id] = big.NewInt(units)
}

type nopWatcher struct{}

func (nopWatcher) AddWallet(addr common.Address, tossID string) {}
func (nopWatcher) RemoveWallet(addr common.Address)             {}

// stubVerifier hands out a canned transaction, as if it were mined.
type stubVerifier struct {
	mu  sync.Mutex
	txs map[common.Hash]*types.Transaction
	err error
}

func (v *stubVerifier) Verify(ctx context.Context, hash common.Hash) (*types.Transaction, *types.Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, nil, v.err
	}
	tx, ok := v.txs[hash]
	if !ok {
		return nil, nil, chain.ErrTxNotFound
	}
	return tx, &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(77)}, nil
}

func (v *stubVerifier) add(tx *types.Transaction) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.txs == nil {
		v.txs = make(map[common.Hash]*types.Transaction)
	}
	v.txs[tx.Hash()] = tx
}

type testBot struct {
	agent  *Agent
	engine *engine.Engine
	client *chat.MemClient
	prov   *fakeProvider
	verify *stubVerifier
	chain  *params.ChainConfig
}

func newTestBot(t *testing.T, mutate func(*Config)) *testBot {
	t.Helper()
	cfg := params.LocalChainConfig
	prov := newFakeProvider()
	eng := engine.New(engine.Config{
		Store:    memstore.New(),
		Provider: prov,
		Watcher:  nopWatcher{},
		Chain:    cfg,
	})
	t.Cleanup(eng.Stop)

	verify := &stubVerifier{}
	resolver, err := payment.NewResolver(payment.Config{
		Verifier: verify,
		Index:    eng,
		Token:    cfg.Stablecoin,
		ChainID:  cfg.ChainID,
	})
	require.NoError(t, err)

	client := chat.NewMemClient("bot")
	acfg := Config{
		Engine:   eng,
		Resolver: resolver,
		Parser:   parser.NewKeywordParser(),
		Provider: prov,
		Chain:    cfg,
		Sender:   client,
		SelfID:   "bot",
	}
	if mutate != nil {
		mutate(&acfg)
	}
	a, err := New(acfg)
	require.NoError(t, err)
	a.Start()
	t.Cleanup(a.Stop)

	return &testBot{agent: a, engine: eng, client: client, prov: prov, verify: verify, chain: cfg}
}

func (b *testBot) text(conv chat.Conversation, sender, body string) {
	b.agent.HandleMessage(chat.Message{
		ID:           "in",
		Conversation: conv,
		Sender:       sender,
		Content:      chat.Text{Body: body},
	})
}

func (b *testBot) reference(conv chat.Conversation, sender string, hash common.Hash, meta map[string]string) {
	b.agent.HandleMessage(chat.Message{
		ID:           "in",
		Conversation: conv,
		Sender:       sender,
		Content: chat.TransactionReference{
			NetworkID: b.chain.ChainIDHex(),
			Reference: hash,
			Metadata:  meta,
		},
	})
}

// texts filters a conversation's outbox down to plain text bodies.
func (b *testBot) texts(convID string) []string {
	var out []string
	for _, msg := range b.client.Sent(convID) {
		if text, ok := msg.Content.(chat.Text); ok {
			out = append(out, text.Body)
		}
	}
	return out
}

func (b *testBot) buttons(convID string) []chat.WalletSendCalls {
	var out []chat.WalletSendCalls
	for _, msg := range b.client.Sent(convID) {
		if calls, ok := msg.Content.(chat.WalletSendCalls); ok {
			out = append(out, calls)
		}
	}
	return out
}

// receipts filters a conversation's outbox down to transaction references.
func (b *testBot) receipts(convID string) []chat.TransactionReference {
	var out []chat.TransactionReference
	for _, msg := range b.client.Sent(convID) {
		if ref, ok := msg.Content.(chat.TransactionReference); ok {
			out = append(out, ref)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// signedTransfer builds a mined-looking stablecoin transfer for the verifier
// stub to return.
func signedTransfer(t *testing.T, cfg *params.ChainConfig, to common.Address, value int64) *types.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	data, err := chain.PackTransfer(to, big.NewInt(value))
	require.NoError(t, err)
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(cfg.ChainID), &types.DynamicFeeTx{
		ChainID:   cfg.ChainID,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(100),
		Gas:       60000,
		To:        &cfg.Stablecoin,
		Data:      data,
	})
	require.NoError(t, err)
	return tx
}

func TestCreateTossFlow(t *testing.T) {
	bot := newTestBot(t, nil)

	bot.text(groupConv, "alice", "@toss Lakers vs Celtics for 1")

	ts, ok := bot.engine.ActiveForConversation(groupConv.ID)
	require.True(t, ok, "no active toss after create")
	require.Equal(t, toss.StatusWaiting, ts.Status, "toss not announced")
	require.Equal(t, "alice", ts.Creator)
	require.Equal(t, []string{"Lakers", "Celtics"}, ts.Options)

	texts := bot.texts(groupConv.ID)
	require.Len(t, texts, 1)
	require.Contains(t, texts[0], "Toss #1 is on")
	require.Contains(t, texts[0], "Lakers vs Celtics")

	buttons := bot.buttons(groupConv.ID)
	require.Len(t, buttons, 2)
	for i, b := range buttons {
		require.Equal(t, "1.0", b.Version)
		require.Equal(t, bot.chain.ChainIDHex(), b.ChainID)
		require.Len(t, b.Calls, 1)
		require.Equal(t, bot.chain.Stablecoin, b.Calls[0].To)

		to, value, err := chain.UnpackTransfer(b.Calls[0].Data)
		require.NoError(t, err)
		require.Equal(t, ts.WalletAddress, to, "button %d pays the wrong wallet", i)
		require.Equal(t, int64(1_000_001+i), value.Int64(), "button %d amount tag", i)
		require.Equal(t, ts.Options[i], b.Calls[0].Metadata["option"])
		require.Equal(t, ts.ID, b.Calls[0].Metadata["tossId"])
	}
}

func TestCreateOnlyInGroups(t *testing.T) {
	bot := newTestBot(t, nil)

	bot.text(dmConv, "alice", "@toss Lakers vs Celtics for 1")

	_, ok := bot.engine.ActiveForConversation(dmConv.ID)
	require.False(t, ok)
	texts := bot.texts(dmConv.ID)
	require.Len(t, texts, 1)
	require.Contains(t, texts[0], "group chats")
}

func TestCreateConflict(t *testing.T) {
	bot := newTestBot(t, nil)

	bot.text(groupConv, "alice", "@toss Lakers vs Celtics for 1")
	bot.text(groupConv, "bob", "@toss rain or shine")

	texts := bot.texts(groupConv.ID)
	require.Contains(t, texts[len(texts)-1], "still open")

	ts, _ := bot.engine.ActiveForConversation(groupConv.ID)
	require.Equal(t, "Lakers vs Celtics", ts.Topic, "second create must not replace the toss")
}

func TestCreateParseFailure(t *testing.T) {
	bot := newTestBot(t, nil)

	bot.text(groupConv, "alice", "@toss bet everything for 99")

	_, ok := bot.engine.ActiveForConversation(groupConv.ID)
	require.False(t, ok)
	texts := bot.texts(groupConv.ID)
	require.Len(t, texts, 1)
	require.Contains(t, texts[0], "cap")
	require.Contains(t, texts[0], "Try")
}

func TestBareMentionShowsHelp(t *testing.T) {
	bot := newTestBot(t, nil)

	bot.text(groupConv, "alice", "@toss")
	texts := bot.texts(groupConv.ID)
	require.Len(t, texts, 1)
	require.Contains(t, texts[0], "close <winning option>")
}

func TestUnprefixedTextIgnored(t *testing.T) {
	bot := newTestBot(t, nil)

	bot.text(groupConv, "alice", "good morning everyone")
	require.Empty(t, bot.client.Sent(groupConv.ID))
}

func TestOwnMessagesIgnored(t *testing.T) {
	bot := newTestBot(t, nil)

	bot.text(groupConv, "bot", "@toss status")
	require.Empty(t, bot.client.Sent(groupConv.ID))
}

func TestTransactionReferenceJoins(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.text(groupConv, "alice", "@toss Lakers vs Celtics for 1")
	ts, _ := bot.engine.ActiveForConversation(groupConv.ID)

	tx := signedTransfer(t, bot.chain, ts.WalletAddress, 1_000_001)
	bot.verify.add(tx)
	bot.reference(groupConv, "carol", tx.Hash(), nil)

	updated, err := bot.engine.Status(ts.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"carol"}, updated.Participants)
	opt, _ := updated.OptionOf("carol")
	require.Equal(t, "Lakers", opt)

	// The join is announced through the engine feed.
	waitFor(t, "join announcement", func() bool {
		for _, text := range bot.texts(groupConv.ID) {
			if strings.Contains(text, "carol") && strings.Contains(text, "Lakers") {
				return true
			}
		}
		return false
	})
}

func TestDuplicateReference(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.text(groupConv, "alice", "@toss Lakers vs Celtics for 1")
	ts, _ := bot.engine.ActiveForConversation(groupConv.ID)

	tx := signedTransfer(t, bot.chain, ts.WalletAddress, 1_000_001)
	bot.verify.add(tx)
	bot.reference(groupConv, "carol", tx.Hash(), nil)
	// Let the async join announcement land so the ordering below is stable.
	waitFor(t, "join announcement", func() bool {
		for _, text := range bot.texts(groupConv.ID) {
			if strings.Contains(text, "carol") {
				return true
			}
		}
		return false
	})
	bot.reference(groupConv, "carol", tx.Hash(), nil)

	texts := bot.texts(groupConv.ID)
	require.Contains(t, texts[len(texts)-1], "already counted")

	updated, _ := bot.engine.Status(ts.ID)
	require.Len(t, updated.Participants, 1)
}

func TestReferenceMetadataHint(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.text(groupConv, "alice", "@toss Lakers vs Celtics for 1")
	ts, _ := bot.engine.ActiveForConversation(groupConv.ID)

	// Untagged amount, the wallet echoed the option in metadata instead.
	tx := signedTransfer(t, bot.chain, ts.WalletAddress, 1_000_000)
	bot.verify.add(tx)
	bot.reference(groupConv, "carol", tx.Hash(), map[string]string{"selectedOption": "Celtics"})

	updated, _ := bot.engine.Status(ts.ID)
	opt, ok := updated.OptionOf("carol")
	require.True(t, ok, "carol did not join")
	require.Equal(t, "Celtics", opt)
}

func TestReferenceUnresolvedOption(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.text(groupConv, "alice", "@toss Lakers vs Celtics for 1")
	ts, _ := bot.engine.ActiveForConversation(groupConv.ID)

	// Remainder 9 maps to no option and there is no metadata hint.
	tx := signedTransfer(t, bot.chain, ts.WalletAddress, 1_000_009)
	bot.verify.add(tx)
	bot.reference(groupConv, "carol", tx.Hash(), nil)

	texts := bot.texts(groupConv.ID)
	require.Contains(t, texts[len(texts)-1], "Lakers")
	require.Contains(t, texts[len(texts)-1], "Celtics")

	updated, _ := bot.engine.Status(ts.ID)
	require.Empty(t, updated.Participants)
}

func TestReferenceVerificationFailure(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.text(groupConv, "alice", "@toss Lakers vs Celtics for 1")

	bot.verify.err = chain.ErrTxFailed
	bot.reference(groupConv, "carol", common.Hash{0xbe, 0xef}, nil)

	texts := bot.texts(groupConv.ID)
	require.Contains(t, texts[len(texts)-1], "reverted")
}

func TestWatcherDepositJoins(t *testing.T) {
	bot := newTestBot(t, nil)
	bot.text(groupConv, "alice", "@toss Lakers vs Celtics for 1")
	ts, _ := bot.engine.ActiveForConversation(groupConv.ID)

	payer := common.HexToAddress("0x2222222222222222222222222222222222222222")
	bot.agent.onDeposit(ts.ID, &chain.TransferEvent{
		Token:       bot.chain.Stablecoin,
		From:        payer,
		To:          ts.WalletAddress,
		Value:       big.NewInt(1_000_002),
		TxHash:      common.Hash{0x77},
		BlockNumber: 12,
	})

	waitFor(t, "deposit join", func() bool {
		updated, err := bot.engine.Status(ts.ID)
		return err == nil && len(updated.Participants) == 1
	})
	updated, _ := bot.engine.Status(ts.ID)
	opt, _ := updated.OptionOf(payer.Hex())
	require.Equal(t, "Celtics", opt)
}

func TestWelcomeOncePerConversation(t *testing.T) {
	bot := newTestBot(t, func(cfg *Config) {
		cfg.WelcomeMessages = []string{"hi, I run tosses here"}
	})

	bot.text(groupConv, "alice", "@toss status")
	bot.text(groupConv, "alice", "@toss status")

	texts := bot.texts(groupConv.ID)
	welcomes := 0
	for _, text := range texts {
		if text == "hi, I run tosses here" {
			welcomes++
		}
	}
	require.Equal(t, 1, welcomes)
}

func TestCommandWhitelist(t *testing.T) {
	bot := newTestBot(t, func(cfg *Config) {
		cfg.AllowedCommands = []string{"help", "status"}
	})

	bot.text(groupConv, "alice", "@toss Lakers vs Celtics for 1")
	_, ok := bot.engine.ActiveForConversation(groupConv.ID)
	require.False(t, ok, "create is not whitelisted")
	require.Empty(t, bot.client.Sent(groupConv.ID))

	bot.text(groupConv, "alice", "@toss help")
	require.NotEmpty(t, bot.texts(groupConv.ID))
}
