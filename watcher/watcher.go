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

// Package watcher polls the chain for stablecoin transfers into registered
// escrow wallets. Delivery is at least once: a wallet's checkpoint only
// advances after a successful scan, so an RPC failure replays the range on
// the next poll and downstream consumers deduplicate.
package watcher

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/grouptoss/tossbot/chain"
	"github.com/grouptoss/tossbot/params"
)

const defaultInterval = 30 * time.Second

var (
	scanCounter     = metrics.NewRegisteredCounter("toss/watcher/scans", nil)
	scanErrCounter  = metrics.NewRegisteredCounter("toss/watcher/scanerrors", nil)
	transferCounter = metrics.NewRegisteredCounter("toss/watcher/transfers", nil)
)

// TransferFunc receives every observed deposit into a watched wallet,
// together with the toss the wallet escrows. Handlers run on the watcher
// goroutine and must not block.
type TransferFunc func(tossID string, ev *chain.TransferEvent)

// Config parameterizes a Watcher.
type Config struct {
	Backend chain.Backend

	// Token is the stablecoin contract whose Transfer events are watched.
	Token common.Address

	// Interval between polls. Zero means thirty seconds.
	Interval time.Duration

	// Lookback is how many blocks behind the head a freshly added wallet
	// starts scanning, covering deposits that landed before registration
	// completed. Zero means params.WatcherLookback.
	Lookback uint64
}

// walletState tracks one watched wallet. checkpoint is the last block a
// successful scan covered; it is meaningless until primed.
type walletState struct {
	tossID     string
	checkpoint uint64
	primed     bool
}

// WalletStatus is a snapshot of one wallet's scan progress.
type WalletStatus struct {
	TossID     string
	Checkpoint uint64
}

// Watcher is the polling loop. Use New, register wallets and handlers, then
// Start.
type Watcher struct {
	started int32
	stopped int32

	cfg Config

	mu       sync.Mutex
	wallets  map[common.Address]*walletState
	handlers []TransferFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a stopped watcher.
func New(cfg Config) *Watcher {
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = params.WatcherLookback
	}
	return &Watcher{
		cfg:     cfg,
		wallets: make(map[common.Address]*walletState),
		quit:    make(chan struct{}),
	}
}

// AddWallet registers an escrow wallet. The first scan after registration
// covers the lookback window behind the current head.
func (w *Watcher) AddWallet(addr common.Address, tossID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.wallets[addr]; ok {
		return
	}
	w.wallets[addr] = &walletState{tossID: tossID}
	log.Debug("Watching escrow wallet", "address", addr, "toss", tossID)
}

// RemoveWallet stops watching an address. Safe to call for addresses that
// were never added.
func (w *Watcher) RemoveWallet(addr common.Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.wallets[addr]; ok {
		delete(w.wallets, addr)
		log.Debug("Stopped watching escrow wallet", "address", addr)
	}
}

// OnTransaction registers a deposit handler. All handlers see every event.
func (w *Watcher) OnTransaction(fn TransferFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Wallets snapshots the scan progress of every watched wallet.
func (w *Watcher) Wallets() map[common.Address]WalletStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[common.Address]WalletStatus, len(w.wallets))
	for addr, st := range w.wallets {
		out[addr] = WalletStatus{TossID: st.tossID, Checkpoint: st.checkpoint}
	}
	return out
}

// Running reports whether the poll loop is live.
func (w *Watcher) Running() bool {
	return atomic.LoadInt32(&w.started) == 1 && atomic.LoadInt32(&w.stopped) == 0
}

// Start launches the poll loop. Subsequent calls are no-ops.
func (w *Watcher) Start() error {
	if !atomic.CompareAndSwapInt32(&w.started, 0, 1) {
		return nil
	}
	log.Info("Deposit watcher starting", "token", w.cfg.Token, "interval", w.cfg.Interval, "lookback", w.cfg.Lookback)
	w.wg.Add(1)
	go w.pollLoop()
	return nil
}

// Stop terminates the poll loop and waits for it to exit. It returns within
// roughly one RPC round trip.
func (w *Watcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&w.stopped, 0, 1) {
		return nil
	}
	close(w.quit)
	w.wg.Wait()
	log.Info("Deposit watcher stopped")
	return nil
}

func (w *Watcher) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.scanAll()
	for {
		select {
		case <-w.quit:
			return
		case <-ticker.C:
			w.scanAll()
		}
	}
}

// scanAll runs one poll cycle over every registered wallet.
func (w *Watcher) scanAll() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Interval)
	defer cancel()

	head, err := w.cfg.Backend.BlockNumber(ctx)
	if err != nil {
		scanErrCounter.Inc(1)
		log.Warn("Deposit scan skipped, head unavailable", "err", err)
		return
	}

	w.mu.Lock()
	addrs := make([]common.Address, 0, len(w.wallets))
	for addr := range w.wallets {
		addrs = append(addrs, addr)
	}
	w.mu.Unlock()

	for _, addr := range addrs {
		select {
		case <-w.quit:
			return
		default:
		}
		w.scanWallet(ctx, addr, head)
	}
}

// scanWallet scans one wallet up to head. Failures leave the checkpoint
// alone so the range is retried.
func (w *Watcher) scanWallet(ctx context.Context, addr common.Address, head uint64) {
	w.mu.Lock()
	st, ok := w.wallets[addr]
	if !ok {
		w.mu.Unlock()
		return
	}
	var from uint64
	switch {
	case !st.primed:
		if head > w.cfg.Lookback {
			from = head - w.cfg.Lookback
		}
	default:
		from = st.checkpoint + 1
	}
	primed := st.primed
	tossID := st.tossID
	w.mu.Unlock()

	if primed && from > head {
		return
	}

	logs, err := w.cfg.Backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{w.cfg.Token},
		Topics: [][]common.Hash{
			{chain.TransferTopic},
			nil,
			{common.BytesToHash(addr.Bytes())},
		},
	})
	if err != nil {
		scanErrCounter.Inc(1)
		log.Warn("Deposit scan failed, range will be retried", "address", addr, "from", from, "to", head, "err", err)
		return
	}
	scanCounter.Inc(1)

	w.mu.Lock()
	handlers := append([]TransferFunc(nil), w.handlers...)
	w.mu.Unlock()

	for i := range logs {
		ev, err := chain.ParseTransferLog(&logs[i])
		if err != nil {
			log.Warn("Skipping undecodable transfer log", "tx", logs[i].TxHash, "err", err)
			continue
		}
		if ev.To != addr {
			continue
		}
		transferCounter.Inc(1)
		log.Info("Deposit observed", "toss", tossID, "from", ev.From, "amount", ev.Value, "tx", ev.TxHash, "block", ev.BlockNumber)
		for _, fn := range handlers {
			fn(tossID, ev)
		}
	}

	w.mu.Lock()
	if st, ok := w.wallets[addr]; ok {
		st.checkpoint = head
		st.primed = true
	}
	w.mu.Unlock()
}
