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

package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/grouptoss/tossbot/toss"
)

// twoPlayerToss creates an announced toss with alice on yes and bob on no.
func twoPlayerToss(t *testing.T, e *Engine) *toss.Toss {
	t.Helper()
	ts := createWaiting(t, e, "alice", "group", rainToss("1"))
	_, err := e.AddParticipant(ts.ID, "alice", "yes", toss.Amount(1_000_001))
	require.NoError(t, err)
	_, err = e.AddParticipant(ts.ID, "bob", "no", toss.Amount(1_000_002))
	require.NoError(t, err)
	return ts
}

func TestClosePaysWinner(t *testing.T) {
	e, p, w := newTestEngine(t)
	ts := twoPlayerToss(t, e)
	events := subscribe(t, e)

	got, err := e.Close(context.Background(), ts.ID, "alice", "YES")
	require.NoError(t, err)
	require.Equal(t, toss.StatusCompleted, got.Status)
	require.Equal(t, "yes", got.Result)
	require.True(t, got.PaymentSuccess)
	require.Equal(t, []string{"alice"}, got.PaidOut)
	require.NotZero(t, got.ClosedAt)
	require.NotEqual(t, common.Hash{}, got.TxHash)
	require.Len(t, got.TxLinks, 1)
	require.Contains(t, got.TxLinks[0], got.TxHash.Hex())

	// The whole pot goes to the sole winner's wallet.
	calls := p.transfers()
	require.Len(t, calls, 1)
	require.Equal(t, ts.ID, calls[0].from)
	require.Equal(t, p.wallets["alice"], calls[0].to)
	require.Equal(t, big.NewInt(2_000_000), calls[0].amount)

	ev := nextEvent(t, events)
	require.Equal(t, EventClosed, ev.Kind)
	require.Equal(t, "yes", ev.Toss.Result)

	// Settled tosses leave the active set and the watch set.
	require.False(t, w.watching(ts.WalletAddress))
	_, ok := e.ByAddress(ts.WalletAddress)
	require.False(t, ok)
	_, ok = e.ActiveForConversation("group")
	require.False(t, ok)
}

func TestCloseAgainstCreator(t *testing.T) {
	e, p, _ := newTestEngine(t)
	ts := twoPlayerToss(t, e)

	// The creator declares the option they bet against; the other player
	// takes the pot.
	got, err := e.Close(context.Background(), ts.ID, "alice", "no")
	require.NoError(t, err)
	require.Equal(t, "no", got.Result)
	require.Equal(t, []string{"bob"}, got.PaidOut)

	calls := p.transfers()
	require.Len(t, calls, 1)
	require.Equal(t, p.wallets["bob"], calls[0].to)
	require.Equal(t, big.NewInt(2_000_000), calls[0].amount)
}

func TestCloseSplitsPotAmongWinners(t *testing.T) {
	e, p, _ := newTestEngine(t)
	ts := createWaiting(t, e, "alice", "", rainToss("1"))
	for _, join := range []struct{ user, option string }{
		{"alice", "yes"}, {"bob", "yes"}, {"carol", "no"},
	} {
		_, err := e.AddParticipant(ts.ID, join.user, join.option, toss.Amount(1_000_001))
		require.NoError(t, err)
	}

	got, err := e.Close(context.Background(), ts.ID, "alice", "yes")
	require.NoError(t, err)
	require.True(t, got.PaymentSuccess)
	require.Equal(t, []string{"alice", "bob"}, got.PaidOut)

	calls := p.transfers()
	require.Len(t, calls, 2)
	for i, winner := range []string{"alice", "bob"} {
		require.Equal(t, p.wallets[winner], calls[i].to)
		require.Equal(t, big.NewInt(1_500_000), calls[i].amount)
	}
}

func TestCloseGuards(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	ts := twoPlayerToss(t, e)

	_, err := e.Close(ctx, ts.ID, "bob", "yes")
	require.ErrorIs(t, err, ErrNotCreator)

	_, err = e.Close(ctx, ts.ID, "alice", "maybe")
	require.ErrorIs(t, err, ErrInvalidOption)

	_, err = e.Close(ctx, ts.ID, "alice", "yes")
	require.NoError(t, err)
	_, err = e.Close(ctx, ts.ID, "alice", "yes")
	require.ErrorIs(t, err, ErrBadState)

	// A toss that was never announced cannot be resolved either.
	created, err := e.Create(ctx, "alice", "", rainToss("1"))
	require.NoError(t, err)
	_, err = e.Close(ctx, created.ID, "alice", "yes")
	require.ErrorIs(t, err, ErrBadState)
}

func TestCloseNeedsTwoPlayers(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ts := createWaiting(t, e, "alice", "", rainToss("1"))
	_, err := e.AddParticipant(ts.ID, "alice", "yes", toss.Amount(1_000_001))
	require.NoError(t, err)

	_, err = e.Close(context.Background(), ts.ID, "alice", "yes")
	require.ErrorIs(t, err, ErrNotEnoughPlayers)
}

func TestCloseWithoutWinnersMovesNoFunds(t *testing.T) {
	e, p, _ := newTestEngine(t)
	ts := createWaiting(t, e, "alice", "", rainToss("1"))
	_, err := e.AddParticipant(ts.ID, "alice", "yes", toss.Amount(1_000_001))
	require.NoError(t, err)
	_, err = e.AddParticipant(ts.ID, "bob", "yes", toss.Amount(1_000_001))
	require.NoError(t, err)

	got, err := e.Close(context.Background(), ts.ID, "alice", "no")
	require.NoError(t, err)
	require.Equal(t, toss.StatusCompleted, got.Status)
	require.Equal(t, "no", got.Result)
	require.True(t, got.PaymentSuccess)

	// Nobody backed the result: the pot stays on the escrow wallet.
	require.Empty(t, got.PaidOut)
	require.Equal(t, common.Hash{}, got.TxHash)
	require.Empty(t, p.transfers())
}

func TestForceCloseRefundsStakes(t *testing.T) {
	e, p, w := newTestEngine(t)
	// No stake named, so the default buy-in of 0.1 applies.
	ts := createWaiting(t, e, "alice", "group", toss.Parsed{Topic: "t", Options: []string{"yes", "no"}})
	_, err := e.AddParticipant(ts.ID, "alice", "yes", toss.Amount(100_001))
	require.NoError(t, err)
	_, err = e.AddParticipant(ts.ID, "bob", "no", toss.Amount(100_002))
	require.NoError(t, err)
	events := subscribe(t, e)

	got, err := e.ForceClose(context.Background(), ts.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, toss.StatusCancelled, got.Status)
	require.Equal(t, toss.ResultForceClosed, got.Result)
	require.True(t, got.PaymentSuccess)
	require.Equal(t, []string{"alice", "bob"}, got.PaidOut)
	require.NotEqual(t, common.Hash{}, got.TxHash)

	calls := p.transfers()
	require.Len(t, calls, 2)
	for _, call := range calls {
		require.Equal(t, big.NewInt(100_000), call.amount)
	}

	ev := nextEvent(t, events)
	require.Equal(t, EventCancelled, ev.Kind)
	require.False(t, w.watching(ts.WalletAddress))
}

func TestForceCloseBeforeAnnouncement(t *testing.T) {
	e, p, _ := newTestEngine(t)
	ts, err := e.Create(context.Background(), "alice", "", rainToss("1"))
	require.NoError(t, err)

	got, err := e.ForceClose(context.Background(), ts.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, toss.StatusCancelled, got.Status)
	require.Empty(t, p.transfers())
}

func TestForceCloseGuards(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	ts := twoPlayerToss(t, e)

	_, err := e.ForceClose(ctx, ts.ID, "bob")
	require.ErrorIs(t, err, ErrNotCreator)

	_, err = e.Close(ctx, ts.ID, "alice", "yes")
	require.NoError(t, err)
	_, err = e.ForceClose(ctx, ts.ID, "alice")
	require.ErrorIs(t, err, ErrBadState)
}

func TestPayoutFailureIsJournaled(t *testing.T) {
	e, p, _ := newTestEngine(t)
	ts := createWaiting(t, e, "alice", "", rainToss("1"))
	for _, join := range []struct{ user, option string }{
		{"alice", "yes"}, {"bob", "yes"}, {"carol", "no"},
	} {
		_, err := e.AddParticipant(ts.ID, join.user, join.option, toss.Amount(1_000_001))
		require.NoError(t, err)
	}

	// Allocate bob's wallet up front so his payout can be made to fail.
	rec, err := p.Wallet(context.Background(), "bob")
	require.NoError(t, err)
	p.fail[rec.Address] = errors.New("rpc unavailable")

	got, err := e.Close(context.Background(), ts.ID, "alice", "yes")
	require.NoError(t, err)
	require.Equal(t, toss.StatusCompleted, got.Status)
	// One payout landed, so the settlement counts as a success; the failed
	// winner is kept on record for manual recovery.
	require.True(t, got.PaymentSuccess)
	require.Equal(t, []string{"alice"}, got.PaidOut)
	require.Equal(t, []string{"bob"}, got.FailedWinners)
	require.Len(t, p.transfers(), 1)

	// The journal is persisted, not just in memory.
	stored, err := e.Status(ts.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, stored.PaidOut)
	require.Equal(t, []string{"bob"}, stored.FailedWinners)
}

func TestRefundFailureIsJournaled(t *testing.T) {
	e, p, _ := newTestEngine(t)
	ts := twoPlayerToss(t, e)

	rec, err := p.Wallet(context.Background(), "bob")
	require.NoError(t, err)
	p.fail[rec.Address] = errors.New("rpc unavailable")

	got, err := e.ForceClose(context.Background(), ts.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, toss.StatusCancelled, got.Status)
	require.True(t, got.PaymentSuccess)
	require.Equal(t, []string{"alice"}, got.PaidOut)
	require.Equal(t, []string{"bob"}, got.FailedRefunds)
}

func TestAllRefundsFailing(t *testing.T) {
	e, p, _ := newTestEngine(t)
	ts := twoPlayerToss(t, e)

	for _, user := range []string{"alice", "bob"} {
		rec, err := p.Wallet(context.Background(), user)
		require.NoError(t, err)
		p.fail[rec.Address] = errors.New("rpc unavailable")
	}

	got, err := e.ForceClose(context.Background(), ts.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, toss.StatusCancelled, got.Status)
	require.False(t, got.PaymentSuccess)
	require.Empty(t, got.PaidOut)
	require.Equal(t, []string{"alice", "bob"}, got.FailedRefunds)
}

func TestSettleSkipsAlreadyPaid(t *testing.T) {
	e, p, _ := newTestEngine(t)
	ts := toss.New("9", "alice", "", rainToss("1"), common.Address{0x99})
	ts.PaidOut = []string{"alice"}

	e.settleOne(context.Background(), ts, "alice", toss.MustParseAmount("1"), false)
	require.Empty(t, p.transfers())
	require.Equal(t, []string{"alice"}, ts.PaidOut)
}

func TestHexUserIsPaidDirectly(t *testing.T) {
	e, p, _ := newTestEngine(t)
	payee := common.HexToAddress("0x1111111111111111111111111111111111111111")
	ts := createWaiting(t, e, "alice", "", rainToss("1"))
	_, err := e.AddParticipant(ts.ID, "alice", "no", toss.Amount(1_000_002))
	require.NoError(t, err)
	_, err = e.AddParticipant(ts.ID, payee.Hex(), "yes", toss.Amount(1_000_001))
	require.NoError(t, err)

	_, err = e.Close(context.Background(), ts.ID, "alice", "yes")
	require.NoError(t, err)

	calls := p.transfers()
	require.Len(t, calls, 1)
	require.Equal(t, payee, calls[0].to)

	// No custodial wallet is ever provisioned for an on-chain identity.
	_, adopted := p.wallets[payee.Hex()]
	require.False(t, adopted)
}
