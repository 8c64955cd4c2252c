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

// Package toss defines the wager round entity and its life cycle states,
// together with the fixed-point stablecoin amounts and the amount-remainder
// option tagging used to correlate deposits with outcome choices.
package toss

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the life cycle state of a toss.
type Status string

const (
	// StatusCreated is the state right after creation, before the escrow
	// wallet has been announced to the conversation.
	StatusCreated Status = "CREATED"

	// StatusWaiting accepts paid joins.
	StatusWaiting Status = "WAITING_FOR_PLAYER"

	// StatusInProgress is the closing window: joins are rejected while the
	// result is selected and the pot is distributed.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusCompleted is the terminal state of a settled toss.
	StatusCompleted Status = "COMPLETED"

	// StatusCancelled is the terminal state of a force-closed toss.
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition can leave the state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ResultForceClosed is recorded as the result of a cancelled toss instead of
// a winning option.
const ResultForceClosed = "FORCE_CLOSED"

// ParticipantOption records which outcome a joined participant backed.
type ParticipantOption struct {
	UserID string `json:"userId"`
	Option string `json:"option"`
}

// Parsed is the outcome of interpreting a natural language toss request.
type Parsed struct {
	Topic   string   `json:"topic"`
	Options []string `json:"options"`
	Stake   Amount   `json:"stake"`
}

// Toss is one wager round. Instances are persisted as JSON; field names are
// part of the on-disk format and must stay stable.
type Toss struct {
	ID             string `json:"id"`
	Creator        string `json:"creator"`
	ConversationID string `json:"conversationId,omitempty"`
	Topic          string `json:"topic"`

	// Options are the outcome labels, in tag order: a deposit whose amount
	// remainder decodes to index i backs Options[i].
	Options []string `json:"options"`

	// Stake is the buy-in every participant pays, in minor units.
	Stake Amount `json:"stake"`

	// WalletAddress is the escrow wallet deposits are sent to.
	WalletAddress common.Address `json:"walletAddress"`

	Status    Status `json:"status"`
	CreatedAt int64  `json:"createdAt"` // unix milliseconds
	ClosedAt  int64  `json:"closedAt,omitempty"`

	// Participants lists joined users in join order. ParticipantOptions is
	// kept in step with it; every recorded option is one of Options.
	Participants       []string            `json:"participants"`
	ParticipantOptions []ParticipantOption `json:"participantOptions"`

	// Result is the winning option label, or ResultForceClosed.
	Result string `json:"result,omitempty"`

	// PaymentSuccess is set once every payout of the settlement landed.
	PaymentSuccess bool `json:"paymentSuccess,omitempty"`

	// PaidOut journals users whose settlement transfer confirmed, so a
	// retried close never pays anyone twice.
	PaidOut []string `json:"paidOut,omitempty"`

	// FailedWinners and FailedRefunds name users whose settlement transfer
	// did not land; their funds remain on the escrow wallet.
	FailedWinners []string `json:"failedWinners,omitempty"`
	FailedRefunds []string `json:"failedRefunds,omitempty"`

	// UnclaimedDeposits counts whole stakes found on the escrow wallet with
	// no matching join, discovered by a balance refresh.
	UnclaimedDeposits int `json:"unclaimedDeposits,omitempty"`

	// TxHash is the hash of the first settlement transfer that confirmed.
	// It stays zero until a payout or refund lands.
	TxHash common.Hash `json:"txHash"`

	// TxLinks collects explorer links of settlement transfers, for replay in
	// chat after a close.
	TxLinks []string `json:"txLinks,omitempty"`
}

// New creates a toss in the CREATED state from a parsed request.
func New(id, creator, conversationID string, parsed Parsed, wallet common.Address) *Toss {
	return &Toss{
		ID:                 id,
		Creator:            creator,
		ConversationID:     conversationID,
		Topic:              parsed.Topic,
		Options:            append([]string(nil), parsed.Options...),
		Stake:              parsed.Stake,
		WalletAddress:      wallet,
		Status:             StatusCreated,
		CreatedAt:          time.Now().UnixMilli(),
		Participants:       []string{},
		ParticipantOptions: []ParticipantOption{},
	}
}

// OptionIndex resolves an option label to its tag index, matching case
// insensitively. The second return is false for unknown labels.
func (t *Toss) OptionIndex(label string) (int, bool) {
	for i, opt := range t.Options {
		if strings.EqualFold(opt, label) {
			return i, true
		}
	}
	return 0, false
}

// HasParticipant reports whether a user already joined.
func (t *Toss) HasParticipant(userID string) bool {
	for _, p := range t.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OptionOf returns the option a joined user backed.
func (t *Toss) OptionOf(userID string) (string, bool) {
	for _, po := range t.ParticipantOptions {
		if po.UserID == userID {
			return po.Option, true
		}
	}
	return "", false
}

// AddParticipant appends a join. The caller is responsible for state and
// duplicate checks.
func (t *Toss) AddParticipant(userID, option string) {
	t.Participants = append(t.Participants, userID)
	t.ParticipantOptions = append(t.ParticipantOptions, ParticipantOption{UserID: userID, Option: option})
}

// Winners lists participants who backed the given result, in join order.
func (t *Toss) Winners(result string) []string {
	var winners []string
	for _, po := range t.ParticipantOptions {
		if strings.EqualFold(po.Option, result) {
			winners = append(winners, po.UserID)
		}
	}
	return winners
}

// Pot is the total escrowed by joined participants.
func (t *Toss) Pot() Amount {
	return t.Stake.Mul(len(t.Participants))
}

// WasPaid reports whether the settlement journal already contains a user.
func (t *Toss) WasPaid(userID string) bool {
	for _, p := range t.PaidOut {
		if p == userID {
			return true
		}
	}
	return false
}

// Copy returns a deep copy. Stores hand out copies so callers can never
// mutate persisted state behind the engine's back.
func (t *Toss) Copy() *Toss {
	cpy := *t
	cpy.Options = append([]string(nil), t.Options...)
	cpy.Participants = append([]string(nil), t.Participants...)
	cpy.ParticipantOptions = append([]ParticipantOption(nil), t.ParticipantOptions...)
	cpy.PaidOut = append([]string(nil), t.PaidOut...)
	cpy.FailedWinners = append([]string(nil), t.FailedWinners...)
	cpy.FailedRefunds = append([]string(nil), t.FailedRefunds...)
	cpy.TxLinks = append([]string(nil), t.TxLinks...)
	return &cpy
}
