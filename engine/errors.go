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
	"errors"

	"github.com/grouptoss/tossbot"
)

// ErrNotFound is returned when no toss with the requested id exists.
var ErrNotFound = tossbot.NotFound

var (
	// ErrBadState is returned when an operation is not legal in the toss's
	// current life cycle state.
	ErrBadState = errors.New("operation not allowed in this state")

	// ErrNotCreator is returned when someone other than the creator tries
	// to close or cancel a toss.
	ErrNotCreator = errors.New("only the creator may do this")

	// ErrDuplicateParticipant is returned when a user tries to join a toss
	// twice.
	ErrDuplicateParticipant = errors.New("already joined")

	// ErrInvalidOption is returned when a result or choice is not one of
	// the toss's options.
	ErrInvalidOption = errors.New("not one of the toss options")

	// ErrNotEnoughPlayers is returned when a close is attempted with fewer
	// than two participants.
	ErrNotEnoughPlayers = errors.New("not enough participants")

	// ErrActiveToss is returned when a conversation already has an
	// unsettled toss.
	ErrActiveToss = errors.New("conversation already has an active toss")

	// ErrUnderpaid is returned when a deposit does not cover the stake.
	ErrUnderpaid = errors.New("deposit below the stake")

	// ErrStakeTooLarge is returned when a requested stake exceeds the cap.
	ErrStakeTooLarge = errors.New("stake exceeds the maximum")

	// ErrBadOptions is returned when the outcome labels are missing,
	// colliding or too many.
	ErrBadOptions = errors.New("invalid outcome options")
)
