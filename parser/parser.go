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

// Package parser turns free-form toss requests into structured records. Two
// implementations exist: a keyword scanner that needs no credentials, and a
// hosted-model client used when an API key is configured. Both return
// *ParseError for requests they cannot interpret, so the agent can answer
// with a usage hint instead of an internal error.
package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/grouptoss/tossbot/params"
	"github.com/grouptoss/tossbot/toss"
)

// TossParser interprets a natural language wager request.
type TossParser interface {
	// Parse extracts topic, the two outcome options and the stake from
	// prompt. Requests the parser cannot interpret fail with *ParseError;
	// any other error is an infrastructure failure.
	Parse(ctx context.Context, prompt, sender string) (*toss.Parsed, error)
}

// ParseError reports a request the parser understood to be a toss but could
// not extract a valid wager from.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "toss request not understood: " + e.Reason
}

// parseErrorf builds a *ParseError from a format string.
func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// validate applies the cross-parser rules: a non-empty topic, exactly two
// distinct options and a stake within the accepted band.
func validate(p *toss.Parsed) error {
	if strings.TrimSpace(p.Topic) == "" {
		return parseErrorf("no topic found")
	}
	if len(p.Options) != 2 {
		return parseErrorf("need exactly two options, got %d", len(p.Options))
	}
	for i := range p.Options {
		p.Options[i] = strings.TrimSpace(p.Options[i])
		if p.Options[i] == "" {
			return parseErrorf("empty option label")
		}
	}
	if strings.EqualFold(p.Options[0], p.Options[1]) {
		return parseErrorf("options %q and %q are the same", p.Options[0], p.Options[1])
	}
	if p.Stake <= 0 {
		return parseErrorf("stake must be positive")
	}
	if p.Stake.Units() > params.MaxStakeUnits {
		return parseErrorf("stake %s above the %s cap", p.Stake, toss.Amount(params.MaxStakeUnits))
	}
	return nil
}
