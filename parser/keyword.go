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

package parser

import (
	"context"
	"strings"

	"github.com/grouptoss/tossbot/params"
	"github.com/grouptoss/tossbot/toss"
)

// KeywordParser extracts a wager from a prompt by keyword scanning, with no
// external service involved. It understands three clauses, all optional
// except the topic itself:
//
//	"... for <amount>"   the stake, e.g. "for 0.5"
//	"<a> vs <b>"          the outcome pair, also "versus" or "or"
//	anything else         the topic, kept verbatim
//
// Missing stake and options fall back to the configured defaults (0.1 units,
// yes/no).
type KeywordParser struct{}

// NewKeywordParser returns the zero-configuration parser.
func NewKeywordParser() *KeywordParser { return &KeywordParser{} }

// optionSeparators are the words recognized between the two outcome labels.
var optionSeparators = map[string]bool{
	"vs": true, "vs.": true, "versus": true, "or": true,
}

// Parse implements TossParser.
func (p *KeywordParser) Parse(ctx context.Context, prompt, sender string) (*toss.Parsed, error) {
	fields := strings.Fields(prompt)
	if len(fields) == 0 {
		return nil, parseErrorf("empty request")
	}

	// Stake clause: "for <amount>" anywhere, else a bare trailing amount.
	// The clause is cut from the topic, amounts read as topic words are not.
	stake := toss.Amount(params.DefaultStakeUnits)
	explicit := false
	for i := 0; i+1 < len(fields); i++ {
		if !strings.EqualFold(fields[i], "for") {
			continue
		}
		amt, err := toss.ParseAmount(fields[i+1])
		if err != nil {
			continue
		}
		stake, explicit = amt, true
		fields = append(fields[:i], fields[i+2:]...)
		break
	}
	if !explicit && len(fields) > 1 {
		if amt, err := toss.ParseAmount(fields[len(fields)-1]); err == nil {
			stake, explicit = amt, true
			fields = fields[:len(fields)-1]
		}
	}
	if explicit && stake <= 0 {
		return nil, parseErrorf("stake must be positive")
	}

	// Outcome pair: the words around the first separator that yields two
	// distinct labels. The pair stays part of the topic text.
	options := params.DefaultOptions
	for i := 1; i+1 < len(fields); i++ {
		if !optionSeparators[strings.ToLower(fields[i])] {
			continue
		}
		a, b := trimLabel(fields[i-1]), trimLabel(fields[i+1])
		if a == "" || b == "" || strings.EqualFold(a, b) {
			continue
		}
		options = [2]string{a, b}
		break
	}

	parsed := &toss.Parsed{
		Topic:   strings.Join(fields, " "),
		Options: options[:],
		Stake:   stake,
	}
	if err := validate(parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// trimLabel strips surrounding punctuation from an outcome label candidate.
func trimLabel(s string) string {
	return strings.Trim(s, `.,!?:;"'()`)
}
