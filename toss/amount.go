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

package toss

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/grouptoss/tossbot/params"
)

// Amount is a stablecoin amount counted in minor units (10⁻⁶ of a whole
// unit). All stake arithmetic is integral; floating point never touches
// balances.
type Amount int64

var (
	// ErrAmountSyntax is returned when a decimal string cannot be parsed as a
	// stablecoin amount.
	ErrAmountSyntax = errors.New("invalid stablecoin amount")

	// ErrAmountRange is returned when an amount is negative or does not fit
	// the six-decimal minor unit space.
	ErrAmountRange = errors.New("stablecoin amount out of range")
)

// ParseAmount parses a decimal string such as "1", "0.1" or "2.500001" into
// minor units. At most six fractional digits are accepted.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrAmountSyntax
	}
	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, ErrAmountSyntax
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("%w: more than six decimals", ErrAmountSyntax)
	}
	var units int64
	for _, c := range whole {
		if c < '0' || c > '9' {
			return 0, ErrAmountSyntax
		}
		units = units*10 + int64(c-'0')
		if units > 1<<40 { // far beyond any stake the agent accepts
			return 0, ErrAmountRange
		}
	}
	units *= params.StakeUnit
	scale := int64(params.StakeUnit / 10)
	for _, c := range frac {
		if c < '0' || c > '9' {
			return 0, ErrAmountSyntax
		}
		units += int64(c-'0') * scale
		scale /= 10
	}
	if neg && units != 0 {
		return 0, ErrAmountRange
	}
	return Amount(units), nil
}

// MustParseAmount is a ParseAmount that panics on error, for constants and
// tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromBig converts a minor-unit big integer, as read from chain
// calldata, into an Amount. The second return is false when the value is
// negative or exceeds the representable range.
func AmountFromBig(v *big.Int) (Amount, bool) {
	if v == nil || v.Sign() < 0 || !v.IsInt64() {
		return 0, false
	}
	return Amount(v.Int64()), true
}

// BigInt returns the amount as a minor-unit big integer for chain calls.
func (a Amount) BigInt() *big.Int {
	return big.NewInt(int64(a))
}

// Units returns the raw minor-unit count.
func (a Amount) Units() int64 { return int64(a) }

// Mul scales the amount by an integral factor (participant counts).
func (a Amount) Mul(n int) Amount { return a * Amount(n) }

// Div splits the amount into n equal shares, truncating toward zero. n must
// be positive.
func (a Amount) Div(n int) Amount { return a / Amount(n) }

// String formats the amount as a decimal with trailing zeros trimmed:
// 1000000 → "1", 100000 → "0.1", 2500001 → "2.500001".
func (a Amount) String() string {
	u := int64(a)
	sign := ""
	if u < 0 {
		sign, u = "-", -u
	}
	whole, frac := u/params.StakeUnit, u%params.StakeUnit
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	s := fmt.Sprintf("%s%d.%06d", sign, whole, frac)
	return strings.TrimRight(s, "0")
}

// MarshalJSON encodes the amount as a decimal string so stored records stay
// greppable and survive tools that mangle large JSON numbers.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts either a decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// optionTagRange is the span of remainder values that carry an option signal.
// A remainder of zero or above the range means the amount was not tagged.
const optionTagRange = 5

// MaxOptions is how many outcome labels the amount tagging can address.
const MaxOptions = optionTagRange

// EncodeOption tags a stake amount with an outcome choice: the minor-unit
// amount a participant sends for option index idx is the stake plus idx+1.
// The tag costs at most five minor units, which is economically negligible
// but survives any wallet that preserves the requested amount.
func EncodeOption(stake Amount, idx int) Amount {
	return stake + Amount(idx+1)
}

// DecodeOption recovers an option index from a received minor-unit amount.
// The low decimal digit of the amount is the tag: values 1 through 5 map to
// option indexes 0 through 4. The second return is false when the amount
// carries no signal or the decoded index is out of range for the toss.
func DecodeOption(received Amount, numOptions int) (int, bool) {
	rem := int(received % 10)
	if rem < 1 || rem > optionTagRange {
		return 0, false
	}
	idx := rem - 1
	if idx >= numOptions {
		return 0, false
	}
	return idx, true
}
