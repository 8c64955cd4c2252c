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

// Package storetest exercises the store contract against any backend.
package storetest

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grouptoss/tossbot/store"
	"github.com/grouptoss/tossbot/toss"
	"github.com/grouptoss/tossbot/wallet"
)

func sampleToss(id string) *toss.Toss {
	t := toss.New(id, "alice", "conv-1", toss.Parsed{
		Topic:   "first goal before minute 20",
		Options: []string{"yes", "no"},
		Stake:   toss.MustParseAmount("0.1"),
	}, common.HexToAddress("0x1111111111111111111111111111111111111111"))
	t.AddParticipant("alice", "yes")
	return t
}

// TestSuite runs the store contract tests against the backend produced by
// open. Each invocation of open must return an empty store.
func TestSuite(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("TossRoundTrip", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		if _, err := s.Toss("1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("empty store Toss error = %v, want ErrNotFound", err)
		}
		want := sampleToss("1")
		if err := s.SaveToss(want); err != nil {
			t.Fatal(err)
		}
		got, err := s.Toss("1")
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != want.ID || got.Topic != want.Topic || got.Stake != want.Stake {
			t.Errorf("loaded toss mismatch: %+v", got)
		}
		if got.WalletAddress != want.WalletAddress {
			t.Errorf("wallet address mismatch: %s", got.WalletAddress.Hex())
		}
		if len(got.ParticipantOptions) != 1 || got.ParticipantOptions[0].Option != "yes" {
			t.Errorf("participant options mismatch: %+v", got.ParticipantOptions)
		}
	})

	t.Run("LoadedTossIsACopy", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		if err := s.SaveToss(sampleToss("1")); err != nil {
			t.Fatal(err)
		}
		first, _ := s.Toss("1")
		first.AddParticipant("mallory", "no")
		second, _ := s.Toss("1")
		if second.HasParticipant("mallory") {
			t.Error("mutating a loaded toss changed the stored one")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		if err := s.SaveToss(sampleToss("1")); err != nil {
			t.Fatal(err)
		}
		if err := s.DeleteToss("1"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Toss("1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("deleted toss still loads, err = %v", err)
		}
		// Deleting again must not error.
		if err := s.DeleteToss("1"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("AllTossesNumericOrder", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		for _, id := range []string{"2", "10", "1"} {
			if err := s.SaveToss(sampleToss(id)); err != nil {
				t.Fatal(err)
			}
		}
		all, err := s.AllTosses()
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"1", "2", "10"}
		if len(all) != len(want) {
			t.Fatalf("got %d tosses, want %d", len(all), len(want))
		}
		for i, id := range want {
			if all[i].ID != id {
				t.Errorf("all[%d].ID = %s, want %s", i, all[i].ID, id)
			}
		}
	})

	t.Run("NextTossID", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		first, err := s.NextTossID()
		if err != nil {
			t.Fatal(err)
		}
		second, err := s.NextTossID()
		if err != nil {
			t.Fatal(err)
		}
		if first == second {
			t.Fatalf("NextTossID repeated %s", first)
		}
		// Saving a high id moves the sequence past it.
		if err := s.SaveToss(sampleToss("41")); err != nil {
			t.Fatal(err)
		}
		next, err := s.NextTossID()
		if err != nil {
			t.Fatal(err)
		}
		if next != "42" {
			t.Errorf("NextTossID after saving 41 = %s, want 42", next)
		}
	})

	t.Run("WalletRecords", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		if _, err := s.WalletRecord("7"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("empty store WalletRecord error = %v, want ErrNotFound", err)
		}
		rec := &wallet.Record{
			ID:        "7",
			Address:   common.HexToAddress("0x00000000000000000000000000000000deadbeef"),
			Provider:  "keystore",
			CreatedAt: 1700000000000,
		}
		if err := s.SaveWalletRecord(rec); err != nil {
			t.Fatal(err)
		}
		got, err := s.WalletRecord("7")
		if err != nil {
			t.Fatal(err)
		}
		if got.Address != rec.Address || got.Provider != rec.Provider {
			t.Errorf("loaded record mismatch: %+v", got)
		}

		// Address lookup is byte-exact regardless of hex casing at the call
		// site.
		byAddr, err := s.WalletRecordByAddress(common.HexToAddress("0x00000000000000000000000000000000DEADBEEF"))
		if err != nil {
			t.Fatal(err)
		}
		if byAddr.ID != "7" {
			t.Errorf("WalletRecordByAddress id = %s, want 7", byAddr.ID)
		}
		if _, err := s.WalletRecordByAddress(common.HexToAddress("0x2222222222222222222222222222222222222222")); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("unknown address error = %v, want ErrNotFound", err)
		}

		all, err := s.WalletRecords()
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 1 || all[0].ID != "7" {
			t.Errorf("WalletRecords = %+v", all)
		}
	})
}
