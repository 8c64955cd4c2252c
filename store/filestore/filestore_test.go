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

package filestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grouptoss/tossbot/store"
	"github.com/grouptoss/tossbot/store/storetest"
	"github.com/grouptoss/tossbot/toss"
)

func TestFileStore(t *testing.T) {
	storetest.TestSuite(t, func(t *testing.T) store.Store {
		s, err := Open(t.TempDir(), "base-sepolia")
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func newToss(id string) *toss.Toss {
	return toss.New(id, "alice", "conv-1", toss.Parsed{
		Topic:   "coin lands heads",
		Options: []string{"yes", "no"},
		Stake:   toss.MustParseAmount("1"),
	}, common.HexToAddress("0x1111111111111111111111111111111111111111"))
}

func TestReopenResumesIDs(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, "base-sepolia")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveToss(newToss("3")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(dir, "base-sepolia")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	id, err := s.NextTossID()
	if err != nil {
		t.Fatal(err)
	}
	if id != "4" {
		t.Errorf("NextTossID after reopen = %s, want 4", id)
	}
}

func TestNetworksAreIsolated(t *testing.T) {
	dir := t.TempDir()

	sep, err := Open(dir, "base-sepolia")
	if err != nil {
		t.Fatal(err)
	}
	if err := sep.SaveToss(newToss("1")); err != nil {
		t.Fatal(err)
	}

	main, err := Open(dir, "base-mainnet")
	if err != nil {
		t.Fatal(err)
	}
	all, err := main.AllTosses()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("mainnet store sees %d sepolia tosses", len(all))
	}
	if _, err := main.Toss("1"); err != store.ErrNotFound {
		t.Errorf("cross-network load error = %v, want ErrNotFound", err)
	}
}

func TestTornFileIsSkipped(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, "base-sepolia")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveToss(newToss("1")); err != nil {
		t.Fatal(err)
	}
	// Simulate a write that died before the JSON was complete.
	torn := filepath.Join(dir, "tosses", "2-base-sepolia.json")
	if err := os.WriteFile(torn, []byte(`{"id": "2", "top`), 0600); err != nil {
		t.Fatal(err)
	}

	all, err := s.AllTosses()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != "1" {
		t.Errorf("AllTosses with torn file = %+v", all)
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, "base-sepolia")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.SaveToss(newToss("1")); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(dir, "tosses"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("toss dir contains %v, want exactly one file", names)
	}
}
