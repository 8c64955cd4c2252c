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

// Package filestore implements the toss store as one JSON file per entity
// under a data directory. Writes go through a temporary file and rename, so
// a crash mid-write leaves the previous version intact. File names carry the
// network name, letting one data directory serve several chains.
package filestore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/grouptoss/tossbot/store"
	"github.com/grouptoss/tossbot/toss"
	"github.com/grouptoss/tossbot/wallet"
)

const (
	dirPerm  = 0700
	tossDir  = "tosses"
	walltDir = "wallets"
)

// Store persists each toss and wallet record as its own JSON file.
type Store struct {
	root    string
	network string

	mu     sync.Mutex // guards nextID
	nextID uint64
}

// Open creates the directory layout under datadir and scans existing tosses
// to resume the id sequence. Files of other networks are left untouched.
func Open(datadir, network string) (*Store, error) {
	if network == "" {
		return nil, errors.New("filestore: empty network name")
	}
	for _, sub := range []string{tossDir, walltDir} {
		if err := os.MkdirAll(filepath.Join(datadir, sub), dirPerm); err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
	}
	s := &Store{root: datadir, network: network, nextID: 1}
	ids, err := s.scanIDs(tossDir)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if n, err := strconv.ParseUint(id, 10, 64); err == nil && n >= s.nextID {
			s.nextID = n + 1
		}
	}
	return s, nil
}

func (s *Store) SaveToss(t *toss.Toss) error {
	if err := writeJSON(s.path(tossDir, t.ID), t); err != nil {
		return err
	}
	s.mu.Lock()
	if n, err := strconv.ParseUint(t.ID, 10, 64); err == nil && n >= s.nextID {
		s.nextID = n + 1
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Toss(id string) (*toss.Toss, error) {
	var t toss.Toss
	if err := readJSON(s.path(tossDir, id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) DeleteToss(id string) error {
	err := os.Remove(s.path(tossDir, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: %w", err)
	}
	return nil
}

func (s *Store) AllTosses() ([]*toss.Toss, error) {
	ids, err := s.scanIDs(tossDir)
	if err != nil {
		return nil, err
	}
	all := make([]*toss.Toss, 0, len(ids))
	for _, id := range ids {
		t, err := s.Toss(id)
		if err != nil {
			// A torn or foreign file must not take the whole store down.
			log.Warn("Skipping unreadable toss file", "id", id, "err", err)
			continue
		}
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		a, _ := strconv.ParseUint(all[i].ID, 10, 64)
		b, _ := strconv.ParseUint(all[j].ID, 10, 64)
		return a < b
	})
	return all, nil
}

func (s *Store) NextTossID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return strconv.FormatUint(id, 10), nil
}

func (s *Store) SaveWalletRecord(rec *wallet.Record) error {
	return writeJSON(s.path(walltDir, rec.ID), rec)
}

func (s *Store) WalletRecord(id string) (*wallet.Record, error) {
	var rec wallet.Record
	if err := readJSON(s.path(walltDir, id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) WalletRecordByAddress(addr common.Address) (*wallet.Record, error) {
	recs, err := s.WalletRecords()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.Address == addr {
			return rec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) WalletRecords() ([]*wallet.Record, error) {
	ids, err := s.scanIDs(walltDir)
	if err != nil {
		return nil, err
	}
	all := make([]*wallet.Record, 0, len(ids))
	for _, id := range ids {
		var rec wallet.Record
		if err := readJSON(filepath.Join(s.root, walltDir, id+"-"+s.network+".json"), &rec); err != nil {
			log.Warn("Skipping unreadable wallet file", "id", id, "err", err)
			continue
		}
		all = append(all, &rec)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

func (s *Store) Close() error { return nil }

// path maps an entity id to its file. Ids that are unsafe as file names are
// hex encoded; the authoritative id lives inside the JSON.
func (s *Store) path(sub, id string) string {
	return filepath.Join(s.root, sub, safeName(id)+"-"+s.network+".json")
}

// scanIDs lists the file-name ids of this network present in a subdirectory,
// skipping temporary files from interrupted writes.
func (s *Store) scanIDs(sub string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, sub))
	if err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	suffix := "-" + s.network + ".json"
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, suffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, suffix))
	}
	return ids, nil
}

func safeName(id string) string {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
		default:
			return "x" + hex.EncodeToString([]byte(id))
		}
	}
	return id
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("filestore: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("filestore: corrupt file %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON writes through a temporary file in the target directory and
// renames it into place, the same way the keystore writes key files.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("filestore: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("filestore: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("filestore: %w", err)
	}
	return os.Rename(f.Name(), path)
}
