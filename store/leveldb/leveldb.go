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

// Package leveldb implements the toss store on a goleveldb key-value
// database, for deployments whose toss volume outgrows one-file-per-toss.
package leveldb

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/grouptoss/tossbot/store"
	"github.com/grouptoss/tossbot/toss"
	"github.com/grouptoss/tossbot/wallet"
)

// Key schema. Values are the same JSON documents the file store writes; the
// address index maps a lowercase hex address to the owning record id.
const (
	tossPrefix   = "t"
	walletPrefix = "w"
	addrPrefix   = "a"
)

// Store is a goleveldb-backed toss store.
type Store struct {
	db *leveldb.DB

	mu     sync.Mutex // guards nextID
	nextID uint64
}

// Open opens or creates the database under path, recovering from a corrupted
// manifest if needed, and resumes the id sequence from the stored tosses.
func Open(path string) (*Store, error) {
	opts := &opt.Options{
		OpenFilesCacheCapacity: 64,
		BlockCacheCapacity:     8 * opt.MiB,
		WriteBuffer:            4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(path, opts)
	if _, corrupted := err.(*ldberrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb: %w", err)
	}
	s := &Store{db: db, nextID: 1}

	iter := db.NewIterator(util.BytesPrefix([]byte(tossPrefix)), nil)
	for iter.Next() {
		id := strings.TrimPrefix(string(iter.Key()), tossPrefix)
		if n, err := strconv.ParseUint(id, 10, 64); err == nil && n >= s.nextID {
			s.nextID = n + 1
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		db.Close()
		return nil, fmt.Errorf("leveldb: %w", err)
	}
	return s, nil
}

func (s *Store) SaveToss(t *toss.Toss) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("leveldb: %w", err)
	}
	if err := s.db.Put([]byte(tossPrefix+t.ID), data, nil); err != nil {
		return fmt.Errorf("leveldb: %w", err)
	}
	s.mu.Lock()
	if n, err := strconv.ParseUint(t.ID, 10, 64); err == nil && n >= s.nextID {
		s.nextID = n + 1
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Toss(id string) (*toss.Toss, error) {
	data, err := s.db.Get([]byte(tossPrefix+id), nil)
	if err == leveldb.ErrNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb: %w", err)
	}
	var t toss.Toss
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("leveldb: corrupt toss %s: %w", id, err)
	}
	return &t, nil
}

func (s *Store) DeleteToss(id string) error {
	if err := s.db.Delete([]byte(tossPrefix+id), nil); err != nil {
		return fmt.Errorf("leveldb: %w", err)
	}
	return nil
}

func (s *Store) AllTosses() ([]*toss.Toss, error) {
	var all []*toss.Toss
	iter := s.db.NewIterator(util.BytesPrefix([]byte(tossPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var t toss.Toss
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("leveldb: corrupt toss %s: %w", iter.Key(), err)
		}
		all = append(all, &t)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb: %w", err)
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
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("leveldb: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(walletPrefix+rec.ID), data)
	batch.Put(addrKey(rec.Address), []byte(rec.ID))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldb: %w", err)
	}
	return nil
}

func (s *Store) WalletRecord(id string) (*wallet.Record, error) {
	data, err := s.db.Get([]byte(walletPrefix+id), nil)
	if err == leveldb.ErrNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb: %w", err)
	}
	var rec wallet.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("leveldb: corrupt wallet %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) WalletRecordByAddress(addr common.Address) (*wallet.Record, error) {
	id, err := s.db.Get(addrKey(addr), nil)
	if err == leveldb.ErrNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb: %w", err)
	}
	return s.WalletRecord(string(id))
}

func (s *Store) WalletRecords() ([]*wallet.Record, error) {
	var all []*wallet.Record
	iter := s.db.NewIterator(util.BytesPrefix([]byte(walletPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec wallet.Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("leveldb: corrupt wallet %s: %w", iter.Key(), err)
		}
		all = append(all, &rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func addrKey(addr common.Address) []byte {
	return []byte(addrPrefix + strings.ToLower(addr.Hex()))
}
