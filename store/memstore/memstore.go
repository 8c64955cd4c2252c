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

// Package memstore implements the toss store in memory, for tests and
// ephemeral runs.
package memstore

import (
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grouptoss/tossbot/store"
	"github.com/grouptoss/tossbot/toss"
	"github.com/grouptoss/tossbot/wallet"
)

var errClosed = errors.New("memstore closed")

// Store keeps all state in maps guarded by a single lock. The zero value is
// not usable; call New.
type Store struct {
	mu      sync.RWMutex
	tosses  map[string]*toss.Toss
	wallets map[string]*wallet.Record
	byAddr  map[common.Address]string
	nextID  uint64
	closed  bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tosses:  make(map[string]*toss.Toss),
		wallets: make(map[string]*wallet.Record),
		byAddr:  make(map[common.Address]string),
		nextID:  1,
	}
}

func (s *Store) SaveToss(t *toss.Toss) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.tosses[t.ID] = t.Copy()
	if n, err := strconv.ParseUint(t.ID, 10, 64); err == nil && n >= s.nextID {
		s.nextID = n + 1
	}
	return nil
}

func (s *Store) Toss(id string) (*toss.Toss, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	t, ok := s.tosses[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.Copy(), nil
}

func (s *Store) DeleteToss(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	delete(s.tosses, id)
	return nil
}

func (s *Store) AllTosses() ([]*toss.Toss, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	all := make([]*toss.Toss, 0, len(s.tosses))
	for _, t := range s.tosses {
		all = append(all, t.Copy())
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
	if s.closed {
		return "", errClosed
	}
	id := s.nextID
	s.nextID++
	return strconv.FormatUint(id, 10), nil
}

func (s *Store) SaveWalletRecord(rec *wallet.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	cpy := *rec
	s.wallets[rec.ID] = &cpy
	s.byAddr[rec.Address] = rec.ID
	return nil
}

func (s *Store) WalletRecord(id string) (*wallet.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	rec, ok := s.wallets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cpy := *rec
	return &cpy, nil
}

func (s *Store) WalletRecordByAddress(addr common.Address) (*wallet.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	id, ok := s.byAddr[addr]
	if !ok {
		return nil, store.ErrNotFound
	}
	cpy := *s.wallets[id]
	return &cpy, nil
}

func (s *Store) WalletRecords() ([]*wallet.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	all := make([]*wallet.Record, 0, len(s.wallets))
	for _, rec := range s.wallets {
		cpy := *rec
		all = append(all, &cpy)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
