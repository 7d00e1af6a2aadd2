/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package pvtdata reads private write sets from a copy of a peer's private
// data store.
package pvtdata

import (
	"sync"

	"github.com/hyperledger/fabric-ledgeraudit/internal/fileutil"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

var logger = flogging.MustGetLogger("pvtdata")

type dbState int32

const (
	closed dbState = iota
	opened
)

// Store is a read-only wrapper on a LevelDB private data store. Keys are
// looked up verbatim, including the channel prefix of the peer's sub-DB.
type Store struct {
	path     string
	db       *leveldb.DB
	dbState  dbState
	mutex    sync.RWMutex
	readOpts *opt.ReadOptions
}

// Open opens an existing store for reading. It fails if the store is locked
// by a running peer.
func Open(path string) (*Store, error) {
	exists, err := fileutil.DirExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Errorf("private data store %s does not exist", path)
	}
	db, err := leveldb.OpenFile(path, &opt.Options{ReadOnly: true, ErrorIfMissing: true})
	if err != nil {
		return nil, errors.Wrapf(err, "error opening leveldb at %s", path)
	}
	logger.Debugf("Opened private data store at %s", path)
	return &Store{
		path:     path,
		db:       db,
		dbState:  opened,
		readOpts: &opt.ReadOptions{},
	}, nil
}

// Close closes the underlying db
func (s *Store) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.dbState == closed {
		return
	}
	if err := s.db.Close(); err != nil {
		logger.Errorf("Error closing leveldb: %s", err)
	}
	s.dbState = closed
}

// Get returns the value for the given key, or nil if the key is absent.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.dbState == closed {
		return nil, errors.Errorf("private data store %s is closed", s.path)
	}
	value, err := s.db.Get(key, s.readOpts)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		logger.Errorf("Error retrieving leveldb key [%#v]: %s", key, err)
		return nil, errors.Wrapf(err, "error retrieving leveldb key [%#v]", key)
	}
	return value, nil
}
