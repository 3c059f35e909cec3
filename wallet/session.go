// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet implements the request-handling core of the wallet server.
// A Session arbitrates every handler's access to the two shared resources:
// the wallet store, whose concurrent use is bounded by a weighted semaphore,
// and the synchronization state, whose operations are forwarded as opaque
// atomic calls.  Network side effects only happen for online sessions.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/semaphore"

	"github.com/btcsuite/spvwalletd/chainsvc"
	"github.com/btcsuite/spvwalletd/wstore"
)

// DefaultStorageOps is the default bound on concurrent storage transactions.
const DefaultStorageOps = 10

// Config holds the immutable session parameters.
type Config struct {
	// ChainParams identifies the active network.
	ChainParams *chaincfg.Params

	// Offline disables every network side effect.  Handlers still run
	// their storage transactions.
	Offline bool

	// StorageOps bounds the number of concurrently running storage
	// transactions.  Zero selects DefaultStorageOps.
	StorageOps int64
}

// SyncState is the synchronization-state handle shared with the network
// layer.  Every method is a single internally-serialized atomic operation.
type SyncState interface {
	// SendFilter replaces the remote transaction filter.
	SendFilter(filter *bloom.Filter) error

	// Broadcast relays transactions to the network.
	Broadcast(txs []*wire.MsgTx) error

	// RestartRescan restarts filtered block download from the given
	// time.
	RestartRescan(from time.Time) error

	// Status returns a snapshot of the synchronization state.
	Status() (*chainsvc.Status, error)

	// BlockWindow returns the header-chain window between start
	// (exclusive) and tip (inclusive) in ascending height order.
	BlockWindow(tip, start *chainhash.Hash, maxBlocks int) ([]chainsvc.BlockNode, error)
}

// Session dispatches wallet requests.  It is immutable after New and safe
// for concurrent use.
type Session struct {
	cfg   Config
	store wstore.Store
	sync  SyncState

	// storageGuard bounds concurrent store transactions.  Handlers
	// blocked on a slot queue here rather than on the database.
	storageGuard *semaphore.Weighted
}

// New creates a session over the given store.  sync may be nil for sessions
// that never participate in the network; invoking a network operation on
// such a session is a programming error and panics.
func New(cfg Config, store wstore.Store, sync SyncState) *Session {
	ops := cfg.StorageOps
	if ops <= 0 {
		ops = DefaultStorageOps
	}
	cfg.StorageOps = ops
	return &Session{
		cfg:          cfg,
		store:        store,
		sync:         sync,
		storageGuard: semaphore.NewWeighted(ops),
	}
}

// Offline reports whether the session runs without network participation.
func (s *Session) Offline() bool {
	return s.cfg.Offline
}

// runStorage executes op as a single storage transaction after acquiring a
// concurrency-guard slot.  The slot is released on every exit path.
func (s *Session) runStorage(ctx context.Context, op func(wstore.Tx) error) error {
	if err := s.storageGuard.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.storageGuard.Release(1)
	return s.store.Update(op)
}

// tryStorage is runStorage for auxiliary reads that should degrade rather
// than abort the caller.  Faults are logged and reported as an absent
// result.
func (s *Session) tryStorage(ctx context.Context, op func(wstore.Tx) error) bool {
	err := s.runStorage(ctx, op)
	if err == nil {
		return true
	}
	var storageErr wstore.StorageError
	if errors.As(err, &storageErr) {
		log.Warnf("Auxiliary storage read unavailable: %v", err)
	} else {
		log.Errorf("Auxiliary storage read failed: %v", err)
	}
	return false
}

// runSync forwards op to the synchronization-state handle.  A session
// constructed without one cannot serve network operations, so reaching here
// without a handle is a fatal defect rather than a user error.
func (s *Session) runSync(op func(SyncState) error) error {
	if s.sync == nil {
		panic("wallet: network operation invoked on a session without a sync handle")
	}
	return op(s.sync)
}

// whenOnline executes step only for online sessions.  It is the single gate
// guarding every network side effect.
func (s *Session) whenOnline(step func() error) error {
	if s.cfg.Offline {
		return nil
	}
	return step()
}

// sendFilter pushes a rebuilt watch filter to the node.  Callers capture the
// filter inside the storage transaction that changed the watched set, so the
// pushed filter always reflects the committed state.  A nil filter means the
// watched set did not change.
func (s *Session) sendFilter(filter *bloom.Filter) error {
	if filter == nil {
		return nil
	}
	return s.whenOnline(func() error {
		return s.runSync(func(sync SyncState) error {
			return sync.SendFilter(filter)
		})
	})
}
