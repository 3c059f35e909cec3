// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/spvwalletd/chainsvc"
	"github.com/btcsuite/spvwalletd/wstore"
)

// rescanSafetyMargin shifts every rescan start time backward to absorb
// clock skew between recorded address creation times and real chain time.
const rescanSafetyMargin = 7 * 24 * time.Hour

// NodeAction is the tagged union of node synchronization requests.
type NodeAction interface {
	nodeAction()
}

// Rescan restarts filtered block download.  From overrides the derived
// start time when non-nil.
type Rescan struct {
	From *time.Time
}

// Status requests a snapshot of the synchronization state.
type Status struct{}

func (*Rescan) nodeAction() {}
func (*Status) nodeAction() {}

// RescanResult reports the adjusted time a rescan was restarted from.
type RescanResult struct {
	From time.Time
}

// NodeStatus combines the sync-state snapshot with the wallet's own best
// block.  WalletBlock is nil when the auxiliary storage read degraded.
type NodeStatus struct {
	Chain       *chainsvc.Status
	WalletBlock *wstore.BlockRef
}

// NodeAction dispatches a node synchronization request.
func (s *Session) NodeAction(ctx context.Context, action NodeAction) (interface{}, error) {
	switch a := action.(type) {
	case *Rescan:
		from, err := s.rescan(ctx, a.From)
		if err != nil {
			return nil, err
		}
		return &RescanResult{From: from}, nil
	case *Status:
		return s.nodeStatus(ctx)
	default:
		panic(fmt.Sprintf("wallet: unknown node action %T", action))
	}
}

// rescan resets the storage-side rescan bookkeeping and restarts filtered
// block download from the explicit time, or from the wallet's earliest
// address creation time when none is given.  Either way the start is
// shifted back by the safety margin.
func (s *Session) rescan(ctx context.Context, explicit *time.Time) (time.Time, error) {
	var from time.Time
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		if explicit != nil {
			from = *explicit
		} else {
			first, err := tx.FirstAddrTime()
			if err != nil {
				return err
			}
			if first == nil {
				return domainErrorf("cannot derive a rescan time: wallet has no addresses")
			}
			from = *first
		}
		from = from.Add(-rescanSafetyMargin)
		return tx.ResetRescan()
	})
	if err != nil {
		return time.Time{}, err
	}

	err = s.whenOnline(func() error {
		return s.runSync(func(sync SyncState) error {
			return sync.RestartRescan(from)
		})
	})
	if err != nil {
		return time.Time{}, err
	}
	log.Infof("Rescan restarted from %v", from)
	return from, nil
}

// nodeStatus snapshots the synchronization state and, best-effort, the
// wallet's recorded best block.
func (s *Session) nodeStatus(ctx context.Context) (*NodeStatus, error) {
	var status NodeStatus
	err := s.runSync(func(sync SyncState) error {
		var err error
		status.Chain, err = sync.Status()
		return err
	})
	if err != nil {
		return nil, err
	}

	var walletBlock *wstore.BlockRef
	if s.tryStorage(ctx, func(tx wstore.Tx) error {
		var err error
		walletBlock, err = tx.BestBlock()
		return err
	}) {
		status.WalletBlock = walletBlock
	}
	return &status, nil
}
