// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcsuite/spvwalletd/wstore"
)

// ConnectBlock records a newly-delivered filtered block as the wallet's
// chain tip.
func (s *Session) ConnectBlock(ctx context.Context, ref wstore.BlockRef) error {
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		return tx.SetBestBlock(&ref)
	})
	if err != nil {
		return err
	}
	log.Debugf("Connected block %v (height %d)", ref.Hash, ref.Height)
	return nil
}

// ApplyRelayedTx records a filter-matched transaction relayed by the peer,
// mined in ref when non-nil.  Crediting a look-ahead address extends the
// watched window, so the filter refresh protocol applies here as well.
func (s *Session) ApplyRelayedTx(ctx context.Context, msgTx *wire.MsgTx,
	ref *wstore.BlockRef) error {

	var filter *bloom.Filter
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		newAddrs, err := tx.ApplyTx(msgTx, ref)
		if err != nil {
			return err
		}
		if len(newAddrs) > 0 {
			filter, err = tx.BloomFilter()
		}
		return err
	})
	if err != nil {
		return err
	}
	return s.sendFilter(filter)
}
