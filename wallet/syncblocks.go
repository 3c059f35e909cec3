// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/btcsuite/spvwalletd/chainsvc"
	"github.com/btcsuite/spvwalletd/wstore"
)

// BlockTxs bundles an account's confirmed transactions with their confirming
// block.
type BlockTxs struct {
	Hash   chainhash.Hash
	Height int32
	Time   time.Time
	Txs    []wstore.TxInfo
}

// SyncBlocks returns the account's transactions for the window of blocks
// between start (exclusive) and the wallet's best block (inclusive), bundled
// per confirming block in ascending height order.  maxBlocks bounds the
// window when positive, keeping the oldest blocks.  An empty result is the
// normal terminal case: the caller is already at the tip.
//
// The best block read and the transaction fetch share one storage
// transaction so the window cannot race a concurrent chain update.
func (s *Session) SyncBlocks(ctx context.Context, account string,
	start *chainhash.Hash, maxBlocks int) ([]BlockTxs, error) {

	var bundles []BlockTxs
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		best, err := tx.BestBlock()
		if err != nil {
			return err
		}

		var window []chainsvc.BlockNode
		err = s.runSync(func(sync SyncState) error {
			var err error
			window, err = sync.BlockWindow(&best.Hash, start, maxBlocks)
			return err
		})
		if err != nil {
			if errors.Is(err, chainsvc.ErrNotAncestor) ||
				errors.Is(err, chainsvc.ErrUnknownBlock) {
				return domainErrorf("block %v is not an ancestor of the wallet tip %v",
					start, best.Hash)
			}
			return err
		}

		bundles = make([]BlockTxs, 0, len(window))
		if len(window) == 0 {
			return nil
		}

		txs, err := tx.AccountTxsFromHeight(account, window[0].Height)
		if err != nil {
			return err
		}
		byBlock := make(map[chainhash.Hash][]wstore.TxInfo)
		for i := range txs {
			if txs[i].BlockHash != nil {
				byBlock[*txs[i].BlockHash] = append(byBlock[*txs[i].BlockHash], txs[i])
			}
		}
		for _, node := range window {
			bundles = append(bundles, BlockTxs{
				Hash:   node.Hash,
				Height: node.Height,
				Time:   node.Time,
				Txs:    byBlock[node.Hash],
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bundles, nil
}
