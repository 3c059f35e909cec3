// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcsuite/spvwalletd/wstore"
)

// TxAction is the tagged union of transaction state-machine requests.
// Exactly one variant is active per request.
type TxAction interface {
	txAction()
}

// CreateTx builds, and optionally signs, a new transaction paying
// Recipients from the account's coins.
type CreateTx struct {
	Recipients []wstore.Recipient
	FeePerKb   btcutil.Amount
	MinConf    int32

	// FeePayer selects the recipient whose output pays the fee.  When
	// nil the account pays via added inputs and change.
	FeePayer *int

	Sign bool
}

// ImportTx applies an externally-built transaction to the account.
type ImportTx struct {
	Tx *wire.MsgTx
}

// SignTx completes a previously recorded pending transaction.
type SignTx struct {
	Hash chainhash.Hash
}

func (*CreateTx) txAction() {}
func (*ImportTx) txAction() {}
func (*SignTx) txAction()   {}

// TxAction dispatches a transaction action against an account as one
// storage transaction, then runs the uniform post-transaction protocol for
// online sessions: first refresh the watch filter if new addresses were
// generated, then broadcast the result if it is still pending.  Broadcasting
// before the refresh risks the node failing to recognize the wallet's own
// transaction on relay-back, so the order is a correctness invariant.
func (s *Session) TxAction(ctx context.Context, account string, action TxAction) (*wstore.TxInfo, error) {
	var (
		info     *wstore.TxInfo
		newAddrs []wstore.Address
		filter   *bloom.Filter
	)
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		switch a := action.(type) {
		case *CreateTx:
			info, newAddrs, err = tx.CreateTx(account, a.Recipients,
				a.FeePerKb, a.MinConf, a.FeePayer, a.Sign)
		case *ImportTx:
			info, newAddrs, err = tx.ImportTx(account, a.Tx)
		case *SignTx:
			info, newAddrs, err = tx.SignTx(account, &a.Hash)
		default:
			panic(fmt.Sprintf("wallet: unknown transaction action %T", action))
		}
		if err != nil {
			return err
		}
		if len(newAddrs) > 0 {
			filter, err = tx.BloomFilter()
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.sendFilter(filter); err != nil {
		return nil, err
	}
	if info.Confidence == wstore.TxPending {
		err := s.whenOnline(func() error {
			return s.runSync(func(sync SyncState) error {
				return sync.Broadcast([]*wire.MsgTx{info.Tx})
			})
		})
		if err != nil {
			return nil, err
		}
	}
	return info, nil
}

// Txs returns a page of the account's transactions plus the total count.
func (s *Session) Txs(ctx context.Context, account string, page wstore.Page) ([]wstore.TxInfo, int, error) {
	var (
		txs   []wstore.TxInfo
		total int
	)
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		txs, total, err = tx.Txs(account, page)
		return err
	})
	return txs, total, err
}

// AddrTxs returns a page of the transactions touching one address.
func (s *Session) AddrTxs(ctx context.Context, account string, index uint32,
	branch wstore.Branch, page wstore.Page) ([]wstore.TxInfo, int, error) {

	var (
		txs   []wstore.TxInfo
		total int
	)
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		txs, total, err = tx.AddrTxs(account, index, branch, page)
		return err
	})
	return txs, total, err
}

// Tx returns the account's record of a transaction.
func (s *Session) Tx(ctx context.Context, account string, hash *chainhash.Hash) (*wstore.TxInfo, error) {
	var info *wstore.TxInfo
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		info, err = tx.Tx(account, hash)
		return err
	})
	return info, err
}

// DeleteTx removes an unmined transaction record.  Success carries no body.
func (s *Session) DeleteTx(ctx context.Context, account string, hash *chainhash.Hash) error {
	return s.runStorage(ctx, func(tx wstore.Tx) error {
		return tx.DeleteTx(account, hash)
	})
}
