// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcsuite/spvwalletd/wstore"
)

// OfflineTxData returns the previous-output data an external signer needs to
// sign a pending transaction's account-owned inputs.  Wallet keys never
// leave storage through this call.
func (s *Session) OfflineTxData(ctx context.Context, account string,
	hash *chainhash.Hash) (*wstore.OfflineTxData, error) {

	var data *wstore.OfflineTxData
	err := s.runStorage(ctx, func(tx wstore.Tx) error {
		var err error
		data, err = tx.OfflineTxData(account, hash)
		return err
	})
	return data, err
}

// SignOfflineTx applies signatures to an externally supplied unsigned
// transaction using the given signing data.  When key is nil the account's
// own key signs; otherwise key is used as-is, allowing a co-signer to sign
// with a key the wallet never stores.  Completeness is verified
// independently against the supplied previous outputs, so a partial
// multisig signature set reports complete == false without an error.
func (s *Session) SignOfflineTx(ctx context.Context, account string,
	key *hdkeychain.ExtendedKey, unsigned *wire.MsgTx,
	data []wstore.CoinSignData) (*wire.MsgTx, bool, error) {

	if len(data) == 0 {
		return nil, false, domainErrorf("no signing data supplied for offline signing")
	}

	var acct *wstore.Account
	if key == nil {
		err := s.runStorage(ctx, func(tx wstore.Tx) error {
			var err error
			acct, err = tx.Account(account)
			return err
		})
		if err != nil {
			return nil, false, err
		}
	}

	signed := unsigned.Copy()
	complete, err := wstore.SignTxWithData(s.cfg.ChainParams, acct, key, signed, data)
	if err != nil {
		return nil, false, err
	}
	return signed, complete, nil
}
