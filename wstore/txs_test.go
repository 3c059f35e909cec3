// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wstore

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestImportTx(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	addr := newRegularAccount(t, store, "a")

	fund := payTx(wire.OutPoint{Hash: makeHash(1)}, 1e8, addr.PkScript)
	update(t, store, func(tx Tx) error {
		info, newAddrs, err := tx.ImportTx("a", fund)
		require.NoError(t, err)
		require.Equal(t, fund.TxHash(), info.Hash)
		require.Equal(t, TxPending, info.Confidence)
		require.Equal(t, int32(-1), info.BlockHeight)
		require.Equal(t, btcutil.Amount(1e8), info.Credits)
		require.Equal(t, btcutil.Amount(1e8), info.Net())

		// Crediting the first look-ahead address slides the window by
		// one.
		require.Len(t, newAddrs, 1)
		require.Equal(t, uint32(defaultGap), newAddrs[0].Index)

		_, visible, err := tx.Addresses("a", BranchExternal, Page{})
		require.NoError(t, err)
		require.Equal(t, 1, visible)

		_, total, err := tx.Txs("a", Page{})
		require.NoError(t, err)
		require.Equal(t, 1, total)
		return nil
	})

	// Unmined outputs only count toward the balance for offline wallets.
	update(t, store, func(tx Tx) error {
		balance, err := tx.Balance("a", 0, false)
		require.NoError(t, err)
		require.Zero(t, balance)

		balance, err = tx.Balance("a", 0, true)
		require.NoError(t, err)
		require.Equal(t, btcutil.Amount(1e8), balance)
		return nil
	})

	var noEffectErr error
	update(t, store, func(tx Tx) error {
		unrelated := payTx(wire.OutPoint{Hash: makeHash(2)}, 5e7,
			[]byte{0x6a}) // OP_RETURN
		_, _, noEffectErr = tx.ImportTx("a", unrelated)
		return nil
	})
	require.ErrorIs(t, noEffectErr, ErrTxNoEffect)
}

func TestApplyTx(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	addr := newRegularAccount(t, store, "a")

	t.Run("mined", func(t *testing.T) {
		fund := payTx(wire.OutPoint{Hash: makeHash(1)}, 1e8, addr.PkScript)
		ref := &BlockRef{
			Hash:   makeHash(9),
			Height: 100,
			Time:   time.Unix(1450000000, 0),
		}
		update(t, store, func(tx Tx) error {
			newAddrs, err := tx.ApplyTx(fund, ref)
			require.NoError(t, err)
			require.Len(t, newAddrs, 1)
			return tx.SetBestBlock(ref)
		})

		update(t, store, func(tx Tx) error {
			hash := fund.TxHash()
			info, err := tx.Tx("a", &hash)
			require.NoError(t, err)
			require.Equal(t, TxConfirmed, info.Confidence)
			require.Equal(t, ref.Hash, *info.BlockHash)
			require.Equal(t, int32(100), info.BlockHeight)

			balance, err := tx.Balance("a", 1, false)
			require.NoError(t, err)
			require.Equal(t, btcutil.Amount(1e8), balance)

			infos, err := tx.AccountTxsFromHeight("a", 100)
			require.NoError(t, err)
			require.Len(t, infos, 1)

			infos, err = tx.AccountTxsFromHeight("a", 101)
			require.NoError(t, err)
			require.Empty(t, infos)
			return nil
		})
	})

	t.Run("mempool relay", func(t *testing.T) {
		relay := payTx(wire.OutPoint{Hash: makeHash(2)}, 2e8, addr.PkScript)
		update(t, store, func(tx Tx) error {
			_, err := tx.ApplyTx(relay, nil)
			require.NoError(t, err)

			hash := relay.TxHash()
			info, err := tx.Tx("a", &hash)
			require.NoError(t, err)
			require.Equal(t, TxPending, info.Confidence)
			return nil
		})
	})

	t.Run("filter false positive", func(t *testing.T) {
		unrelated := payTx(wire.OutPoint{Hash: makeHash(3)}, 1e6,
			[]byte{0x6a})
		update(t, store, func(tx Tx) error {
			newAddrs, err := tx.ApplyTx(unrelated, nil)
			require.NoError(t, err)
			require.Empty(t, newAddrs)

			hash := unrelated.TxHash()
			_, err = tx.Tx("a", &hash)
			require.ErrorIs(t, err, ErrTxNotFound)
			return nil
		})
	})
}

func TestDeleteTx(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	addr := newRegularAccount(t, store, "a")

	pending := payTx(wire.OutPoint{Hash: makeHash(1)}, 1e8, addr.PkScript)
	mined := payTx(wire.OutPoint{Hash: makeHash(2)}, 2e8, addr.PkScript)
	ref := &BlockRef{Hash: makeHash(9), Height: 100, Time: time.Unix(1450000000, 0)}
	update(t, store, func(tx Tx) error {
		if _, _, err := tx.ImportTx("a", pending); err != nil {
			return err
		}
		if _, err := tx.ApplyTx(mined, ref); err != nil {
			return err
		}
		return tx.SetBestBlock(ref)
	})

	update(t, store, func(tx Tx) error {
		pendingHash := pending.TxHash()
		require.NoError(t, tx.DeleteTx("a", &pendingHash))
		_, err := tx.Tx("a", &pendingHash)
		require.ErrorIs(t, err, ErrTxNotFound)
		require.ErrorIs(t, tx.DeleteTx("a", &pendingHash), ErrTxNotFound)

		minedHash := mined.TxHash()
		require.ErrorIs(t, tx.DeleteTx("a", &minedHash), ErrTxConfirmed)
		return nil
	})
}

func TestDoubleSpendDisplacement(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	addr := newRegularAccount(t, store, "a")

	fund := payTx(wire.OutPoint{Hash: makeHash(1)}, 1e8, addr.PkScript)
	fundOut := wire.OutPoint{Hash: fund.TxHash(), Index: 0}
	firstSpend := payTx(fundOut, 9e7, []byte{0x6a})
	// The double spend pays back to the wallet so it stays relevant even
	// though the spent coin is no longer reported unspent.
	doubleSpend := payTx(fundOut, 8e7, addr.PkScript)

	update(t, store, func(tx Tx) error {
		if _, _, err := tx.ImportTx("a", fund); err != nil {
			return err
		}
		info, _, err := tx.ImportTx("a", firstSpend)
		require.NoError(t, err)
		require.Equal(t, TxPending, info.Confidence)

		// The second spend of the same coin displaces the first onto
		// the dead list.
		_, _, err = tx.ImportTx("a", doubleSpend)
		require.NoError(t, err)
		return nil
	})

	update(t, store, func(tx Tx) error {
		firstHash := firstSpend.TxHash()
		info, err := tx.Tx("a", &firstHash)
		require.NoError(t, err)
		require.Equal(t, TxDead, info.Confidence)

		doubleHash := doubleSpend.TxHash()
		info, err = tx.Tx("a", &doubleHash)
		require.NoError(t, err)
		require.Equal(t, TxPending, info.Confidence)

		_, total, err := tx.Txs("a", Page{})
		require.NoError(t, err)
		require.Equal(t, 3, total)

		// Dead records may be deleted.
		require.NoError(t, tx.DeleteTx("a", &firstHash))
		_, err = tx.Tx("a", &firstHash)
		require.ErrorIs(t, err, ErrTxNotFound)
		return nil
	})
}

func TestSignTx(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	addr := newRegularAccount(t, store, "a")

	fund := payTx(wire.OutPoint{Hash: makeHash(1)}, 1e8, addr.PkScript)
	update(t, store, func(tx Tx) error {
		_, _, err := tx.ImportTx("a", fund)
		return err
	})

	var change *Address
	update(t, store, func(tx Tx) error {
		var err error
		change, err = tx.Address("a", 0, BranchInternal)
		return err
	})

	unsigned := payTx(wire.OutPoint{Hash: fund.TxHash(), Index: 0}, 9e7,
		change.PkScript)
	unsignedHash := unsigned.TxHash()
	update(t, store, func(tx Tx) error {
		_, _, err := tx.ImportTx("a", unsigned)
		return err
	})

	// The signing data for the pending spend covers its single
	// account-owned input.
	update(t, store, func(tx Tx) error {
		data, err := tx.OfflineTxData("a", &unsignedHash)
		require.NoError(t, err)
		require.Len(t, data.SignData, 1)
		require.Equal(t, wire.OutPoint{Hash: fund.TxHash(), Index: 0},
			data.SignData[0].OutPoint)
		require.Equal(t, btcutil.Amount(1e8), data.SignData[0].Value)
		require.Equal(t, BranchExternal, data.SignData[0].Branch)
		require.Equal(t, uint32(0), data.SignData[0].Index)
		return nil
	})

	// Signing replaces the unsigned record because the hash changes.
	var signedHash chainhash.Hash
	update(t, store, func(tx Tx) error {
		info, _, err := tx.SignTx("a", &unsignedHash)
		require.NoError(t, err)
		require.NotEqual(t, unsignedHash, info.Hash)
		require.NotEmpty(t, info.Tx.TxIn[0].SignatureScript)
		require.Equal(t, TxPending, info.Confidence)
		signedHash = info.Hash
		return nil
	})

	update(t, store, func(tx Tx) error {
		_, err := tx.Tx("a", &unsignedHash)
		require.ErrorIs(t, err, ErrTxNotFound)

		info, err := tx.Tx("a", &signedHash)
		require.NoError(t, err)
		require.Equal(t, btcutil.Amount(9e7), info.Credits)

		_, _, err = tx.SignTx("a", &unsignedHash)
		require.ErrorIs(t, err, ErrTxNotFound)
		return nil
	})
}
