// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wstore

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

// detailsToTxInfo converts a wtxmgr transaction record to the account-level
// view of it.
func detailsToTxInfo(d *wtxmgr.TxDetails) TxInfo {
	info := TxInfo{
		Hash:        d.Hash,
		Tx:          d.MsgTx.Copy(),
		Received:    d.Received,
		BlockHeight: d.Block.Height,
		Confidence:  TxPending,
	}
	if d.Block.Height != -1 {
		hash := d.Block.Hash
		info.BlockHash = &hash
		info.Confidence = TxConfirmed
	}
	for i := range d.Credits {
		info.Credits += d.Credits[i].Amount
	}
	for i := range d.Debits {
		info.Debits += d.Debits[i].Amount
	}
	return info
}

// allTxInfos collects every transaction of the account in ascending
// confirmation-height order with unmined transactions last, followed by the
// dead records kept outside the wtxmgr store.
func (t *storeTx) allTxInfos(acct *Account, ns walletdb.ReadWriteBucket) ([]TxInfo, error) {
	txs, txmgrNs, err := t.txStore(ns)
	if err != nil {
		return nil, err
	}
	var infos []TxInfo
	err = txs.RangeTransactions(txmgrNs, 0, -1, func(ds []wtxmgr.TxDetails) (bool, error) {
		for i := range ds {
			infos = append(infos, detailsToTxInfo(&ds[i]))
		}
		return false, nil
	})
	if err != nil {
		return nil, storeError("failed to range transactions", err)
	}

	dead, err := t.deadTxInfos(ns)
	if err != nil {
		return nil, err
	}
	return append(infos, dead...), nil
}

// deadTxInfos rebuilds the records of transactions that were displaced by a
// double spend.  Their credits are recomputed from the account's script
// index because the backing wtxmgr records are gone.
func (t *storeTx) deadTxInfos(ns walletdb.ReadWriteBucket) ([]TxInfo, error) {
	var infos []TxInfo
	err := ns.NestedReadWriteBucket(bucketDead).ForEach(func(k, v []byte) error {
		if len(v) < 8 {
			return nil
		}
		received := time.Unix(int64(binary.BigEndian.Uint64(v[:8])), 0)
		var msgTx wire.MsgTx
		if err := msgTx.Deserialize(bytes.NewReader(v[8:])); err != nil {
			return err
		}
		info := TxInfo{
			Tx:          &msgTx,
			Received:    received,
			Confidence:  TxDead,
			BlockHeight: -1,
		}
		copy(info.Hash[:], k)
		for _, out := range msgTx.TxOut {
			if _, _, ok := scriptRef(ns, out.PkScript); ok {
				info.Credits += btcutil.Amount(out.Value)
			}
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, storeError("failed to read dead transactions", err)
	}
	return infos, nil
}

// Txs returns a page of the account's transactions plus the total count.
func (t *storeTx) Txs(account string, page Page) ([]TxInfo, int, error) {
	acct, err := t.account(account)
	if err != nil {
		return nil, 0, err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return nil, 0, err
	}
	infos, err := t.allTxInfos(acct, ns)
	if err != nil {
		return nil, 0, err
	}
	if page.Reverse {
		for i, j := 0, len(infos)-1; i < j; i, j = i+1, j-1 {
			infos[i], infos[j] = infos[j], infos[i]
		}
	}
	start, n := page.window(len(infos))
	return infos[start : start+n], len(infos), nil
}

// AddrTxs returns a page of the transactions crediting or debiting a single
// address.
func (t *storeTx) AddrTxs(account string, index uint32, branch Branch,
	page Page) ([]TxInfo, int, error) {

	addr, err := t.Address(account, index, branch)
	if err != nil {
		return nil, 0, err
	}
	acct, err := t.account(account)
	if err != nil {
		return nil, 0, err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return nil, 0, err
	}
	all, err := t.allTxInfos(acct, ns)
	if err != nil {
		return nil, 0, err
	}
	txs, txmgrNs, err := t.txStore(ns)
	if err != nil {
		return nil, 0, err
	}

	var infos []TxInfo
	for i := range all {
		if t.txTouchesScript(txs, txmgrNs, all[i].Tx, addr.PkScript) {
			infos = append(infos, all[i])
		}
	}
	if page.Reverse {
		for i, j := 0, len(infos)-1; i < j; i, j = i+1, j-1 {
			infos[i], infos[j] = infos[j], infos[i]
		}
	}
	start, n := page.window(len(infos))
	return infos[start : start+n], len(infos), nil
}

// txTouchesScript reports whether a transaction pays to the script or spends
// a previous output paying to it.
func (t *storeTx) txTouchesScript(txs *wtxmgr.Store, txmgrNs walletdb.ReadWriteBucket,
	msgTx *wire.MsgTx, pkScript []byte) bool {

	for _, out := range msgTx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return true
		}
	}
	for _, in := range msgTx.TxIn {
		prev, err := txs.TxDetails(txmgrNs, &in.PreviousOutPoint.Hash)
		if err != nil || prev == nil {
			continue
		}
		idx := in.PreviousOutPoint.Index
		if int(idx) < len(prev.MsgTx.TxOut) &&
			bytes.Equal(prev.MsgTx.TxOut[idx].PkScript, pkScript) {
			return true
		}
	}
	return false
}

// Tx returns the account's record of a transaction.
func (t *storeTx) Tx(account string, hash *chainhash.Hash) (*TxInfo, error) {
	acct, err := t.account(account)
	if err != nil {
		return nil, err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return nil, err
	}
	txs, txmgrNs, err := t.txStore(ns)
	if err != nil {
		return nil, err
	}
	details, err := txs.TxDetails(txmgrNs, hash)
	if err != nil {
		return nil, storeError("failed to load transaction details", err)
	}
	if details == nil {
		// The record may live on the dead list.
		dead, err := t.deadTxInfos(ns)
		if err != nil {
			return nil, err
		}
		for i := range dead {
			if dead[i].Hash == *hash {
				return &dead[i], nil
			}
		}
		return nil, ErrTxNotFound
	}
	info := detailsToTxInfo(details)
	return &info, nil
}

// DeleteTx removes an unmined transaction record.
func (t *storeTx) DeleteTx(account string, hash *chainhash.Hash) error {
	acct, err := t.account(account)
	if err != nil {
		return err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return err
	}
	txs, txmgrNs, err := t.txStore(ns)
	if err != nil {
		return err
	}
	details, err := txs.TxDetails(txmgrNs, hash)
	if err != nil {
		return storeError("failed to load transaction details", err)
	}
	if details == nil {
		// Deleting a dead record is allowed too.
		deadBucket := ns.NestedReadWriteBucket(bucketDead)
		if deadBucket.Get(hash[:]) != nil {
			return deadBucket.Delete(hash[:])
		}
		return ErrTxNotFound
	}
	if details.Block.Height != -1 {
		return ErrTxConfirmed
	}
	if err := txs.RemoveUnminedTx(txmgrNs, &details.TxRecord); err != nil {
		return storeError("failed to remove transaction", err)
	}
	return nil
}

// Balance returns the account balance over minConf confirmations.  Unless
// offline is set, unmined outputs never count toward the balance.
func (t *storeTx) Balance(account string, minConf int32, offline bool) (btcutil.Amount, error) {
	acct, err := t.account(account)
	if err != nil {
		return 0, err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return 0, err
	}
	if !offline && minConf < 1 {
		minConf = 1
	}
	best, err := t.BestBlock()
	if err != nil {
		return 0, err
	}
	txs, txmgrNs, err := t.txStore(ns)
	if err != nil {
		return 0, err
	}
	balance, err := txs.Balance(txmgrNs, minConf, best.Height)
	if err != nil {
		return 0, storeError("failed to compute balance", err)
	}
	return balance, nil
}

// AccountTxsFromHeight returns the account's transactions confirmed at or
// above height, ascending.
func (t *storeTx) AccountTxsFromHeight(account string, height int32) ([]TxInfo, error) {
	acct, err := t.account(account)
	if err != nil {
		return nil, err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return nil, err
	}
	best, err := t.BestBlock()
	if err != nil {
		return nil, err
	}
	if height > best.Height {
		return nil, nil
	}
	txs, txmgrNs, err := t.txStore(ns)
	if err != nil {
		return nil, err
	}
	var infos []TxInfo
	err = txs.RangeTransactions(txmgrNs, height, best.Height,
		func(ds []wtxmgr.TxDetails) (bool, error) {
			for i := range ds {
				infos = append(infos, detailsToTxInfo(&ds[i]))
			}
			return false, nil
		})
	if err != nil {
		return nil, storeError("failed to range transactions", err)
	}
	return infos, nil
}

// ImportTx records the effect of an externally-built transaction on the
// account.  Unmined transactions spending the same previous outputs are
// displaced to the dead list first.
func (t *storeTx) ImportTx(account string, msgTx *wire.MsgTx) (*TxInfo, []Address, error) {
	acct, err := t.account(account)
	if err != nil {
		return nil, nil, err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return nil, nil, err
	}
	txs, txmgrNs, err := t.txStore(ns)
	if err != nil {
		return nil, nil, err
	}

	rec, err := wtxmgr.NewTxRecordFromMsgTx(msgTx, time.Now())
	if err != nil {
		return nil, nil, storeError("failed to build transaction record", err)
	}

	// Relevance check: the transaction must either spend one of this
	// account's coins or pay one of its addresses.
	unspent, err := txs.UnspentOutputs(txmgrNs)
	if err != nil {
		return nil, nil, storeError("failed to load unspent outputs", err)
	}
	ownOutpoints := make(map[wire.OutPoint]struct{}, len(unspent))
	for i := range unspent {
		ownOutpoints[unspent[i].OutPoint] = struct{}{}
	}
	spendsOwn := false
	for _, in := range msgTx.TxIn {
		if _, ok := ownOutpoints[in.PreviousOutPoint]; ok {
			spendsOwn = true
			break
		}
	}
	type ownOutput struct {
		index  uint32
		branch Branch
		addr   uint32
	}
	var ownOuts []ownOutput
	for i, out := range msgTx.TxOut {
		if branch, addrIdx, ok := scriptRef(ns, out.PkScript); ok {
			ownOuts = append(ownOuts, ownOutput{uint32(i), branch, addrIdx})
		}
	}
	if !spendsOwn && len(ownOuts) == 0 {
		return nil, nil, ErrTxNoEffect
	}

	if err := t.displaceConflicts(ns, txs, txmgrNs, rec); err != nil {
		return nil, nil, err
	}
	if err := txs.InsertTx(txmgrNs, rec, nil); err != nil {
		return nil, nil, storeError("failed to insert transaction", err)
	}

	var newAddrs []Address
	for _, out := range ownOuts {
		change := out.branch == BranchInternal
		if err := txs.AddCredit(txmgrNs, rec, nil, out.index, change); err != nil {
			return nil, nil, storeError("failed to add credit", err)
		}
		generated, err := t.markUsed(acct, ns, out.branch, out.addr)
		if err != nil {
			return nil, nil, err
		}
		newAddrs = append(newAddrs, generated...)
	}

	info, err := t.Tx(account, &rec.Hash)
	if err != nil {
		return nil, nil, err
	}
	log.Infof("Imported transaction %v for account %q (credits %v, debits %v)",
		info.Hash, account, info.Credits, info.Debits)
	return info, newAddrs, nil
}

// displaceConflicts moves unmined transactions that double spend any input
// of rec onto the dead list.  The wtxmgr records themselves are removed when
// rec is inserted.
func (t *storeTx) displaceConflicts(ns walletdb.ReadWriteBucket, txs *wtxmgr.Store,
	txmgrNs walletdb.ReadWriteBucket, rec *wtxmgr.TxRecord) error {

	spent := make(map[wire.OutPoint]struct{}, len(rec.MsgTx.TxIn))
	for _, in := range rec.MsgTx.TxIn {
		spent[in.PreviousOutPoint] = struct{}{}
	}
	deadBucket := ns.NestedReadWriteBucket(bucketDead)
	err := txs.RangeTransactions(txmgrNs, -1, -1, func(ds []wtxmgr.TxDetails) (bool, error) {
		for i := range ds {
			if ds[i].Hash == rec.Hash {
				continue
			}
			for _, in := range ds[i].MsgTx.TxIn {
				if _, ok := spent[in.PreviousOutPoint]; !ok {
					continue
				}
				var buf bytes.Buffer
				var received [8]byte
				binary.BigEndian.PutUint64(received[:],
					uint64(ds[i].Received.Unix()))
				buf.Write(received[:])
				if err := ds[i].MsgTx.Serialize(&buf); err != nil {
					return false, err
				}
				if err := deadBucket.Put(ds[i].Hash[:], buf.Bytes()); err != nil {
					return false, err
				}
				log.Warnf("Transaction %v displaced by double spend %v",
					ds[i].Hash, rec.Hash)
				break
			}
		}
		return false, nil
	})
	if err != nil {
		return storeError("failed to displace conflicting transactions", err)
	}
	return nil
}

// signDataForTx builds the signing data of every account-owned input of a
// recorded transaction.
func (t *storeTx) signDataForTx(ns walletdb.ReadWriteBucket, txs *wtxmgr.Store,
	txmgrNs walletdb.ReadWriteBucket, msgTx *wire.MsgTx) ([]CoinSignData, error) {

	var data []CoinSignData
	for _, in := range msgTx.TxIn {
		prev, err := txs.TxDetails(txmgrNs, &in.PreviousOutPoint.Hash)
		if err != nil {
			return nil, storeError("failed to load previous transaction", err)
		}
		if prev == nil || int(in.PreviousOutPoint.Index) >= len(prev.MsgTx.TxOut) {
			continue
		}
		out := prev.MsgTx.TxOut[in.PreviousOutPoint.Index]
		branch, index, ok := scriptRef(ns, out.PkScript)
		if !ok {
			continue
		}
		addrRec := addrBucket(ns, branch).Get(uint32Key(index))
		if addrRec == nil {
			continue
		}
		addr, err := deserializeAddress(addrRec, t.db.params)
		if err != nil {
			return nil, err
		}
		data = append(data, CoinSignData{
			OutPoint:     in.PreviousOutPoint,
			PkScript:     out.PkScript,
			RedeemScript: addr.RedeemScript,
			Value:        btcutil.Amount(out.Value),
			Branch:       branch,
			Index:        index,
		})
	}
	return data, nil
}

// SignTx completes a previously recorded pending transaction with the
// account's keys.  Because signing changes the transaction hash, the
// unsigned record is replaced by the signed one.
func (t *storeTx) SignTx(account string, hash *chainhash.Hash) (*TxInfo, []Address, error) {
	acct, err := t.account(account)
	if err != nil {
		return nil, nil, err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return nil, nil, err
	}
	txs, txmgrNs, err := t.txStore(ns)
	if err != nil {
		return nil, nil, err
	}
	details, err := txs.TxDetails(txmgrNs, hash)
	if err != nil {
		return nil, nil, storeError("failed to load transaction details", err)
	}
	if details == nil {
		return nil, nil, ErrTxNotFound
	}
	if details.Block.Height != -1 {
		return nil, nil, ErrTxConfirmed
	}

	data, err := t.signDataForTx(ns, txs, txmgrNs, &details.MsgTx)
	if err != nil {
		return nil, nil, err
	}
	if len(data) == 0 {
		return nil, nil, ErrTxNoEffect
	}
	signed := details.MsgTx.Copy()
	if _, err := SignTxWithData(t.db.params, acct, nil, signed, data); err != nil {
		return nil, nil, err
	}

	if err := txs.RemoveUnminedTx(txmgrNs, &details.TxRecord); err != nil {
		return nil, nil, storeError("failed to remove unsigned transaction", err)
	}
	newRec, err := wtxmgr.NewTxRecordFromMsgTx(signed, details.Received)
	if err != nil {
		return nil, nil, storeError("failed to build transaction record", err)
	}
	if err := txs.InsertTx(txmgrNs, newRec, nil); err != nil {
		return nil, nil, storeError("failed to insert signed transaction", err)
	}
	for i, out := range signed.TxOut {
		if branch, _, ok := scriptRef(ns, out.PkScript); ok {
			change := branch == BranchInternal
			err := txs.AddCredit(txmgrNs, newRec, nil, uint32(i), change)
			if err != nil {
				return nil, nil, storeError("failed to add credit", err)
			}
		}
	}

	info, err := t.Tx(account, &newRec.Hash)
	if err != nil {
		return nil, nil, err
	}
	return info, nil, nil
}

// OfflineTxData returns the previous-output data needed to sign the
// account-owned inputs of a pending transaction without storage access.
func (t *storeTx) OfflineTxData(account string, hash *chainhash.Hash) (*OfflineTxData, error) {
	acct, err := t.account(account)
	if err != nil {
		return nil, err
	}
	ns, err := t.ns(acct)
	if err != nil {
		return nil, err
	}
	txs, txmgrNs, err := t.txStore(ns)
	if err != nil {
		return nil, err
	}
	details, err := txs.TxDetails(txmgrNs, hash)
	if err != nil {
		return nil, storeError("failed to load transaction details", err)
	}
	if details == nil {
		return nil, ErrTxNotFound
	}
	data, err := t.signDataForTx(ns, txs, txmgrNs, &details.MsgTx)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrTxNoEffect
	}
	return &OfflineTxData{Tx: details.MsgTx.Copy(), SignData: data}, nil
}
