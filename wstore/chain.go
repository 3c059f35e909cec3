// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wstore

import (
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

// ApplyTx records a network-relayed transaction against every account it
// affects.  A non-nil ref marks the transaction as mined in that block;
// transactions already recorded unmined are moved to the mined state by the
// reinsertion.  Accounts the transaction does not touch are skipped, so
// bloom filter false positives are harmless here.
func (t *storeTx) ApplyTx(msgTx *wire.MsgTx, ref *BlockRef) ([]Address, error) {
	accts, _, err := t.Accounts(Page{})
	if err != nil {
		return nil, err
	}

	received := time.Now()
	var meta *wtxmgr.BlockMeta
	if ref != nil {
		received = ref.Time
		meta = &wtxmgr.BlockMeta{
			Block: wtxmgr.Block{Hash: ref.Hash, Height: ref.Height},
			Time:  ref.Time,
		}
	}

	var newAddrs []Address
	for i := range accts {
		acct := &accts[i]
		ns, err := t.ns(acct)
		if err != nil {
			return nil, err
		}
		txs, txmgrNs, err := t.txStore(ns)
		if err != nil {
			return nil, err
		}

		// Same relevance rule as an explicit import: the transaction
		// must spend one of the account's coins or pay one of its
		// addresses.
		unspent, err := txs.UnspentOutputs(txmgrNs)
		if err != nil {
			return nil, storeError("failed to load unspent outputs", err)
		}
		ownOutpoints := make(map[wire.OutPoint]struct{}, len(unspent))
		for j := range unspent {
			ownOutpoints[unspent[j].OutPoint] = struct{}{}
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
		for j, out := range msgTx.TxOut {
			if branch, addrIdx, ok := scriptRef(ns, out.PkScript); ok {
				ownOuts = append(ownOuts, ownOutput{uint32(j), branch, addrIdx})
			}
		}
		if !spendsOwn && len(ownOuts) == 0 {
			continue
		}

		rec, err := wtxmgr.NewTxRecordFromMsgTx(msgTx, received)
		if err != nil {
			return nil, storeError("failed to build transaction record", err)
		}
		if err := t.displaceConflicts(ns, txs, txmgrNs, rec); err != nil {
			return nil, err
		}
		if err := txs.InsertTx(txmgrNs, rec, meta); err != nil {
			return nil, storeError("failed to insert transaction", err)
		}
		for _, out := range ownOuts {
			change := out.branch == BranchInternal
			err := txs.AddCredit(txmgrNs, rec, meta, out.index, change)
			if err != nil {
				return nil, storeError("failed to add credit", err)
			}
			generated, err := t.markUsed(acct, ns, out.branch, out.addr)
			if err != nil {
				return nil, err
			}
			newAddrs = append(newAddrs, generated...)
		}
		log.Debugf("Applied transaction %v to account %q", rec.Hash, acct.Name)
	}
	return newAddrs, nil
}
