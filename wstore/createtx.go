// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

// makeInputSource creates an InputSource that draws from the given credits
// in order, accumulating previously selected inputs across calls.
func makeInputSource(credits []wtxmgr.Credit) txauthor.InputSource {
	var (
		currentTotal       btcutil.Amount
		currentInputs      []*wire.TxIn
		currentInputValues []btcutil.Amount
		currentScripts     [][]byte
	)
	return func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		for currentTotal < target && len(credits) != 0 {
			nextCredit := &credits[0]
			credits = credits[1:]
			nextInput := wire.NewTxIn(&nextCredit.OutPoint, nil, nil)
			currentTotal += nextCredit.Amount
			currentInputs = append(currentInputs, nextInput)
			currentInputValues = append(currentInputValues, nextCredit.Amount)
			currentScripts = append(currentScripts, nextCredit.PkScript)
		}
		return currentTotal, currentInputs, currentInputValues,
			currentScripts, nil
	}
}

// eligibleCredits returns the account's spendable credits with at least
// minConf confirmations, excluding immature coinbase outputs.
func (t *storeTx) eligibleCredits(txs *wtxmgr.Store,
	txmgrNs walletdb.ReadWriteBucket, minConf int32) ([]wtxmgr.Credit, error) {

	best, err := t.BestBlock()
	if err != nil {
		return nil, err
	}
	unspent, err := txs.UnspentOutputs(txmgrNs)
	if err != nil {
		return nil, storeError("failed to load unspent outputs", err)
	}
	var eligible []wtxmgr.Credit
	for i := range unspent {
		confs := confirms(unspent[i].Height, best.Height)
		if confs < minConf {
			continue
		}
		if unspent[i].FromCoinBase &&
			confs < int32(t.db.params.CoinbaseMaturity) {
			continue
		}
		eligible = append(eligible, unspent[i])
	}
	return eligible, nil
}

// changeAddress returns the first look-ahead internal address, generating it
// when the window has not been built yet.  The address only becomes visible
// if a created transaction actually pays to it.
func (t *storeTx) changeAddress(acct *Account, ns walletdb.ReadWriteBucket) (*Address, error) {
	index := usedCount(ns, BranchInternal)
	bucket := addrBucket(ns, BranchInternal)
	v := bucket.Get(uint32Key(index))
	if v == nil {
		if _, err := t.generateThrough(acct, ns, BranchInternal, index); err != nil {
			return nil, err
		}
		v = bucket.Get(uint32Key(index))
	}
	return deserializeAddress(v, t.db.params)
}

// CreateTx builds, and optionally signs, a transaction paying recipients
// from the account's spendable outputs.  The default fee policy adds inputs
// and a change output to cover the fee; a fee payer selection instead
// deducts the fee from that recipient's output.
func (t *storeTx) CreateTx(account string, recipients []Recipient,
	feePerKb btcutil.Amount, minConf int32, feePayer *int,
	sign bool) (*TxInfo, []Address, error) {

	acct, err := t.account(account)
	if err != nil {
		return nil, nil, err
	}
	if !acct.Complete() {
		return nil, nil, ErrAccountIncomplete
	}
	if len(recipients) == 0 {
		return nil, nil, errors.New("transaction has no recipients")
	}
	if feePayer != nil && (*feePayer < 0 || *feePayer >= len(recipients)) {
		return nil, nil, fmt.Errorf("fee payer index %d out of range", *feePayer)
	}
	if feePerKb <= 0 {
		feePerKb = txrules.DefaultRelayFeePerKb
	}

	outputs := make([]*wire.TxOut, 0, len(recipients))
	for _, r := range recipients {
		addr, err := btcutil.DecodeAddress(r.Address, t.db.params)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid recipient address %q: %v",
				r.Address, err)
		}
		if !addr.IsForNet(t.db.params) {
			return nil, nil, fmt.Errorf("address %v is not intended for use on %v",
				r.Address, t.db.params.Name)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, nil, storeError("failed to build output script", err)
		}
		output := wire.NewTxOut(int64(r.Amount), script)
		if err := txrules.CheckOutput(output, feePerKb); err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, output)
	}

	ns, err := t.ns(acct)
	if err != nil {
		return nil, nil, err
	}
	txs, txmgrNs, err := t.txStore(ns)
	if err != nil {
		return nil, nil, err
	}
	credits, err := t.eligibleCredits(txs, txmgrNs, minConf)
	if err != nil {
		return nil, nil, err
	}
	inputSource := makeInputSource(credits)
	changeAddr, err := t.changeAddress(acct, ns)
	if err != nil {
		return nil, nil, err
	}

	var msgTx *wire.MsgTx
	if feePayer == nil {
		changeSource := &txauthor.ChangeSource{
			NewScript: func() ([]byte, error) {
				return changeAddr.PkScript, nil
			},
			ScriptSize: len(changeAddr.PkScript),
		}
		atx, err := txauthor.NewUnsignedTransaction(outputs, feePerKb,
			inputSource, changeSource)
		if err != nil {
			return nil, nil, err
		}
		msgTx = atx.Tx
	} else {
		msgTx, err = t.feePayerTx(outputs, *feePayer, feePerKb,
			inputSource, changeAddr)
		if err != nil {
			return nil, nil, err
		}
	}

	if sign {
		data, err := t.signDataForTx(ns, txs, txmgrNs, msgTx)
		if err != nil {
			return nil, nil, err
		}
		if _, err := SignTxWithData(t.db.params, acct, nil, msgTx, data); err != nil {
			return nil, nil, err
		}
	}

	rec, err := wtxmgr.NewTxRecordFromMsgTx(msgTx, time.Now())
	if err != nil {
		return nil, nil, storeError("failed to build transaction record", err)
	}
	if err := txs.InsertTx(txmgrNs, rec, nil); err != nil {
		return nil, nil, storeError("failed to insert transaction", err)
	}
	var newAddrs []Address
	for i, out := range msgTx.TxOut {
		branch, idx, ok := scriptRef(ns, out.PkScript)
		if !ok {
			continue
		}
		change := branch == BranchInternal
		if err := txs.AddCredit(txmgrNs, rec, nil, uint32(i), change); err != nil {
			return nil, nil, storeError("failed to add credit", err)
		}
		generated, err := t.markUsed(acct, ns, branch, idx)
		if err != nil {
			return nil, nil, err
		}
		newAddrs = append(newAddrs, generated...)
	}

	info, err := t.Tx(account, &rec.Hash)
	if err != nil {
		return nil, nil, err
	}
	log.Infof("Created transaction %v for account %q (%d inputs, %d outputs)",
		info.Hash, account, len(msgTx.TxIn), len(msgTx.TxOut))
	return info, newAddrs, nil
}

// feePayerTx builds a transaction whose fee is deducted from the selected
// recipient output rather than covered by extra account inputs.  Change
// below the dust threshold is abandoned to the fee.
func (t *storeTx) feePayerTx(outputs []*wire.TxOut, feePayer int,
	feePerKb btcutil.Amount, fetchInputs txauthor.InputSource,
	changeAddr *Address) (*wire.MsgTx, error) {

	var target btcutil.Amount
	for _, out := range outputs {
		target += btcutil.Amount(out.Value)
	}
	total, inputs, _, _, err := fetchInputs(target)
	if err != nil {
		return nil, err
	}
	if total < target {
		return nil, errors.New("insufficient funds available to construct transaction")
	}

	change := total - target
	size := txsizes.EstimateSerializeSize(len(inputs), outputs, change > 0)
	fee := txrules.FeeForSerializeSize(feePerKb, size)
	payer := outputs[feePayer]
	if btcutil.Amount(payer.Value) <= fee {
		return nil, fmt.Errorf("fee %v exceeds fee payer output value %v",
			fee, btcutil.Amount(payer.Value))
	}
	payer.Value -= int64(fee)
	if txrules.IsDustOutput(payer, txrules.DefaultRelayFeePerKb) {
		return nil, fmt.Errorf("fee payer output is dust after fee %v", fee)
	}

	msgTx := wire.NewMsgTx(wire.TxVersion)
	for _, in := range inputs {
		msgTx.AddTxIn(in)
	}
	for _, out := range outputs {
		msgTx.AddTxOut(out)
	}
	if change > 0 {
		changeOut := wire.NewTxOut(int64(change), changeAddr.PkScript)
		if !txrules.IsDustOutput(changeOut, txrules.DefaultRelayFeePerKb) {
			msgTx.AddTxOut(changeOut)
		}
	}
	return msgTx, nil
}
