// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wstore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SignTxWithData signs every input of tx that has matching signing data and
// reports whether all of those inputs now execute successfully.  A partially
// signed multisig transaction returns false without an error.
//
// The signing key is the account's own extended key, or the external key
// when one is given.  Keys resolve from the signing data's branch and index,
// so no storage access is needed beyond the data itself.
func SignTxWithData(params *chaincfg.Params, acct *Account,
	key *hdkeychain.ExtendedKey, tx *wire.MsgTx, data []CoinSignData) (bool, error) {

	if key == nil {
		if acct == nil || acct.Key == nil {
			return false, errors.New("no signing key available")
		}
		key = acct.Key
	}
	if !key.IsPrivate() {
		return false, errors.New("signing requires an extended private key")
	}

	byOutpoint := make(map[wire.OutPoint]*CoinSignData, len(data))
	for i := range data {
		byOutpoint[data[i].OutPoint] = &data[i]
	}

	for i, in := range tx.TxIn {
		d := byOutpoint[in.PreviousOutPoint]
		if d == nil {
			continue
		}
		priv, err := deriveSigningKey(key, d.Branch, d.Index)
		if err != nil {
			return false, err
		}
		var sigScript []byte
		if len(d.RedeemScript) == 0 {
			sigScript, err = txscript.SignatureScript(tx, i, d.PkScript,
				txscript.SigHashAll, priv, true)
		} else {
			sigScript, err = signMultisigInput(tx, i, d.RedeemScript,
				in.SignatureScript, priv, params)
		}
		if err != nil {
			return false, storeErrorf(err, "failed to sign input %d", i)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	return verifySignedInputs(tx, byOutpoint), nil
}

// deriveSigningKey derives the branch/index child private key of an account
// extended key.
func deriveSigningKey(key *hdkeychain.ExtendedKey, branch Branch,
	index uint32) (*btcec.PrivateKey, error) {

	branchKey, err := key.Derive(uint32(branch))
	if err != nil {
		return nil, storeError("failed to derive branch key", err)
	}
	child, err := branchKey.Derive(index)
	if err != nil {
		return nil, storeError("failed to derive signing key", err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, storeError("failed to derive signing key", err)
	}
	return priv, nil
}

// signMultisigInput adds one signature to a pay-to-script-hash multisig
// input, merging with signatures already present in the input's signature
// script.  Signatures are ordered to match the public key order of the
// redeem script, which OP_CHECKMULTISIG requires.
func signMultisigInput(tx *wire.MsgTx, idx int, redeem, prevSigScript []byte,
	priv *btcec.PrivateKey, params *chaincfg.Params) ([]byte, error) {

	hash, err := txscript.CalcSignatureHash(redeem, txscript.SigHashAll, tx, idx)
	if err != nil {
		return nil, err
	}
	newSig, err := txscript.RawTxInSignature(tx, idx, redeem,
		txscript.SigHashAll, priv)
	if err != nil {
		return nil, err
	}

	sigs := [][]byte{newSig}
	if len(prevSigScript) > 0 {
		pushes, err := txscript.PushedData(prevSigScript)
		if err == nil {
			for _, push := range pushes {
				if len(push) > 0 && !bytes.Equal(push, redeem) {
					sigs = append(sigs, push)
				}
			}
		}
	}

	class, addrs, nrequired, err := txscript.ExtractPkScriptAddrs(redeem, params)
	if err != nil {
		return nil, err
	}
	if class != txscript.MultiSigTy {
		return nil, fmt.Errorf("redeem script is %v, not multisig", class)
	}

	// OP_CHECKMULTISIG pops one extra stack item, hence the leading
	// OP_FALSE.
	builder := txscript.NewScriptBuilder().AddOp(txscript.OP_FALSE)
	added := 0
	for _, a := range addrs {
		if added == nrequired {
			break
		}
		apk, ok := a.(*btcutil.AddressPubKey)
		if !ok {
			continue
		}
		for _, sig := range sigs {
			if !sigMatchesKey(sig, hash, apk.PubKey()) {
				continue
			}
			builder.AddData(sig)
			added++
			break
		}
	}
	builder.AddData(redeem)
	return builder.Script()
}

// sigMatchesKey reports whether a hashtype-suffixed DER signature verifies
// against the pubkey for the given signature hash.
func sigMatchesKey(sig, hash []byte, pub *btcec.PublicKey) bool {
	if len(sig) < 2 {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return false
	}
	return parsed.Verify(hash, pub)
}

// verifySignedInputs executes the script engine over every input with
// signing data.  Any engine failure means the transaction is not yet fully
// signed.
func verifySignedInputs(tx *wire.MsgTx, byOutpoint map[wire.OutPoint]*CoinSignData) bool {
	for i, in := range tx.TxIn {
		d := byOutpoint[in.PreviousOutPoint]
		if d == nil {
			continue
		}
		fetcher := txscript.NewCannedPrevOutputFetcher(d.PkScript, int64(d.Value))
		hashCache := txscript.NewTxSigHashes(tx, fetcher)
		vm, err := txscript.NewEngine(d.PkScript, tx, i,
			txscript.StandardVerifyFlags, nil, hashCache, int64(d.Value), fetcher)
		if err != nil || vm.Execute() != nil {
			return false
		}
	}
	return true
}
