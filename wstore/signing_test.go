// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wstore

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func regularTestAccount(t *testing.T, b byte) *Account {
	t.Helper()

	master := testMaster(t, b)
	pub, err := master.Neuter()
	require.NoError(t, err)
	return &Account{
		Name:         "a",
		Type:         AccountRegular,
		Created:      time.Unix(1450000000, 0),
		Gap:          defaultGap,
		RequiredSigs: 1,
		TotalKeys:    1,
		Key:          master,
		Keys:         []*hdkeychain.ExtendedKey{pub},
	}
}

func multisigTestAccount(t *testing.T) (*Account, *hdkeychain.ExtendedKey) {
	t.Helper()

	master1, master2 := testMaster(t, 1), testMaster(t, 2)
	pub1, err := master1.Neuter()
	require.NoError(t, err)
	pub2, err := master2.Neuter()
	require.NoError(t, err)
	return &Account{
		Name:         "shared",
		Type:         AccountMultisig,
		Created:      time.Unix(1450000000, 0),
		Gap:          defaultGap,
		RequiredSigs: 2,
		TotalKeys:    2,
		Key:          master1,
		Keys:         []*hdkeychain.ExtendedKey{pub1, pub2},
	}, master2
}

func signDataFor(addr *Address, value int64) []CoinSignData {
	return []CoinSignData{{
		OutPoint:     wire.OutPoint{Hash: makeHash(1), Index: 0},
		PkScript:     addr.PkScript,
		RedeemScript: addr.RedeemScript,
		Value:        btcutil.Amount(value),
		Branch:       addr.Branch,
		Index:        addr.Index,
	}}
}

func TestSignTxWithDataP2PKH(t *testing.T) {
	t.Parallel()

	params := &chaincfg.MainNetParams
	acct := regularTestAccount(t, 1)
	addr, err := deriveAddress(acct, BranchExternal, 0, params)
	require.NoError(t, err)

	data := signDataFor(addr, 1e8)
	tx := payTx(data[0].OutPoint, 9e7, addr.PkScript)

	complete, err := SignTxWithData(params, acct, nil, tx, data)
	require.NoError(t, err)
	require.True(t, complete)
	require.NotEmpty(t, tx.TxIn[0].SignatureScript)
}

func TestSignTxWithDataRequiresPrivateKey(t *testing.T) {
	t.Parallel()

	params := &chaincfg.MainNetParams
	acct := regularTestAccount(t, 1)
	addr, err := deriveAddress(acct, BranchExternal, 0, params)
	require.NoError(t, err)

	data := signDataFor(addr, 1e8)
	tx := payTx(data[0].OutPoint, 9e7, addr.PkScript)

	// A neutered key cannot sign.
	_, err = SignTxWithData(params, acct, acct.Keys[0], tx, data)
	require.Error(t, err)

	// Neither can an account without any key.
	_, err = SignTxWithData(params, &Account{}, nil, tx, data)
	require.Error(t, err)
}

func TestSignTxWithDataMultisig(t *testing.T) {
	t.Parallel()

	params := &chaincfg.MainNetParams
	acct, cosigner := multisigTestAccount(t)
	addr, err := deriveAddress(acct, BranchExternal, 0, params)
	require.NoError(t, err)
	require.NotEmpty(t, addr.RedeemScript)

	data := signDataFor(addr, 1e8)
	tx := payTx(data[0].OutPoint, 9e7, addr.PkScript)

	// The first signature of a 2-of-2 leaves the transaction incomplete,
	// without an error.
	complete, err := SignTxWithData(params, acct, nil, tx, data)
	require.NoError(t, err)
	require.False(t, complete)
	require.NotEmpty(t, tx.TxIn[0].SignatureScript)

	// The co-signer's signature merges with the first and completes the
	// set.
	complete, err = SignTxWithData(params, nil, cosigner, tx, data)
	require.NoError(t, err)
	require.True(t, complete)
}

func TestSignTxWithDataMultisigPartialOfThree(t *testing.T) {
	t.Parallel()

	params := &chaincfg.MainNetParams
	master1 := testMaster(t, 1)
	var pubs []*hdkeychain.ExtendedKey
	for _, b := range []byte{1, 2, 3} {
		pub, err := testMaster(t, b).Neuter()
		require.NoError(t, err)
		pubs = append(pubs, pub)
	}
	acct := &Account{
		Name:         "escrow",
		Type:         AccountMultisig,
		Created:      time.Unix(1450000000, 0),
		Gap:          defaultGap,
		RequiredSigs: 2,
		TotalKeys:    3,
		Key:          master1,
		Keys:         pubs,
	}
	addr, err := deriveAddress(acct, BranchExternal, 0, params)
	require.NoError(t, err)

	data := signDataFor(addr, 1e8)
	tx := payTx(data[0].OutPoint, 9e7, addr.PkScript)

	// One signature of a 2-of-3 is a partial result, not an error.
	complete, err := SignTxWithData(params, acct, nil, tx, data)
	require.NoError(t, err)
	require.False(t, complete)
	require.NotEmpty(t, tx.TxIn[0].SignatureScript)
}

func TestSignTxWithDataSkipsUnknownInputs(t *testing.T) {
	t.Parallel()

	params := &chaincfg.MainNetParams
	acct := regularTestAccount(t, 1)
	addr, err := deriveAddress(acct, BranchExternal, 0, params)
	require.NoError(t, err)

	data := signDataFor(addr, 1e8)
	tx := payTx(data[0].OutPoint, 9e7, addr.PkScript)
	foreign := wire.OutPoint{Hash: makeHash(50), Index: 3}
	tx.AddTxIn(wire.NewTxIn(&foreign, nil, nil))

	// Inputs without signing data are left alone and do not count
	// against completeness.
	complete, err := SignTxWithData(params, acct, nil, tx, data)
	require.NoError(t, err)
	require.True(t, complete)
	require.Empty(t, tx.TxIn[1].SignatureScript)
}
