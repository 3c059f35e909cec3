// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/btcsuite/spvwalletd/wallet"
	"github.com/btcsuite/spvwalletd/wstore"
)

func TestUnmarshalParams(t *testing.T) {
	t.Parallel()

	var params struct {
		Account string `json:"account"`
	}

	t.Run("no params", func(t *testing.T) {
		req := &btcjson.Request{Method: "listaccounts"}
		require.NoError(t, unmarshalParams(req, &params))
	})

	t.Run("single object", func(t *testing.T) {
		req := &btcjson.Request{
			Method: "getbalance",
			Params: []json.RawMessage{[]byte(`{"account":"primary"}`)},
		}
		require.NoError(t, unmarshalParams(req, &params))
		require.Equal(t, "primary", params.Account)
	})

	t.Run("malformed object", func(t *testing.T) {
		req := &btcjson.Request{
			Method: "getbalance",
			Params: []json.RawMessage{[]byte(`{"account":`)},
		}
		err := unmarshalParams(req, &params)
		var parseErr ParseError
		require.ErrorAs(t, err, &parseErr)
	})

	t.Run("positional params rejected", func(t *testing.T) {
		req := &btcjson.Request{
			Method: "getbalance",
			Params: []json.RawMessage{[]byte(`"primary"`), []byte(`1`)},
		}
		err := unmarshalParams(req, &params)
		var invalidErr InvalidParameterError
		require.ErrorAs(t, err, &invalidErr)
	})
}

func TestParseBranch(t *testing.T) {
	t.Parallel()

	branch, err := parseBranch("")
	require.NoError(t, err)
	require.Equal(t, wstore.BranchExternal, branch)

	branch, err = parseBranch("external")
	require.NoError(t, err)
	require.Equal(t, wstore.BranchExternal, branch)

	branch, err = parseBranch("internal")
	require.NoError(t, err)
	require.Equal(t, wstore.BranchInternal, branch)

	_, err = parseBranch("sideways")
	require.Error(t, err)
}

func TestParseAccountType(t *testing.T) {
	t.Parallel()

	typ, err := parseAccountType("")
	require.NoError(t, err)
	require.Equal(t, wstore.AccountRegular, typ)

	typ, err = parseAccountType("multisig")
	require.NoError(t, err)
	require.Equal(t, wstore.AccountMultisig, typ)

	_, err = parseAccountType("imaginary")
	require.Error(t, err)
}

func TestTxEncodingRoundTrip(t *testing.T) {
	t.Parallel()

	tx := wire.NewMsgTx(wire.TxVersion)
	prevOut := wire.OutPoint{Index: 1}
	prevOut.Hash[0] = 0xab
	tx.AddTxIn(wire.NewTxIn(&prevOut, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1e8, []byte{0x6a}))

	rawTx, err := encodeTx(tx)
	require.NoError(t, err)

	decoded, err := decodeTx(rawTx)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), decoded.TxHash())

	_, err = decodeTx("not hex")
	var deserErr DeserializationError
	require.ErrorAs(t, err, &deserErr)

	_, err = decodeTx("abcd")
	require.ErrorAs(t, err, &deserErr)
}

func TestSignDataRoundTrip(t *testing.T) {
	t.Parallel()

	var hash chainhash.Hash
	hash[0] = 0x42
	data := []wstore.CoinSignData{{
		OutPoint:     wire.OutPoint{Hash: hash, Index: 3},
		PkScript:     []byte{0x76, 0xa9},
		RedeemScript: []byte{0x52, 0x21},
		Value:        1e8,
		Branch:       wstore.BranchInternal,
		Index:        7,
	}}

	parsed, err := parseSignData(makeSignDataResults(data))
	require.NoError(t, err)
	require.Equal(t, data, parsed)
}

func TestJSONError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{{
		name: "account not found",
		err:  wstore.ErrAccountNotFound,
		want: int(btcjson.ErrRPCWalletInvalidAccountName),
	}, {
		name: "transaction not found",
		err:  wstore.ErrTxNotFound,
		want: int(btcjson.ErrRPCNoTxInfo),
	}, {
		name: "no effect is an invalid parameter",
		err:  wstore.ErrTxNoEffect,
		want: int(btcjson.ErrRPCInvalidParameter),
	}, {
		name: "domain error keeps its message",
		err:  wallet.DomainError{Desc: "wallet has no addresses"},
		want: int(btcjson.ErrRPCInvalidParameter),
	}, {
		name: "storage error is internal",
		err:  wstore.StorageError{Desc: "db offline"},
		want: int(btcjson.ErrRPCInternal.Code),
	}, {
		name: "unknown errors use the wallet code",
		err:  errors.New("something else"),
		want: int(btcjson.ErrRPCWallet),
	}}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rpcErr := jsonError(test.err)
			require.NotNil(t, rpcErr)
			require.Equal(t, test.want, int(rpcErr.Code))
		})
	}

	require.Nil(t, jsonError(nil))
}
