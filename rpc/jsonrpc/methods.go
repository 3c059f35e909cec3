// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package jsonrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcsuite/spvwalletd/wallet"
	"github.com/btcsuite/spvwalletd/wstore"
)

// requestHandler is a handler function to handle an unmarshaled and parsed
// request into a marshalable response.  If the error is a *btcjson.RPCError
// or any of the above special error classes, the server will respond with
// the appropriate error code.  All other errors use the wallet catch-all
// error code, btcjson.ErrRPCWallet.
type requestHandler func(context.Context, *wallet.Session, *btcjson.Request) (interface{}, error)

var rpcHandlers = map[string]struct {
	fn requestHandler

	// requiresNetwork marks methods that are rejected before reaching
	// the handler when the session is offline.
	requiresNetwork bool
}{
	"listaccounts":            {fn: listAccounts},
	"createaccount":           {fn: createAccount},
	"renameaccount":           {fn: renameAccount},
	"addaccountkeys":          {fn: addAccountKeys},
	"setaccountgap":           {fn: setAccountGap},
	"listaddresses":           {fn: listAddresses},
	"listunusedaddresses":     {fn: listUnusedAddresses},
	"getaddress":              {fn: getAddress},
	"setaddresslabel":         {fn: setAddressLabel},
	"generateaddresses":       {fn: generateAddresses},
	"listtransactions":        {fn: listTransactions},
	"listaddresstransactions": {fn: listAddressTransactions},
	"gettx":                   {fn: getTx},
	"deletetx":                {fn: deleteTx},
	"getbalance":              {fn: getBalance},
	"createtx":                {fn: createTx},
	"importtx":                {fn: importTx},
	"signtx":                  {fn: signTx},
	"getofflinetxdata":        {fn: getOfflineTxData},
	"signofflinetx":           {fn: signOfflineTx},
	"rescan":                  {fn: rescan, requiresNetwork: true},
	"getnodestatus":           {fn: getNodeStatus, requiresNetwork: true},
	"syncblocks":              {fn: syncBlocks, requiresNetwork: true},
}

// unmarshalParams decodes the single object parameter of a request into v.
// Methods without parameters accept an empty parameter list.
func unmarshalParams(req *btcjson.Request, v interface{}) error {
	switch len(req.Params) {
	case 0:
		return nil
	case 1:
		if err := json.Unmarshal(req.Params[0], v); err != nil {
			return ParseError{err}
		}
		return nil
	default:
		return InvalidParameterError{
			errors.New("expected a single object parameter"),
		}
	}
}

// pageRequest is embedded by every paged method's parameter object.
type pageRequest struct {
	Offset  int  `json:"offset"`
	Limit   int  `json:"limit"`
	Reverse bool `json:"reverse"`
}

func (p pageRequest) page() wstore.Page {
	return wstore.Page{Offset: p.Offset, Limit: p.Limit, Reverse: p.Reverse}
}

func parseBranch(s string) (wstore.Branch, error) {
	switch s {
	case "", "external":
		return wstore.BranchExternal, nil
	case "internal":
		return wstore.BranchInternal, nil
	default:
		return 0, InvalidParameterError{
			fmt.Errorf("unknown address branch %q", s),
		}
	}
}

func parseAccountType(s string) (wstore.AccountType, error) {
	switch s {
	case "", "regular":
		return wstore.AccountRegular, nil
	case "multisig":
		return wstore.AccountMultisig, nil
	default:
		return 0, InvalidParameterError{
			fmt.Errorf("unknown account type %q", s),
		}
	}
}

func parseKeys(keys []string) ([]*hdkeychain.ExtendedKey, error) {
	parsed := make([]*hdkeychain.ExtendedKey, 0, len(keys))
	for _, s := range keys {
		key, err := hdkeychain.NewKeyFromString(s)
		if err != nil {
			return nil, InvalidParameterError{
				fmt.Errorf("malformed extended key: %v", err),
			}
		}
		parsed = append(parsed, key)
	}
	return parsed, nil
}

func parseHash(s string) (*chainhash.Hash, error) {
	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return nil, InvalidParameterError{
			fmt.Errorf("malformed hash %q: %v", s, err),
		}
	}
	return hash, nil
}

func decodeTx(rawTx string) (*wire.MsgTx, error) {
	serialized, err := hex.DecodeString(rawTx)
	if err != nil {
		return nil, DeserializationError{
			fmt.Errorf("malformed transaction hex: %v", err),
		}
	}
	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(serialized)); err != nil {
		return nil, DeserializationError{
			fmt.Errorf("malformed transaction: %v", err),
		}
	}
	return &msgTx, nil
}

func encodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// accountResult is the JSON shape of an account.
type accountResult struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Created      int64    `json:"created"`
	Gap          uint32   `json:"gap"`
	RequiredSigs int      `json:"requiredsigs"`
	TotalKeys    int      `json:"totalkeys"`
	Complete     bool     `json:"complete"`
	Keys         []string `json:"keys"`
}

func makeAccountResult(a *wstore.Account) *accountResult {
	keys := make([]string, 0, len(a.Keys))
	for _, k := range a.Keys {
		keys = append(keys, k.String())
	}
	return &accountResult{
		Name:         a.Name,
		Type:         a.Type.String(),
		Created:      a.Created.Unix(),
		Gap:          a.Gap,
		RequiredSigs: a.RequiredSigs,
		TotalKeys:    a.TotalKeys,
		Complete:     a.Complete(),
		Keys:         keys,
	}
}

// addressResult is the JSON shape of an address.  Balance is omitted when
// the balance lookup degraded or does not apply.
type addressResult struct {
	Address string   `json:"address"`
	Index   uint32   `json:"index"`
	Branch  string   `json:"branch"`
	Label   string   `json:"label,omitempty"`
	Created int64    `json:"created"`
	Balance *float64 `json:"balance,omitempty"`
}

func makeAddressResult(a *wstore.Address) *addressResult {
	return &addressResult{
		Address: a.Addr.EncodeAddress(),
		Index:   a.Index,
		Branch:  a.Branch.String(),
		Label:   a.Label,
		Created: a.Created.Unix(),
	}
}

// txResult is the JSON shape of a wallet transaction.
type txResult struct {
	TxID        string  `json:"txid"`
	RawTx       string  `json:"rawtx"`
	Received    int64   `json:"received"`
	Confidence  string  `json:"confidence"`
	BlockHash   string  `json:"blockhash,omitempty"`
	BlockHeight int32   `json:"blockheight"`
	Credits     float64 `json:"credits"`
	Debits      float64 `json:"debits"`
	Net         float64 `json:"net"`
}

func makeTxResult(info *wstore.TxInfo) (*txResult, error) {
	rawTx, err := encodeTx(info.Tx)
	if err != nil {
		return nil, err
	}
	res := &txResult{
		TxID:        info.Hash.String(),
		RawTx:       rawTx,
		Received:    info.Received.Unix(),
		Confidence:  info.Confidence.String(),
		BlockHeight: info.BlockHeight,
		Credits:     info.Credits.ToBTC(),
		Debits:      info.Debits.ToBTC(),
		Net:         info.Net().ToBTC(),
	}
	if info.BlockHash != nil {
		res.BlockHash = info.BlockHash.String()
	}
	return res, nil
}

func makeTxResults(infos []wstore.TxInfo) ([]*txResult, error) {
	results := make([]*txResult, 0, len(infos))
	for i := range infos {
		res, err := makeTxResult(&infos[i])
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func listAccounts(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params pageRequest
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	accts, total, err := s.Accounts(ctx, params.page())
	if err != nil {
		return nil, err
	}
	results := make([]*accountResult, 0, len(accts))
	for i := range accts {
		results = append(results, makeAccountResult(&accts[i]))
	}
	return struct {
		Accounts []*accountResult `json:"accounts"`
		Total    int              `json:"total"`
	}{Accounts: results, Total: total}, nil
}

func createAccount(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Name         string   `json:"name"`
		Type         string   `json:"type"`
		RequiredSigs int      `json:"requiredsigs"`
		TotalKeys    int      `json:"totalkeys"`
		Gap          uint32   `json:"gap"`
		Keys         []string `json:"keys"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	acctType, err := parseAccountType(params.Type)
	if err != nil {
		return nil, err
	}
	keys, err := parseKeys(params.Keys)
	if err != nil {
		return nil, err
	}
	acct, phrase, err := s.NewAccount(ctx, &wstore.AccountSpec{
		Name:         params.Name,
		Type:         acctType,
		RequiredSigs: params.RequiredSigs,
		TotalKeys:    params.TotalKeys,
		Gap:          params.Gap,
		Keys:         keys,
	})
	if err != nil {
		return nil, err
	}
	return struct {
		Account        *accountResult `json:"account"`
		RecoveryPhrase string         `json:"recoveryphrase"`
	}{Account: makeAccountResult(acct), RecoveryPhrase: phrase}, nil
}

func renameAccount(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		OldName string `json:"oldname"`
		NewName string `json:"newname"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	acct, err := s.RenameAccount(ctx, params.OldName, params.NewName)
	if err != nil {
		return nil, err
	}
	return makeAccountResult(acct), nil
}

func addAccountKeys(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Account string   `json:"account"`
		Keys    []string `json:"keys"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	keys, err := parseKeys(params.Keys)
	if err != nil {
		return nil, err
	}
	acct, err := s.AddAccountKeys(ctx, params.Account, keys)
	if err != nil {
		return nil, err
	}
	return makeAccountResult(acct), nil
}

func setAccountGap(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Account string `json:"account"`
		Gap     uint32 `json:"gap"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	acct, err := s.SetAccountGap(ctx, params.Account, params.Gap)
	if err != nil {
		return nil, err
	}
	return makeAccountResult(acct), nil
}

func listAddresses(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		pageRequest
		Account        string `json:"account"`
		Branch         string `json:"branch"`
		MinConf        int32  `json:"minconf"`
		IncludeUnmined bool   `json:"includeunmined"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	branch, err := parseBranch(params.Branch)
	if err != nil {
		return nil, err
	}
	addrs, total, err := s.Addresses(ctx, params.Account, branch,
		params.page(), params.MinConf, params.IncludeUnmined)
	if err != nil {
		return nil, err
	}
	results := make([]*addressResult, 0, len(addrs))
	for i := range addrs {
		res := makeAddressResult(&addrs[i].Address)
		if addrs[i].HasBalance {
			balance := addrs[i].Balance.ToBTC()
			res.Balance = &balance
		}
		results = append(results, res)
	}
	return struct {
		Addresses []*addressResult `json:"addresses"`
		Total     int              `json:"total"`
	}{Addresses: results, Total: total}, nil
}

func listUnusedAddresses(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		pageRequest
		Account string `json:"account"`
		Branch  string `json:"branch"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	branch, err := parseBranch(params.Branch)
	if err != nil {
		return nil, err
	}
	addrs, total, err := s.UnusedAddresses(ctx, params.Account, branch, params.page())
	if err != nil {
		return nil, err
	}
	results := make([]*addressResult, 0, len(addrs))
	for i := range addrs {
		results = append(results, makeAddressResult(&addrs[i]))
	}
	return struct {
		Addresses []*addressResult `json:"addresses"`
		Total     int              `json:"total"`
	}{Addresses: results, Total: total}, nil
}

func getAddress(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Account        string `json:"account"`
		Index          uint32 `json:"index"`
		Branch         string `json:"branch"`
		MinConf        int32  `json:"minconf"`
		IncludeUnmined bool   `json:"includeunmined"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	branch, err := parseBranch(params.Branch)
	if err != nil {
		return nil, err
	}
	addr, err := s.Address(ctx, params.Account, params.Index, branch,
		params.MinConf, params.IncludeUnmined)
	if err != nil {
		return nil, err
	}
	res := makeAddressResult(&addr.Address)
	if addr.HasBalance {
		balance := addr.Balance.ToBTC()
		res.Balance = &balance
	}
	return res, nil
}

func setAddressLabel(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Account string `json:"account"`
		Index   uint32 `json:"index"`
		Branch  string `json:"branch"`
		Label   string `json:"label"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	branch, err := parseBranch(params.Branch)
	if err != nil {
		return nil, err
	}
	addr, err := s.SetAddressLabel(ctx, params.Account, params.Index,
		branch, params.Label)
	if err != nil {
		return nil, err
	}
	return makeAddressResult(addr), nil
}

func generateAddresses(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Account   string `json:"account"`
		Branch    string `json:"branch"`
		LastIndex uint32 `json:"lastindex"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	branch, err := parseBranch(params.Branch)
	if err != nil {
		return nil, err
	}
	count, err := s.GenerateAddresses(ctx, params.Account, branch, params.LastIndex)
	if err != nil {
		return nil, err
	}
	return struct {
		Generated int `json:"generated"`
	}{Generated: count}, nil
}

func listTransactions(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		pageRequest
		Account string `json:"account"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	txs, total, err := s.Txs(ctx, params.Account, params.page())
	if err != nil {
		return nil, err
	}
	results, err := makeTxResults(txs)
	if err != nil {
		return nil, err
	}
	return struct {
		Transactions []*txResult `json:"transactions"`
		Total        int         `json:"total"`
	}{Transactions: results, Total: total}, nil
}

func listAddressTransactions(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		pageRequest
		Account string `json:"account"`
		Index   uint32 `json:"index"`
		Branch  string `json:"branch"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	branch, err := parseBranch(params.Branch)
	if err != nil {
		return nil, err
	}
	txs, total, err := s.AddrTxs(ctx, params.Account, params.Index, branch, params.page())
	if err != nil {
		return nil, err
	}
	results, err := makeTxResults(txs)
	if err != nil {
		return nil, err
	}
	return struct {
		Transactions []*txResult `json:"transactions"`
		Total        int         `json:"total"`
	}{Transactions: results, Total: total}, nil
}

func getTx(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Account string `json:"account"`
		TxID    string `json:"txid"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	hash, err := parseHash(params.TxID)
	if err != nil {
		return nil, err
	}
	info, err := s.Tx(ctx, params.Account, hash)
	if err != nil {
		return nil, err
	}
	return makeTxResult(info)
}

// deleteTx returns no result body on success; the fire-and-forget contract.
func deleteTx(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Account string `json:"account"`
		TxID    string `json:"txid"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	hash, err := parseHash(params.TxID)
	if err != nil {
		return nil, err
	}
	return nil, s.DeleteTx(ctx, params.Account, hash)
}

func getBalance(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Account string `json:"account"`
		MinConf int32  `json:"minconf"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	balance, err := s.Balance(ctx, params.Account, params.MinConf)
	if err != nil {
		return nil, err
	}
	return struct {
		Balance float64 `json:"balance"`
	}{Balance: balance.ToBTC()}, nil
}

func createTx(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Account    string `json:"account"`
		Recipients []struct {
			Address string  `json:"address"`
			Amount  float64 `json:"amount"`
		} `json:"recipients"`
		FeePerKb float64 `json:"feeperkb"`
		MinConf  int32   `json:"minconf"`
		FeePayer *int    `json:"feepayer"`
		Sign     bool    `json:"sign"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	recipients := make([]wstore.Recipient, 0, len(params.Recipients))
	for _, r := range params.Recipients {
		amount, err := btcutil.NewAmount(r.Amount)
		if err != nil || amount <= 0 {
			return nil, ErrNeedPositiveAmount
		}
		recipients = append(recipients, wstore.Recipient{
			Address: r.Address,
			Amount:  amount,
		})
	}
	feePerKb, err := btcutil.NewAmount(params.FeePerKb)
	if err != nil {
		return nil, InvalidParameterError{err}
	}
	info, err := s.TxAction(ctx, params.Account, &wallet.CreateTx{
		Recipients: recipients,
		FeePerKb:   feePerKb,
		MinConf:    params.MinConf,
		FeePayer:   params.FeePayer,
		Sign:       params.Sign,
	})
	if err != nil {
		return nil, err
	}
	return makeTxResult(info)
}

func importTx(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Account string `json:"account"`
		RawTx   string `json:"rawtx"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	msgTx, err := decodeTx(params.RawTx)
	if err != nil {
		return nil, err
	}
	info, err := s.TxAction(ctx, params.Account, &wallet.ImportTx{Tx: msgTx})
	if err != nil {
		return nil, err
	}
	return makeTxResult(info)
}

func signTx(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Account string `json:"account"`
		TxID    string `json:"txid"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	hash, err := parseHash(params.TxID)
	if err != nil {
		return nil, err
	}
	info, err := s.TxAction(ctx, params.Account, &wallet.SignTx{Hash: *hash})
	if err != nil {
		return nil, err
	}
	return makeTxResult(info)
}

// signDataResult is the JSON shape of one input's offline signing data.
type signDataResult struct {
	TxID         string  `json:"txid"`
	Vout         uint32  `json:"vout"`
	PkScript     string  `json:"pkscript"`
	RedeemScript string  `json:"redeemscript,omitempty"`
	Value        float64 `json:"value"`
	Branch       string  `json:"branch"`
	Index        uint32  `json:"index"`
}

func makeSignDataResults(data []wstore.CoinSignData) []signDataResult {
	results := make([]signDataResult, 0, len(data))
	for _, d := range data {
		results = append(results, signDataResult{
			TxID:         d.OutPoint.Hash.String(),
			Vout:         d.OutPoint.Index,
			PkScript:     hex.EncodeToString(d.PkScript),
			RedeemScript: hex.EncodeToString(d.RedeemScript),
			Value:        d.Value.ToBTC(),
			Branch:       d.Branch.String(),
			Index:        d.Index,
		})
	}
	return results
}

func parseSignData(results []signDataResult) ([]wstore.CoinSignData, error) {
	data := make([]wstore.CoinSignData, 0, len(results))
	for _, r := range results {
		hash, err := parseHash(r.TxID)
		if err != nil {
			return nil, err
		}
		pkScript, err := hex.DecodeString(r.PkScript)
		if err != nil {
			return nil, DeserializationError{
				fmt.Errorf("malformed pkscript: %v", err),
			}
		}
		var redeemScript []byte
		if r.RedeemScript != "" {
			redeemScript, err = hex.DecodeString(r.RedeemScript)
			if err != nil {
				return nil, DeserializationError{
					fmt.Errorf("malformed redeem script: %v", err),
				}
			}
		}
		value, err := btcutil.NewAmount(r.Value)
		if err != nil {
			return nil, InvalidParameterError{err}
		}
		branch, err := parseBranch(r.Branch)
		if err != nil {
			return nil, err
		}
		data = append(data, wstore.CoinSignData{
			OutPoint:     wire.OutPoint{Hash: *hash, Index: r.Vout},
			PkScript:     pkScript,
			RedeemScript: redeemScript,
			Value:        value,
			Branch:       branch,
			Index:        r.Index,
		})
	}
	return data, nil
}

func getOfflineTxData(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Account string `json:"account"`
		TxID    string `json:"txid"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	hash, err := parseHash(params.TxID)
	if err != nil {
		return nil, err
	}
	data, err := s.OfflineTxData(ctx, params.Account, hash)
	if err != nil {
		return nil, err
	}
	rawTx, err := encodeTx(data.Tx)
	if err != nil {
		return nil, err
	}
	return struct {
		RawTx    string           `json:"rawtx"`
		SignData []signDataResult `json:"signdata"`
	}{RawTx: rawTx, SignData: makeSignDataResults(data.SignData)}, nil
}

func signOfflineTx(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Account  string           `json:"account"`
		Key      string           `json:"key"`
		RawTx    string           `json:"rawtx"`
		SignData []signDataResult `json:"signdata"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	var key *hdkeychain.ExtendedKey
	if params.Key != "" {
		var err error
		key, err = hdkeychain.NewKeyFromString(params.Key)
		if err != nil {
			return nil, InvalidParameterError{
				fmt.Errorf("malformed extended key: %v", err),
			}
		}
	}
	msgTx, err := decodeTx(params.RawTx)
	if err != nil {
		return nil, err
	}
	data, err := parseSignData(params.SignData)
	if err != nil {
		return nil, err
	}
	signed, complete, err := s.SignOfflineTx(ctx, params.Account, key, msgTx, data)
	if err != nil {
		return nil, err
	}
	rawTx, err := encodeTx(signed)
	if err != nil {
		return nil, err
	}
	return struct {
		RawTx    string `json:"rawtx"`
		Complete bool   `json:"complete"`
	}{RawTx: rawTx, Complete: complete}, nil
}

func rescan(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Timestamp *int64 `json:"timestamp"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	var from *time.Time
	if params.Timestamp != nil {
		t := time.Unix(*params.Timestamp, 0)
		from = &t
	}
	res, err := s.NodeAction(ctx, &wallet.Rescan{From: from})
	if err != nil {
		return nil, err
	}
	rescanRes := res.(*wallet.RescanResult)
	return struct {
		From int64 `json:"from"`
	}{From: rescanRes.From.Unix()}, nil
}

func getNodeStatus(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	res, err := s.NodeAction(ctx, &wallet.Status{})
	if err != nil {
		return nil, err
	}
	status := res.(*wallet.NodeStatus)
	result := struct {
		BestHash         string `json:"besthash"`
		BestHeight       int32  `json:"bestheight"`
		Headers          int    `json:"headers"`
		Peers            int    `json:"peers"`
		Synced           bool   `json:"synced"`
		WalletBestHash   string `json:"walletbesthash,omitempty"`
		WalletBestHeight int32  `json:"walletbestheight,omitempty"`
	}{
		BestHash:   status.Chain.BestHash.String(),
		BestHeight: status.Chain.BestHeight,
		Headers:    status.Chain.HeaderCount,
		Peers:      status.Chain.Peers,
		Synced:     status.Chain.Synced,
	}
	if status.WalletBlock != nil {
		result.WalletBestHash = status.WalletBlock.Hash.String()
		result.WalletBestHeight = status.WalletBlock.Height
	}
	return result, nil
}

func syncBlocks(ctx context.Context, s *wallet.Session, req *btcjson.Request) (interface{}, error) {
	var params struct {
		Account    string `json:"account"`
		StartBlock string `json:"startblock"`
		MaxBlocks  int    `json:"maxblocks"`
	}
	if err := unmarshalParams(req, &params); err != nil {
		return nil, err
	}
	start, err := parseHash(params.StartBlock)
	if err != nil {
		return nil, err
	}
	bundles, err := s.SyncBlocks(ctx, params.Account, start, params.MaxBlocks)
	if err != nil {
		return nil, err
	}
	type blockResult struct {
		Hash         string      `json:"hash"`
		Height       int32       `json:"height"`
		Time         int64       `json:"time"`
		Transactions []*txResult `json:"transactions"`
	}
	results := make([]blockResult, 0, len(bundles))
	for i := range bundles {
		txs, err := makeTxResults(bundles[i].Txs)
		if err != nil {
			return nil, err
		}
		results = append(results, blockResult{
			Hash:         bundles[i].Hash.String(),
			Height:       bundles[i].Height,
			Time:         bundles[i].Time.Unix(),
			Transactions: txs,
		})
	}
	return struct {
		Blocks []blockResult `json:"blocks"`
	}{Blocks: results}, nil
}
