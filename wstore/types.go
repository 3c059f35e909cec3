// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wstore

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// AccountType distinguishes regular single-key accounts from multisig
// accounts shared with external co-signers.
type AccountType uint8

// Account types.
const (
	AccountRegular AccountType = iota
	AccountMultisig
)

// String returns the account type as a human-readable name.
func (t AccountType) String() string {
	switch t {
	case AccountRegular:
		return "regular"
	case AccountMultisig:
		return "multisig"
	default:
		return "unknown"
	}
}

// Account describes a wallet account.  Multisig accounts are complete once
// all TotalKeys co-signer keys are known; regular accounts are always
// complete.
type Account struct {
	// id keys the account's database namespace and never changes, even
	// across renames.
	id uint32

	Name         string
	Type         AccountType
	Created      time.Time
	Gap          uint32
	RequiredSigs int
	TotalKeys    int

	// Key is the extended private key generated for this wallet's share
	// of the account.  It never leaves the store.
	Key *hdkeychain.ExtendedKey

	// Keys holds the extended public keys of every co-signer, this
	// wallet's included.
	Keys []*hdkeychain.ExtendedKey
}

// Complete returns whether the account holds its full co-signer key set and
// can therefore derive addresses.
func (a *Account) Complete() bool {
	return len(a.Keys) >= a.TotalKeys
}

// AccountSpec describes the account to create with NewAccount.
type AccountSpec struct {
	Name         string
	Type         AccountType
	RequiredSigs int
	TotalKeys    int
	Gap          uint32

	// Keys are co-signer extended public keys already known at creation
	// time.  The wallet's own key is always generated and added by the
	// store.
	Keys []*hdkeychain.ExtendedKey
}

// Branch identifies the external (receiving) or internal (change) address
// chain of an account.
type Branch uint8

// Address branches.
const (
	BranchExternal Branch = 0
	BranchInternal Branch = 1
)

// String returns the branch as a human-readable name.
func (b Branch) String() string {
	if b == BranchInternal {
		return "internal"
	}
	return "external"
}

// Address describes a single derived account address.
type Address struct {
	Account string
	Index   uint32
	Branch  Branch
	Label   string
	Created time.Time

	// Addr is the rendered address for the active network.
	Addr btcutil.Address

	// PkScript pays to Addr.  RedeemScript is only set for multisig
	// accounts.
	PkScript     []byte
	RedeemScript []byte
}

// AddressBalance pairs an address index with its balance under the
// confirmation and offline policy of the requesting call.
type AddressBalance struct {
	Index   uint32
	Balance btcutil.Amount
}

// TxConfidence is the settlement state of a wallet transaction.
type TxConfidence uint8

// Transaction confidence states.
const (
	TxPending TxConfidence = iota
	TxConfirmed
	TxDead
)

// String returns the confidence as a human-readable name.
func (c TxConfidence) String() string {
	switch c {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxDead:
		return "dead"
	default:
		return "unknown"
	}
}

// TxInfo describes a transaction's effect on a single account.
type TxInfo struct {
	Hash       chainhash.Hash
	Tx         *wire.MsgTx
	Received   time.Time
	Confidence TxConfidence

	// BlockHash and BlockHeight identify the confirming block.
	// BlockHeight is -1 while unmined.
	BlockHash   *chainhash.Hash
	BlockHeight int32

	// Credits and Debits are the amounts received by and spent from this
	// account by the transaction.
	Credits btcutil.Amount
	Debits  btcutil.Amount
}

// Net returns the net effect of the transaction on the account balance.
func (t *TxInfo) Net() btcutil.Amount {
	return t.Credits - t.Debits
}

// CoinSignData carries the previous-output information an external signer
// needs to sign one input without access to wallet storage.
type CoinSignData struct {
	OutPoint     wire.OutPoint
	PkScript     []byte
	RedeemScript []byte
	Value        btcutil.Amount
	Branch       Branch
	Index        uint32
}

// OfflineTxData bundles an unsigned transaction with the signing data of
// every account-owned input.
type OfflineTxData struct {
	Tx       *wire.MsgTx
	SignData []CoinSignData
}

// Recipient names one output of a created transaction.
type Recipient struct {
	Address string
	Amount  btcutil.Amount
}

// Page bounds a listing operation.  Reverse flips the traversal direction
// without changing the window semantics.
type Page struct {
	Offset  int
	Limit   int
	Reverse bool
}

// window applies the page to a total element count, returning the start
// index and length of the visible slice in traversal order.
func (p Page) window(total int) (int, int) {
	if p.Offset >= total || p.Offset < 0 {
		return 0, 0
	}
	n := total - p.Offset
	if p.Limit > 0 && p.Limit < n {
		n = p.Limit
	}
	return p.Offset, n
}

// BlockRef identifies one block of the locally-synchronized header chain.
type BlockRef struct {
	Hash   chainhash.Hash
	Height int32
	Time   time.Time
}
