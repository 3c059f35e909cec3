// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wstore

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Store provides bounded transactional access to the wallet database.  Every
// logical operation runs as exactly one database transaction through Update.
type Store interface {
	// Update runs f inside a single read-write database transaction,
	// committing on a nil return and rolling back otherwise.
	Update(f func(tx Tx) error) error

	// Close releases the underlying database.
	Close() error
}

// Tx is the set of wallet queries available inside one store transaction.
// Mutating calls made through a Tx are atomic with respect to each other:
// either the whole operation commits or none of it does.
type Tx interface {
	// Account returns the named account, or ErrAccountNotFound.
	Account(name string) (*Account, error)

	// Accounts returns a page of accounts and the total account count.
	Accounts(page Page) ([]Account, int, error)

	// NewAccount creates an account from spec and returns it together
	// with the recovery phrase of the generated wallet key.
	NewAccount(spec *AccountSpec) (*Account, string, error)

	// RenameAccount renames an existing account.  The old name must
	// resolve; no account is implicitly created.
	RenameAccount(oldName, newName string) (*Account, error)

	// AddAccountKeys adds co-signer extended public keys to a multisig
	// account and returns the updated account.
	AddAccountKeys(name string, keys []*hdkeychain.ExtendedKey) (*Account, error)

	// SetAccountGap updates the address look-ahead gap of an account,
	// generating additional look-ahead addresses as needed.
	SetAccountGap(name string, gap uint32) (*Account, error)

	// Addresses returns a page of the account's visible (non-look-ahead)
	// addresses on a branch plus the total visible count.
	Addresses(account string, branch Branch, page Page) ([]Address, int, error)

	// UnusedAddresses returns a page of the account's look-ahead
	// addresses on a branch plus the total look-ahead count.
	UnusedAddresses(account string, branch Branch, page Page) ([]Address, int, error)

	// Address returns a single generated address by index and branch.
	Address(account string, index uint32, branch Branch) (*Address, error)

	// SetAddressLabel updates the label of a generated address.
	SetAddressLabel(account string, index uint32, branch Branch,
		label string) (*Address, error)

	// GenerateAddresses extends the account's generated addresses on a
	// branch through lastIndex, returning how many were newly created.
	GenerateAddresses(account string, branch Branch,
		lastIndex uint32) (int, []Address, error)

	// AddressBalances returns the balance of each address in the page
	// window, computed over the given minimum confirmations.  When
	// offline is true, unmined outputs are included.
	AddressBalances(account string, branch Branch, page Page, minConf int32,
		offline bool) ([]AddressBalance, error)

	// Txs returns a page of the account's transactions plus the total
	// count.
	Txs(account string, page Page) ([]TxInfo, int, error)

	// AddrTxs returns a page of the transactions touching one address.
	AddrTxs(account string, index uint32, branch Branch,
		page Page) ([]TxInfo, int, error)

	// Tx returns the account's record of a transaction, or
	// ErrTxNotFound.
	Tx(account string, hash *chainhash.Hash) (*TxInfo, error)

	// DeleteTx removes an unmined transaction record.
	DeleteTx(account string, hash *chainhash.Hash) error

	// Balance returns the account balance over the given minimum
	// confirmations, including unmined outputs when offline is true.
	Balance(account string, minConf int32, offline bool) (btcutil.Amount, error)

	// CreateTx builds, and if sign is true signs, a new transaction
	// paying recipients, selecting inputs with at least minConf
	// confirmations.  When feePayer is non-nil the fee is deducted from
	// that recipient's output instead of the account balance.  It
	// returns the resulting record and any newly generated addresses.
	CreateTx(account string, recipients []Recipient, feePerKb btcutil.Amount,
		minConf int32, feePayer *int, sign bool) (*TxInfo, []Address, error)

	// ImportTx records the effect of an externally-built transaction on
	// the account.  It returns ErrTxNoEffect if the transaction touches
	// no address or coin of the account.
	ImportTx(account string, tx *wire.MsgTx) (*TxInfo, []Address, error)

	// SignTx completes a previously imported pending transaction with
	// the account's keys, under the same no-effect contract as ImportTx.
	SignTx(account string, hash *chainhash.Hash) (*TxInfo, []Address, error)

	// OfflineTxData returns the previous-output data needed to sign the
	// account-owned inputs of a pending transaction externally.
	OfflineTxData(account string, hash *chainhash.Hash) (*OfflineTxData, error)

	// ApplyTx records a network-relayed transaction against every
	// account it affects.  ref identifies the confirming block for mined
	// transactions and is nil for mempool relays.  Transactions affecting
	// no account (filter false positives) are skipped without error.
	ApplyTx(tx *wire.MsgTx, ref *BlockRef) ([]Address, error)

	// BestBlock returns the tip of the locally-synchronized chain as
	// known to the store, which is the genesis block for a new wallet.
	BestBlock() (*BlockRef, error)

	// SetBestBlock records a new chain tip.
	SetBestBlock(ref *BlockRef) error

	// AccountTxsFromHeight returns the account's transactions confirmed
	// at or above the given height, in ascending height order.
	AccountTxsFromHeight(account string, height int32) ([]TxInfo, error)

	// FirstAddrTime returns the creation time of the earliest-ever
	// generated address, or nil if the wallet has no addresses.
	FirstAddrTime() (*time.Time, error)

	// ResetRescan resets the storage-side rescan bookkeeping so blocks
	// received after a rescan restart are processed again.
	ResetRescan() error

	// BloomFilter builds a filter matching every generated address and
	// unspent outpoint across all accounts.
	BloomFilter() (*bloom.Filter, error)
}
