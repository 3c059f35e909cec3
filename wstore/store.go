// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wstore implements the wallet store contract on top of a walletdb
// database.  Account and address bookkeeping is kept in namespaced buckets
// while transactions and their credits are managed by a wtxmgr store nested
// inside each account's namespace.
package wstore

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

// Bucket names.  The wallet bucket holds one nested bucket per account,
// keyed by account name.
var (
	bucketMeta     = []byte("meta")
	bucketAccounts = []byte("acct")
	bucketWallet   = []byte("wallet")

	// Nested per-account buckets.
	bucketAddrsExt = []byte("addrext")
	bucketAddrsInt = []byte("addrint")
	bucketScripts  = []byte("scripts")
	bucketTxMgr    = []byte("txmgr")
	bucketDead     = []byte("dead")

	keyBestBlock = []byte("bestblock")
	keyAcctSeq   = []byte("acctseq")
)

// falsePositiveRate is the bloom filter false positive rate sent to peers.
// Lower rates leak less address information at the cost of filter size.
const falsePositiveRate = 0.0001

// DB implements the Store interface over a walletdb database.
type DB struct {
	db     walletdb.DB
	params *chaincfg.Params
}

// Compile time check to ensure DB satisfies the Store interface.
var _ Store = (*DB)(nil)

// Open prepares a walletdb database for use as a wallet store, creating the
// top-level buckets when missing.
func Open(db walletdb.DB, params *chaincfg.Params) (*DB, error) {
	err := walletdb.Update(db, func(dbtx walletdb.ReadWriteTx) error {
		for _, name := range [][]byte{bucketMeta, bucketAccounts, bucketWallet} {
			if _, err := dbtx.CreateTopLevelBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeError("failed to create wallet buckets", err)
	}
	return &DB{db: db, params: params}, nil
}

// Update runs f inside a single read-write database transaction.
func (s *DB) Update(f func(tx Tx) error) error {
	return walletdb.Update(s.db, func(dbtx walletdb.ReadWriteTx) error {
		return f(&storeTx{db: s, tx: dbtx})
	})
}

// Close releases the underlying database.
func (s *DB) Close() error {
	return s.db.Close()
}

// storeTx implements the Tx query interface over one open walletdb
// transaction.
type storeTx struct {
	db *DB
	tx walletdb.ReadWriteTx
}

// Compile time check to ensure storeTx satisfies the Tx interface.
var _ Tx = (*storeTx)(nil)

// ns returns the account's namespace bucket.  Namespaces are keyed by the
// immutable account id so renames never have to move bucket contents.
func (t *storeTx) ns(acct *Account) (walletdb.ReadWriteBucket, error) {
	wallet := t.tx.ReadWriteBucket(bucketWallet)
	ns := wallet.NestedReadWriteBucket(uint32Key(acct.id))
	if ns == nil {
		return nil, storeErrorf(nil, "missing namespace for account %q", acct.Name)
	}
	return ns, nil
}

// createNS creates a fresh namespace bucket for a new account, including its
// nested address, script and transaction buckets.
func (t *storeTx) createNS(id uint32) (walletdb.ReadWriteBucket, error) {
	wallet := t.tx.ReadWriteBucket(bucketWallet)
	ns, err := wallet.CreateBucketIfNotExists(uint32Key(id))
	if err != nil {
		return nil, storeErrorf(err, "failed to create namespace for account %d", id)
	}
	for _, nested := range [][]byte{bucketAddrsExt, bucketAddrsInt, bucketScripts, bucketDead} {
		if _, err := ns.CreateBucketIfNotExists(nested); err != nil {
			return nil, storeErrorf(err, "failed to create bucket %q", nested)
		}
	}
	txmgrNs, err := ns.CreateBucketIfNotExists(bucketTxMgr)
	if err != nil {
		return nil, storeError("failed to create txmgr namespace", err)
	}
	if err := wtxmgr.Create(txmgrNs); err != nil {
		return nil, storeError("failed to create transaction store", err)
	}
	return ns, nil
}

// txStore opens the wtxmgr store of an account namespace.
func (t *storeTx) txStore(ns walletdb.ReadWriteBucket) (*wtxmgr.Store, walletdb.ReadWriteBucket, error) {
	txmgrNs := ns.NestedReadWriteBucket(bucketTxMgr)
	txs, err := wtxmgr.Open(txmgrNs, t.db.params)
	if err != nil {
		return nil, nil, storeError("failed to open transaction store", err)
	}
	return txs, txmgrNs, nil
}

// addrBucket returns the address bucket of a branch inside an account
// namespace.
func addrBucket(ns walletdb.ReadWriteBucket, branch Branch) walletdb.ReadWriteBucket {
	if branch == BranchInternal {
		return ns.NestedReadWriteBucket(bucketAddrsInt)
	}
	return ns.NestedReadWriteBucket(bucketAddrsExt)
}

// BestBlock returns the tip of the locally-synchronized chain as known to
// the store.  A wallet that has never processed a block reports the genesis
// block.
func (t *storeTx) BestBlock() (*BlockRef, error) {
	meta := t.tx.ReadWriteBucket(bucketMeta)
	v := meta.Get(keyBestBlock)
	if v == nil {
		genesis := t.db.params.GenesisBlock
		return &BlockRef{
			Hash:   *t.db.params.GenesisHash,
			Height: 0,
			Time:   genesis.Header.Timestamp,
		}, nil
	}
	if len(v) != chainhash.HashSize+12 {
		return nil, storeError("malformed best block record", nil)
	}
	var ref BlockRef
	copy(ref.Hash[:], v[:chainhash.HashSize])
	ref.Height = int32(binary.BigEndian.Uint32(v[chainhash.HashSize:]))
	ref.Time = time.Unix(int64(binary.BigEndian.Uint64(v[chainhash.HashSize+4:])), 0)
	return &ref, nil
}

// SetBestBlock records a new chain tip.
func (t *storeTx) SetBestBlock(ref *BlockRef) error {
	v := make([]byte, chainhash.HashSize+12)
	copy(v, ref.Hash[:])
	binary.BigEndian.PutUint32(v[chainhash.HashSize:], uint32(ref.Height))
	binary.BigEndian.PutUint64(v[chainhash.HashSize+4:], uint64(ref.Time.Unix()))
	meta := t.tx.ReadWriteBucket(bucketMeta)
	if err := meta.Put(keyBestBlock, v); err != nil {
		return storeError("failed to store best block", err)
	}
	return nil
}

// ResetRescan rewinds the stored chain tip to the genesis block so that
// blocks delivered after a rescan restart are processed again.
func (t *storeTx) ResetRescan() error {
	meta := t.tx.ReadWriteBucket(bucketMeta)
	if err := meta.Delete(keyBestBlock); err != nil {
		return storeError("failed to reset best block", err)
	}
	return nil
}

// FirstAddrTime returns the creation time of the earliest-ever generated
// address across all accounts, or nil for a wallet without addresses.
func (t *storeTx) FirstAddrTime() (*time.Time, error) {
	var earliest *time.Time
	wallet := t.tx.ReadWriteBucket(bucketWallet)
	err := wallet.ForEach(func(name, v []byte) error {
		if v != nil {
			return nil
		}
		ns := wallet.NestedReadWriteBucket(name)
		for _, branch := range []Branch{BranchExternal, BranchInternal} {
			err := addrBucket(ns, branch).ForEach(func(_, av []byte) error {
				addr, err := deserializeAddress(av, t.db.params)
				if err != nil {
					return err
				}
				if earliest == nil || addr.Created.Before(*earliest) {
					created := addr.Created
					earliest = &created
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeError("failed to scan address creation times", err)
	}
	return earliest, nil
}

// BloomFilter builds a filter matching every generated address and unspent
// outpoint across all accounts.
func (t *storeTx) BloomFilter() (*bloom.Filter, error) {
	type acctData struct {
		elements [][]byte
		ops      []wire.OutPoint
	}
	var data acctData

	wallet := t.tx.ReadWriteBucket(bucketWallet)
	err := wallet.ForEach(func(name, v []byte) error {
		if v != nil {
			return nil
		}
		ns := wallet.NestedReadWriteBucket(name)

		// Watch the data pushes of every generated address.  For
		// pay-to-script-hash addresses the script hash is matched on
		// relay; hash160 data covers pay-to-pubkey-hash.
		err := ns.NestedReadWriteBucket(bucketScripts).ForEach(func(pkScript, _ []byte) error {
			_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, t.db.params)
			if err != nil {
				return err
			}
			for _, a := range addrs {
				data.elements = append(data.elements, a.ScriptAddress())
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Watch unspent outpoints so spends of wallet coins relay.
		txs, txmgrNs, err := t.txStore(ns)
		if err != nil {
			return err
		}
		unspent, err := txs.UnspentOutputs(txmgrNs)
		if err != nil {
			return err
		}
		for i := range unspent {
			data.ops = append(data.ops, unspent[i].OutPoint)
		}
		return nil
	})
	if err != nil {
		return nil, storeError("failed to collect bloom filter elements", err)
	}

	n := len(data.elements) + len(data.ops)
	if n == 0 {
		n = 1
	}
	var tweakBytes [4]byte
	if _, err := rand.Read(tweakBytes[:]); err != nil {
		return nil, storeError("failed to generate filter tweak", err)
	}
	tweak := binary.LittleEndian.Uint32(tweakBytes[:])

	filter := bloom.NewFilter(uint32(n), tweak, falsePositiveRate,
		wire.BloomUpdateAll)
	for _, e := range data.elements {
		filter.Add(e)
	}
	for i := range data.ops {
		filter.AddOutPoint(&data.ops[i])
	}
	return filter, nil
}

// uint32Key renders a big-endian bucket key so cursor order follows numeric
// order.
func uint32Key(i uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], i)
	return k[:]
}

// putVarBytes appends a length-prefixed byte slice.
func putVarBytes(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

// readVarBytes reads a length-prefixed byte slice, advancing the reader.
func readVarBytes(r *bytes.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := r.Read(l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(l[:])
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
